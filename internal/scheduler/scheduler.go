package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one unit of work dispatched to the worker pool, typically a
// single agent's sweep.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Job is a periodic sweep. On every tick Expand enumerates the tasks to
// run; ticks never overlap, a tick that outlasts its interval simply
// delays the next one.
type Job struct {
	Name     string
	Interval time.Duration
	Expand   func(ctx context.Context) ([]Task, error)
}

// Options tune scheduler behaviour.
type Options struct {
	Workers      int
	MaxAttempts  int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	DrainTimeout time.Duration
	StartupDelay time.Duration
}

// Scheduler drives the periodic jobs over a bounded worker pool. Task
// failures are retried with exponential backoff and never abort the tick.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	tasks  chan poolTask
}

type poolTask struct {
	job  string
	task Task
	done *sync.WaitGroup
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		tasks:  make(chan poolTask),
	}
}

// Run blocks, ticking every job until ctx is cancelled. On cancellation it
// stops accepting ticks and gives in-flight tasks DrainTimeout to finish.
func (s *Scheduler) Run(ctx context.Context, jobs ...Job) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	var workers sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.worker(ctx)
		}()
	}

	var loops sync.WaitGroup
	for _, job := range jobs {
		if job.Interval <= 0 {
			s.logger.Warn().Str("job", job.Name).Msg("job disabled, no interval")
			continue
		}
		loops.Add(1)
		go func(job Job) {
			defer loops.Done()
			s.jobLoop(ctx, job)
		}(job)
	}

	<-ctx.Done()
	loops.Wait()
	close(s.tasks)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.opts.DrainTimeout):
		s.logger.Warn().Dur("timeout", s.opts.DrainTimeout).Msg("drain timeout, abandoning in-flight tasks")
	}

	return ctx.Err()
}

func (s *Scheduler) jobLoop(ctx context.Context, job Job) {
	logger := s.logger.With().Str("job", job.Name).Logger()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Blocking here until the tick drains keeps ticks from overlapping.
		s.runTick(ctx, job, logger)
	}
}

func (s *Scheduler) runTick(ctx context.Context, job Job, logger zerolog.Logger) {
	started := time.Now()
	tasks, err := job.Expand(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("tick expansion failed")
		return
	}

	var done sync.WaitGroup
	for _, task := range tasks {
		done.Add(1)
		select {
		case s.tasks <- poolTask{job: job.Name, task: task, done: &done}:
		case <-ctx.Done():
			done.Done()
		}
	}
	done.Wait()

	logger.Debug().
		Int("tasks", len(tasks)).
		Dur("elapsed", time.Since(started)).
		Msg("tick drained")
}

func (s *Scheduler) worker(ctx context.Context) {
	for pt := range s.tasks {
		s.runTask(ctx, pt)
		pt.done.Done()
	}
}

// runTask executes one task with bounded retries. A task that exhausts its
// attempts is logged and dropped; the rest of the tick is unaffected.
func (s *Scheduler) runTask(ctx context.Context, pt poolTask) {
	logger := s.logger.With().Str("job", pt.job).Str("task", pt.task.Name).Logger()

	backoff := s.opts.RetryBackoff
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		err := pt.task.Run(ctx)
		if err == nil {
			return
		}
		if attempt == s.opts.MaxAttempts {
			logger.Error().Err(err).Int("attempts", attempt).Msg("task failed, giving up")
			return
		}

		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("task failed, retrying")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if s.opts.MaxBackoff > 0 && backoff > s.opts.MaxBackoff {
			backoff = s.opts.MaxBackoff
		}
	}
}

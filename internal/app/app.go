package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/0toBillions/clawtrade/internal/bus"
	"github.com/0toBillions/clawtrade/internal/chain"
	"github.com/0toBillions/clawtrade/internal/config"
	"github.com/0toBillions/clawtrade/internal/indexer"
	"github.com/0toBillions/clawtrade/internal/pricing"
	"github.com/0toBillions/clawtrade/internal/ratelimit"
	"github.com/0toBillions/clawtrade/internal/scheduler"
	"github.com/0toBillions/clawtrade/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, pool.Close, nil
}

func (a *App) openRedis(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Address,
		Username: a.Config.Redis.Username,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (a *App) newReader() *chain.Reader {
	return chain.NewReader(chain.Options{
		RPCURL:  a.Config.Chain.RPCURL,
		Timeout: a.Config.Chain.RequestTimeout,
	}, a.Logger)
}

func (a *App) newResolver(reader *chain.Reader) *pricing.Resolver {
	pairs := make(map[common.Address]pricing.Pair, len(a.Config.Pricing.Pairs))
	for _, pair := range a.Config.Pricing.Pairs {
		pairs[common.HexToAddress(pair.Token)] = pricing.Pair{
			Pool: common.HexToAddress(pair.Pool),
			Base: common.HexToAddress(pair.Base),
		}
	}

	stables := make([]common.Address, 0, len(a.Config.Chain.Stablecoins))
	for _, addr := range a.Config.Chain.Stablecoins {
		stables = append(stables, common.HexToAddress(addr))
	}

	cache := pricing.NewCache(a.Config.Pricing.CacheTTL)
	return pricing.NewResolver(pricing.Options{
		WrappedNative:  common.HexToAddress(a.Config.Chain.WrappedNative),
		Stablecoins:    stables,
		Pairs:          pairs,
		SpotFeedURL:    a.Config.Pricing.SpotFeedURL,
		SpotTimeout:    a.Config.Pricing.SpotFeedTimeout,
		NativeFallback: decimal.NewFromFloat(a.Config.Pricing.NativeFallback),
	}, cache, reader, a.Logger)
}

// refreshTokens lists the tokens the periodic price sweep keeps warm. When
// none are configured explicitly it falls back to the wrapped native asset
// plus every token with a configured pool.
func (a *App) refreshTokens() []common.Address {
	if len(a.Config.Pricing.RefreshTokens) > 0 {
		tokens := make([]common.Address, 0, len(a.Config.Pricing.RefreshTokens))
		for _, addr := range a.Config.Pricing.RefreshTokens {
			tokens = append(tokens, common.HexToAddress(addr))
		}
		return tokens
	}

	tokens := []common.Address{common.HexToAddress(a.Config.Chain.WrappedNative)}
	for _, pair := range a.Config.Pricing.Pairs {
		tokens = append(tokens, common.HexToAddress(pair.Token))
	}
	return tokens
}

func (a *App) jobs(ix *indexer.Indexer, resolver *pricing.Resolver, agents storage.AgentStore) []scheduler.Job {
	indexJob := scheduler.Job{
		Name:     "index-sweep",
		Interval: a.Config.Scheduler.IndexInterval,
		Expand: func(ctx context.Context) ([]scheduler.Task, error) {
			list, err := agents.ListAgents(ctx)
			if err != nil {
				return nil, fmt.Errorf("list agents: %w", err)
			}
			tasks := make([]scheduler.Task, 0, len(list))
			for _, agent := range list {
				agent := agent
				tasks = append(tasks, scheduler.Task{
					Name: fmt.Sprintf("agent-%d", agent.ID),
					Run: func(ctx context.Context) error {
						return ix.IndexAgent(ctx, agent)
					},
				})
			}
			return tasks, nil
		},
	}

	priceJob := scheduler.Job{
		Name:     "price-refresh",
		Interval: a.Config.Pricing.RefreshInterval,
		Expand: func(ctx context.Context) ([]scheduler.Task, error) {
			tokens := a.refreshTokens()
			tasks := make([]scheduler.Task, 0, len(tokens))
			for _, token := range tokens {
				token := token
				tasks = append(tasks, scheduler.Task{
					Name: "refresh-" + token.Hex(),
					Run: func(ctx context.Context) error {
						resolver.Refresh(ctx, token)
						return nil
					},
				})
			}
			return tasks, nil
		},
	}

	return []scheduler.Job{indexJob, priceJob}
}

// Run executes the long-running ingestion and distribution service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	rdb, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	reader := a.newReader()
	defer reader.Close()
	resolver := a.newResolver(reader)

	hub := bus.NewHub(a.Config.Realtime.SendBufferSize, a.Logger)
	eventBus := bus.New(hub, rdb, a.Config.Realtime.Channel, a.Logger)
	wsServer := bus.NewServer(hub, bus.ServerOptions{
		JWTSecret:    a.Config.Realtime.JWTSecret,
		WriteTimeout: a.Config.Realtime.WriteTimeout,
	}, a.Logger)

	var wsHandler http.Handler = wsServer.Handler()
	if a.Config.RateLimit.Enabled {
		limiter := ratelimit.New(rdb, ratelimit.Options{
			KeyPrefix: a.Config.Redis.KeyPrefix,
			Limit:     a.Config.RateLimit.Limit,
			Window:    a.Config.RateLimit.Window,
		}, a.Logger)
		wsHandler = limiter.Middleware("ws", wsHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{Addr: a.Config.Realtime.ListenAddr, Handler: mux}

	ix := indexer.New(store, store, reader, resolver, eventBus, indexer.Options{
		LookbackBlocks: a.Config.Indexer.LookbackBlocks,
		MaxBlockSpan:   a.Config.Indexer.MaxBlockSpan,
	}, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Workers:      a.Config.Scheduler.Workers,
		MaxAttempts:  a.Config.Scheduler.MaxAttempts,
		RetryBackoff: a.Config.Scheduler.RetryBackoff,
		MaxBackoff:   a.Config.Scheduler.MaxBackoff,
		DrainTimeout: a.Config.Scheduler.DrainTimeout,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Str("subsystem", name).Msg("subsystem terminated")
				select {
				case errCh <- err:
				default:
				}
				stop()
			}
		}()
	}

	start("bus", eventBus.Run)
	start("scheduler", func(ctx context.Context) error {
		return sched.Run(ctx, a.jobs(ix, resolver, store)...)
	})

	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	a.Logger.Info().Str("addr", a.Config.Realtime.ListenAddr).Msg("realtime endpoint listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		wg.Wait()
		return err
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
	}

	a.Logger.Info().Msg("service stopped")
	return nil
}

// BackfillOptions configure a manual rescan of a block range.
type BackfillOptions struct {
	FromBlock uint64
	ToBlock   uint64
	AgentID   int64
	DryRun    bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	AgentID int64
	Limit   int
}

// ExportOptions hold parameters for exporting an agent's trade history.
type ExportOptions struct {
	AgentID   int64
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

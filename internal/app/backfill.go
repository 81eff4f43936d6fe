package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/0toBillions/clawtrade/internal/indexer"
	"github.com/0toBillions/clawtrade/internal/storage"
)

// Backfill rescans an explicit block range, for one agent or for all of
// them. Already-indexed trades in the range are skipped, so overlapping a
// previous scan is safe.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.FromBlock == 0 || opts.ToBlock == 0 {
		return errors.New("--from-block and --to-block must be provided")
	}
	if opts.FromBlock > opts.ToBlock {
		return errors.New("--from-block must not exceed --to-block")
	}

	if opts.DryRun {
		a.Logger.Warn().Msg("dry run: nothing will be written")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	reader := a.newReader()
	defer reader.Close()
	resolver := a.newResolver(reader)

	// Backfill runs without the event bus; replayed history should not be
	// pushed to live subscribers.
	ix := indexer.New(store, store, reader, resolver, nil, indexer.Options{
		LookbackBlocks: a.Config.Indexer.LookbackBlocks,
		MaxBlockSpan:   a.Config.Indexer.MaxBlockSpan,
	}, a.Logger)

	agents, err := a.backfillAgents(ctx, store, opts.AgentID)
	if err != nil {
		return err
	}

	total := 0
	failed := 0
	for _, agent := range agents {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		indexed, err := ix.ScanRange(ctx, agent, opts.FromBlock, opts.ToBlock, opts.DryRun)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Int64("agent_id", agent.ID).Msg("backfill failed for agent")
			continue
		}
		total += indexed
	}

	a.Logger.Info().
		Int("agents", len(agents)).
		Int("failed", failed).
		Int("trades", total).
		Msg("backfill finished")

	if failed > 0 {
		return fmt.Errorf("backfill failed for %d of %d agents", failed, len(agents))
	}
	return nil
}

func (a *App) backfillAgents(ctx context.Context, store *storage.Store, agentID int64) ([]storage.Agent, error) {
	if agentID > 0 {
		agent, err := store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		return []storage.Agent{agent}, nil
	}
	return store.ListAgents(ctx)
}

package store

import (
	"context"
	"time"

	"crosslink/internal/core"
)

// Exporter yields the state to persist. Satisfied by the ledger.
type Exporter interface {
	Export() *core.LedgerState
}

// Persister snapshots the ledger to the store on an interval and once more
// on shutdown.
type Persister struct {
	store    core.IStateStore
	exporter Exporter
	interval time.Duration
	logger   core.ILogger
}

func NewPersister(store core.IStateStore, exporter Exporter, interval time.Duration, logger core.ILogger) *Persister {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Persister{
		store:    store,
		exporter: exporter,
		interval: interval,
		logger:   logger.WithField("component", "persister"),
	}
}

func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// final snapshot; the run context is gone so use a fresh one
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := p.save(saveCtx)
			cancel()
			if err != nil {
				p.logger.Error("Final state save failed", "error", err)
				return err
			}
			p.logger.Info("Saved final ledger snapshot")
			return nil
		case <-ticker.C:
			if err := p.save(ctx); err != nil {
				p.logger.Error("Periodic state save failed", "error", err)
			}
		}
	}
}

func (p *Persister) save(ctx context.Context) error {
	state := p.exporter.Export()
	return p.store.SaveState(ctx, state)
}

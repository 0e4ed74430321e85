package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"crosslink/internal/core"
	"crosslink/internal/ledger"
	apperrors "crosslink/pkg/errors"
	"crosslink/pkg/telemetry"
)

const (
	// DefaultDedupWindow covers upstream redelivery across consumer restarts.
	DefaultDedupWindow = 24 * time.Hour

	cleanupInterval = time.Minute
)

// Ingestor deduplicates and applies incoming fills. The per-key fill window
// inside the ledger is bounded, so a second dedup layer with a time horizon
// sits in front of it: a fill id seen within the window is dropped without
// touching the ledger.
type Ingestor struct {
	ledger *ledger.Ledger
	window time.Duration
	logger core.ILogger

	updateMu       sync.RWMutex
	processedFills map[int64]time.Time
}

func New(l *ledger.Ledger, window time.Duration, logger core.ILogger) *Ingestor {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Ingestor{
		ledger:         l,
		window:         window,
		logger:         logger.WithField("component", "ingest"),
		processedFills: make(map[int64]time.Time),
	}
}

// Process applies one fill. Duplicates are a silent no-op; a halted or
// inconsistent key surfaces as an error so the caller can decide whether to
// park or drop the message.
func (in *Ingestor) Process(ctx context.Context, f core.Fill) error {
	in.updateMu.RLock()
	_, seen := in.processedFills[f.ID]
	in.updateMu.RUnlock()
	if seen {
		in.logger.Debug("Skipping duplicate fill", "fill_id", f.ID)
		telemetry.GetGlobalMetrics().RecordFillDuplicate(ctx)
		return nil
	}

	_, err := in.ledger.ApplyFill(f)
	if err != nil {
		if errors.Is(err, apperrors.ErrDuplicateFill) {
			// already in the key's fill window; remember it here too
			in.markProcessed(f.ID)
			return nil
		}
		return err
	}

	// Mark only after a successful apply so a transient failure can be
	// retried with the same id.
	in.markProcessed(f.ID)
	return nil
}

func (in *Ingestor) markProcessed(id int64) {
	in.updateMu.Lock()
	in.processedFills[id] = time.Now()
	in.updateMu.Unlock()
}

// Run periodically expires dedup entries older than the window.
func (in *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			in.cleanup()
		}
	}
}

func (in *Ingestor) cleanup() {
	now := time.Now()
	in.updateMu.Lock()
	for id, ts := range in.processedFills {
		if now.Sub(ts) > in.window {
			delete(in.processedFills, id)
		}
	}
	in.updateMu.Unlock()
}

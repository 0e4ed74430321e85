package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crosslink/internal/core"
	"crosslink/pkg/concurrency"
	apperrors "crosslink/pkg/errors"
	"crosslink/pkg/fixedpoint"
	"crosslink/pkg/telemetry"
)

// Config controls per-key bookkeeping limits.
type Config struct {
	// RecentFillsCap bounds the per-key fill window retained in memory.
	RecentFillsCap int
	// MaxExpMagnitude bounds |decimal| on every fill amount.
	MaxExpMagnitude int32
	// OnHalt, when set, is invoked once per key as it fails closed. It runs
	// inside the shard critical section and must not block.
	OnHalt func(key core.Key, cause error)
}

// Ledger is the authoritative position book. State is sharded by
// (onBehalfOf, instrument) key; each shard serializes its own mutations so
// per-key update order is total while unrelated keys proceed concurrently.
type Ledger struct {
	mu     sync.RWMutex
	shards map[core.Key]*shard

	cfg    Config
	sink   core.UpdateSink
	pool   *concurrency.WorkerPool
	logger core.ILogger

	halted int64
}

// New creates a ledger publishing state transitions to sink. sink may be nil
// when no subscriber fan-out is needed (restore tooling, tests).
func New(cfg Config, sink core.UpdateSink, pool *concurrency.WorkerPool, logger core.ILogger) *Ledger {
	if cfg.RecentFillsCap <= 0 {
		cfg.RecentFillsCap = 64
	}
	if cfg.MaxExpMagnitude <= 0 {
		cfg.MaxExpMagnitude = fixedpoint.DefaultMaxExpMagnitude
	}
	return &Ledger{
		shards: make(map[core.Key]*shard),
		cfg:    cfg,
		sink:   sink,
		pool:   pool,
		logger: logger.WithField("component", "ledger"),
	}
}

func (l *Ledger) getOrCreate(key core.Key) *shard {
	l.mu.RLock()
	s, ok := l.shards[key]
	l.mu.RUnlock()
	if ok {
		return s
	}

	l.mu.Lock()
	s, ok = l.shards[key]
	if !ok {
		s = newShard(key)
		l.shards[key] = s
		telemetry.GetGlobalMetrics().SetLedgerKeyCounts(int64(len(l.shards)), l.halted)
	}
	l.mu.Unlock()
	return s
}

func (l *Ledger) get(key core.Key) (*shard, bool) {
	l.mu.RLock()
	s, ok := l.shards[key]
	l.mu.RUnlock()
	return s, ok
}

// publishLocked emits an update while the shard lock is held. The sink must
// never block; per-key ordering depends on emission happening inside the
// critical section.
func (l *Ledger) publishLocked(u core.Update) {
	if l.sink != nil {
		l.sink.Publish(u)
	}
}

func (l *Ledger) haltLocked(s *shard, cause error) {
	if s.state.Halted {
		return
	}
	s.state.Halted = true
	l.mu.Lock()
	l.halted++
	telemetry.GetGlobalMetrics().SetLedgerKeyCounts(int64(len(l.shards)), l.halted)
	l.mu.Unlock()
	l.logger.Error("Halting key after ledger inconsistency",
		"on_behalf_of", s.state.Key.OnBehalfOf,
		"instrument", s.state.Key.Instrument,
		"error", cause)
	if l.cfg.OnHalt != nil {
		l.cfg.OnHalt(s.state.Key, cause)
	}
}

// AcceptTarget applies the sequencing rules for a new target position.
// valid/reason carry the caller's semantic validation verdict; the sequence
// check itself happens here, atomically with the state mutation, so
// last_seq_accepted can never regress under concurrent submissions.
//
// A semantically invalid target that passes the sequence check still advances
// last_seq_accepted: the submitter consumed that sequence number and a retry
// must use a fresh one.
func (l *Ledger) AcceptTarget(rec core.TargetPosition, valid bool, reason core.RejectReason) core.Outcome {
	s := l.getOrCreate(rec.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := core.Outcome{Key: rec.Key, Seq: rec.Seq}

	if s.state.Halted {
		out.Reason = core.RejectReasonUnknown
		out.Err = apperrors.ErrLedgerHalted.Error()
		telemetry.GetGlobalMetrics().RecordTargetRejected(context.Background(), out.Reason.String())
		return out
	}

	if rec.Seq <= s.state.LastSeqAccepted {
		out.Reason = core.RejectReasonSeqTooOld
		telemetry.GetGlobalMetrics().RecordTargetRejected(context.Background(), out.Reason.String())
		return out
	}
	s.state.LastSeqAccepted = rec.Seq

	if !valid {
		out.Reason = reason
		telemetry.GetGlobalMetrics().RecordTargetRejected(context.Background(), out.Reason.String())
		return out
	}

	qty := rec.Quantity
	s.state.CurrentTarget = &qty
	s.state.CurrentTargetSeq = rec.Seq
	s.state.LastUpdateTime = rec.TargetTimestamp
	s.state.UpdateSeq++

	pos := s.clone()
	l.publishLocked(core.Update{
		Kind:     core.UpdateKindPosition,
		Key:      rec.Key,
		Seq:      s.state.UpdateSeq,
		Position: &pos,
	})

	out.Confirmed = true
	telemetry.GetGlobalMetrics().RecordTargetAccepted(context.Background())
	return out
}

// ApplyFill mutates the position for the fill's key. Application is
// idempotent over the retained fill window; a fill that cannot be applied
// consistently halts the key rather than guessing.
func (l *Ledger) ApplyFill(f core.Fill) (core.Update, error) {
	start := time.Now()
	s := l.getOrCreate(f.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Halted {
		return core.Update{}, fmt.Errorf("fill %d for %s/%d: %w",
			f.ID, f.Key.OnBehalfOf, f.Key.Instrument, apperrors.ErrLedgerHalted)
	}

	if s.hasFill(f.ID) {
		telemetry.GetGlobalMetrics().RecordFillDuplicate(context.Background())
		return core.Update{}, apperrors.ErrDuplicateFill
	}

	if err := f.Quantity.Validate(l.cfg.MaxExpMagnitude); err != nil {
		l.haltLocked(s, err)
		return core.Update{}, fmt.Errorf("fill %d quantity: %w", f.ID, apperrors.ErrLedgerHalted)
	}
	if err := f.Value.Validate(l.cfg.MaxExpMagnitude); err != nil {
		l.haltLocked(s, err)
		return core.Update{}, fmt.Errorf("fill %d value: %w", f.ID, apperrors.ErrLedgerHalted)
	}

	newQty, err := s.state.Quantity.Add(f.Quantity)
	if err != nil {
		l.haltLocked(s, err)
		return core.Update{}, fmt.Errorf("fill %d accumulate: %w", f.ID, apperrors.ErrLedgerHalted)
	}

	s.state.Quantity = newQty
	s.appendFill(f.FillRecord, l.cfg.RecentFillsCap)
	s.state.LastUpdateTime = f.Timestamp
	s.state.UpdateSeq++

	rec := f.FillRecord
	u := core.Update{
		Kind: core.UpdateKindFill,
		Key:  f.Key,
		Seq:  s.state.UpdateSeq,
		Fill: &rec,
	}
	l.publishLocked(u)

	telemetry.GetGlobalMetrics().RecordFillApplied(context.Background())
	telemetry.GetGlobalMetrics().RecordApplyLatency(context.Background(), float64(time.Since(start).Microseconds())/1000.0)
	return u, nil
}

// Cancel clears the outstanding target for the key. The accumulated position
// quantity is untouched; only the target goes away. Returns the sequence of
// the cancelled target, or false when there was nothing to cancel.
func (l *Ledger) Cancel(key core.Key) (uint64, bool) {
	s, ok := l.get(key)
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.CurrentTarget == nil {
		return 0, false
	}

	seq := s.state.CurrentTargetSeq
	s.state.CurrentTarget = nil
	s.state.CurrentTargetSeq = 0
	s.state.UpdateSeq++

	pos := s.clone()
	l.publishLocked(core.Update{
		Kind:     core.UpdateKindPosition,
		Key:      key,
		Seq:      s.state.UpdateSeq,
		Position: &pos,
	})
	return seq, true
}

// CancelAll cancels outstanding targets for an owner. With no instruments
// given it sweeps every key the owner has; otherwise only the listed ones.
// Results are sorted by instrument id.
func (l *Ledger) CancelAll(onBehalfOf string, instruments []int64) []core.CancelledTarget {
	var keys []core.Key
	if len(instruments) == 0 {
		l.mu.RLock()
		for k := range l.shards {
			if k.OnBehalfOf == onBehalfOf {
				keys = append(keys, k)
			}
		}
		l.mu.RUnlock()
	} else {
		for _, inst := range instruments {
			keys = append(keys, core.Key{OnBehalfOf: onBehalfOf, Instrument: inst})
		}
	}

	var (
		resMu     sync.Mutex
		cancelled []core.CancelledTarget
		wg        sync.WaitGroup
	)
	for _, key := range keys {
		key := key
		task := func() {
			defer wg.Done()
			if seq, ok := l.Cancel(key); ok {
				resMu.Lock()
				cancelled = append(cancelled, core.CancelledTarget{Key: key, Seq: seq})
				resMu.Unlock()
			}
		}
		wg.Add(1)
		if l.pool != nil {
			if err := l.pool.Submit(task); err != nil {
				l.logger.Warn("Cancel fan-out pool full, running inline", "error", err)
				task()
			}
		} else {
			task()
		}
	}
	wg.Wait()

	sort.Slice(cancelled, func(i, j int) bool {
		return cancelled[i].Key.Instrument < cancelled[j].Key.Instrument
	})
	if len(cancelled) > 0 {
		telemetry.GetGlobalMetrics().RecordTargetsCancelled(context.Background(), int64(len(cancelled)))
	}
	return cancelled
}

// Snapshot returns deep copies of every position held for an owner, sorted
// by instrument id.
func (l *Ledger) Snapshot(onBehalfOf string) []core.PositionState {
	l.mu.RLock()
	var shards []*shard
	for k, s := range l.shards {
		if k.OnBehalfOf == onBehalfOf {
			shards = append(shards, s)
		}
	}
	l.mu.RUnlock()

	out := make([]core.PositionState, 0, len(shards))
	for _, s := range shards {
		s.mu.Lock()
		out = append(out, s.clone())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Instrument < out[j].Key.Instrument
	})
	return out
}

// Get returns a deep copy of a single key's state.
func (l *Ledger) Get(key core.Key) (core.PositionState, bool) {
	s, ok := l.get(key)
	if !ok {
		return core.PositionState{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clone(), true
}

// Export captures the full ledger for persistence.
func (l *Ledger) Export() *core.LedgerState {
	l.mu.RLock()
	shards := make([]*shard, 0, len(l.shards))
	for _, s := range l.shards {
		shards = append(shards, s)
	}
	l.mu.RUnlock()

	state := &core.LedgerState{
		Positions: make([]core.PositionState, 0, len(shards)),
		SavedAt:   time.Now().UnixMilli(),
	}
	for _, s := range shards {
		s.mu.Lock()
		state.Positions = append(state.Positions, s.clone())
		s.mu.Unlock()
	}
	sort.Slice(state.Positions, func(i, j int) bool {
		a, b := state.Positions[i].Key, state.Positions[j].Key
		if a.OnBehalfOf != b.OnBehalfOf {
			return a.OnBehalfOf < b.OnBehalfOf
		}
		return a.Instrument < b.Instrument
	})
	return state
}

// Restore replaces the ledger contents with a previously exported state.
// Must be called before the ledger goes live.
func (l *Ledger) Restore(state *core.LedgerState) {
	if state == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.shards = make(map[core.Key]*shard, len(state.Positions))
	l.halted = 0
	for i := range state.Positions {
		pos := state.Positions[i]
		s := newShard(pos.Key)
		s.state = pos
		if s.state.RecentFills == nil {
			s.state.RecentFills = []core.FillRecord{}
		}
		if pos.Halted {
			l.halted++
		}
		l.shards[pos.Key] = s
	}
	telemetry.GetGlobalMetrics().SetLedgerKeyCounts(int64(len(l.shards)), l.halted)
	l.logger.Info("Restored ledger state", "keys", len(l.shards), "halted", l.halted, "saved_at", state.SavedAt)
}

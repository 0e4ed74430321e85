package ledger

import (
	"math"
	"sync"
	"testing"

	"crosslink/internal/core"
	apperrors "crosslink/pkg/errors"
	"crosslink/pkg/fixedpoint"
	"crosslink/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	updates []core.Update
}

func (c *captureSink) Publish(u core.Update) {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
}

func (c *captureSink) all() []core.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Update, len(c.updates))
	copy(out, c.updates)
	return out
}

func newTestLedger(t *testing.T, cfg Config) (*Ledger, *captureSink) {
	t.Helper()
	logger, err := logging.NewZapLogger("INFO")
	require.NoError(t, err)
	sink := &captureSink{}
	return New(cfg, sink, nil, logger), sink
}

func target(owner string, inst int64, seq uint64, qty fixedpoint.Decimal) core.TargetPosition {
	return core.TargetPosition{
		Key:             core.Key{OnBehalfOf: owner, Instrument: inst},
		Seq:             seq,
		Quantity:        qty,
		TargetTimestamp: 1700000000000,
	}
}

func fill(owner string, inst, id int64, seq uint64, qty, val fixedpoint.Decimal) core.Fill {
	return core.Fill{
		Key: core.Key{OnBehalfOf: owner, Instrument: inst},
		FillRecord: core.FillRecord{
			ID:        id,
			Timestamp: 1700000001000,
			TargetSeq: seq,
			Quantity:  qty,
			Value:     val,
			Venue:     7,
		},
	}
}

func TestAcceptTarget_SequenceRules(t *testing.T) {
	l, _ := newTestLedger(t, Config{})

	out := l.AcceptTarget(target("alice", 1, 10, fixedpoint.New(500, -2)), true, core.RejectReasonUnknown)
	assert.True(t, out.Confirmed)

	// same seq again
	out = l.AcceptTarget(target("alice", 1, 10, fixedpoint.New(600, -2)), true, core.RejectReasonUnknown)
	assert.False(t, out.Confirmed)
	assert.Equal(t, core.RejectReasonSeqTooOld, out.Reason)

	// lower seq
	out = l.AcceptTarget(target("alice", 1, 9, fixedpoint.New(600, -2)), true, core.RejectReasonUnknown)
	assert.False(t, out.Confirmed)
	assert.Equal(t, core.RejectReasonSeqTooOld, out.Reason)

	// higher seq works
	out = l.AcceptTarget(target("alice", 1, 11, fixedpoint.New(600, -2)), true, core.RejectReasonUnknown)
	assert.True(t, out.Confirmed)

	st, ok := l.Get(core.Key{OnBehalfOf: "alice", Instrument: 1})
	require.True(t, ok)
	assert.Equal(t, uint64(11), st.LastSeqAccepted)
	require.NotNil(t, st.CurrentTarget)
	assert.True(t, st.CurrentTarget.Equal(fixedpoint.New(600, -2)))
}

func TestAcceptTarget_SemanticRejectAdvancesSeq(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	key := core.Key{OnBehalfOf: "alice", Instrument: 1}

	out := l.AcceptTarget(target("alice", 1, 5, fixedpoint.Decimal{}), false, core.RejectReasonInvalidQuantity)
	assert.False(t, out.Confirmed)
	assert.Equal(t, core.RejectReasonInvalidQuantity, out.Reason)

	st, ok := l.Get(key)
	require.True(t, ok)
	assert.Equal(t, uint64(5), st.LastSeqAccepted, "rejected seq is still consumed")
	assert.Nil(t, st.CurrentTarget)

	// retry with the same seq is now too old
	out = l.AcceptTarget(target("alice", 1, 5, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	assert.Equal(t, core.RejectReasonSeqTooOld, out.Reason)

	out = l.AcceptTarget(target("alice", 1, 6, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	assert.True(t, out.Confirmed)
}

func TestAcceptTarget_IndependentKeys(t *testing.T) {
	l, _ := newTestLedger(t, Config{})

	out := l.AcceptTarget(target("alice", 1, 10, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	assert.True(t, out.Confirmed)

	// seq spaces are per key, not per owner
	out = l.AcceptTarget(target("alice", 2, 1, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	assert.True(t, out.Confirmed)
	out = l.AcceptTarget(target("bob", 1, 1, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	assert.True(t, out.Confirmed)
}

func TestApplyFill_AccumulatesWithRescale(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	key := core.Key{OnBehalfOf: "alice", Instrument: 1}

	_, err := l.ApplyFill(fill("alice", 1, 100, 1, fixedpoint.New(100, -2), fixedpoint.New(5000, -2)))
	require.NoError(t, err)
	_, err = l.ApplyFill(fill("alice", 1, 101, 1, fixedpoint.New(25, -3), fixedpoint.New(125, -2)))
	require.NoError(t, err)

	st, ok := l.Get(key)
	require.True(t, ok)
	assert.Equal(t, int64(1025), st.Quantity.Value)
	assert.Equal(t, int32(-3), st.Quantity.Exp)
	assert.Len(t, st.RecentFills, 2)
}

func TestApplyFill_DuplicateID(t *testing.T) {
	l, _ := newTestLedger(t, Config{})

	f := fill("alice", 1, 42, 1, fixedpoint.New(1, 0), fixedpoint.New(10, 0))
	_, err := l.ApplyFill(f)
	require.NoError(t, err)

	_, err = l.ApplyFill(f)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateFill)

	st, _ := l.Get(f.Key)
	assert.Equal(t, int64(1), st.Quantity.Value)
	assert.Len(t, st.RecentFills, 1)
}

func TestApplyFill_WindowEviction(t *testing.T) {
	l, _ := newTestLedger(t, Config{RecentFillsCap: 3})

	for id := int64(1); id <= 5; id++ {
		_, err := l.ApplyFill(fill("alice", 1, id, 1, fixedpoint.New(1, 0), fixedpoint.New(1, 0)))
		require.NoError(t, err)
	}

	st, _ := l.Get(core.Key{OnBehalfOf: "alice", Instrument: 1})
	require.Len(t, st.RecentFills, 3)
	assert.Equal(t, int64(3), st.RecentFills[0].ID)
	assert.Equal(t, int64(5), st.RecentFills[2].ID)
	assert.Equal(t, int64(5), st.Quantity.Value)
}

func TestApplyFill_OverflowHaltsKey(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	key := core.Key{OnBehalfOf: "alice", Instrument: 1}

	_, err := l.ApplyFill(fill("alice", 1, 1, 1, fixedpoint.New(math.MaxInt64, 0), fixedpoint.New(1, 0)))
	require.NoError(t, err)

	_, err = l.ApplyFill(fill("alice", 1, 2, 1, fixedpoint.New(math.MaxInt64, 0), fixedpoint.New(1, 0)))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrLedgerHalted)

	st, _ := l.Get(key)
	assert.True(t, st.Halted)
	assert.Equal(t, int64(math.MaxInt64), st.Quantity.Value, "failed fill must not partially apply")

	// halted key rejects everything afterwards
	_, err = l.ApplyFill(fill("alice", 1, 3, 1, fixedpoint.New(1, 0), fixedpoint.New(1, 0)))
	assert.ErrorIs(t, err, apperrors.ErrLedgerHalted)

	out := l.AcceptTarget(target("alice", 1, 99, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	assert.False(t, out.Confirmed)
	assert.Equal(t, apperrors.ErrLedgerHalted.Error(), out.Err)

	// unrelated key is unaffected
	out = l.AcceptTarget(target("alice", 2, 1, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	assert.True(t, out.Confirmed)
}

func TestApplyFill_MalformedDecimalHaltsKey(t *testing.T) {
	l, _ := newTestLedger(t, Config{})

	_, err := l.ApplyFill(fill("alice", 1, 1, 1, fixedpoint.New(1, 40), fixedpoint.New(1, 0)))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrLedgerHalted)

	st, _ := l.Get(core.Key{OnBehalfOf: "alice", Instrument: 1})
	assert.True(t, st.Halted)
}

func TestCancel_ClearsTargetKeepsQuantity(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	key := core.Key{OnBehalfOf: "alice", Instrument: 1}

	l.AcceptTarget(target("alice", 1, 10, fixedpoint.New(500, -2)), true, core.RejectReasonUnknown)
	_, err := l.ApplyFill(fill("alice", 1, 1, 10, fixedpoint.New(200, -2), fixedpoint.New(100, 0)))
	require.NoError(t, err)

	// a later reject advances last_seq_accepted past the live target
	l.AcceptTarget(target("alice", 1, 11, fixedpoint.Decimal{}), false, core.RejectReasonInvalidQuantity)

	seq, ok := l.Cancel(key)
	require.True(t, ok)
	assert.Equal(t, uint64(10), seq, "cancel reports the cancelled target's own seq")

	st, _ := l.Get(key)
	assert.Nil(t, st.CurrentTarget)
	assert.Equal(t, int64(200), st.Quantity.Value)
	assert.Equal(t, uint64(11), st.LastSeqAccepted)

	// idempotent: nothing left to cancel
	_, ok = l.Cancel(key)
	assert.False(t, ok)
}

func TestCancelAll(t *testing.T) {
	l, _ := newTestLedger(t, Config{})

	l.AcceptTarget(target("alice", 3, 1, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	l.AcceptTarget(target("alice", 1, 2, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	l.AcceptTarget(target("alice", 2, 3, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	l.AcceptTarget(target("bob", 1, 4, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)

	cancelled := l.CancelAll("alice", nil)
	require.Len(t, cancelled, 3)
	assert.Equal(t, int64(1), cancelled[0].Key.Instrument)
	assert.Equal(t, int64(2), cancelled[1].Key.Instrument)
	assert.Equal(t, int64(3), cancelled[2].Key.Instrument)

	// bob untouched
	st, _ := l.Get(core.Key{OnBehalfOf: "bob", Instrument: 1})
	assert.NotNil(t, st.CurrentTarget)

	// targeted subset, including keys with nothing outstanding
	l.AcceptTarget(target("alice", 1, 10, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	cancelled = l.CancelAll("alice", []int64{1, 2, 99})
	require.Len(t, cancelled, 1)
	assert.Equal(t, int64(1), cancelled[0].Key.Instrument)
}

func TestSnapshot_SortedDeepCopies(t *testing.T) {
	l, _ := newTestLedger(t, Config{})

	l.AcceptTarget(target("alice", 2, 1, fixedpoint.New(2, 0)), true, core.RejectReasonUnknown)
	l.AcceptTarget(target("alice", 1, 1, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	_, err := l.ApplyFill(fill("alice", 1, 1, 1, fixedpoint.New(5, 0), fixedpoint.New(5, 0)))
	require.NoError(t, err)

	snap := l.Snapshot("alice")
	require.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap[0].Key.Instrument)
	assert.Equal(t, int64(2), snap[1].Key.Instrument)

	// mutating the snapshot must not leak into the ledger
	snap[0].RecentFills[0].Quantity = fixedpoint.New(999, 0)
	*snap[0].CurrentTarget = fixedpoint.New(999, 0)

	st, _ := l.Get(core.Key{OnBehalfOf: "alice", Instrument: 1})
	assert.Equal(t, int64(5), st.RecentFills[0].Quantity.Value)
	assert.Equal(t, int64(1), st.CurrentTarget.Value)

	assert.Empty(t, l.Snapshot("nobody"))
}

func TestUpdates_PerKeyOrdering(t *testing.T) {
	l, sink := newTestLedger(t, Config{})

	l.AcceptTarget(target("alice", 1, 1, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	_, err := l.ApplyFill(fill("alice", 1, 1, 1, fixedpoint.New(1, 0), fixedpoint.New(1, 0)))
	require.NoError(t, err)
	_, ok := l.Cancel(core.Key{OnBehalfOf: "alice", Instrument: 1})
	require.True(t, ok)

	ups := sink.all()
	require.Len(t, ups, 3)
	assert.Equal(t, core.UpdateKindPosition, ups[0].Kind)
	assert.Equal(t, core.UpdateKindFill, ups[1].Kind)
	assert.Equal(t, core.UpdateKindPosition, ups[2].Kind)
	for i, u := range ups {
		assert.Equal(t, uint64(i+1), u.Seq)
	}
	// rejects emit no update
	l.AcceptTarget(target("alice", 1, 1, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	assert.Len(t, sink.all(), 3)
}

func TestExportRestore_RoundTrip(t *testing.T) {
	l, _ := newTestLedger(t, Config{})

	l.AcceptTarget(target("alice", 1, 5, fixedpoint.New(10, -1)), true, core.RejectReasonUnknown)
	_, err := l.ApplyFill(fill("alice", 1, 9, 5, fixedpoint.New(3, -1), fixedpoint.New(30, 0)))
	require.NoError(t, err)
	l.AcceptTarget(target("bob", 2, 1, fixedpoint.New(7, 0)), true, core.RejectReasonUnknown)

	state := l.Export()
	require.Len(t, state.Positions, 2)
	assert.NotZero(t, state.SavedAt)

	logger, err := logging.NewZapLogger("INFO")
	require.NoError(t, err)
	restored := New(Config{}, nil, nil, logger)
	restored.Restore(state)

	st, ok := restored.Get(core.Key{OnBehalfOf: "alice", Instrument: 1})
	require.True(t, ok)
	assert.Equal(t, uint64(5), st.LastSeqAccepted)
	assert.Equal(t, int64(3), st.Quantity.Value)
	require.Len(t, st.RecentFills, 1)
	assert.Equal(t, int64(9), st.RecentFills[0].ID)

	// sequencing survives the round trip
	out := restored.AcceptTarget(target("alice", 1, 5, fixedpoint.New(1, 0)), true, core.RejectReasonUnknown)
	assert.Equal(t, core.RejectReasonSeqTooOld, out.Reason)
}

func TestConcurrentSubmitters_OneWinnerPerSeq(t *testing.T) {
	l, _ := newTestLedger(t, Config{})

	const workers = 16
	var wg sync.WaitGroup
	confirmed := make([]int, workers)
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint64(1); seq <= 100; seq++ {
				out := l.AcceptTarget(target("alice", 1, seq, fixedpoint.New(int64(w), 0)), true, core.RejectReasonUnknown)
				if out.Confirmed {
					confirmed[w]++
				}
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, n := range confirmed {
		total += n
	}
	assert.Equal(t, 100, total, "each seq is confirmed exactly once across submitters")

	st, _ := l.Get(core.Key{OnBehalfOf: "alice", Instrument: 1})
	assert.Equal(t, uint64(100), st.LastSeqAccepted)
}

func TestHaltHook_FiresOncePerKey(t *testing.T) {
	var halts []core.Key
	logger, err := logging.NewZapLogger("INFO")
	require.NoError(t, err)
	l := New(Config{OnHalt: func(key core.Key, cause error) {
		halts = append(halts, key)
	}}, nil, nil, logger)

	bad := fixedpoint.New(1, 40)
	_, err = l.ApplyFill(fill("alice", 1, 1, 1, bad, fixedpoint.New(1, 0)))
	require.Error(t, err)

	_, err = l.ApplyFill(fill("alice", 1, 2, 1, bad, fixedpoint.New(1, 0)))
	require.Error(t, err)

	require.Len(t, halts, 1, "a key halts once, further failures short-circuit")
	assert.Equal(t, core.Key{OnBehalfOf: "alice", Instrument: 1}, halts[0])
}

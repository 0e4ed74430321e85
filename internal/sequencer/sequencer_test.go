package sequencer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"crosslink/internal/core"
	"crosslink/internal/ledger"
	"crosslink/pkg/fixedpoint"
	"crosslink/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvents struct {
	mu        sync.Mutex
	accepted  []core.TargetPosition
	cancelled [][]core.CancelledTarget
	fail      bool
}

func (f *fakeEvents) TargetAccepted(_ context.Context, rec core.TargetPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.accepted = append(f.accepted, rec)
	return nil
}

func (f *fakeEvents) TargetsCancelled(_ context.Context, recs []core.CancelledTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.cancelled = append(f.cancelled, recs)
	return nil
}

func (f *fakeEvents) Close() error { return nil }

func newTestSequencer(t *testing.T) (*Sequencer, *fakeEvents) {
	t.Helper()
	logger, err := logging.NewZapLogger("INFO")
	require.NoError(t, err)
	l := ledger.New(ledger.Config{}, nil, nil, logger)
	ev := &fakeEvents{}
	return New(l, ev, 0, logger), ev
}

func target(owner string, inst int64, seq uint64, qty fixedpoint.Decimal) core.TargetPosition {
	return core.TargetPosition{
		Key:             core.Key{OnBehalfOf: owner, Instrument: inst},
		Seq:             seq,
		Quantity:        qty,
		TargetTimestamp: 1700000000000,
	}
}

func TestSubmit_BatchOutcomesAligned(t *testing.T) {
	s, ev := newTestSequencer(t)

	bad := fixedpoint.New(1, 40)
	batch := []core.TargetPosition{
		target("alice", 1, 1, fixedpoint.New(100, -2)),
		target("alice", 1, 1, fixedpoint.New(200, -2)), // duplicate seq
		target("alice", 1, 2, bad),                     // malformed quantity
		target("alice", 1, 3, fixedpoint.New(300, -2)),
	}

	outs := s.Submit(context.Background(), batch)
	require.Len(t, outs, 4)

	assert.True(t, outs[0].Confirmed)
	assert.Equal(t, core.RejectReasonSeqTooOld, outs[1].Reason)
	assert.Equal(t, core.RejectReasonInvalidQuantity, outs[2].Reason)
	assert.True(t, outs[3].Confirmed)

	// only confirmed targets hit the event bus
	assert.Len(t, ev.accepted, 2)
	assert.Equal(t, uint64(1), ev.accepted[0].Seq)
	assert.Equal(t, uint64(3), ev.accepted[1].Seq)
}

func TestSubmit_LimitPriceValidation(t *testing.T) {
	s, _ := newTestSequencer(t)

	neg := fixedpoint.New(-5, 0)
	zero := fixedpoint.New(0, 0)
	good := fixedpoint.New(101, -1)

	cases := []struct {
		name   string
		buy    *fixedpoint.Decimal
		sell   *fixedpoint.Decimal
		reason core.RejectReason
		ok     bool
	}{
		{"no prices", nil, nil, core.RejectReasonUnknown, true},
		{"valid prices", &good, &good, core.RejectReasonUnknown, true},
		{"negative buy", &neg, nil, core.RejectReasonInvalidPrice, false},
		{"zero sell", nil, &zero, core.RejectReasonInvalidPrice, false},
	}

	seq := uint64(0)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seq++
			rec := target("alice", 1, seq, fixedpoint.New(1, 0))
			rec.BuyLimitPrice = tc.buy
			rec.SellLimitPrice = tc.sell
			outs := s.Submit(context.Background(), []core.TargetPosition{rec})
			require.Len(t, outs, 1)
			assert.Equal(t, tc.ok, outs[0].Confirmed)
			if !tc.ok {
				assert.Equal(t, tc.reason, outs[0].Reason)
			}
		})
	}
}

func TestSubmit_SemanticRejectConsumesSeq(t *testing.T) {
	s, _ := newTestSequencer(t)

	bad := target("alice", 1, 7, fixedpoint.New(1, 40))
	outs := s.Submit(context.Background(), []core.TargetPosition{bad})
	assert.Equal(t, core.RejectReasonInvalidQuantity, outs[0].Reason)

	// same seq with a valid payload is now stale
	retry := target("alice", 1, 7, fixedpoint.New(1, 0))
	outs = s.Submit(context.Background(), []core.TargetPosition{retry})
	assert.Equal(t, core.RejectReasonSeqTooOld, outs[0].Reason)
}

func TestSubmit_EventPublishFailureDoesNotReject(t *testing.T) {
	s, ev := newTestSequencer(t)
	ev.fail = true

	outs := s.Submit(context.Background(), []core.TargetPosition{
		target("alice", 1, 1, fixedpoint.New(1, 0)),
	})
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Confirmed, "event bus trouble must not fail the submission")
}

func TestCancel_PublishesEvent(t *testing.T) {
	s, ev := newTestSequencer(t)

	s.Submit(context.Background(), []core.TargetPosition{
		target("alice", 1, 1, fixedpoint.New(1, 0)),
		target("alice", 2, 1, fixedpoint.New(2, 0)),
	})

	cancelled := s.Cancel(context.Background(), "alice", nil)
	require.Len(t, cancelled, 2)
	require.Len(t, ev.cancelled, 1)
	assert.Len(t, ev.cancelled[0], 2)

	// nothing left: no event
	cancelled = s.Cancel(context.Background(), "alice", nil)
	assert.Empty(t, cancelled)
	assert.Len(t, ev.cancelled, 1)
}

func TestSubmit_ConcurrentBatches(t *testing.T) {
	s, _ := newTestSequencer(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	confirmed := 0
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint64(1); seq <= 50; seq++ {
				outs := s.Submit(context.Background(), []core.TargetPosition{
					target("alice", 1, seq, fixedpoint.New(1, 0)),
				})
				if outs[0].Confirmed {
					mu.Lock()
					confirmed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, confirmed)
}

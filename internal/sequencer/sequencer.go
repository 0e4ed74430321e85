package sequencer

import (
	"context"

	"crosslink/internal/core"
	"crosslink/internal/ledger"
	"crosslink/pkg/fixedpoint"
)

// Sequencer validates submitted target positions and drives them through the
// ledger's sequencing rules. Validation is computed before touching the
// ledger; the sequence check itself stays inside the ledger so it is atomic
// with the state mutation.
type Sequencer struct {
	ledger *ledger.Ledger
	events core.EventPublisher
	maxExp int32
	logger core.ILogger
}

func New(l *ledger.Ledger, events core.EventPublisher, maxExp int32, logger core.ILogger) *Sequencer {
	if maxExp <= 0 {
		maxExp = fixedpoint.DefaultMaxExpMagnitude
	}
	return &Sequencer{
		ledger: l,
		events: events,
		maxExp: maxExp,
		logger: logger.WithField("component", "sequencer"),
	}
}

// validate returns the semantic verdict for a target. Sequencing is not
// checked here.
func (s *Sequencer) validate(rec core.TargetPosition) (bool, core.RejectReason) {
	if err := rec.Quantity.Validate(s.maxExp); err != nil {
		return false, core.RejectReasonInvalidQuantity
	}
	for _, price := range []*fixedpoint.Decimal{rec.BuyLimitPrice, rec.SellLimitPrice} {
		if price == nil {
			continue
		}
		if err := price.Validate(s.maxExp); err != nil || !price.IsPositive() {
			return false, core.RejectReasonInvalidPrice
		}
	}
	return true, core.RejectReasonUnknown
}

// Submit processes a batch of targets in order and returns one outcome per
// entry, positionally aligned with the input. A rejected entry never aborts
// the rest of the batch.
func (s *Sequencer) Submit(ctx context.Context, targets []core.TargetPosition) []core.Outcome {
	outcomes := make([]core.Outcome, 0, len(targets))
	for _, rec := range targets {
		valid, reason := s.validate(rec)
		out := s.ledger.AcceptTarget(rec, valid, reason)
		if out.Confirmed && s.events != nil {
			if err := s.events.TargetAccepted(ctx, rec); err != nil {
				s.logger.Warn("Failed to publish target accepted event",
					"on_behalf_of", rec.Key.OnBehalfOf,
					"instrument", rec.Key.Instrument,
					"seq", rec.Seq,
					"error", err)
			}
		}
		if !out.Confirmed {
			s.logger.Debug("Rejected target",
				"on_behalf_of", rec.Key.OnBehalfOf,
				"instrument", rec.Key.Instrument,
				"seq", rec.Seq,
				"reason", out.Reason.String())
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// Cancel clears the outstanding targets for an owner and notifies the event
// bus. An empty instrument list means every instrument the owner holds.
func (s *Sequencer) Cancel(ctx context.Context, onBehalfOf string, instruments []int64) []core.CancelledTarget {
	cancelled := s.ledger.CancelAll(onBehalfOf, instruments)
	if len(cancelled) > 0 && s.events != nil {
		if err := s.events.TargetsCancelled(ctx, cancelled); err != nil {
			s.logger.Warn("Failed to publish cancellation event",
				"on_behalf_of", onBehalfOf,
				"count", len(cancelled),
				"error", err)
		}
	}
	return cancelled
}

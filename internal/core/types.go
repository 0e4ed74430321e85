// Package core defines the domain types and interfaces shared across the
// position-target service.
package core

import (
	"crosslink/pkg/fixedpoint"
)

// Key identifies one position ledger shard: the owning client plus the
// instrument the target position concerns.
type Key struct {
	OnBehalfOf string `json:"on_behalf_of"`
	Instrument int64  `json:"base_instrument"`
}

// TargetPosition is one client-submitted target-position request.
// Immutable once accepted or rejected.
type TargetPosition struct {
	Key
	Seq             uint64              `json:"seq"`
	Quantity        fixedpoint.Decimal  `json:"quantity"`
	TargetTimestamp int64               `json:"target_timestamp"`
	BuyLimitPrice   *fixedpoint.Decimal `json:"buy_limit_price,omitempty"`
	SellLimitPrice  *fixedpoint.Decimal `json:"sell_limit_price,omitempty"`
}

// FillRecord is an executed trade applied against a target position.
// Globally unique by ID; never mutated after creation.
type FillRecord struct {
	ID        int64              `json:"id"`
	Timestamp int64              `json:"timestamp"`
	TargetSeq uint64             `json:"target_position_seq"`
	Quantity  fixedpoint.Decimal `json:"fill_quantity"`
	Value     fixedpoint.Decimal `json:"fill_value"`
	Venue     int64              `json:"fill_venue"`
}

// Fill is a venue fill event as delivered by the execution system: a
// FillRecord plus the key it applies to.
type Fill struct {
	Key
	FillRecord
}

// PositionState is the authoritative per-key ledger state.
type PositionState struct {
	Key
	Quantity         fixedpoint.Decimal  `json:"quantity"`
	CurrentTarget    *fixedpoint.Decimal `json:"current_target_position,omitempty"`
	CurrentTargetSeq uint64              `json:"current_target_seq,omitempty"`
	LastUpdateTime   int64               `json:"last_update_timestamp"`
	LastSeqAccepted  uint64              `json:"last_seq_accepted"`
	UpdateSeq        uint64              `json:"update_seq"`
	RecentFills      []FillRecord        `json:"recent_fills,omitempty"`
	Halted           bool                `json:"halted,omitempty"`
}

// UpdateKind tags the Update variant.
type UpdateKind int

const (
	UpdateKindFill UpdateKind = iota + 1
	UpdateKindPosition
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateKindFill:
		return "fill"
	case UpdateKindPosition:
		return "position"
	default:
		return "unknown"
	}
}

// Update is a ledger-originated event fanned out to subscribers. It is a
// tagged sum over fill and position variants: exactly one of Fill or
// Position is set, according to Kind. Seq is the per-key update sequence
// number and is strictly increasing for a fixed Key.
type Update struct {
	Kind UpdateKind
	Key
	Seq      uint64
	Fill     *FillRecord
	Position *PositionState
}

// RejectReason enumerates the validation reject codes of the wire contract.
type RejectReason int32

const (
	RejectReasonUnknown         RejectReason = 0
	RejectReasonSeqTooOld       RejectReason = 1
	RejectReasonInvalidQuantity RejectReason = 2
	RejectReasonInvalidPrice    RejectReason = 3
)

func (r RejectReason) String() string {
	switch r {
	case RejectReasonSeqTooOld:
		return "SEQ_TOO_OLD"
	case RejectReasonInvalidQuantity:
		return "INVALID_QUANTITY"
	case RejectReasonInvalidPrice:
		return "INVALID_PRICE"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the per-record result of a target-position submission:
// either a confirmation or a reject. Err carries the fail-closed detail
// when a key's ledger has been halted.
type Outcome struct {
	Key
	Seq       uint64
	Confirmed bool
	Reason    RejectReason
	Err       string
}

// CancelledTarget identifies one target cleared by a cancellation request.
type CancelledTarget struct {
	Key
	Seq uint64 `json:"seq"`
}

// LedgerState is the persisted form of the whole ledger.
type LedgerState struct {
	Positions []PositionState `json:"positions"`
	SavedAt   int64           `json:"saved_at"`
}

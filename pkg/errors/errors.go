package apperrors

import "errors"

// Standardized service errors
var (
	ErrLedgerHalted       = errors.New("ledger halted for key")
	ErrDuplicateFill      = errors.New("duplicate fill")
	ErrSubscriberOverflow = errors.New("subscriber queue overflow")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrUnknownInstrument  = errors.New("unknown instrument")
	ErrUnknownLocation    = errors.New("unknown location")
	ErrStoreCorruption    = errors.New("state store corruption detected")
	ErrInvalidRequest     = errors.New("invalid request")
)

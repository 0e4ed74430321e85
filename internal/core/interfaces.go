package core

import "context"

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IStateStore defines the interface for ledger state persistence
type IStateStore interface {
	SaveState(ctx context.Context, state *LedgerState) error
	LoadState(ctx context.Context) (*LedgerState, error)
	Close() error
}

// UpdateSink receives ledger-originated updates for fan-out. Publish must
// never block: it is invoked on the ledger's write path.
type UpdateSink interface {
	Publish(update Update)
}

// EventPublisher signals the external execution system about accepted and
// cancelled targets.
type EventPublisher interface {
	TargetAccepted(ctx context.Context, target TargetPosition) error
	TargetsCancelled(ctx context.Context, cancelled []CancelledTarget) error
	Close() error
}

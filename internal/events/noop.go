package events

import (
	"context"

	"crosslink/internal/core"
)

// NoopPublisher is used when the event bus is disabled.
type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

func (NoopPublisher) TargetAccepted(context.Context, core.TargetPosition) error { return nil }

func (NoopPublisher) TargetsCancelled(context.Context, []core.CancelledTarget) error { return nil }

func (NoopPublisher) Close() error { return nil }

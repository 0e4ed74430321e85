package hub

import (
	"context"
	"sync"

	"crosslink/internal/core"
	apperrors "crosslink/pkg/errors"
	"crosslink/pkg/telemetry"

	"github.com/google/uuid"
)

const defaultBuffer = 256

// Subscription is one consumer's bounded view of an owner's update stream.
type Subscription struct {
	id          string
	onBehalfOf  string
	instruments map[int64]bool // nil means all instruments

	ch chan core.Update

	mu     sync.Mutex
	closed bool
	err    error
}

// ID returns the subscription's identifier.
func (s *Subscription) ID() string { return s.id }

// Updates returns the receive channel. It is closed when the subscription
// ends; check Err afterwards to learn why.
func (s *Subscription) Updates() <-chan core.Update { return s.ch }

// Err reports why the subscription terminated, nil for a clean close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) matches(instrument int64) bool {
	if s.instruments == nil {
		return true
	}
	return s.instruments[instrument]
}

// send enqueues without blocking. A full queue means the consumer is too
// slow and the subscription must be terminated.
func (s *Subscription) send(u core.Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	select {
	case s.ch <- u:
		return true
	default:
		return false
	}
}

func (s *Subscription) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		s.err = err
		close(s.ch)
	}
}

// Hub fans ledger updates out to subscribers. Publish is called inside the
// ledger's per-key critical section, so it must never block; a subscriber
// that cannot keep up is dropped instead of slowing the write path.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // onBehalfOf -> sub id

	buffer int
	logger core.ILogger
}

func New(buffer int, logger core.ILogger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[string]*Subscription),
		buffer: buffer,
		logger: logger.WithField("component", "hub"),
	}
}

// Subscribe registers a consumer for an owner's updates. An empty instrument
// list subscribes to every instrument the owner trades.
func (h *Hub) Subscribe(onBehalfOf string, instruments []int64) *Subscription {
	sub := &Subscription{
		id:         uuid.NewString(),
		onBehalfOf: onBehalfOf,
		ch:         make(chan core.Update, h.buffer),
	}
	if len(instruments) > 0 {
		sub.instruments = make(map[int64]bool, len(instruments))
		for _, inst := range instruments {
			sub.instruments[inst] = true
		}
	}

	h.mu.Lock()
	owner, ok := h.subs[onBehalfOf]
	if !ok {
		owner = make(map[string]*Subscription)
		h.subs[onBehalfOf] = owner
	}
	owner[sub.id] = sub
	total := h.countLocked()
	h.mu.Unlock()

	telemetry.GetGlobalMetrics().SetSubscriberCount(int64(total))
	h.logger.Info("Subscriber registered",
		"subscription_id", sub.id,
		"on_behalf_of", onBehalfOf,
		"instruments", len(instruments),
		"total_subscribers", total)
	return sub
}

// Unsubscribe ends a subscription cleanly.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.remove(sub)
	sub.terminate(nil)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if owner, ok := h.subs[sub.onBehalfOf]; ok {
		delete(owner, sub.id)
		if len(owner) == 0 {
			delete(h.subs, sub.onBehalfOf)
		}
	}
	total := h.countLocked()
	h.mu.Unlock()
	telemetry.GetGlobalMetrics().SetSubscriberCount(int64(total))
}

func (h *Hub) countLocked() int {
	n := 0
	for _, owner := range h.subs {
		n += len(owner)
	}
	return n
}

// Publish delivers an update to every matching subscriber. Never blocks;
// subscribers whose queues are full are terminated with
// ErrSubscriberOverflow after the lock is released.
func (h *Hub) Publish(u core.Update) {
	var overflowed []*Subscription

	h.mu.RLock()
	for _, sub := range h.subs[u.Key.OnBehalfOf] {
		if !sub.matches(u.Key.Instrument) {
			continue
		}
		if !sub.send(u) {
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range overflowed {
		h.remove(sub)
		sub.terminate(apperrors.ErrSubscriberOverflow)
		telemetry.GetGlobalMetrics().RecordSubscriberOverflow(context.Background())
		h.logger.Warn("Dropping slow subscriber",
			"subscription_id", sub.id,
			"on_behalf_of", sub.onBehalfOf)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

// Close terminates every subscription, for shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Subscription
	for _, owner := range h.subs {
		for _, sub := range owner {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range all {
		sub.terminate(nil)
	}
	telemetry.GetGlobalMetrics().SetSubscriberCount(0)
}

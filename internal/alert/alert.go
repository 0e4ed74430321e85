package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crosslink/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type Channel interface {
	Send(ctx context.Context, a Payload) error
	Name() string
}

// Manager fans alerts out to every configured channel. Delivery is
// asynchronous so callers on the write path never wait on a webhook.
type Manager struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

func (m *Manager) Notify(ctx context.Context, title, message string, level Level, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Info("Triggering alert", "title", title, "level", level)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		go func(c Channel) {
			timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// KeyHalted raises a critical alert for a ledger key that was fail-closed.
// A halted key stays rejected until an operator intervenes, so this is the
// one alert that must always page.
func (m *Manager) KeyHalted(key core.Key, cause error) {
	m.Notify(context.Background(),
		"Ledger key halted",
		"Writes for this key are rejected until the state is repaired and the service restarted.",
		Critical,
		map[string]string{
			"on_behalf_of":    key.OnBehalfOf,
			"base_instrument": fmt.Sprintf("%d", key.Instrument),
			"cause":           cause.Error(),
		})
}

package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crosslink/internal/core"
	"crosslink/pkg/logging"
)

type mockChannel struct {
	name     string
	mu       sync.Mutex
	sent     []Payload
	sendFunc func(ctx context.Context, a Payload) error
}

func (m *mockChannel) Name() string {
	return m.name
}

func (m *mockChannel) Send(ctx context.Context, a Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, a)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, a)
	}
	return nil
}

func (m *mockChannel) getSent() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Payload, len(m.sent))
	copy(res, m.sent)
	return res
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger, err := logging.NewZapLogger("INFO")
	require.NoError(t, err)
	return NewManager(logger)
}

func TestNotify_FansOutToAllChannels(t *testing.T) {
	m := newTestManager(t)
	ch1 := &mockChannel{name: "mock1"}
	ch2 := &mockChannel{name: "mock2"}
	m.AddChannel(ch1)
	m.AddChannel(ch2)

	m.Notify(context.Background(), "title", "message", Warning, map[string]string{"k": "v"})

	require.Eventually(t, func() bool {
		return len(ch1.getSent()) == 1 && len(ch2.getSent()) == 1
	}, time.Second, 10*time.Millisecond)

	got := ch1.getSent()[0]
	require.Equal(t, Warning, got.Level)
	require.Equal(t, "title", got.Title)
	require.Equal(t, "v", got.Fields["k"])
}

func TestNotify_ChannelFailureDoesNotAffectOthers(t *testing.T) {
	m := newTestManager(t)
	failing := &mockChannel{
		name:     "failing",
		sendFunc: func(context.Context, Payload) error { return errors.New("webhook down") },
	}
	healthy := &mockChannel{name: "healthy"}
	m.AddChannel(failing)
	m.AddChannel(healthy)

	m.Notify(context.Background(), "title", "message", Error, nil)

	require.Eventually(t, func() bool {
		return len(healthy.getSent()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestKeyHalted_CriticalWithKeyFields(t *testing.T) {
	m := newTestManager(t)
	ch := &mockChannel{name: "mock"}
	m.AddChannel(ch)

	m.KeyHalted(core.Key{OnBehalfOf: "desk-a", Instrument: 7}, errors.New("quantity overflow"))

	require.Eventually(t, func() bool {
		return len(ch.getSent()) == 1
	}, time.Second, 10*time.Millisecond)

	got := ch.getSent()[0]
	require.Equal(t, Critical, got.Level)
	require.Equal(t, "desk-a", got.Fields["on_behalf_of"])
	require.Equal(t, "7", got.Fields["base_instrument"])
	require.Contains(t, got.Fields["cause"], "overflow")
}

package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"crosslink/pkg/logging"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger, err := logging.NewZapLogger("INFO")
	require.NoError(t, err)
	return NewManager(logger)
}

func TestManager_Aggregation(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.Healthy(), "empty manager should be healthy")

	m.Register("store", func() error { return nil })
	require.True(t, m.Healthy())

	m.Register("feed", func() error { return errors.New("broker unreachable") })
	require.False(t, m.Healthy())

	status := m.Status()
	require.Equal(t, "healthy", status["store"])
	require.Equal(t, "unhealthy: broker unreachable", status["feed"])
}

func TestManager_RegisterReplaces(t *testing.T) {
	m := newTestManager(t)

	m.Register("store", func() error { return errors.New("not ready") })
	require.False(t, m.Healthy())

	m.Register("store", func() error { return nil })
	require.True(t, m.Healthy())
}

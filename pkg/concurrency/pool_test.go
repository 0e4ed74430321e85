package concurrency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosslink/pkg/logging"
)

func newTestPool(t *testing.T, cfg PoolConfig) *WorkerPool {
	t.Helper()
	logger, err := logging.NewZapLogger("INFO")
	require.NoError(t, err)
	wp := NewWorkerPool(cfg, logger)
	t.Cleanup(wp.Stop)
	return wp
}

func TestSubmit_RunsTasks(t *testing.T) {
	wp := newTestPool(t, PoolConfig{Name: "test", MaxWorkers: 4, MaxCapacity: 16})

	var (
		mu    sync.Mutex
		count int
		wg    sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, wp.Submit(func() {
			defer wg.Done()
			mu.Lock()
			count++
			mu.Unlock()
		}))
	}
	wg.Wait()

	assert.Equal(t, 10, count)
	assert.GreaterOrEqual(t, wp.Stats().SubmittedTasks, uint64(10))
}

func TestSubmit_NonBlockingFullPoolErrors(t *testing.T) {
	wp := newTestPool(t, PoolConfig{Name: "tiny", MaxWorkers: 1, MaxCapacity: 1, NonBlocking: true})

	block := make(chan struct{})
	defer close(block)

	// Occupy the single worker, then fill the single queue slot.
	require.NoError(t, wp.Submit(func() { <-block }))
	require.Eventually(t, func() bool {
		return wp.Submit(func() { <-block }) == nil
	}, time.Second, 5*time.Millisecond)

	err := wp.Submit(func() {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full")
}

package async

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/faxrelay/internal/common"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestProcessorQueue_RunsEveryJob(t *testing.T) {
	var mu sync.Mutex
	seen := map[uuid.UUID]int{}
	q := NewProcessorQueue(HandlerFunc(func(_ context.Context, id uuid.UUID) error {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		return nil
	}), quiet(), WithWorkers(3), WithQueueSize(64))

	ids := make([]uuid.UUID, 20)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, q.Enqueue(context.Background(), ids[i]))
	}
	require.NoError(t, q.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, len(ids))
	for _, id := range ids {
		assert.Equal(t, 1, seen[id])
	}
}

func TestProcessorQueue_BoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	q := NewProcessorQueue(HandlerFunc(func(_ context.Context, _ uuid.UUID) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	}), quiet(), WithWorkers(2))

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(context.Background(), uuid.New()))
	}
	require.NoError(t, q.Shutdown(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProcessorQueue_DeduplicatesPendingJobs(t *testing.T) {
	block := make(chan struct{})
	var calls atomic.Int32
	first := uuid.New()
	q := NewProcessorQueue(HandlerFunc(func(_ context.Context, id uuid.UUID) error {
		if id == first {
			<-block
		}
		calls.Add(1)
		return nil
	}), quiet(), WithWorkers(1))

	require.NoError(t, q.Enqueue(context.Background(), first))
	dup := uuid.New()
	require.NoError(t, q.Enqueue(context.Background(), dup))
	require.NoError(t, q.Enqueue(context.Background(), dup))
	close(block)
	require.NoError(t, q.Shutdown(context.Background()))
	assert.EqualValues(t, 2, calls.Load())
}

func TestProcessorQueue_RequeuesBusyJobs(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	q := NewProcessorQueue(HandlerFunc(func(_ context.Context, _ uuid.UUID) error {
		if calls.Add(1) < 3 {
			return common.ErrJobBusy
		}
		close(done)
		return nil
	}), quiet(), WithWorkers(1), WithBusyRetry(time.Millisecond, 5))

	require.NoError(t, q.Enqueue(context.Background(), uuid.New()))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("busy job was not retried")
	}
	require.NoError(t, q.Shutdown(context.Background()))
	assert.EqualValues(t, 3, calls.Load())
}

func TestProcessorQueue_FullQueue(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	q := NewProcessorQueue(HandlerFunc(func(_ context.Context, _ uuid.UUID) error {
		started <- struct{}{}
		<-block
		return nil
	}), quiet(), WithWorkers(1), WithQueueSize(1), WithEnqueueWait(10*time.Millisecond))

	require.NoError(t, q.Enqueue(context.Background(), uuid.New()))
	<-started
	require.NoError(t, q.Enqueue(context.Background(), uuid.New()))
	err := q.Enqueue(context.Background(), uuid.New())
	assert.ErrorIs(t, err, common.ErrQueueFull)
	assert.Equal(t, 1, q.Depth())

	close(block)
	<-started
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestProcessorQueue_Shutdown(t *testing.T) {
	started := make(chan struct{})
	q := NewProcessorQueue(HandlerFunc(func(ctx context.Context, _ uuid.UUID) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), quiet(), WithWorkers(1))

	require.NoError(t, q.Enqueue(context.Background(), uuid.New()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Shutdown(ctx), context.DeadlineExceeded)

	assert.ErrorIs(t, q.Enqueue(context.Background(), uuid.New()), common.ErrShuttingDown)
	assert.NoError(t, q.Shutdown(context.Background()))
}

package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(constants.StateReceived, constants.StateExtracting))
	assert.True(t, CanTransition(constants.StateTransmissionFailed, constants.StateTransmitting))
	assert.False(t, CanTransition(constants.StateDelivered, constants.StateTransmitting))
	assert.False(t, CanTransition(constants.StateHeld, constants.StateExtracting))
	assert.False(t, CanTransition(constants.StateValidating, constants.StateCancelled))

	for _, s := range constants.States() {
		if s.IsTerminal() {
			assert.Empty(t, edges[s], "terminal state %s has outgoing edges", s)
		}
		if s.IsCancellable() || s.IsInFlight() {
			assert.True(t, CanTransition(s, constants.StateCancelled), "%s cannot be cancelled", s)
		}
	}
	assert.ErrorIs(t, checkTransition(constants.StateAbandoned, constants.StateTransmitting), common.ErrInvalidTransition)
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	id := uuid.New()

	release, err := l.TryAcquire(ctx, id)
	require.NoError(t, err)
	_, err = l.TryAcquire(ctx, id)
	assert.ErrorIs(t, err, common.ErrJobBusy)

	// other jobs are unaffected
	other, err := l.TryAcquire(ctx, uuid.New())
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := l.TryAcquire(ctx, id)
	require.NoError(t, err)
	again()
}

func TestMemoryLocker_AtMostOneHolder(t *testing.T) {
	l := NewMemoryLocker()
	id := uuid.New()
	var holders, maxHolders, wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				release, err := l.TryAcquire(context.Background(), id)
				if err != nil {
					continue
				}
				wins.Add(1)
				n := holders.Add(1)
				for {
					m := maxHolders.Load()
					if n <= m || maxHolders.CompareAndSwap(m, n) {
						break
					}
				}
				holders.Add(-1)
				release()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxHolders.Load())
	assert.Positive(t, wins.Load())
}

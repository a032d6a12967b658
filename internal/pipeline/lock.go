package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/faxrelay/internal/common"
)

// Locker grants per-job exclusivity. TryAcquire never blocks on a held lock: a second
// contender gets common.ErrJobBusy. The returned release func must be called exactly once.
type Locker interface {
	TryAcquire(ctx context.Context, jobID uuid.UUID) (release func(), err error)
}

const lockShards = 64

type lockShard struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

// MemoryLocker is an in-process Locker. Jobs hash onto shards so unrelated jobs rarely
// contend on the same mutex.
type MemoryLocker struct {
	shards [lockShards]lockShard
}

func NewMemoryLocker() *MemoryLocker {
	l := &MemoryLocker{}
	for i := range l.shards {
		l.shards[i].held = make(map[uuid.UUID]struct{})
	}
	return l
}

func lockKey(id uuid.UUID) uint64 {
	return xxhash.Sum64(id[:])
}

func (l *MemoryLocker) TryAcquire(_ context.Context, jobID uuid.UUID) (func(), error) {
	s := &l.shards[lockKey(jobID)%lockShards]
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.held[jobID]; busy {
		return nil, fmt.Errorf("job %s: %w", jobID, common.ErrJobBusy)
	}
	s.held[jobID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.held, jobID)
			s.mu.Unlock()
		})
	}, nil
}

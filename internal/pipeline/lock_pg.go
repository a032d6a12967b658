package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joseph-ayodele/faxrelay/internal/common"
)

// PGAdvisoryLocker holds a PostgreSQL session advisory lock per job, so exclusivity spans
// every daemon sharing the database. Each held lock pins one pool connection.
type PGAdvisoryLocker struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewPGAdvisoryLocker(pool *pgxpool.Pool, log *slog.Logger) *PGAdvisoryLocker {
	if log == nil {
		log = slog.Default()
	}
	return &PGAdvisoryLocker{pool: pool, log: log}
}

func (l *PGAdvisoryLocker) TryAcquire(ctx context.Context, jobID uuid.UUID) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, common.Transient(fmt.Errorf("acquire lock connection: %w", err))
	}
	key := int64(lockKey(jobID))

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, common.Transient(fmt.Errorf("try advisory lock: %w", err))
	}
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("job %s: %w", jobID, common.ErrJobBusy)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
			// closing the session drops every lock it holds
			l.log.Error("pipeline.lock.unlock_failed", "job_id", jobID, "err", err)
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}

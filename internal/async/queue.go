package async

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job is one scheduled run of a fax job.
type Job struct {
	JobID       uuid.UUID
	SubmittedAt time.Time
	// BusyRetries counts how often the job was requeued because another holder had it.
	BusyRetries int
}

// Handler drives a job forward. pipeline.Processor satisfies it.
type Handler interface {
	Process(ctx context.Context, jobID uuid.UUID) error
}

type HandlerFunc func(ctx context.Context, jobID uuid.UUID) error

func (f HandlerFunc) Process(ctx context.Context, jobID uuid.UUID) error { return f(ctx, jobID) }

type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
	Shutdown(ctx context.Context) error
}

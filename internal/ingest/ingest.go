package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/pipeline"
)

// Submission is an inbound fax: document bytes plus routing metadata.
type Submission struct {
	Data          []byte
	Destination   string
	Source        string
	ExternalFaxID string
}

// Receipt is what ingestion hands back to the sender.
type Receipt struct {
	JobID       uuid.UUID
	DocumentRef string
	ContentType string
	State       constants.JobState
}

// IngestionResult is the per-file ingest outcome.
type IngestionResult struct {
	SourcePath  string
	JobID       string
	DocumentRef string
	ContentType string
	IngestedAt  time.Time
	Err         string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned   uint32
	Matched   uint32
	Succeeded uint32
	Failed    uint32
}

// DocumentWriter is the slice of the document store ingestion writes through.
type DocumentWriter interface {
	Put(ctx context.Context, actor entity.Actor, data []byte, kind constants.DocumentKind, contentType string) (string, error)
}

// JobCreator records a job for a stored document.
type JobCreator interface {
	CreateJob(ctx context.Context, actor entity.Actor, in pipeline.NewJob) (*entity.FaxJob, error)
}

// Ingestor is the behavior the RPC surface depends on.
type Ingestor interface {
	Submit(ctx context.Context, actor entity.Actor, sub Submission) (Receipt, error)
}

package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gabriel-vasile/mimetype"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
)

// DefaultMaxDocumentBytes matches the storage.max_document_bytes default.
const DefaultMaxDocumentBytes = 20 << 20

// Service accepts inbound documents, stores them sealed and creates their jobs.
type Service struct {
	docs     DocumentWriter
	jobs     JobCreator
	maxBytes int64
	log      *slog.Logger
}

func NewService(docs DocumentWriter, jobs JobCreator, maxBytes int64, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDocumentBytes
	}
	return &Service{docs: docs, jobs: jobs, maxBytes: maxBytes, log: log}
}

// MaxBytes is the largest document Submit accepts.
func (s *Service) MaxBytes() int64 { return s.maxBytes }

// Submit validates the document's size and detected format, stores it and creates a job
// in received. The format is sniffed from the bytes; any declared type is ignored.
func (s *Service) Submit(ctx context.Context, actor entity.Actor, sub Submission) (Receipt, error) {
	if len(sub.Data) == 0 {
		return Receipt{}, fmt.Errorf("document is empty: %w", common.ErrInvalidInput)
	}
	if int64(len(sub.Data)) > s.maxBytes {
		s.log.Warn("ingest.rejected", "reason", "too_large", "bytes", len(sub.Data), "limit", s.maxBytes)
		return Receipt{}, fmt.Errorf("document is %d bytes, limit %d: %w", len(sub.Data), s.maxBytes, common.ErrPayloadTooLarge)
	}
	contentType, err := DetectContentType(sub.Data)
	if err != nil {
		s.log.Warn("ingest.rejected", "reason", "unsupported_format", "bytes", len(sub.Data))
		return Receipt{}, err
	}
	// nothing is stored for a submission that cannot become a job
	if err := pipelineJob("", contentType, sub).ValidateRouting(); err != nil {
		s.log.Warn("ingest.rejected", "reason", "invalid_routing", "kind", common.Kind(err))
		return Receipt{}, err
	}

	ref, err := s.docs.Put(ctx, actor, sub.Data, constants.DocumentRaw, contentType)
	if err != nil {
		return Receipt{}, err
	}
	job, err := s.jobs.CreateJob(ctx, actor, pipelineJob(ref, contentType, sub))
	if err != nil {
		s.log.Warn("ingest.job.failed", "ref", ref, "kind", common.Kind(err))
		return Receipt{}, err
	}
	s.log.Info("ingest.accepted", "job_id", job.ID, "ref", ref, "content_type", contentType, "bytes", len(sub.Data))
	return Receipt{JobID: job.ID, DocumentRef: ref, ContentType: contentType, State: job.State}, nil
}

// DetectContentType sniffs data and returns its media type if it is an accepted format.
func DetectContentType(data []byte) (string, error) {
	mt := mimetype.Detect(data)
	for m := mt; m != nil; m = m.Parent() {
		if _, ok := constants.FormatForContentType(m.String()); ok {
			return m.String(), nil
		}
	}
	return "", fmt.Errorf("detected %s: %w", mt.String(), common.ErrUnsupportedFormat)
}

package server

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/export"
	"github.com/joseph-ayodele/faxrelay/internal/ingest"
	"github.com/joseph-ayodele/faxrelay/internal/pipeline"
	"github.com/joseph-ayodele/faxrelay/internal/repository"
)

// Jobs is the slice of the pipeline the RPC surface exposes.
type Jobs interface {
	Status(ctx context.Context, actor entity.Actor, id uuid.UUID) (*entity.FaxJob, error)
	Fields(ctx context.Context, actor entity.Actor, id uuid.UUID) (entity.FieldMap, constants.FormTemplate, error)
	List(ctx context.Context, actor entity.Actor, filter repository.JobFilter) ([]*entity.FaxJob, error)
	Search(ctx context.Context, actor entity.Actor, keyword string, limit int) ([]pipeline.SearchHit, error)
	Decide(ctx context.Context, actor entity.Actor, id uuid.UUID, d pipeline.Decision) (*entity.FaxJob, error)
	Retry(ctx context.Context, actor entity.Actor, id uuid.UUID) (*entity.FaxJob, error)
	Cancel(ctx context.Context, actor entity.Actor, id uuid.UUID) (bool, error)
	PurgeExpired(ctx context.Context, actor entity.Actor, retention time.Duration, now time.Time) (int, error)
}

// AuditLog lists audit records for an authorized actor.
type AuditLog interface {
	List(ctx context.Context, actor entity.Actor, filter repository.AuditFilter) ([]entity.AuditRecord, error)
}

// Exporter builds compliance workbooks.
type Exporter interface {
	AuditWorkbook(ctx context.Context, actor entity.Actor, w export.Window) ([]byte, error)
}

// FaxRelayService implements the faxrelay.v1.FaxRelay RPCs. Requests and responses are
// google.protobuf.Struct messages.
type FaxRelayService struct {
	ingestor ingest.Ingestor
	jobs     Jobs
	audit    AuditLog
	exporter Exporter
	logger   *slog.Logger
}

func NewFaxRelayService(ing ingest.Ingestor, jobs Jobs, audit AuditLog, exporter Exporter, logger *slog.Logger) *FaxRelayService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FaxRelayService{ingestor: ing, jobs: jobs, audit: audit, exporter: exporter, logger: logger}
}

func (s *FaxRelayService) SubmitFax(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	doc := stringField(req, "document")
	if doc == "" {
		return nil, common.InvalidArgumentError("document is required")
	}
	data, err := base64.StdEncoding.DecodeString(doc)
	if err != nil {
		return nil, common.InvalidArgumentError("document must be base64")
	}
	rc, err := s.ingestor.Submit(ctx, actor, ingest.Submission{
		Data:          data,
		Destination:   stringField(req, "destination"),
		Source:        stringField(req, "source"),
		ExternalFaxID: stringField(req, "external_fax_id"),
	})
	if err != nil {
		s.logger.Warn("rpc.submit.failed", "actor", actor.ID, "kind", common.Kind(err))
		return nil, common.ToStatus(err)
	}
	return reply(map[string]any{
		"job_id":       rc.JobID.String(),
		"document_ref": rc.DocumentRef,
		"content_type": rc.ContentType,
		"state":        string(rc.State),
	})
}

func (s *FaxRelayService) GetJobStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, id, err := s.jobRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.Status(ctx, actor, id)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return reply(jobMap(job))
}

func (s *FaxRelayService) DecideJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, id, err := s.jobRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	v, ok := req.GetFields()["approve"]
	if !ok {
		return nil, common.InvalidArgumentError("approve is required")
	}
	if _, isBool := v.GetKind().(*structpb.Value_BoolValue); !isBool {
		return nil, common.InvalidArgumentError("approve must be a boolean")
	}
	job, err := s.jobs.Decide(ctx, actor, id, pipeline.Decision{Approve: v.GetBoolValue()})
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return reply(jobMap(job))
}

func (s *FaxRelayService) RetryJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, id, err := s.jobRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.Retry(ctx, actor, id)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return reply(jobMap(job))
}

func (s *FaxRelayService) CancelJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, id, err := s.jobRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	deferred, err := s.jobs.Cancel(ctx, actor, id)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return reply(map[string]any{"job_id": id.String(), "deferred": deferred})
}

func (s *FaxRelayService) ListJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	filter := repository.JobFilter{Limit: intField(req, "limit"), Offset: intField(req, "offset")}
	for _, v := range req.GetFields()["states"].GetListValue().GetValues() {
		st, ok := constants.ParseJobState(v.GetStringValue())
		if !ok {
			return nil, common.InvalidArgumentErrorf("unknown state %q", v.GetStringValue())
		}
		filter.States = append(filter.States, st)
	}
	jobs, err := s.jobs.List(ctx, actor, filter)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	out := make([]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobMap(j))
	}
	return reply(map[string]any{"jobs": out})
}

func (s *FaxRelayService) GetJobFields(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, id, err := s.jobRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	fields, tmpl, err := s.jobs.Fields(ctx, actor, id)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	fm := make(map[string]any, len(fields))
	for name, f := range fields {
		fm[name] = map[string]any{"value": f.Value, "confidence": f.Confidence}
	}
	return reply(map[string]any{"job_id": id.String(), "form_template": string(tmpl), "fields": fm})
}

func (s *FaxRelayService) SearchJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	hits, err := s.jobs.Search(ctx, actor, stringField(req, "keyword"), intField(req, "limit"))
	if err != nil {
		return nil, common.ToStatus(err)
	}
	out := make([]any, 0, len(hits))
	for _, h := range hits {
		matched := make([]any, len(h.MatchedFields))
		for i, m := range h.MatchedFields {
			matched[i] = m
		}
		out = append(out, map[string]any{
			"job_id":         h.JobID.String(),
			"state":          string(h.State),
			"form_template":  string(h.FormTemplate),
			"matched_fields": matched,
		})
	}
	return reply(map[string]any{"hits": out})
}

func (s *FaxRelayService) ListAudit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	filter := repository.AuditFilter{
		ActorID:     stringField(req, "actor_id"),
		Action:      stringField(req, "action"),
		ResourceRef: stringField(req, "resource"),
		Limit:       intField(req, "limit"),
	}
	if filter.Since, err = timeField(req, "since"); err != nil {
		return nil, err
	}
	if filter.Until, err = timeField(req, "until"); err != nil {
		return nil, err
	}
	recs, err := s.audit.List(ctx, actor, filter)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	out := make([]any, 0, len(recs))
	for _, r := range recs {
		out = append(out, map[string]any{
			"id":       r.ID,
			"actor_id": r.ActorID,
			"role":     string(r.Role),
			"action":   r.Action,
			"resource": r.ResourceRef,
			"outcome":  r.Outcome,
			"detail":   r.Detail,
			"at":       r.At.UTC().Format(time.RFC3339Nano),
		})
	}
	return reply(map[string]any{"records": out})
}

func (s *FaxRelayService) ExportAudit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	var w export.Window
	if w.From, err = dateField(req, "from_date"); err != nil {
		return nil, err
	}
	if w.To, err = dateField(req, "to_date"); err != nil {
		return nil, err
	}
	xlsx, err := s.exporter.AuditWorkbook(ctx, actor, w)
	if err != nil {
		s.logger.Error("rpc.export.failed", "actor", actor.ID, "kind", common.Kind(err))
		return nil, common.ToStatus(err)
	}
	return reply(map[string]any{"xlsx": base64.StdEncoding.EncodeToString(xlsx)})
}

func (s *FaxRelayService) PurgeDocuments(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	retention, err := time.ParseDuration(stringField(req, "retention"))
	if err != nil {
		return nil, common.InvalidArgumentError("retention must be a duration such as 720h")
	}
	n, err := s.jobs.PurgeExpired(ctx, actor, retention, time.Now())
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return reply(map[string]any{"purged": n})
}

func (s *FaxRelayService) jobRequest(ctx context.Context, req *structpb.Struct) (entity.Actor, uuid.UUID, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return actor, uuid.Nil, err
	}
	id, err := uuid.Parse(strings.TrimSpace(stringField(req, "job_id")))
	if err != nil {
		return actor, uuid.Nil, common.InvalidArgumentError("job_id must be a UUID")
	}
	return actor, id, nil
}

func actorFrom(ctx context.Context) (entity.Actor, error) {
	actor, ok := common.ActorFromContext(ctx)
	if !ok {
		return actor, common.ToStatus(common.ErrUnauthenticated)
	}
	return actor, nil
}

func jobMap(j *entity.FaxJob) map[string]any {
	attempts := make([]any, 0, len(j.AttemptHistory))
	for _, a := range j.AttemptHistory {
		attempts = append(attempts, map[string]any{
			"cycle":      a.Cycle,
			"index":      a.Index,
			"token":      a.Token,
			"outcome":    string(a.Outcome),
			"error_kind": a.ErrorKind,
			"receipt_id": a.ReceiptID,
			"at":         a.At.UTC().Format(time.RFC3339Nano),
		})
	}
	return map[string]any{
		"job_id":            j.ID.String(),
		"state":             string(j.State),
		"document_ref":      j.DocumentRef,
		"content_type":      j.ContentType,
		"destination":       j.Destination,
		"source":            j.Source,
		"external_fax_id":   j.ExternalFaxID,
		"form_template":     string(j.FormTemplate),
		"validation_result": string(j.ValidationResult),
		"retry_cycles":      j.RetryCycles,
		"cancel_requested":  j.CancelRequested,
		"last_error":        j.LastError,
		"attempt_history":   attempts,
		"created_at":        j.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":        j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func reply(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, common.InternalErrorf("encode response: %v", err)
	}
	return out, nil
}

func stringField(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func intField(req *structpb.Struct, key string) int {
	return int(req.GetFields()[key].GetNumberValue())
}

func timeField(req *structpb.Struct, key string) (time.Time, error) {
	v := strings.TrimSpace(stringField(req, key))
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, common.InvalidArgumentErrorf("%s must be RFC3339", key)
	}
	return t, nil
}

func dateField(req *structpb.Struct, key string) (*time.Time, error) {
	v := strings.TrimSpace(stringField(req, key))
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, common.InvalidArgumentErrorf("%s must be YYYY-MM-DD", key)
	}
	return &t, nil
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/envelope"
)

// JobFilter narrows List. Zero values mean no constraint; Limit defaults to 100.
type JobFilter struct {
	States        []constants.JobState
	DocumentRef   string
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// JobPatch carries optional column updates applied together with a state change.
type JobPatch struct {
	ValidationResult *constants.ValidationResult
	FormTemplate     *constants.FormTemplate
	RetryCycles      *int
	LastError        *string
	CancelRequested  *bool
}

type JobRepository interface {
	Create(ctx context.Context, job *entity.FaxJob) error
	// Get loads a job with its decrypted fields and attempt history.
	Get(ctx context.Context, id uuid.UUID) (*entity.FaxJob, error)
	// List returns job summaries without extracted fields or attempts.
	List(ctx context.Context, filter JobFilter) ([]*entity.FaxJob, error)
	// Transition moves a job from one state to another; it fails with ErrInvalidTransition
	// when the stored state is no longer from.
	Transition(ctx context.Context, id uuid.UUID, from, to constants.JobState, patch JobPatch) error
	// SetExtractedFields stores the sealed field map and the form template it was read
	// against. Fields are written at most once; a second write fails with ErrFieldsImmutable.
	SetExtractedFields(ctx context.Context, id uuid.UUID, template constants.FormTemplate, fields entity.FieldMap) error
	RequestCancel(ctx context.Context, id uuid.UUID) error
	AppendAttempt(ctx context.Context, attempt entity.TransmissionAttempt) error
	Attempts(ctx context.Context, id uuid.UUID) ([]entity.TransmissionAttempt, error)
}

type jobRepo struct {
	db     *DB
	sealer *envelope.Sealer
	log    *slog.Logger
}

func NewJobRepository(db *DB, sealer *envelope.Sealer, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, sealer: sealer, log: log}
}

var jobColumns = []string{
	"id", "state", "document_ref", "content_type", "destination", "source", "external_fax_id",
	"form_template", "fields_ciphertext", "fields_wrapped_key", "fields_key_version",
	"validation_result", "retry_cycles", "cancel_requested", "last_error", "created_at", "updated_at",
}

type jobRow struct {
	job     entity.FaxJob
	sealed  envelope.Sealed
	created scanTime
	updated scanTime
}

func scanJob(rows *entsql.Rows) (*jobRow, error) {
	var (
		r        jobRow
		id       string
		state    string
		template string
		result   string
	)
	err := rows.Scan(
		&id, &state, &r.job.DocumentRef, &r.job.ContentType, &r.job.Destination, &r.job.Source,
		&r.job.ExternalFaxID, &template, &r.sealed.Ciphertext, &r.sealed.WrappedKey, &r.sealed.KeyVersion,
		&result, &r.job.RetryCycles, &r.job.CancelRequested, &r.job.LastError, &r.created, &r.updated,
	)
	if err != nil {
		return nil, err
	}
	if r.job.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("fax_jobs.id: %w", err)
	}
	r.job.State = constants.JobState(state)
	r.job.FormTemplate = constants.FormTemplate(template)
	r.job.ValidationResult = constants.ValidationResult(result)
	r.job.CreatedAt = r.created.T
	r.job.UpdatedAt = r.updated.T
	return &r, nil
}

func (r *jobRepo) Create(ctx context.Context, job *entity.FaxJob) error {
	now := dbNow()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.State == "" {
		job.State = constants.StateReceived
	}
	job.CreatedAt, job.UpdatedAt = now, now

	q := r.db.builder().Insert(FaxJobsTable.Name).
		Columns("id", "state", "document_ref", "content_type", "destination", "source", "external_fax_id",
			"form_template", "fields_key_version", "validation_result", "retry_cycles", "cancel_requested",
			"last_error", "created_at", "updated_at").
		Values(job.ID.String(), string(job.State), job.DocumentRef, job.ContentType, job.Destination, job.Source,
			job.ExternalFaxID, string(job.FormTemplate), 0, string(job.ValidationResult), job.RetryCycles,
			job.CancelRequested, job.LastError, now, now)
	if _, err := r.db.exec(ctx, q); err != nil {
		r.log.Error("fax_job create failed", "job_id", job.ID, "err", err)
		return fmt.Errorf("create job: %w", err)
	}
	r.log.Info("fax_job created", "job_id", job.ID, "document_ref", job.DocumentRef)
	return nil
}

func (r *jobRepo) get(ctx context.Context, id uuid.UUID) (*jobRow, error) {
	q := r.db.builder().Select(jobColumns...).
		From(entsql.Table(FaxJobsTable.Name)).
		Where(entsql.EQ("id", id.String()))
	var row *jobRow
	err := r.db.query(ctx, q, func(rows *entsql.Rows) error {
		var err error
		row, err = scanJob(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if row == nil {
		return nil, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
	}
	return row, nil
}

func (r *jobRepo) Get(ctx context.Context, id uuid.UUID) (*entity.FaxJob, error) {
	row, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(row.sealed.Ciphertext) > 0 {
		plaintext, err := r.sealer.Open(ctx, row.sealed, fieldsAAD(id))
		if err != nil {
			r.log.Error("fax_job fields unseal failed", "job_id", id, "err", err)
			return nil, fmt.Errorf("job %s fields: %w", id, err)
		}
		var fields entity.FieldMap
		if err := json.Unmarshal(plaintext, &fields); err != nil {
			return nil, fmt.Errorf("job %s fields decode: %w", id, common.ErrIntegrity)
		}
		row.job.ExtractedFields = fields
	}
	attempts, err := r.Attempts(ctx, id)
	if err != nil {
		return nil, err
	}
	row.job.AttemptHistory = attempts
	return &row.job, nil
}

func (r *jobRepo) List(ctx context.Context, filter JobFilter) ([]*entity.FaxJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q := r.db.builder().Select(jobColumns...).From(entsql.Table(FaxJobsTable.Name))

	var preds []*entsql.Predicate
	if len(filter.States) > 0 {
		states := make([]any, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		preds = append(preds, entsql.In("state", states...))
	}
	if filter.DocumentRef != "" {
		preds = append(preds, entsql.EQ("document_ref", filter.DocumentRef))
	}
	if !filter.UpdatedBefore.IsZero() {
		preds = append(preds, entsql.LT("updated_at", filter.UpdatedBefore.UTC()))
	}
	if len(preds) > 0 {
		q.Where(entsql.And(preds...))
	}
	q.OrderBy(entsql.Desc("created_at"), "id").Limit(limit).Offset(filter.Offset)

	var out []*entity.FaxJob
	err := r.db.query(ctx, q, func(rows *entsql.Rows) error {
		row, err := scanJob(rows)
		if err != nil {
			return err
		}
		out = append(out, &row.job)
		return nil
	})
	if err != nil {
		r.log.Error("fax_job list failed", "err", err)
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (r *jobRepo) Transition(ctx context.Context, id uuid.UUID, from, to constants.JobState, patch JobPatch) error {
	u := r.db.builder().Update(FaxJobsTable.Name).
		Set("state", string(to)).
		Set("updated_at", dbNow())
	if patch.ValidationResult != nil {
		u.Set("validation_result", string(*patch.ValidationResult))
	}
	if patch.FormTemplate != nil {
		u.Set("form_template", string(*patch.FormTemplate))
	}
	if patch.RetryCycles != nil {
		u.Set("retry_cycles", *patch.RetryCycles)
	}
	if patch.LastError != nil {
		u.Set("last_error", *patch.LastError)
	}
	if patch.CancelRequested != nil {
		u.Set("cancel_requested", *patch.CancelRequested)
	}
	u.Where(entsql.And(entsql.EQ("id", id.String()), entsql.EQ("state", string(from))))

	n, err := r.db.exec(ctx, u)
	if err != nil {
		r.log.Error("fax_job transition failed", "job_id", id, "from", from, "to", to, "err", err)
		return fmt.Errorf("transition job %s: %w", id, err)
	}
	if n == 0 {
		row, err := r.get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s is %s, not %s: %w", id, row.job.State, from, common.ErrInvalidTransition)
	}
	return nil
}

func (r *jobRepo) SetExtractedFields(ctx context.Context, id uuid.UUID, template constants.FormTemplate, fields entity.FieldMap) error {
	if fields == nil {
		fields = entity.FieldMap{}
	}
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	sealed, err := r.sealer.Seal(ctx, plaintext, fieldsAAD(id))
	if err != nil {
		r.log.Error("fax_job fields seal failed", "job_id", id, "err", err)
		return fmt.Errorf("seal fields: %w", err)
	}

	u := r.db.builder().Update(FaxJobsTable.Name).
		Set("fields_ciphertext", sealed.Ciphertext).
		Set("fields_wrapped_key", sealed.WrappedKey).
		Set("fields_key_version", sealed.KeyVersion).
		Set("form_template", string(template)).
		Set("updated_at", dbNow()).
		Where(entsql.And(
			entsql.EQ("id", id.String()),
			entsql.IsNull("fields_ciphertext"),
			entsql.EQ("validation_result", string(constants.ValidationNone)),
		))
	n, err := r.db.exec(ctx, u)
	if err != nil {
		r.log.Error("fax_job set fields failed", "job_id", id, "err", err)
		return fmt.Errorf("set fields %s: %w", id, err)
	}
	if n == 0 {
		if _, err := r.get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("job %s: %w", id, common.ErrFieldsImmutable)
	}
	r.log.Info("fax_job fields stored", "job_id", id, "field_count", len(fields))
	return nil
}

// RequestCancel flags a live job for cancellation. Terminal jobs are left untouched and
// yield ErrInvalidTransition.
func (r *jobRepo) RequestCancel(ctx context.Context, id uuid.UUID) error {
	var terminal []any
	for _, st := range constants.States() {
		if st.IsTerminal() {
			terminal = append(terminal, string(st))
		}
	}
	u := r.db.builder().Update(FaxJobsTable.Name).
		Set("cancel_requested", true).
		Set("updated_at", dbNow()).
		Where(entsql.And(
			entsql.EQ("id", id.String()),
			entsql.NotIn("state", terminal...),
		))
	n, err := r.db.exec(ctx, u)
	if err != nil {
		return fmt.Errorf("request cancel %s: %w", id, err)
	}
	if n == 0 {
		row, err := r.get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s is %s: %w", id, row.job.State, common.ErrInvalidTransition)
	}
	return nil
}

func (r *jobRepo) AppendAttempt(ctx context.Context, a entity.TransmissionAttempt) error {
	if a.At.IsZero() {
		a.At = dbNow()
	}
	q := r.db.builder().Insert(TransmissionAttemptsTable.Name).
		Columns("job_id", "cycle", "attempt_index", "token", "outcome", "error_kind", "receipt_id", "attempted_at").
		Values(a.JobID.String(), a.Cycle, a.Index, a.Token, string(a.Outcome), a.ErrorKind, a.ReceiptID, a.At.UTC())
	if _, err := r.db.exec(ctx, q); err != nil {
		r.log.Error("transmission_attempt append failed", "job_id", a.JobID, "attempt", a.Index, "err", err)
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

func (r *jobRepo) Attempts(ctx context.Context, id uuid.UUID) ([]entity.TransmissionAttempt, error) {
	q := r.db.builder().Select("cycle", "attempt_index", "token", "outcome", "error_kind", "receipt_id", "attempted_at").
		From(entsql.Table(TransmissionAttemptsTable.Name)).
		Where(entsql.EQ("job_id", id.String())).
		OrderBy("id")
	var out []entity.TransmissionAttempt
	err := r.db.query(ctx, q, func(rows *entsql.Rows) error {
		var (
			a       = entity.TransmissionAttempt{JobID: id}
			outcome string
			at      scanTime
		)
		if err := rows.Scan(&a.Cycle, &a.Index, &a.Token, &outcome, &a.ErrorKind, &a.ReceiptID, &at); err != nil {
			return err
		}
		a.Outcome = constants.AttemptOutcome(outcome)
		a.At = at.T
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("attempts %s: %w", id, err)
	}
	return out, nil
}

func fieldsAAD(id uuid.UUID) []byte {
	return []byte("fax_jobs.fields:" + id.String())
}

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/audit"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/repository"
)

// NewJob describes an ingested document awaiting processing.
type NewJob struct {
	DocumentRef   string
	ContentType   string
	Destination   string
	Source        string
	ExternalFaxID string
}

// ValidateRouting checks the fax numbers and external id. Ingestion runs it before the
// document is stored.
func (in NewJob) ValidateRouting() error {
	return common.NewValidator().
		Field("destination", in.Destination, common.Required, common.FaxNumber).
		Field("source", in.Source, common.OptionalFaxNumber).
		Field("external_fax_id", in.ExternalFaxID, common.MaxLength(128)).
		Err()
}

// Decision is a reviewer's verdict on a held job.
type Decision struct {
	Approve bool
}

// CreateJob records a job in received and schedules it.
func (p *Processor) CreateJob(ctx context.Context, actor entity.Actor, in NewJob) (*entity.FaxJob, error) {
	if err := p.auditor.Authorize(ctx, actor, constants.ActionIngestDocument, in.DocumentRef); err != nil {
		return nil, err
	}
	v := common.NewValidator().
		Field("document_ref", in.DocumentRef, common.Required, common.MaxLength(64)).
		Field("content_type", in.ContentType, common.Required)
	if err := v.Err(); err != nil {
		return nil, err
	}
	if err := in.ValidateRouting(); err != nil {
		return nil, err
	}

	job := &entity.FaxJob{
		State:         constants.StateReceived,
		DocumentRef:   in.DocumentRef,
		ContentType:   in.ContentType,
		Destination:   common.NormalizeFaxNumber(in.Destination),
		Source:        common.NormalizeFaxNumber(in.Source),
		ExternalFaxID: in.ExternalFaxID,
	}
	if err := p.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	p.record(ctx, actor, "job.create", job.ID.String(), constants.OutcomeSuccess, "document="+in.DocumentRef)
	p.schedule(ctx, job.ID)
	return job, nil
}

// Decide applies a human approve/reject to a held job.
func (p *Processor) Decide(ctx context.Context, actor entity.Actor, id uuid.UUID, d Decision) (*entity.FaxJob, error) {
	if err := p.auditor.Authorize(ctx, actor, constants.ActionApproveHeldJob, id.String()); err != nil {
		return nil, err
	}
	job, err := p.locked(ctx, id, func(job *entity.FaxJob) error {
		if job.State != constants.StateHeld {
			return fmt.Errorf("job %s is %s, not held: %w", id, job.State, common.ErrInvalidTransition)
		}
		to, verdict := constants.StateTerminalRejected, "reject"
		patch := repository.JobPatch{LastError: ptr("rejected_by_reviewer")}
		if d.Approve {
			to, verdict = constants.StateTransmitting, "approve"
			patch = repository.JobPatch{LastError: ptr("")}
		}
		return p.transition(ctx, actor, job, to, patch, "decision="+verdict)
	})
	if err != nil {
		return nil, err
	}
	if d.Approve {
		p.schedule(ctx, id)
	}
	return summary(job), nil
}

// Retry starts a new transmission cycle for a failed job.
func (p *Processor) Retry(ctx context.Context, actor entity.Actor, id uuid.UUID) (*entity.FaxJob, error) {
	if err := p.auditor.Authorize(ctx, actor, constants.ActionWriteJobState, id.String()); err != nil {
		return nil, err
	}
	job, err := p.locked(ctx, id, func(job *entity.FaxJob) error {
		if job.State != constants.StateTransmissionFailed {
			return fmt.Errorf("job %s is %s, not transmission_failed: %w", id, job.State, common.ErrInvalidTransition)
		}
		cycle := job.RetryCycles + 1
		if cycle >= p.cfg.MaxRetryCycles {
			return fmt.Errorf("job %s used all %d retry cycles: %w", id, p.cfg.MaxRetryCycles, common.ErrInvalidTransition)
		}
		return p.transition(ctx, actor, job, constants.StateTransmitting, repository.JobPatch{
			RetryCycles: ptr(cycle),
			LastError:   ptr(""),
		}, fmt.Sprintf("manual retry cycle=%d", cycle))
	})
	if err != nil {
		return nil, err
	}
	p.schedule(ctx, id)
	return summary(job), nil
}

// locked loads the job and runs fn while holding its lock. The lock is released before
// returning so the caller can hand the job to a worker.
func (p *Processor) locked(ctx context.Context, id uuid.UUID, fn func(*entity.FaxJob) error) (*entity.FaxJob, error) {
	release, err := p.locker.TryAcquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()
	job, err := p.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel cancels a job waiting for external input. If a worker currently holds the job the
// request is recorded and applied once its in-flight call returns; deferred reports that.
func (p *Processor) Cancel(ctx context.Context, actor entity.Actor, id uuid.UUID) (deferred bool, err error) {
	if err := p.auditor.Authorize(ctx, actor, constants.ActionWriteJobState, id.String()); err != nil {
		return false, err
	}
	release, err := p.locker.TryAcquire(ctx, id)
	if errors.Is(err, common.ErrJobBusy) {
		return true, p.deferCancel(ctx, actor, id)
	}
	if err != nil {
		return false, err
	}
	defer release()

	job, err := p.jobs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch {
	case job.State.IsTerminal():
		return false, fmt.Errorf("job %s is %s: %w", id, job.State, common.ErrInvalidTransition)
	case job.State.IsCancellable():
		return false, p.transition(ctx, actor, job, constants.StateCancelled, repository.JobPatch{CancelRequested: ptr(true)}, "cancelled")
	default:
		// in-flight state with no live worker: the next Process run applies it
		return true, p.deferCancel(ctx, actor, id)
	}
}

func (p *Processor) deferCancel(ctx context.Context, actor entity.Actor, id uuid.UUID) error {
	job, err := p.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", id, job.State, common.ErrInvalidTransition)
	}
	if err := p.jobs.RequestCancel(ctx, id); err != nil {
		return err
	}
	p.record(ctx, actor, "job.cancel.requested", id.String(), constants.OutcomeSuccess, "state="+string(job.State))
	p.log.Info("pipeline.cancel.deferred", "job_id", id, "state", job.State, "actor", actor.ID)
	return nil
}

func (p *Processor) record(ctx context.Context, actor entity.Actor, action, resource, outcome, detail string) {
	if err := p.auditor.Record(ctx, audit.Event{
		Actor:    actor,
		Action:   action,
		Resource: resource,
		Outcome:  outcome,
		Detail:   detail,
	}); err != nil {
		p.log.Error("pipeline.audit.failed", "resource", resource, "action", action, "err", err)
	}
}

// summary strips extracted fields from a job for status responses.
func summary(job *entity.FaxJob) *entity.FaxJob {
	out := *job
	out.ExtractedFields = nil
	return &out
}

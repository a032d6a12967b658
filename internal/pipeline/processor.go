package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/audit"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/extract"
	"github.com/joseph-ayodele/faxrelay/internal/gate"
	"github.com/joseph-ayodele/faxrelay/internal/repository"
	"github.com/joseph-ayodele/faxrelay/internal/transmit"
)

// Extractor turns a stored document into fields.
type Extractor interface {
	Extract(ctx context.Context, ref string) (extract.Result, error)
}

// Transmitter runs one transmission cycle.
type Transmitter interface {
	Send(ctx context.Context, job *entity.FaxJob, fields entity.FieldMap, document []byte) (transmit.Outcome, error)
}

// Documents is the slice of the document store the processor uses.
type Documents interface {
	Get(ctx context.Context, actor entity.Actor, ref string) ([]byte, error)
	Purge(ctx context.Context, actor entity.Actor, ref string) error
}

// Auditor authorizes callers and records transitions.
type Auditor interface {
	Authorize(ctx context.Context, actor entity.Actor, action constants.Action, resource string) error
	Record(ctx context.Context, ev audit.Event) error
}

// Scheduler hands a job to a worker.
type Scheduler interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
}

type Config struct {
	// MaxRetryCycles is the number of transmission cycles a job gets, the first included.
	MaxRetryCycles int
}

// Processor owns the job state machine. Every state change happens under the job's lock
// and is audited.
type Processor struct {
	jobs       repository.JobRepository
	docs       Documents
	extractor  Extractor
	gate       *gate.Gate
	dispatcher Transmitter
	auditor    Auditor
	locker     Locker
	scheduler  Scheduler
	cfg        Config
	log        *slog.Logger
}

func NewProcessor(
	jobs repository.JobRepository,
	docs Documents,
	extractor Extractor,
	g *gate.Gate,
	dispatcher Transmitter,
	auditor Auditor,
	locker Locker,
	cfg Config,
	log *slog.Logger,
) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if cfg.MaxRetryCycles <= 0 {
		cfg.MaxRetryCycles = 3
	}
	return &Processor{
		jobs:       jobs,
		docs:       docs,
		extractor:  extractor,
		gate:       g,
		dispatcher: dispatcher,
		auditor:    auditor,
		locker:     locker,
		cfg:        cfg,
		log:        log,
	}
}

// SetScheduler wires the worker pool that runs jobs after creation, approval and retry.
func (p *Processor) SetScheduler(s Scheduler) {
	p.scheduler = s
}

// Process drives a job forward until it needs external input or reaches a terminal state.
// A job already being processed elsewhere yields common.ErrJobBusy. If ctx ends while an
// external call is running the job stays in its in-flight state for Resume.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) error {
	release, err := p.locker.TryAcquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	job, err := p.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	p.log.Debug("pipeline.process.start", "job_id", id, "state", job.State)

	for {
		if err := ctx.Err(); err != nil {
			p.log.Warn("pipeline.process.interrupted", "job_id", id, "state", job.State)
			return err
		}
		more, err := p.step(ctx, job)
		if err != nil {
			p.log.Error("pipeline.process.failed", "job_id", id, "state", job.State, "kind", common.Kind(err))
			return err
		}
		if !more {
			p.log.Info("pipeline.process.done", "job_id", id, "state", job.State)
			return nil
		}
	}
}

// step performs one transition. It reports whether the job can advance further right away.
func (p *Processor) step(ctx context.Context, job *entity.FaxJob) (bool, error) {
	sys := entity.SystemActor()
	switch job.State {
	case constants.StateReceived:
		if p.cancelPending(ctx, job) {
			return false, p.transition(ctx, sys, job, constants.StateCancelled, repository.JobPatch{}, "deferred cancel")
		}
		return true, p.transition(ctx, sys, job, constants.StateExtracting, repository.JobPatch{}, "")
	case constants.StateExtracting:
		return true, p.runExtraction(ctx, job)
	case constants.StateValidating:
		return true, p.runValidation(ctx, job)
	case constants.StateTransmitting:
		return true, p.runTransmission(ctx, job)
	case constants.StateHeld, constants.StateTransmissionFailed:
		if p.cancelPending(ctx, job) {
			return false, p.transition(ctx, sys, job, constants.StateCancelled, repository.JobPatch{}, "deferred cancel")
		}
		return false, nil
	default:
		return false, nil
	}
}

// transition persists from -> to together with patch, updates job and audits the change.
// It runs detached from ctx cancellation so a completed external call is never lost.
func (p *Processor) transition(ctx context.Context, actor entity.Actor, job *entity.FaxJob, to constants.JobState, patch repository.JobPatch, detail string) error {
	from := job.State
	if err := checkTransition(from, to); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	if err := p.jobs.Transition(ctx, job.ID, from, to, patch); err != nil {
		return err
	}
	job.State = to
	applyPatch(job, patch)

	msg := fmt.Sprintf("%s->%s", from, to)
	if detail != "" {
		msg += " " + detail
	}
	if err := p.auditor.Record(ctx, audit.Event{
		Actor:    actor,
		Action:   "job.transition",
		Resource: job.ID.String(),
		Outcome:  constants.OutcomeSuccess,
		Detail:   msg,
	}); err != nil {
		p.log.Error("pipeline.audit.failed", "job_id", job.ID, "from", from, "to", to, "err", err)
	}
	p.log.Info("pipeline.transition", "job_id", job.ID, "from", from, "to", to, "actor", actor.ID)
	return nil
}

func applyPatch(job *entity.FaxJob, patch repository.JobPatch) {
	if patch.ValidationResult != nil {
		job.ValidationResult = *patch.ValidationResult
	}
	if patch.FormTemplate != nil {
		job.FormTemplate = *patch.FormTemplate
	}
	if patch.RetryCycles != nil {
		job.RetryCycles = *patch.RetryCycles
	}
	if patch.LastError != nil {
		job.LastError = *patch.LastError
	}
	if patch.CancelRequested != nil {
		job.CancelRequested = *patch.CancelRequested
	}
}

// cancelPending re-reads the cancel flag, which may have been set while the job was locked.
func (p *Processor) cancelPending(ctx context.Context, job *entity.FaxJob) bool {
	if job.CancelRequested {
		return true
	}
	fresh, err := p.jobs.Get(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		p.log.Warn("pipeline.cancel.check_failed", "job_id", job.ID, "kind", common.Kind(err))
		return false
	}
	job.CancelRequested = fresh.CancelRequested
	return job.CancelRequested
}

func (p *Processor) schedule(ctx context.Context, id uuid.UUID) {
	if p.scheduler == nil {
		return
	}
	if err := p.scheduler.Enqueue(ctx, id); err != nil {
		// the job stays resumable; Resume picks it up on the next start
		p.log.Warn("pipeline.schedule.failed", "job_id", id, "kind", common.Kind(err))
	}
}

func ptr[T any](v T) *T { return &v }

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

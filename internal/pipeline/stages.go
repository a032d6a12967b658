package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/repository"
)

// runExtraction leaves the job in validating, held or cancelled.
func (p *Processor) runExtraction(ctx context.Context, job *entity.FaxJob) error {
	sys := entity.SystemActor()
	if job.ExtractedFields != nil {
		// fields were stored before an interruption; they never change, so go on to the gate
		return p.transition(ctx, sys, job, constants.StateValidating, repository.JobPatch{},
			fmt.Sprintf("template=%s fields=%d resumed", job.FormTemplate, len(job.ExtractedFields)))
	}
	res, err := p.extractor.Extract(ctx, job.DocumentRef)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if p.cancelPending(ctx, job) {
		return p.transition(ctx, sys, job, constants.StateCancelled, repository.JobPatch{}, "cancel applied after extraction")
	}
	if err != nil {
		kind := common.Kind(err)
		p.log.Warn("pipeline.extraction.failed", "job_id", job.ID, "kind", kind)
		return p.transition(ctx, sys, job, constants.StateHeld, repository.JobPatch{
			ValidationResult: ptr(constants.ValidationNeedsReview),
			LastError:        ptr(kind),
		}, "extraction_failed")
	}

	if err := p.jobs.SetExtractedFields(ctx, job.ID, res.Template, res.Fields); err != nil {
		return err
	}
	job.ExtractedFields = res.Fields
	job.FormTemplate = res.Template
	return p.transition(ctx, sys, job, constants.StateValidating, repository.JobPatch{}, fmt.Sprintf("template=%s fields=%d attempts=%d", res.Template, len(res.Fields), res.Attempts))
}

var gateRoutes = map[constants.ValidationResult]constants.JobState{
	constants.ValidationAutoAccept:  constants.StateTransmitting,
	constants.ValidationNeedsReview: constants.StateHeld,
	constants.ValidationRejected:    constants.StateTerminalRejected,
}

// runValidation scores the fields and records the result, which seals them.
func (p *Processor) runValidation(ctx context.Context, job *entity.FaxJob) error {
	d := p.gate.Evaluate(job.FormTemplate, job.ExtractedFields)
	to, ok := gateRoutes[d.Result]
	if !ok {
		return fmt.Errorf("gate result %q: %w", d.Result, common.ErrInternal)
	}
	// field names only, never values
	detail := "result=" + string(d.Result)
	if len(d.Missing) > 0 {
		detail += " missing=" + strings.Join(d.Missing, ",")
	}
	if len(d.LowConfidence) > 0 {
		detail += " low_confidence=" + strings.Join(d.LowConfidence, ",")
	}
	patch := repository.JobPatch{ValidationResult: ptr(d.Result)}
	if d.Result == constants.ValidationRejected {
		patch.LastError = ptr("missing_required_fields")
	}
	return p.transition(ctx, entity.SystemActor(), job, to, patch, detail)
}

// runTransmission leaves the job in delivered, transmission_failed, abandoned or cancelled.
func (p *Processor) runTransmission(ctx context.Context, job *entity.FaxJob) error {
	sys := entity.SystemActor()
	doc, err := p.docs.Get(ctx, sys, job.DocumentRef)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrIntegrity) {
			return p.failTransmission(ctx, job, common.Permanent(err))
		}
		return err
	}

	out, err := p.dispatcher.Send(ctx, job, job.ExtractedFields, doc)
	job.AttemptHistory = append(job.AttemptHistory, out.Attempts...)
	if err == nil && out.Delivered {
		if p.cancelPending(ctx, job) {
			p.log.Warn("pipeline.cancel.too_late", "job_id", job.ID)
		}
		return p.transition(ctx, sys, job, constants.StateDelivered, repository.JobPatch{LastError: ptr("")},
			fmt.Sprintf("cycle=%d attempts=%d", job.RetryCycles, len(out.Attempts)))
	}
	if ctx.Err() != nil && isCtxErr(err) {
		return ctx.Err()
	}
	if p.cancelPending(ctx, job) {
		return p.transition(ctx, sys, job, constants.StateCancelled, repository.JobPatch{LastError: ptr(common.Kind(err))}, "cancel applied after transmission")
	}
	return p.failTransmission(ctx, job, err)
}

func (p *Processor) failTransmission(ctx context.Context, job *entity.FaxJob, cause error) error {
	sys := entity.SystemActor()
	kind := common.Kind(cause)
	if err := p.transition(ctx, sys, job, constants.StateTransmissionFailed, repository.JobPatch{LastError: ptr(kind)},
		fmt.Sprintf("cycle=%d kind=%s", job.RetryCycles, kind)); err != nil {
		return err
	}
	switch {
	case !common.IsTransient(cause):
		return p.transition(ctx, sys, job, constants.StateAbandoned, repository.JobPatch{}, "permanent failure")
	case job.RetryCycles+1 >= p.cfg.MaxRetryCycles:
		return p.transition(ctx, sys, job, constants.StateAbandoned, repository.JobPatch{},
			fmt.Sprintf("retry cycles exhausted (%d)", p.cfg.MaxRetryCycles))
	}
	return nil
}

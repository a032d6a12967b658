package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/repository"
)

// Status returns a job's state, validation result and attempt history without its fields.
func (p *Processor) Status(ctx context.Context, actor entity.Actor, id uuid.UUID) (*entity.FaxJob, error) {
	if err := p.auditor.Authorize(ctx, actor, constants.ActionReadJobStatus, id.String()); err != nil {
		return nil, err
	}
	job, err := p.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return summary(job), nil
}

// Fields returns the decrypted extracted fields of a job.
func (p *Processor) Fields(ctx context.Context, actor entity.Actor, id uuid.UUID) (entity.FieldMap, constants.FormTemplate, error) {
	if err := p.auditor.Authorize(ctx, actor, constants.ActionReadDocument, id.String()); err != nil {
		return nil, "", err
	}
	job, err := p.jobs.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	p.record(ctx, actor, "job.fields.read", id.String(), constants.OutcomeSuccess, fmt.Sprintf("fields=%d", len(job.ExtractedFields)))
	return job.ExtractedFields.Clone(), job.FormTemplate, nil
}

// List returns job summaries.
func (p *Processor) List(ctx context.Context, actor entity.Actor, filter repository.JobFilter) ([]*entity.FaxJob, error) {
	if err := p.auditor.Authorize(ctx, actor, constants.ActionReadJobStatus, "fax_jobs"); err != nil {
		return nil, err
	}
	return p.jobs.List(ctx, filter)
}

// SearchHit is a job whose fields matched a keyword. Only field names are reported.
type SearchHit struct {
	JobID         uuid.UUID
	State         constants.JobState
	FormTemplate  constants.FormTemplate
	MatchedFields []string
}

const searchPageSize = 200

// Search scans the decrypted fields of up to limit matching jobs for keyword,
// case-insensitively. The keyword itself is kept out of the audit trail.
func (p *Processor) Search(ctx context.Context, actor entity.Actor, keyword string, limit int) ([]SearchHit, error) {
	if err := p.auditor.Authorize(ctx, actor, constants.ActionReadDocument, "fax_jobs"); err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(keyword))
	if needle == "" {
		return nil, fmt.Errorf("keyword: %w", common.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	var hits []SearchHit
	scanned := 0
	for offset := 0; len(hits) < limit; offset += searchPageSize {
		page, err := p.jobs.List(ctx, repository.JobFilter{Limit: searchPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, summary := range page {
			if len(hits) >= limit {
				break
			}
			job, err := p.jobs.Get(ctx, summary.ID)
			if err != nil {
				if errors.Is(err, common.ErrIntegrity) {
					p.log.Error("pipeline.search.unreadable", "job_id", summary.ID)
					continue
				}
				return nil, err
			}
			scanned++
			var matched []string
			for name, f := range job.ExtractedFields {
				if strings.Contains(strings.ToLower(f.Value), needle) {
					matched = append(matched, name)
				}
			}
			if len(matched) > 0 {
				sort.Strings(matched)
				hits = append(hits, SearchHit{JobID: job.ID, State: job.State, FormTemplate: job.FormTemplate, MatchedFields: matched})
			}
		}
		if len(page) < searchPageSize {
			break
		}
	}
	p.record(ctx, actor, "job.search", "fax_jobs", constants.OutcomeSuccess, fmt.Sprintf("scanned=%d hits=%d", scanned, len(hits)))
	return hits, nil
}

var terminalStates = []constants.JobState{
	constants.StateDelivered,
	constants.StateTerminalRejected,
	constants.StateAbandoned,
	constants.StateCancelled,
}

// PurgeExpired purges the documents of terminal jobs last updated before now-retention.
// A document still referenced by a live job is kept. It returns the number purged.
func (p *Processor) PurgeExpired(ctx context.Context, actor entity.Actor, retention time.Duration, now time.Time) (int, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive: %w", common.ErrInvalidInput)
	}
	if err := p.auditor.Authorize(ctx, actor, constants.ActionPurgeDocument, "document_blobs"); err != nil {
		return 0, err
	}
	cutoff := now.Add(-retention)

	refs := map[string]struct{}{}
	for offset := 0; ; offset += searchPageSize {
		page, err := p.jobs.List(ctx, repository.JobFilter{States: terminalStates, UpdatedBefore: cutoff, Limit: searchPageSize, Offset: offset})
		if err != nil {
			return 0, err
		}
		for _, j := range page {
			refs[j.DocumentRef] = struct{}{}
		}
		if len(page) < searchPageSize {
			break
		}
	}

	purged := 0
	for ref := range refs {
		live, err := p.jobs.List(ctx, repository.JobFilter{DocumentRef: ref, Limit: searchPageSize})
		if err != nil {
			return purged, err
		}
		if referencedByLiveJob(live, cutoff) {
			continue
		}
		err = p.docs.Purge(ctx, actor, ref)
		switch {
		case err == nil:
			purged++
		case errors.Is(err, common.ErrNotFound):
			// already purged
		default:
			return purged, err
		}
	}
	p.log.Info("pipeline.purge.done", "candidates", len(refs), "purged", purged, "cutoff", cutoff)
	return purged, nil
}

func referencedByLiveJob(jobs []*entity.FaxJob, cutoff time.Time) bool {
	for _, j := range jobs {
		if !j.State.IsTerminal() || !j.UpdatedAt.Before(cutoff) {
			return true
		}
	}
	return false
}

// Resume schedules every job left in a worker-driven state, as after a restart.
func (p *Processor) Resume(ctx context.Context) (int, error) {
	states := []constants.JobState{
		constants.StateReceived,
		constants.StateExtracting,
		constants.StateValidating,
		constants.StateTransmitting,
	}
	n := 0
	for offset := 0; ; offset += searchPageSize {
		page, err := p.jobs.List(ctx, repository.JobFilter{States: states, Limit: searchPageSize, Offset: offset})
		if err != nil {
			return n, err
		}
		for _, j := range page {
			p.schedule(ctx, j.ID)
			n++
		}
		if len(page) < searchPageSize {
			break
		}
	}
	// cancel requests recorded against waiting jobs
	waiting, err := p.jobs.List(ctx, repository.JobFilter{States: []constants.JobState{constants.StateHeld, constants.StateTransmissionFailed}, Limit: 1000})
	if err != nil {
		return n, err
	}
	for _, j := range waiting {
		if j.CancelRequested {
			p.schedule(ctx, j.ID)
			n++
		}
	}
	p.log.Info("pipeline.resume", "scheduled", n)
	return n, nil
}

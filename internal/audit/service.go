package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/repository"
)

// Event is an auditable occurrence. Detail must not carry patient field values.
type Event struct {
	Actor    entity.Actor
	Action   string
	Resource string
	Outcome  string
	Detail   string
}

// Service enforces the access policy and writes the audit trail.
type Service struct {
	policy *Policy
	repo   repository.AuditRepository
	log    *slog.Logger
}

func NewService(policy *Policy, repo repository.AuditRepository, log *slog.Logger) *Service {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{policy: policy, repo: repo, log: log}
}

// Authorize checks action against the policy and records the outcome, denials included.
// If the outcome cannot be recorded the operation is refused.
func (s *Service) Authorize(ctx context.Context, actor entity.Actor, action constants.Action, resource string) error {
	allowed := actor.ID != "" && s.policy.Allows(actor.Role, action)
	outcome := constants.OutcomeAllowed
	if !allowed {
		outcome = constants.OutcomeDenied
	}
	if err := s.Record(ctx, Event{Actor: actor, Action: string(action), Resource: resource, Outcome: outcome}); err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("audit.access.denied", "actor", actor.ID, "role", actor.Role, "action", action, "resource", resource)
		return fmt.Errorf("role %q may not %s: %w", actor.Role, action, common.ErrAccessDenied)
	}
	return nil
}

// Record appends ev to the audit trail.
func (s *Service) Record(ctx context.Context, ev Event) error {
	rec := &entity.AuditRecord{
		ActorID:     ev.Actor.ID,
		Role:        ev.Actor.Role,
		Action:      ev.Action,
		ResourceRef: ev.Resource,
		Outcome:     ev.Outcome,
		Detail:      ev.Detail,
	}
	// audit writes must survive caller cancellation
	if err := s.repo.Append(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Error("audit.record.failed", "action", ev.Action, "resource", ev.Resource, "err", err)
		return fmt.Errorf("audit record: %w", err)
	}
	return nil
}

// List returns audit records for an actor allowed to read the audit log.
func (s *Service) List(ctx context.Context, actor entity.Actor, filter repository.AuditFilter) ([]entity.AuditRecord, error) {
	if err := s.Authorize(ctx, actor, constants.ActionReadAuditLog, "audit_records"); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, filter)
}

// Allows reports the policy decision without recording it.
func (s *Service) Allows(actor entity.Actor, action constants.Action) bool {
	return actor.ID != "" && s.policy.Allows(actor.Role, action)
}

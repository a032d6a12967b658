package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
)

// AuditFilter narrows List. Zero values mean no constraint; Limit defaults to 500.
type AuditFilter struct {
	ActorID     string
	Action      string
	ResourceRef string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// AuditRepository is append-only: records are never updated or deleted.
type AuditRepository interface {
	Append(ctx context.Context, rec *entity.AuditRecord) error
	List(ctx context.Context, filter AuditFilter) ([]entity.AuditRecord, error)
}

type auditRepo struct {
	db  *DB
	log *slog.Logger
}

func NewAuditRepository(db *DB, log *slog.Logger) AuditRepository {
	if log == nil {
		log = slog.Default()
	}
	return &auditRepo{db: db, log: log}
}

func (r *auditRepo) Append(ctx context.Context, rec *entity.AuditRecord) error {
	if rec.At.IsZero() {
		rec.At = dbNow()
	}
	q := r.db.builder().Insert(AuditRecordsTable.Name).
		Columns("actor_id", "role", "action", "resource_ref", "outcome", "detail", "recorded_at").
		Values(rec.ActorID, string(rec.Role), rec.Action, rec.ResourceRef, rec.Outcome, rec.Detail, rec.At.UTC())
	if _, err := r.db.exec(ctx, q); err != nil {
		r.log.Error("audit_record append failed", "action", rec.Action, "resource", rec.ResourceRef, "err", err)
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (r *auditRepo) List(ctx context.Context, filter AuditFilter) ([]entity.AuditRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	q := r.db.builder().Select("id", "actor_id", "role", "action", "resource_ref", "outcome", "detail", "recorded_at").
		From(entsql.Table(AuditRecordsTable.Name))

	var preds []*entsql.Predicate
	if filter.ActorID != "" {
		preds = append(preds, entsql.EQ("actor_id", filter.ActorID))
	}
	if filter.Action != "" {
		preds = append(preds, entsql.EQ("action", filter.Action))
	}
	if filter.ResourceRef != "" {
		preds = append(preds, entsql.EQ("resource_ref", filter.ResourceRef))
	}
	if !filter.Since.IsZero() {
		preds = append(preds, entsql.GTE("recorded_at", filter.Since.UTC()))
	}
	if !filter.Until.IsZero() {
		preds = append(preds, entsql.LT("recorded_at", filter.Until.UTC()))
	}
	if len(preds) > 0 {
		q.Where(entsql.And(preds...))
	}
	q.OrderBy("id").Limit(limit)

	var out []entity.AuditRecord
	err := r.db.query(ctx, q, func(rows *entsql.Rows) error {
		var (
			rec  entity.AuditRecord
			role string
			at   scanTime
		)
		if err := rows.Scan(&rec.ID, &rec.ActorID, &role, &rec.Action, &rec.ResourceRef, &rec.Outcome, &rec.Detail, &at); err != nil {
			return err
		}
		rec.Role = constants.Role(role)
		rec.At = at.T
		out = append(out, rec)
		return nil
	})
	if err != nil {
		r.log.Error("audit_record list failed", "err", err)
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return out, nil
}

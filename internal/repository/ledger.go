package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
)

// DeliveryLedger remembers which attempt tokens the carrier has acknowledged.
type DeliveryLedger interface {
	// MarkDelivered records token as delivered. Recording the same token again is a no-op.
	MarkDelivered(ctx context.Context, token string, jobID uuid.UUID, receiptID string, at time.Time) error
	// Delivered returns the receipt recorded for token, if any.
	Delivered(ctx context.Context, token string) (receiptID string, ok bool, err error)
}

type ledgerRepo struct {
	db  *DB
	log *slog.Logger
}

func NewDeliveryLedger(db *DB, log *slog.Logger) DeliveryLedger {
	if log == nil {
		log = slog.Default()
	}
	return &ledgerRepo{db: db, log: log}
}

func (r *ledgerRepo) MarkDelivered(ctx context.Context, token string, jobID uuid.UUID, receiptID string, at time.Time) error {
	if at.IsZero() {
		at = dbNow()
	}
	q := r.db.builder().Insert(DeliveredTokensTable.Name).
		Columns("token", "job_id", "receipt_id", "delivered_at").
		Values(token, jobID.String(), receiptID, at.UTC()).
		OnConflict(entsql.ConflictColumns("token"), entsql.DoNothing())
	if _, err := r.db.exec(ctx, q); err != nil {
		r.log.Error("delivered_token insert failed", "job_id", jobID, "err", err)
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (r *ledgerRepo) Delivered(ctx context.Context, token string) (string, bool, error) {
	q := r.db.builder().Select("receipt_id").
		From(entsql.Table(DeliveredTokensTable.Name)).
		Where(entsql.EQ("token", token))
	var (
		receipt string
		found   bool
	)
	err := r.db.query(ctx, q, func(rows *entsql.Rows) error {
		found = true
		return rows.Scan(&receipt)
	})
	if err != nil {
		return "", false, fmt.Errorf("delivered lookup: %w", err)
	}
	return receipt, found, nil
}

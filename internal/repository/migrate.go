package repository

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

var (
	// FaxJobsColumns holds the columns for the "fax_jobs" table.
	FaxJobsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Size: 36},
		{Name: "state", Type: field.TypeString, Size: 32},
		{Name: "document_ref", Type: field.TypeString, Size: 64},
		{Name: "content_type", Type: field.TypeString, Size: 64},
		{Name: "destination", Type: field.TypeString, Size: 32},
		{Name: "source", Type: field.TypeString, Size: 32, Default: ""},
		{Name: "external_fax_id", Type: field.TypeString, Size: 128, Default: ""},
		{Name: "form_template", Type: field.TypeString, Size: 64, Default: ""},
		{Name: "fields_ciphertext", Type: field.TypeBytes, Nullable: true},
		{Name: "fields_wrapped_key", Type: field.TypeBytes, Nullable: true},
		{Name: "fields_key_version", Type: field.TypeInt, Default: 0},
		{Name: "validation_result", Type: field.TypeString, Size: 32, Default: ""},
		{Name: "retry_cycles", Type: field.TypeInt, Default: 0},
		{Name: "cancel_requested", Type: field.TypeBool, Default: false},
		{Name: "last_error", Type: field.TypeString, Size: 64, Default: ""},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	// FaxJobsTable holds the schema information for the "fax_jobs" table.
	FaxJobsTable = &schema.Table{
		Name:       "fax_jobs",
		Columns:    FaxJobsColumns,
		PrimaryKey: []*schema.Column{FaxJobsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "faxjob_state_updated_at", Columns: []*schema.Column{FaxJobsColumns[1], FaxJobsColumns[16]}},
			{Name: "faxjob_document_ref", Columns: []*schema.Column{FaxJobsColumns[2]}},
		},
	}

	// DocumentBlobsColumns holds the columns for the "document_blobs" table.
	DocumentBlobsColumns = []*schema.Column{
		{Name: "ref", Type: field.TypeString, Size: 64},
		{Name: "kind", Type: field.TypeString, Size: 16},
		{Name: "content_type", Type: field.TypeString, Size: 64},
		{Name: "size", Type: field.TypeInt64},
		{Name: "key_version", Type: field.TypeInt},
		{Name: "wrapped_key", Type: field.TypeBytes},
		{Name: "ciphertext", Type: field.TypeBytes},
		{Name: "created_at", Type: field.TypeTime},
	}
	DocumentBlobsTable = &schema.Table{
		Name:       "document_blobs",
		Columns:    DocumentBlobsColumns,
		PrimaryKey: []*schema.Column{DocumentBlobsColumns[0]},
	}

	// TransmissionAttemptsColumns holds the columns for the "transmission_attempts" table.
	TransmissionAttemptsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt64, Increment: true},
		{Name: "job_id", Type: field.TypeString, Size: 36},
		{Name: "cycle", Type: field.TypeInt},
		{Name: "attempt_index", Type: field.TypeInt},
		{Name: "token", Type: field.TypeString, Size: 36},
		{Name: "outcome", Type: field.TypeString, Size: 32},
		{Name: "error_kind", Type: field.TypeString, Size: 64, Default: ""},
		{Name: "receipt_id", Type: field.TypeString, Size: 128, Default: ""},
		{Name: "attempted_at", Type: field.TypeTime},
	}
	TransmissionAttemptsTable = &schema.Table{
		Name:       "transmission_attempts",
		Columns:    TransmissionAttemptsColumns,
		PrimaryKey: []*schema.Column{TransmissionAttemptsColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "transmission_attempts_fax_jobs_attempts",
				Columns:    []*schema.Column{TransmissionAttemptsColumns[1]},
				RefColumns: []*schema.Column{FaxJobsColumns[0]},
				OnDelete:   schema.NoAction,
			},
		},
		Indexes: []*schema.Index{
			{Name: "transmissionattempt_job_id_cycle_attempt_index", Columns: []*schema.Column{TransmissionAttemptsColumns[1], TransmissionAttemptsColumns[2], TransmissionAttemptsColumns[3]}},
			{Name: "transmissionattempt_token", Columns: []*schema.Column{TransmissionAttemptsColumns[4]}},
		},
	}

	// DeliveredTokensColumns holds the columns for the "delivered_tokens" ledger.
	DeliveredTokensColumns = []*schema.Column{
		{Name: "token", Type: field.TypeString, Size: 36},
		{Name: "job_id", Type: field.TypeString, Size: 36},
		{Name: "receipt_id", Type: field.TypeString, Size: 128},
		{Name: "delivered_at", Type: field.TypeTime},
	}
	DeliveredTokensTable = &schema.Table{
		Name:       "delivered_tokens",
		Columns:    DeliveredTokensColumns,
		PrimaryKey: []*schema.Column{DeliveredTokensColumns[0]},
		Indexes: []*schema.Index{
			{Name: "deliveredtoken_job_id", Columns: []*schema.Column{DeliveredTokensColumns[1]}},
		},
	}

	// AuditRecordsColumns holds the columns for the append-only "audit_records" table.
	AuditRecordsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt64, Increment: true},
		{Name: "actor_id", Type: field.TypeString, Size: 128},
		{Name: "role", Type: field.TypeString, Size: 32},
		{Name: "action", Type: field.TypeString, Size: 64},
		{Name: "resource_ref", Type: field.TypeString, Size: 128},
		{Name: "outcome", Type: field.TypeString, Size: 32},
		{Name: "detail", Type: field.TypeString, Size: 512, Default: ""},
		{Name: "recorded_at", Type: field.TypeTime},
	}
	AuditRecordsTable = &schema.Table{
		Name:       "audit_records",
		Columns:    AuditRecordsColumns,
		PrimaryKey: []*schema.Column{AuditRecordsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "auditrecord_resource_ref", Columns: []*schema.Column{AuditRecordsColumns[4]}},
			{Name: "auditrecord_actor_id", Columns: []*schema.Column{AuditRecordsColumns[1]}},
			{Name: "auditrecord_recorded_at", Columns: []*schema.Column{AuditRecordsColumns[7]}},
		},
	}

	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		FaxJobsTable,
		DocumentBlobsTable,
		TransmissionAttemptsTable,
		DeliveredTokensTable,
		AuditRecordsTable,
	}
)

func init() {
	TransmissionAttemptsTable.ForeignKeys[0].RefTable = FaxJobsTable
}

// Migrate creates or upgrades the schema.
func (db *DB) Migrate(ctx context.Context) error {
	m, err := schema.NewMigrate(db.Driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Create(ctx, Tables...); err != nil {
		db.log.Error("schema migration failed", "err", err)
		return fmt.Errorf("migrate: %w", err)
	}
	db.log.Info("schema migrated", "tables", len(Tables))
	return nil
}

package export

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/repository"
)

const (
	auditSheet = "Audit"
	jobsSheet  = "Jobs"

	maxAuditRows = 100000
	jobPageSize  = 500
)

// AuditReader lists audit records on behalf of an actor. audit.Service satisfies it.
type AuditReader interface {
	List(ctx context.Context, actor entity.Actor, filter repository.AuditFilter) ([]entity.AuditRecord, error)
}

// JobLister lists job summaries on behalf of an actor. pipeline.Processor satisfies it.
type JobLister interface {
	List(ctx context.Context, actor entity.Actor, filter repository.JobFilter) ([]*entity.FaxJob, error)
}

// Window bounds an export by calendar day, both ends inclusive. Nil means open.
type Window struct {
	From *time.Time
	To   *time.Time
}

// Service produces XLSX compliance workbooks.
type Service struct {
	audit  AuditReader
	jobs   JobLister
	logger *slog.Logger
}

func NewService(audit AuditReader, jobs JobLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{audit: audit, jobs: jobs, logger: logger}
}

// bounds turns w into a half-open [since, until) range of UTC days.
// If only From is set the window runs through today.
func (w Window) bounds(now time.Time) (since, until time.Time) {
	day := func(t time.Time) time.Time {
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	if w.From != nil {
		since = day(*w.From)
	}
	switch {
	case w.To != nil:
		until = day(*w.To).AddDate(0, 0, 1)
	case w.From != nil:
		until = day(now).AddDate(0, 0, 1)
	}
	return since, until
}

// AuditWorkbook returns an XLSX workbook with an Audit sheet of the records in w and a Jobs
// summary sheet. The actor needs read-audit-log and read-job-status. Field values never appear.
func (s *Service) AuditWorkbook(ctx context.Context, actor entity.Actor, w Window) ([]byte, error) {
	start := time.Now()
	since, until := w.bounds(start)
	if !since.IsZero() && !until.IsZero() && !since.Before(until) {
		return nil, fmt.Errorf("export window ends before it starts: %w", common.ErrInvalidInput)
	}

	recs, err := s.audit.List(ctx, actor, repository.AuditFilter{Since: since, Until: until, Limit: maxAuditRows})
	if err != nil {
		return nil, err
	}
	jobs, err := s.listJobs(ctx, actor)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Warn("export.xlsx.close_failed", "err", err)
		}
	}()
	if err := writeAuditSheet(f, recs); err != nil {
		return nil, fmt.Errorf("audit sheet: %w", err)
	}
	if err := writeJobsSheet(f, jobs); err != nil {
		return nil, fmt.Errorf("jobs sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}
	idx, err := f.GetSheetIndex(auditSheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.xlsx.ok",
		"actor", actor.ID,
		"audit_rows", len(recs),
		"job_rows", len(jobs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func (s *Service) listJobs(ctx context.Context, actor entity.Actor) ([]*entity.FaxJob, error) {
	var out []*entity.FaxJob
	for offset := 0; ; offset += jobPageSize {
		page, err := s.jobs.List(ctx, actor, repository.JobFilter{Limit: jobPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < jobPageSize {
			return out, nil
		}
	}
}

func writeAuditSheet(f *excelize.File, recs []entity.AuditRecord) error {
	if _, err := f.NewSheet(auditSheet); err != nil {
		return err
	}
	headers := []any{"ID", "Recorded At (UTC)", "Actor", "Role", "Action", "Resource", "Outcome", "Detail"}
	if err := f.SetSheetRow(auditSheet, "A1", &headers); err != nil {
		return err
	}
	for i, r := range recs {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{r.ID, r.At.UTC().Format(time.RFC3339), r.ActorID, string(r.Role), r.Action, r.ResourceRef, r.Outcome, truncate(r.Detail, 240)}
		if err := f.SetSheetRow(auditSheet, cell, &row); err != nil {
			return err
		}
	}
	_ = f.SetColWidth(auditSheet, "A", "A", 8)
	_ = f.SetColWidth(auditSheet, "B", "B", 22)
	_ = f.SetColWidth(auditSheet, "C", "E", 20)
	_ = f.SetColWidth(auditSheet, "F", "F", 40)
	_ = f.SetColWidth(auditSheet, "G", "G", 10)
	_ = f.SetColWidth(auditSheet, "H", "H", 60)
	return f.SetPanes(auditSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func writeJobsSheet(f *excelize.File, jobs []*entity.FaxJob) error {
	if _, err := f.NewSheet(jobsSheet); err != nil {
		return err
	}
	headers := []any{"Job ID", "State", "Form Template", "Validation", "Retry Cycles", "Cancel Requested", "Last Error", "Destination", "External Fax ID", "Created At (UTC)", "Updated At (UTC)"}
	if err := f.SetSheetRow(jobsSheet, "A1", &headers); err != nil {
		return err
	}
	for i, j := range jobs {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{
			j.ID.String(),
			string(j.State),
			string(j.FormTemplate),
			string(j.ValidationResult),
			j.RetryCycles,
			strconv.FormatBool(j.CancelRequested),
			j.LastError,
			j.Destination,
			j.ExternalFaxID,
			j.CreatedAt.UTC().Format(time.RFC3339),
			j.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := f.SetSheetRow(jobsSheet, cell, &row); err != nil {
			return err
		}
	}
	_ = f.SetColWidth(jobsSheet, "A", "A", 38)
	_ = f.SetColWidth(jobsSheet, "B", "D", 20)
	_ = f.SetColWidth(jobsSheet, "G", "I", 24)
	_ = f.SetColWidth(jobsSheet, "J", "K", 22)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

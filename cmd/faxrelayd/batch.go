package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/export"
	"github.com/joseph-ayodele/faxrelay/internal/ingest"
)

const dateLayout = "2006-01-02"

// batchAuditor is the identity export-audit reads the log under.
var batchAuditor = entity.Actor{ID: "faxrelayd-cli", Role: constants.RoleComplianceAuditor}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var (
		dir         string
		destination string
		wait        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Submit every document under a directory and process the resulting jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				return fmt.Errorf("--dir is required")
			}
			if destination == "" {
				destination = opts.cfg.Inbox.Destination
			}
			if destination == "" {
				return fmt.Errorf("--destination or inbox.destination is required")
			}
			ctx := cmd.Context()
			a, err := buildApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}

			fs := ingest.NewFSIngestor(a.ingest, inboxActor, destination, opts.logger)
			results, stats, ierr := fs.IngestDirectory(ctx, dir, true)
			for _, r := range results {
				if r.Err != "" {
					opts.logger.Warn("ingest.file.failed", "path", r.SourcePath, "kind", r.Err)
				}
			}

			// Close drains the queue so submitted jobs run to a resting state
			sctx, cancel := context.WithTimeout(context.Background(), wait)
			defer cancel()
			a.Close(sctx)

			opts.logger.Info("ingest.done",
				"scanned", stats.Scanned, "matched", stats.Matched,
				"succeeded", stats.Succeeded, "failed", stats.Failed)
			return ierr
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to ingest (required)")
	cmd.Flags().StringVar(&destination, "destination", "", "fax destination, defaults to inbox.destination")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Minute, "how long to wait for queued jobs before exiting")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var out, fromStr, toStr string
	cmd := &cobra.Command{
		Use:   "export-audit",
		Short: "Write the audit log and a job summary to an XLSX workbook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var w export.Window
			if fromStr != "" {
				from, err := time.Parse(dateLayout, fromStr)
				if err != nil {
					return fmt.Errorf("invalid --from date, use YYYY-MM-DD: %w", err)
				}
				w.From = &from
			}
			if toStr != "" {
				to, err := time.Parse(dateLayout, toStr)
				if err != nil {
					return fmt.Errorf("invalid --to date, use YYYY-MM-DD: %w", err)
				}
				w.To = &to
			}

			ctx := cmd.Context()
			a, err := buildApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			data, err := a.exporter.AuditWorkbook(ctx, batchAuditor, w)
			if err != nil {
				return err
			}
			if dir := filepath.Dir(out); dir != "." {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return err
				}
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			opts.logger.Info("export.written", "path", out, "bytes", len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "audit.xlsx", "output XLSX path")
	cmd.Flags().StringVar(&fromStr, "from", "", "first day to include, YYYY-MM-DD")
	cmd.Flags().StringVar(&toStr, "to", "", "last day to include, YYYY-MM-DD")
	return cmd
}

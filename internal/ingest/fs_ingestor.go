package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
)

// FSIngestor submits files from the local filesystem. A handled file is renamed with a
// .done or .rejected suffix so it is never picked up twice.
type FSIngestor struct {
	svc         Ingestor
	actor       entity.Actor
	destination string
	maxBytes    int64
	log         *slog.Logger
}

func NewFSIngestor(svc *Service, actor entity.Actor, destination string, log *slog.Logger) *FSIngestor {
	if log == nil {
		log = slog.Default()
	}
	return &FSIngestor{svc: svc, actor: actor, destination: destination, maxBytes: svc.MaxBytes(), log: log}
}

// IngestPath submits one file. Transient failures leave the file in place for a later scan.
func (i *FSIngestor) IngestPath(ctx context.Context, path string) (IngestionResult, error) {
	out := IngestionResult{SourcePath: path}
	if !AllowedExt(filepath.Ext(path)) {
		return out, fmt.Errorf("extension %q: %w", filepath.Ext(path), common.ErrUnsupportedFormat)
	}

	data, err := i.read(path)
	if err != nil {
		i.log.Warn("ingest.file.read_failed", "path", path, "kind", common.Kind(err))
		i.settle(path, rejectedSuffix, err)
		return out, err
	}

	rc, err := i.svc.Submit(ctx, i.actor, Submission{
		Data:          data,
		Destination:   i.destination,
		ExternalFaxID: filepath.Base(path),
	})
	if err != nil {
		i.log.Error("ingest.file.failed", "path", path, "kind", common.Kind(err))
		i.settle(path, rejectedSuffix, err)
		return out, err
	}
	i.settle(path, doneSuffix, nil)

	out.JobID = rc.JobID.String()
	out.DocumentRef = rc.DocumentRef
	out.ContentType = rc.ContentType
	out.IngestedAt = time.Now().UTC()
	i.log.Info("ingest.file.ok", "path", path, "job_id", rc.JobID)
	return out, nil
}

func (i *FSIngestor) read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, i.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > i.maxBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes: %w", path, i.maxBytes, common.ErrPayloadTooLarge)
	}
	return data, nil
}

// settle renames path so the inbox never re-ingests it. Errors that may clear on their
// own (storage or audit unavailable, shutdown) leave the file in place.
func (i *FSIngestor) settle(path, suffix string, cause error) {
	if cause != nil && (common.IsTransient(cause) || errors.Is(cause, context.Canceled) || errors.Is(cause, common.ErrDatabase)) {
		return
	}
	if err := os.Rename(path, path+suffix); err != nil {
		i.log.Warn("ingest.file.rename_failed", "path", path, "err", err)
	}
}

// IngestDirectory walks root, skips hidden entries if requested, and calls IngestPath for
// each matching file. It returns per-file results and aggregate stats.
func (i *FSIngestor) IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]IngestionResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, fmt.Errorf("root path is required: %w", common.ErrInvalidInput)
	}

	var results []IngestionResult
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, IngestionResult{SourcePath: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !AllowedExt(filepath.Ext(path)) {
			return nil
		}
		stats.Matched++

		r, err := i.IngestPath(ctx, path)
		if err != nil {
			r.Err = common.Kind(err)
			results = append(results, r)
			stats.Failed++
			return nil
		}
		results = append(results, r)
		stats.Succeeded++
		return nil
	})
	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	return results, stats, nil
}

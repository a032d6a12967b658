package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/faxrelay/internal/common"
)

// maxStderr caps what a tool may leave in warnings.
const maxStderr = 2 << 10

// Runner executes an external OCR tool. Tests substitute a stub.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// execRunner runs tools as child processes. Tool output can contain patient text, so only
// sizes are logged.
type execRunner struct {
	log *slog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	attrs := []any{
		"tool", filepath.Base(name),
		"argc", len(args),
		"duration_ms", time.Since(start).Milliseconds(),
		"stdout_bytes", stdout.Len(),
		"stderr_bytes", stderr.Len(),
	}
	errb := stderr.Bytes()
	if len(errb) > maxStderr {
		errb = errb[:maxStderr]
	}

	switch {
	case err == nil:
		r.log.Debug("ocr.exec.ok", attrs...)
		return stdout.Bytes(), errb, nil
	case ctx.Err() != nil:
		return nil, errb, ctx.Err()
	case errors.Is(err, exec.ErrNotFound):
		r.log.Error("ocr.exec.missing", attrs...)
		return nil, errb, common.Permanent(fmt.Errorf("%s not installed: %w", filepath.Base(name), err))
	default:
		r.log.Warn("ocr.exec.failed", append(attrs, "error", err)...)
		return nil, errb, err
	}
}

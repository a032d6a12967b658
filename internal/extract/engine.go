package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
)

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds each provider call. Expiry counts as a transient failure.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 15 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Engine reads a document, runs the provider with bounded retry and normalizes the output.
type Engine struct {
	provider Provider
	docs     DocumentReader
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
	tracer   trace.Tracer
	log      *slog.Logger
}

func NewEngine(provider Provider, docs DocumentReader, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		provider: provider,
		docs:     docs,
		cfg:      cfg.withDefaults(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "extraction-provider",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// only provider outages trip the breaker
			IsSuccessful: func(err error) bool {
				return err == nil || !common.IsTransient(err)
			},
		}),
		tracer: otel.Tracer("faxrelay/extract"),
		log:    log,
	}
}

// Extract runs extraction for the document at ref. Every failure wraps common.ErrExtractionFailed.
func (e *Engine) Extract(ctx context.Context, ref string) (Result, error) {
	start := time.Now()
	data, err := e.docs.Get(ctx, entity.SystemActor(), ref)
	if err != nil {
		e.log.Error("extract.document.read.failed", "ref", ref, "kind", common.Kind(err))
		return Result{}, fmt.Errorf("%w: read document: %w", common.ErrExtractionFailed, err)
	}
	doc := Document{Ref: ref, Bytes: data, ContentType: mimetype.Detect(data).String()}

	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff

	raw, err := backoff.Retry(ctx, func() (RawResult, error) {
		attempts++
		r, err := e.call(ctx, doc, attempts)
		if err != nil && !common.IsTransient(err) {
			return RawResult{}, backoff.Permanent(err)
		}
		return r, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.log.Warn("extract.retry", "ref", ref, "attempt", attempts, "kind", common.Kind(err), "next_in", next)
		}),
	)
	if err != nil {
		e.log.Error("extract.failed", "ref", ref, "attempts", attempts, "kind", common.Kind(err), "duration_ms", time.Since(start).Milliseconds())
		return Result{}, fmt.Errorf("%w after %d attempt(s): %w", common.ErrExtractionFailed, attempts, err)
	}

	template, _ := constants.CanonicalizeTemplate(raw.Template)
	res := Result{
		Fields:   Normalize(raw.Fields),
		Template: template,
		Model:    raw.Model,
		Attempts: attempts,
	}
	e.log.Info("extract.ok", "ref", ref, "template", template, "fields", len(res.Fields), "attempts", attempts, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (e *Engine) call(ctx context.Context, doc Document, attempt int) (RawResult, error) {
	ctx, span := e.tracer.Start(ctx, "extract.provider", trace.WithAttributes(
		attribute.String("document.ref", doc.Ref),
		attribute.String("document.content_type", doc.ContentType),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	out, err := e.breaker.Execute(func() (interface{}, error) {
		raw, err := e.provider.Extract(callCtx, doc)
		if err != nil {
			// a per-call timeout is an outage; the caller's own deadline is not
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, common.Transient(err)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = common.Transient(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, common.Kind(err))
		return RawResult{}, err
	}
	return out.(RawResult), nil
}

// Normalize converts provider output into a FieldMap. Confidence outside [0,1], NaN or
// missing becomes 0.0; fields with empty values are dropped as not detected.
func Normalize(raw map[string]RawField) entity.FieldMap {
	out := make(entity.FieldMap, len(raw))
	for name, f := range raw {
		name = strings.TrimSpace(name)
		value := strings.TrimSpace(f.Value)
		if name == "" || value == "" {
			continue
		}
		out[name] = entity.FieldValue{Value: value, Confidence: clampConfidence(f.Confidence)}
	}
	return out
}

func clampConfidence(c *float64) float64 {
	if c == nil {
		return 0
	}
	v := *c
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		return 0
	}
	return v
}

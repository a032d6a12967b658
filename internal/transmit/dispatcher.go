package transmit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/audit"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/repository"
)

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the backoff randomization factor in [0,1].
	Jitter float64
	// Timeout bounds each carrier call.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0.5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// AttemptRecorder persists attempt history.
type AttemptRecorder interface {
	AppendAttempt(ctx context.Context, a entity.TransmissionAttempt) error
}

// Auditor records attempt events.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event) error
}

// Outcome summarizes one Send call.
type Outcome struct {
	Delivered bool
	Receipt   Receipt
	// Attempts are the history entries appended by this call.
	Attempts []entity.TransmissionAttempt
}

// Dispatcher sends validated jobs through a Carrier with bounded retry and exactly-once
// delivery per attempt token.
type Dispatcher struct {
	carrier  Carrier
	ledger   repository.DeliveryLedger
	attempts AttemptRecorder
	auditor  Auditor
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
	tracer   trace.Tracer
	log      *slog.Logger
}

func NewDispatcher(carrier Carrier, ledger repository.DeliveryLedger, attempts AttemptRecorder, auditor Auditor, cfg Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		carrier:  carrier,
		ledger:   ledger,
		attempts: attempts,
		auditor:  auditor,
		cfg:      cfg.withDefaults(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "fax-carrier",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 10
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !common.IsTransient(err)
			},
		}),
		tracer: otel.Tracer("faxrelay/transmit"),
		log:    log,
	}
}

// Send runs one retry cycle for job. The cycle is job.RetryCycles; attempts already in the
// job's history for that cycle count against the budget, so a resumed job never exceeds
// MaxAttempts. A nil error means the package was delivered. Otherwise the error is the
// last failure and wraps common.ErrTransient (budget exhausted) or common.ErrPermanent.
func (d *Dispatcher) Send(ctx context.Context, job *entity.FaxJob, fields entity.FieldMap, document []byte) (Outcome, error) {
	cycle := job.RetryCycles
	prior := job.CycleAttempts(cycle)
	index := 0
	var last *entity.TransmissionAttempt
	if n := len(prior); n > 0 {
		last = &prior[n-1]
		index = last.Index + 1
		if last.Outcome == constants.AttemptDelivered || last.Outcome == constants.AttemptConfirmed {
			return Outcome{Delivered: true, Receipt: Receipt{CarrierID: last.ReceiptID, DeliveredAt: last.At}}, nil
		}
	}

	var out Outcome
	remaining := d.cfg.MaxAttempts - len(prior)
	if remaining <= 0 {
		if last != nil && last.Outcome == constants.AttemptTransientFailure {
			rc, confirmed, err := d.confirm(ctx, job, last)
			if err != nil {
				return out, err
			}
			if confirmed != nil {
				out.Delivered, out.Receipt = true, rc
				out.Attempts = append(out.Attempts, *confirmed)
				return out, nil
			}
		}
		return out, common.Transient(fmt.Errorf("attempt budget for cycle %d exhausted", cycle))
	}

	pkg := Package{
		JobID:       job.ID,
		DocumentRef: job.DocumentRef,
		Document:    document,
		ContentType: job.ContentType,
		Template:    job.FormTemplate,
		Fields:      fields.Values(),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff
	b.RandomizationFactor = d.cfg.Jitter

	rc, err := backoff.Retry(ctx, func() (Receipt, error) {
		// never resend while an unacknowledged attempt may have gone through
		if last != nil && last.Outcome == constants.AttemptTransientFailure {
			rc, confirmed, err := d.confirm(ctx, job, last)
			if err != nil {
				return Receipt{}, err
			}
			if confirmed != nil {
				out.Attempts = append(out.Attempts, *confirmed)
				return rc, nil
			}
		}

		pkg.Token = AttemptToken(job.ID, cycle, index)
		rc, a, err := d.sendOnce(ctx, job, pkg, cycle, index)
		index++
		out.Attempts = append(out.Attempts, a)
		last = &a
		if err != nil && !common.IsTransient(err) {
			return Receipt{}, backoff.Permanent(err)
		}
		return rc, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(remaining)),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.log.Warn("transmit.retry", "job_id", job.ID, "cycle", cycle, "next_attempt", index, "kind", common.Kind(err), "next_in", next)
		}),
	)
	if err != nil {
		d.log.Error("transmit.failed", "job_id", job.ID, "cycle", cycle, "attempts", len(out.Attempts), "kind", common.Kind(err))
		return out, err
	}
	out.Delivered, out.Receipt = true, rc
	d.log.Info("transmit.delivered", "job_id", job.ID, "cycle", cycle, "attempts", len(out.Attempts), "carrier_id", rc.CarrierID)
	return out, nil
}

// sendOnce performs a single attempt with token pkg.Token. A token already in the
// delivery ledger is never sent again.
func (d *Dispatcher) sendOnce(ctx context.Context, job *entity.FaxJob, pkg Package, cycle, index int) (Receipt, entity.TransmissionAttempt, error) {
	receiptID, ok, err := d.ledger.Delivered(ctx, pkg.Token)
	if err != nil {
		a := d.record(ctx, job, cycle, index, pkg.Token, constants.AttemptTransientFailure, common.Kind(err), "")
		return Receipt{}, a, common.Transient(fmt.Errorf("ledger lookup: %w", err))
	}
	if ok {
		d.log.Info("transmit.token.already_delivered", "job_id", job.ID, "token", pkg.Token)
		a := d.record(ctx, job, cycle, index, pkg.Token, constants.AttemptConfirmed, "", receiptID)
		return Receipt{CarrierID: receiptID, DeliveredAt: a.At}, a, nil
	}

	ctx, span := d.tracer.Start(ctx, "transmit.carrier.send", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.Int("cycle", cycle),
		attribute.Int("attempt", index),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	// classified inside so the breaker counts what the retry loop will treat as transient
	res, err := d.breaker.Execute(func() (interface{}, error) {
		rc, err := d.carrier.Send(callCtx, pkg, job.Destination)
		if err != nil {
			return nil, d.classify(ctx, err)
		}
		return rc, nil
	})
	if err != nil {
		err = d.classify(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, common.Kind(err))
		outcome := constants.AttemptPermanentFailure
		if common.IsTransient(err) {
			outcome = constants.AttemptTransientFailure
		}
		a := d.record(ctx, job, cycle, index, pkg.Token, outcome, common.Kind(err), "")
		d.log.Warn("transmit.attempt.failed", "job_id", job.ID, "cycle", cycle, "attempt", index, "kind", common.Kind(err))
		return Receipt{}, a, err
	}

	rc := res.(Receipt)
	if rc.DeliveredAt.IsZero() {
		rc.DeliveredAt = time.Now().UTC()
	}
	// history and ledger must survive cancellation once the carrier has the fax
	if err := d.ledger.MarkDelivered(context.WithoutCancel(ctx), pkg.Token, job.ID, rc.CarrierID, rc.DeliveredAt); err != nil {
		d.log.Error("transmit.ledger.write_failed", "job_id", job.ID, "token", pkg.Token, "err", err)
	}
	a := d.record(ctx, job, cycle, index, pkg.Token, constants.AttemptDelivered, "", rc.CarrierID)
	return rc, a, nil
}

// confirm asks whether prev was delivered despite its failed acknowledgement. It returns
// the appended confirmation entry when it was, and nil when the carrier has no record.
func (d *Dispatcher) confirm(ctx context.Context, job *entity.FaxJob, prev *entity.TransmissionAttempt) (Receipt, *entity.TransmissionAttempt, error) {
	if receiptID, ok, err := d.ledger.Delivered(ctx, prev.Token); err != nil {
		return Receipt{}, nil, common.Transient(fmt.Errorf("ledger lookup: %w", err))
	} else if ok {
		a := d.record(ctx, job, prev.Cycle, prev.Index, prev.Token, constants.AttemptConfirmed, "", receiptID)
		return Receipt{CarrierID: receiptID, DeliveredAt: a.At}, &a, nil
	}

	ctx, span := d.tracer.Start(ctx, "transmit.carrier.lookup", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.Int("attempt", prev.Index),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	rc, err := d.carrier.Lookup(callCtx, prev.Token)
	switch {
	case err == nil:
		if rc.DeliveredAt.IsZero() {
			rc.DeliveredAt = time.Now().UTC()
		}
		if err := d.ledger.MarkDelivered(context.WithoutCancel(ctx), prev.Token, job.ID, rc.CarrierID, rc.DeliveredAt); err != nil {
			d.log.Error("transmit.ledger.write_failed", "job_id", job.ID, "token", prev.Token, "err", err)
		}
		d.log.Info("transmit.ack.recovered", "job_id", job.ID, "cycle", prev.Cycle, "attempt", prev.Index)
		a := d.record(ctx, job, prev.Cycle, prev.Index, prev.Token, constants.AttemptConfirmed, "", rc.CarrierID)
		return rc, &a, nil
	case errors.Is(err, common.ErrNotFound):
		return Receipt{}, nil, nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, common.Kind(err))
		// an unconfirmed attempt blocks resending, so lookup failures stay retryable
		return Receipt{}, nil, fmt.Errorf("%w: lookup %s: %v", common.ErrTransient, prev.Token, err)
	}
}

func (d *Dispatcher) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return common.Transient(err)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return common.Transient(err)
	case errors.Is(err, common.ErrPermanent), errors.Is(err, common.ErrTransient):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		// unclassified carrier errors are retried within the attempt budget
		return common.Transient(err)
	}
}

func (d *Dispatcher) record(ctx context.Context, job *entity.FaxJob, cycle, index int, token string, outcome constants.AttemptOutcome, kind, receiptID string) entity.TransmissionAttempt {
	a := entity.TransmissionAttempt{
		JobID:     job.ID,
		Cycle:     cycle,
		Index:     index,
		Token:     token,
		Outcome:   outcome,
		ErrorKind: kind,
		ReceiptID: receiptID,
		At:        time.Now().UTC(),
	}
	ctx = context.WithoutCancel(ctx)
	if err := d.attempts.AppendAttempt(ctx, a); err != nil {
		d.log.Error("transmit.history.append_failed", "job_id", job.ID, "attempt", index, "err", err)
	}
	result := constants.OutcomeSuccess
	if outcome == constants.AttemptTransientFailure || outcome == constants.AttemptPermanentFailure {
		result = constants.OutcomeFailure
	}
	detail := fmt.Sprintf("cycle=%d attempt=%d token=%s outcome=%s", cycle, index, token, outcome)
	if kind != "" {
		detail += " kind=" + kind
	}
	if d.auditor != nil {
		if err := d.auditor.Record(ctx, audit.Event{
			Actor:    entity.SystemActor(),
			Action:   "transmit.attempt",
			Resource: job.ID.String(),
			Outcome:  result,
			Detail:   detail,
		}); err != nil {
			d.log.Error("transmit.audit.failed", "job_id", job.ID, "attempt", index, "err", err)
		}
	}
	return a
}

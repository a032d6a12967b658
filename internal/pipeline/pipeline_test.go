package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/audit"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/docstore"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/envelope"
	"github.com/joseph-ayodele/faxrelay/internal/extract"
	"github.com/joseph-ayodele/faxrelay/internal/gate"
	"github.com/joseph-ayodele/faxrelay/internal/repository"
	"github.com/joseph-ayodele/faxrelay/internal/transmit"
)

var (
	clerk     = entity.Actor{ID: "clerk-1", Role: constants.RoleIntakeClerk}
	clinician = entity.Actor{ID: "dr-1", Role: constants.RoleClinician}
	auditor   = entity.Actor{ID: "aud-1", Role: constants.RoleComplianceAuditor}
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func conf(v float64) *float64 { return &v }

// scriptedProvider returns fields for the next extraction; gate, if set, blocks the call.
type scriptedProvider struct {
	mu      sync.Mutex
	fields  map[string]extract.RawField
	err     error
	entered chan struct{}
	gate    chan struct{}
	calls   int
}

func (s *scriptedProvider) Extract(ctx context.Context, _ extract.Document) (extract.RawResult, error) {
	s.mu.Lock()
	s.calls++
	fields, err, entered, gate := s.fields, s.err, s.entered, s.gate
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return extract.RawResult{}, ctx.Err()
		}
	}
	if err != nil {
		return extract.RawResult{}, err
	}
	return extract.RawResult{Fields: fields, Template: "otc_fax_form", Model: "scripted"}, nil
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *recordingScheduler) Enqueue(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

type harness struct {
	proc     *Processor
	jobs     repository.JobRepository
	store    *docstore.Store
	carrier  *transmit.SimulatedCarrier
	audit    repository.AuditRepository
	provider *scriptedProvider
}

func newHarness(t *testing.T, maxRetryCycles int) *harness {
	t.Helper()
	log := quiet()
	db, err := repository.OpenSQLite("file::memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	key, err := envelope.GenerateKey()
	require.NoError(t, err)
	km, err := envelope.NewLocalKeyManager(key, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = km.Close() })
	sealer := envelope.NewSealer(km)

	auditRepo := repository.NewAuditRepository(db, log)
	svc := audit.NewService(audit.DefaultPolicy(), auditRepo, log)
	store := docstore.New(repository.NewBlobRepository(db, log), sealer, svc, log)
	jobs := repository.NewJobRepository(db, sealer, log)

	provider := &scriptedProvider{}
	engine := extract.NewEngine(provider, store, extract.Config{
		MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: 5 * time.Second,
	}, log)
	g, err := gate.New(gate.DefaultThreshold, nil)
	require.NoError(t, err)

	carrier := transmit.NewSimulatedCarrier(log)
	dispatcher := transmit.NewDispatcher(carrier, repository.NewDeliveryLedger(db, log), jobs, svc, transmit.Config{
		MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Jitter: 0.5, Timeout: time.Second,
	}, log)

	proc := NewProcessor(jobs, store, engine, g, dispatcher, svc, NewMemoryLocker(), Config{MaxRetryCycles: maxRetryCycles}, log)
	return &harness{proc: proc, jobs: jobs, store: store, carrier: carrier, audit: auditRepo, provider: provider}
}

func (h *harness) script(fields map[string]extract.RawField, err error) {
	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	h.provider.fields, h.provider.err = fields, err
}

func (h *harness) submit(t *testing.T, body string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	ref, err := h.store.Put(ctx, clerk, []byte("%PDF-1.4\n"+body), constants.DocumentRaw, "application/pdf")
	require.NoError(t, err)
	job, err := h.proc.CreateJob(ctx, clerk, NewJob{
		DocumentRef: ref,
		ContentType: "application/pdf",
		Destination: "+1 (555) 010-2000",
		Source:      "+15550103000",
	})
	require.NoError(t, err)
	assert.Equal(t, "+15550102000", job.Destination)
	return job.ID
}

func (h *harness) get(t *testing.T, id uuid.UUID) *entity.FaxJob {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) transitions(t *testing.T, id uuid.UUID) []string {
	t.Helper()
	recs, err := h.audit.List(context.Background(), repository.AuditFilter{ResourceRef: id.String(), Action: "job.transition"})
	require.NoError(t, err)
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Detail
	}
	return out
}

func otcFields(c float64) map[string]extract.RawField {
	return map[string]extract.RawField{
		"member_id":     {Value: "M-100", Confidence: conf(c)},
		"first_name":    {Value: "Jane", Confidence: conf(c)},
		"last_name":     {Value: "Doe", Confidence: conf(c)},
		"date_of_birth": {Value: "1980-01-01", Confidence: conf(c)},
	}
}

func TestScenarioA_HighConfidenceIsDelivered(t *testing.T) {
	h := newHarness(t, 3)
	h.script(otcFields(0.95), nil)
	id := h.submit(t, "a")

	require.NoError(t, h.proc.Process(context.Background(), id))

	job := h.get(t, id)
	assert.Equal(t, constants.StateDelivered, job.State)
	assert.Equal(t, constants.ValidationAutoAccept, job.ValidationResult)
	assert.Equal(t, constants.TemplateOTCFax, job.FormTemplate)
	assert.Len(t, job.AttemptHistory, 1)
	assert.Equal(t, 1, h.carrier.DeliveriesFor(id))
	for _, tr := range h.transitions(t, id) {
		assert.NotContains(t, tr, "held")
	}
}

func TestScenarioB_LowConfidenceHeldUntilApproved(t *testing.T) {
	h := newHarness(t, 3)
	fields := otcFields(0.95)
	fields["last_name"] = extract.RawField{Value: "Doe", Confidence: conf(0.5)}
	h.script(fields, nil)
	id := h.submit(t, "b")
	ctx := context.Background()

	require.NoError(t, h.proc.Process(ctx, id))
	job := h.get(t, id)
	assert.Equal(t, constants.StateHeld, job.State)
	assert.Equal(t, constants.ValidationNeedsReview, job.ValidationResult)
	assert.Zero(t, h.carrier.Deliveries())

	// processing a held job again never transmits
	require.NoError(t, h.proc.Process(ctx, id))
	assert.Zero(t, h.carrier.Deliveries())

	_, err := h.proc.Decide(ctx, clerk, id, Decision{Approve: true})
	assert.ErrorIs(t, err, common.ErrAccessDenied)
	assert.Equal(t, constants.StateHeld, h.get(t, id).State)

	decided, err := h.proc.Decide(ctx, clinician, id, Decision{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, constants.StateTransmitting, decided.State)
	assert.Nil(t, decided.ExtractedFields)

	require.NoError(t, h.proc.Process(ctx, id))
	job = h.get(t, id)
	assert.Equal(t, constants.StateDelivered, job.State)
	assert.Equal(t, constants.ValidationNeedsReview, job.ValidationResult)

	recs, err := h.audit.List(ctx, repository.AuditFilter{ResourceRef: id.String(), ActorID: clinician.ID})
	require.NoError(t, err)
	var sawDecision bool
	for _, r := range recs {
		if r.Action == "job.transition" && r.Detail == "held->transmitting decision=approve" {
			sawDecision = true
		}
	}
	assert.True(t, sawDecision)
}

func TestScenarioC_MissingFieldRejected(t *testing.T) {
	h := newHarness(t, 3)
	fields := otcFields(0.99)
	delete(fields, "date_of_birth")
	h.script(fields, nil)
	id := h.submit(t, "c")

	require.NoError(t, h.proc.Process(context.Background(), id))
	job := h.get(t, id)
	assert.Equal(t, constants.StateTerminalRejected, job.State)
	assert.Equal(t, constants.ValidationRejected, job.ValidationResult)
	assert.Empty(t, job.AttemptHistory)
	assert.Zero(t, h.carrier.Deliveries())
	assert.Contains(t, h.transitions(t, id), "validating->terminal_rejected result=rejected missing=date_of_birth")
}

func TestScenarioD_TransientCarrierFailuresRecovered(t *testing.T) {
	h := newHarness(t, 3)
	h.script(otcFields(0.95), nil)
	h.carrier.FailNext(3)
	id := h.submit(t, "d")

	require.NoError(t, h.proc.Process(context.Background(), id))
	job := h.get(t, id)
	assert.Equal(t, constants.StateDelivered, job.State)
	require.Len(t, job.AttemptHistory, 4)
	for _, a := range job.AttemptHistory[:3] {
		assert.Equal(t, constants.AttemptTransientFailure, a.Outcome)
	}
	assert.Equal(t, constants.AttemptDelivered, job.AttemptHistory[3].Outcome)
	assert.Equal(t, 1, h.carrier.DeliveriesFor(id))
}

func TestExtractionFailureHoldsForReview(t *testing.T) {
	h := newHarness(t, 3)
	h.script(nil, common.Permanent(errors.New("unreadable scan")))
	id := h.submit(t, "e")

	require.NoError(t, h.proc.Process(context.Background(), id))
	job := h.get(t, id)
	assert.Equal(t, constants.StateHeld, job.State)
	assert.Equal(t, constants.ValidationNeedsReview, job.ValidationResult)
	assert.Equal(t, "extraction_failed", job.LastError)
}

func TestFieldsAreWriteOnceAfterValidation(t *testing.T) {
	h := newHarness(t, 3)
	h.script(otcFields(0.95), nil)
	id := h.submit(t, "f")
	require.NoError(t, h.proc.Process(context.Background(), id))

	err := h.jobs.SetExtractedFields(context.Background(), id, constants.TemplateOTCFax, entity.FieldMap{"member_id": {Value: "X", Confidence: 1}})
	assert.ErrorIs(t, err, common.ErrFieldsImmutable)

	fields, tmpl, err := h.proc.Fields(context.Background(), clinician, id)
	require.NoError(t, err)
	assert.Equal(t, constants.TemplateOTCFax, tmpl)
	assert.Equal(t, "M-100", fields["member_id"].Value)

	_, _, err = h.proc.Fields(context.Background(), auditor, id)
	assert.ErrorIs(t, err, common.ErrAccessDenied)
}

func TestStoredFieldsAreNotReExtracted(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	id := h.submit(t, "stored")

	// fields written, then the worker stopped before leaving extracting
	require.NoError(t, h.jobs.Transition(ctx, id, constants.StateReceived, constants.StateExtracting, repository.JobPatch{}))
	require.NoError(t, h.jobs.SetExtractedFields(ctx, id, constants.TemplateOTCFax, extract.Normalize(otcFields(0.95))))
	h.script(map[string]extract.RawField{"member_id": {Value: "OTHER", Confidence: conf(1)}}, nil)

	require.NoError(t, h.proc.Process(ctx, id))
	job := h.get(t, id)
	assert.Equal(t, constants.StateDelivered, job.State)
	assert.Equal(t, constants.TemplateOTCFax, job.FormTemplate)
	assert.Equal(t, "M-100", job.ExtractedFields["member_id"].Value)

	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	assert.Zero(t, h.provider.calls)
}

func TestPermanentCarrierFailureAbandons(t *testing.T) {
	h := newHarness(t, 3)
	h.script(otcFields(0.95), nil)
	h.carrier.Reject("+15550102000")
	id := h.submit(t, "g")

	require.NoError(t, h.proc.Process(context.Background(), id))
	job := h.get(t, id)
	assert.Equal(t, constants.StateAbandoned, job.State)
	assert.Len(t, job.AttemptHistory, 1)
	assert.Equal(t, "permanent", job.LastError)
}

func TestManualRetryCycle(t *testing.T) {
	h := newHarness(t, 2)
	h.script(otcFields(0.95), nil)
	h.carrier.FailNext(5)
	id := h.submit(t, "h")
	ctx := context.Background()

	require.NoError(t, h.proc.Process(ctx, id))
	job := h.get(t, id)
	assert.Equal(t, constants.StateTransmissionFailed, job.State)
	assert.Len(t, job.AttemptHistory, 5)

	_, err := h.proc.Retry(ctx, auditor, id)
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	retried, err := h.proc.Retry(ctx, clerk, id)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCycles)

	require.NoError(t, h.proc.Process(ctx, id))
	job = h.get(t, id)
	assert.Equal(t, constants.StateDelivered, job.State)
	assert.Len(t, job.CycleAttempts(1), 1)
	assert.Equal(t, 1, h.carrier.DeliveriesFor(id))
}

func TestRetryCyclesExhaustedAbandons(t *testing.T) {
	h := newHarness(t, 2)
	h.script(otcFields(0.95), nil)
	h.carrier.FailNext(100)
	id := h.submit(t, "i")
	ctx := context.Background()

	require.NoError(t, h.proc.Process(ctx, id))
	_, err := h.proc.Retry(ctx, clerk, id)
	require.NoError(t, err)
	require.NoError(t, h.proc.Process(ctx, id))

	job := h.get(t, id)
	assert.Equal(t, constants.StateAbandoned, job.State)
	assert.Len(t, job.AttemptHistory, 10)

	_, err = h.proc.Retry(ctx, clerk, id)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, 3)
	h.script(otcFields(0.95), nil)
	ctx := context.Background()

	id := h.submit(t, "j")
	deferred, err := h.proc.Cancel(ctx, clerk, id)
	require.NoError(t, err)
	assert.False(t, deferred)
	assert.Equal(t, constants.StateCancelled, h.get(t, id).State)

	// terminal jobs cannot be cancelled or processed further
	_, err = h.proc.Cancel(ctx, clerk, id)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
	require.NoError(t, h.proc.Process(ctx, id))
	assert.Equal(t, constants.StateCancelled, h.get(t, id).State)
	assert.Zero(t, h.carrier.Deliveries())
}

func TestCancelDuringExtractionIsDeferred(t *testing.T) {
	h := newHarness(t, 3)
	h.script(otcFields(0.95), nil)
	h.provider.entered = make(chan struct{}, 1)
	h.provider.gate = make(chan struct{})
	id := h.submit(t, "k")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.proc.Process(ctx, id) }()
	<-h.provider.entered

	// a second worker is refused while the first holds the job
	assert.ErrorIs(t, h.proc.Process(ctx, id), common.ErrJobBusy)

	deferred, err := h.proc.Cancel(ctx, clerk, id)
	require.NoError(t, err)
	assert.True(t, deferred)
	assert.Equal(t, constants.StateExtracting, h.get(t, id).State)

	close(h.provider.gate)
	require.NoError(t, <-done)

	job := h.get(t, id)
	assert.Equal(t, constants.StateCancelled, job.State)
	assert.Zero(t, h.carrier.Deliveries())
}

func TestInterruptedExtractionStaysResumable(t *testing.T) {
	h := newHarness(t, 3)
	h.script(otcFields(0.95), nil)
	h.provider.entered = make(chan struct{}, 1)
	h.provider.gate = make(chan struct{})
	id := h.submit(t, "l")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.proc.Process(ctx, id) }()
	<-h.provider.entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, constants.StateExtracting, h.get(t, id).State)

	sched := &recordingScheduler{}
	h.proc.SetScheduler(sched)
	n, err := h.proc.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{id}, sched.ids)

	h.provider.mu.Lock()
	h.provider.entered, h.provider.gate = nil, nil
	h.provider.mu.Unlock()
	require.NoError(t, h.proc.Process(context.Background(), id))
	assert.Equal(t, constants.StateDelivered, h.get(t, id).State)
}

func TestSchedulerReceivesCreatedAndApprovedJobs(t *testing.T) {
	h := newHarness(t, 3)
	sched := &recordingScheduler{}
	h.proc.SetScheduler(sched)
	h.script(otcFields(0.5), nil)
	id := h.submit(t, "m")
	require.NoError(t, h.proc.Process(context.Background(), id))
	_, err := h.proc.Decide(context.Background(), clinician, id, Decision{Approve: false})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{id}, sched.ids)
	job := h.get(t, id)
	assert.Equal(t, constants.StateTerminalRejected, job.State)
	assert.Equal(t, "rejected_by_reviewer", job.LastError)
}

func TestCreateJobValidation(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	_, err := h.proc.CreateJob(ctx, clerk, NewJob{DocumentRef: "ref", ContentType: "application/pdf", Destination: "not-a-number"})
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = h.proc.CreateJob(ctx, auditor, NewJob{DocumentRef: "ref", ContentType: "application/pdf", Destination: "+15550100000"})
	assert.ErrorIs(t, err, common.ErrAccessDenied)
}

func TestStatusListAndSearch(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.script(otcFields(0.95), nil)
	delivered := h.submit(t, "n1")
	require.NoError(t, h.proc.Process(ctx, delivered))

	fields := otcFields(0.95)
	fields["last_name"] = extract.RawField{Value: "Smithers", Confidence: conf(0.4)}
	h.script(fields, nil)
	held := h.submit(t, "n2")
	require.NoError(t, h.proc.Process(ctx, held))

	st, err := h.proc.Status(ctx, auditor, delivered)
	require.NoError(t, err)
	assert.Equal(t, constants.StateDelivered, st.State)
	assert.Nil(t, st.ExtractedFields)
	assert.Len(t, st.AttemptHistory, 1)

	list, err := h.proc.List(ctx, clerk, repository.JobFilter{States: []constants.JobState{constants.StateHeld}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, held, list[0].ID)

	hits, err := h.proc.Search(ctx, clinician, "smither", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, held, hits[0].JobID)
	assert.Equal(t, []string{"last_name"}, hits[0].MatchedFields)

	hits, err = h.proc.Search(ctx, clinician, "jane", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	_, err = h.proc.Search(ctx, auditor, "jane", 10)
	assert.ErrorIs(t, err, common.ErrAccessDenied)
	_, err = h.proc.Search(ctx, clinician, "  ", 10)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = h.proc.Status(ctx, auditor, uuid.New())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestPurgeExpired(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.script(otcFields(0.95), nil)
	done := h.submit(t, "p1")
	require.NoError(t, h.proc.Process(ctx, done))
	h.script(otcFields(0.5), nil)
	waiting := h.submit(t, "p2")
	require.NoError(t, h.proc.Process(ctx, waiting))

	_, err := h.proc.PurgeExpired(ctx, clerk, time.Hour, time.Now().Add(2*time.Hour))
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	n, err := h.proc.PurgeExpired(ctx, auditor, time.Hour, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.store.Get(ctx, clinician, h.get(t, done).DocumentRef)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = h.store.Get(ctx, clinician, h.get(t, waiting).DocumentRef)
	assert.NoError(t, err)

	// nothing left to purge
	n, err = h.proc.PurgeExpired(ctx, auditor, time.Hour, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

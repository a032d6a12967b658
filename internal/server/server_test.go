package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/audit"
	"github.com/joseph-ayodele/faxrelay/internal/docstore"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/envelope"
	"github.com/joseph-ayodele/faxrelay/internal/export"
	"github.com/joseph-ayodele/faxrelay/internal/extract"
	"github.com/joseph-ayodele/faxrelay/internal/gate"
	"github.com/joseph-ayodele/faxrelay/internal/ingest"
	"github.com/joseph-ayodele/faxrelay/internal/pipeline"
	"github.com/joseph-ayodele/faxrelay/internal/repository"
	"github.com/joseph-ayodele/faxrelay/internal/transmit"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var (
	clerk     = entity.Actor{ID: "clerk-1", Role: constants.RoleIntakeClerk}
	clinician = entity.Actor{ID: "dr-1", Role: constants.RoleClinician}
	auditor   = entity.Actor{ID: "aud-1", Role: constants.RoleComplianceAuditor}
	pdf       = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF\n")
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type env struct {
	client *Client
	conn   *grpc.ClientConn
	proc   *pipeline.Processor
	auth   *Authenticator
}

func newEnv(t *testing.T) *env {
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
	sealer := envelope.NewSealer(km)

	auditSvc := audit.NewService(audit.DefaultPolicy(), repository.NewAuditRepository(db, log), log)
	store := docstore.New(repository.NewBlobRepository(db, log), sealer, auditSvc, log)
	jobs := repository.NewJobRepository(db, sealer, log)
	conf := 0.97
	provider := extract.ProviderFunc(func(context.Context, extract.Document) (extract.RawResult, error) {
		return extract.RawResult{Template: "otc_fax_form", Fields: map[string]extract.RawField{
			"member_id":     {Value: "M-7", Confidence: &conf},
			"first_name":    {Value: "Ada", Confidence: &conf},
			"last_name":     {Value: "Lovelace", Confidence: &conf},
			"date_of_birth": {Value: "1815-12-10", Confidence: &conf},
		}}, nil
	})
	engine := extract.NewEngine(provider, store, extract.Config{MaxAttempts: 1}, log)
	g, err := gate.New(gate.DefaultThreshold, nil)
	require.NoError(t, err)
	dispatcher := transmit.NewDispatcher(transmit.NewSimulatedCarrier(log), repository.NewDeliveryLedger(db, log), jobs, auditSvc,
		transmit.Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, log)
	proc := pipeline.NewProcessor(jobs, store, engine, g, dispatcher, auditSvc, pipeline.NewMemoryLocker(), pipeline.Config{}, log)

	auth, err := NewAuthenticator(testSecret, "faxrelay-test")
	require.NoError(t, err)
	svc := NewFaxRelayService(ingest.NewService(store, proc, 0, log), proc, auditSvc, export.NewService(auditSvc, proc, log), log)
	srv := New(svc, auth, log)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.Stop(time.Second) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &env{client: NewClient(conn), conn: conn, proc: proc, auth: auth}
}

func (e *env) as(t *testing.T, actor entity.Actor) context.Context {
	t.Helper()
	tok, err := e.auth.Issue(actor, time.Hour)
	require.NoError(t, err)
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
}

func code(err error) codes.Code { return status.Code(err) }

func TestHealthNeedsNoToken(t *testing.T) {
	e := newEnv(t)
	resp, err := healthpb.NewHealthClient(e.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestRequiresToken(t *testing.T) {
	e := newEnv(t)
	_, err := e.client.Call(context.Background(), "ListJobs", map[string]any{})
	assert.Equal(t, codes.Unauthenticated, code(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer not-a-jwt")
	_, err = e.client.Call(ctx, "ListJobs", map[string]any{})
	assert.Equal(t, codes.Unauthenticated, code(err))
}

func TestSubmitProcessAndQuery(t *testing.T) {
	e := newEnv(t)
	out, err := e.client.Call(e.as(t, clerk), "SubmitFax", map[string]any{
		"document":    base64.StdEncoding.EncodeToString(pdf),
		"destination": "+15550109999",
		"source":      "+15550108888",
	})
	require.NoError(t, err)
	assert.Equal(t, "received", out["state"])
	assert.Equal(t, "application/pdf", out["content_type"])
	id, err := uuid.Parse(out["job_id"].(string))
	require.NoError(t, err)

	require.NoError(t, e.proc.Process(context.Background(), id))

	st, err := e.client.Call(e.as(t, clerk), "GetJobStatus", map[string]any{"job_id": id.String()})
	require.NoError(t, err)
	assert.Equal(t, "delivered", st["state"])
	assert.Equal(t, "auto_accept", st["validation_result"])
	assert.Len(t, st["attempt_history"], 1)
	assert.NotContains(t, st, "fields")

	_, err = e.client.Call(e.as(t, auditor), "GetJobFields", map[string]any{"job_id": id.String()})
	assert.Equal(t, codes.PermissionDenied, code(err))

	fields, err := e.client.Call(e.as(t, clinician), "GetJobFields", map[string]any{"job_id": id.String()})
	require.NoError(t, err)
	assert.Equal(t, "otc_fax_form", fields["form_template"])
	member := fields["fields"].(map[string]any)["member_id"].(map[string]any)
	assert.Equal(t, "M-7", member["value"])

	hits, err := e.client.Call(e.as(t, clinician), "SearchJobs", map[string]any{"keyword": "lovelace"})
	require.NoError(t, err)
	assert.Len(t, hits["hits"], 1)

	list, err := e.client.Call(e.as(t, auditor), "ListJobs", map[string]any{"states": []any{"delivered"}})
	require.NoError(t, err)
	assert.Len(t, list["jobs"], 1)

	_, err = e.client.Call(e.as(t, clinician), "DecideJob", map[string]any{"job_id": id.String(), "approve": true})
	assert.Equal(t, codes.FailedPrecondition, code(err))
	_, err = e.client.Call(e.as(t, clerk), "CancelJob", map[string]any{"job_id": id.String()})
	assert.Equal(t, codes.FailedPrecondition, code(err))
}

func TestInputErrors(t *testing.T) {
	e := newEnv(t)
	ctx := e.as(t, clerk)

	_, err := e.client.Call(ctx, "SubmitFax", map[string]any{
		"document":    base64.StdEncoding.EncodeToString([]byte("plain text is not a fax")),
		"destination": "+15550109999",
	})
	assert.Equal(t, codes.InvalidArgument, code(err))

	_, err = e.client.Call(ctx, "SubmitFax", map[string]any{"destination": "+15550109999"})
	assert.Equal(t, codes.InvalidArgument, code(err))

	_, err = e.client.Call(ctx, "GetJobStatus", map[string]any{"job_id": "nope"})
	assert.Equal(t, codes.InvalidArgument, code(err))

	_, err = e.client.Call(ctx, "GetJobStatus", map[string]any{"job_id": uuid.NewString()})
	assert.Equal(t, codes.NotFound, code(err))

	_, err = e.client.Call(e.as(t, clinician), "DecideJob", map[string]any{"job_id": uuid.NewString()})
	assert.Equal(t, codes.InvalidArgument, code(err))

	_, err = e.client.Call(ctx, "ListJobs", map[string]any{"states": []any{"lost"}})
	assert.Equal(t, codes.InvalidArgument, code(err))
}

func TestAuditAndExport(t *testing.T) {
	e := newEnv(t)
	_, err := e.client.Call(e.as(t, clerk), "SubmitFax", map[string]any{
		"document":    base64.StdEncoding.EncodeToString(pdf),
		"destination": "+15550109999",
	})
	require.NoError(t, err)

	_, err = e.client.Call(e.as(t, clerk), "ListAudit", map[string]any{})
	assert.Equal(t, codes.PermissionDenied, code(err))

	recs, err := e.client.Call(e.as(t, auditor), "ListAudit", map[string]any{"actor_id": clerk.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, recs["records"])

	out, err := e.client.Call(e.as(t, auditor), "ExportAudit", map[string]any{"from_date": time.Now().UTC().Format(time.DateOnly)})
	require.NoError(t, err)
	xlsx, err := base64.StdEncoding.DecodeString(out["xlsx"].(string))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(xlsx, []byte("PK")))

	_, err = e.client.Call(e.as(t, auditor), "ExportAudit", map[string]any{"from_date": "03/01/2026"})
	assert.Equal(t, codes.InvalidArgument, code(err))

	purged, err := e.client.Call(e.as(t, auditor), "PurgeDocuments", map[string]any{"retention": "720h"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, purged["purged"])
}

func TestAuthenticator(t *testing.T) {
	_, err := NewAuthenticator("short", "")
	require.Error(t, err)

	a, err := NewAuthenticator(testSecret, "faxrelay")
	require.NoError(t, err)
	tok, err := a.Issue(clinician, time.Minute)
	require.NoError(t, err)
	actor, err := a.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, clinician, actor)

	expired, err := a.Issue(clinician, -time.Minute)
	require.NoError(t, err)
	_, err = a.Verify(expired)
	assert.Error(t, err)

	other, err := NewAuthenticator(testSecret, "someone-else")
	require.NoError(t, err)
	_, err = other.Verify(tok)
	assert.Error(t, err)

	_, err = a.Issue(entity.Actor{ID: "x", Role: "janitor"}, time.Minute)
	assert.Error(t, err)
}

package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/repository"
)

type memRepo struct {
	mu   sync.Mutex
	recs []entity.AuditRecord
	err  error
}

func (m *memRepo) Append(_ context.Context, rec *entity.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	rec.ID = int64(len(m.recs) + 1)
	m.recs = append(m.recs, *rec)
	return nil
}

func (m *memRepo) List(_ context.Context, f repository.AuditFilter) ([]entity.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.AuditRecord
	for _, r := range m.recs {
		if f.Action == "" || r.Action == f.Action {
			out = append(out, r)
		}
	}
	return out, nil
}

func newService(repo *memRepo) *Service {
	return NewService(DefaultPolicy(), repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAuthorize_RecordsAllowedAndDenied(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{}
	s := newService(repo)

	clerk := entity.Actor{ID: "clerk-1", Role: constants.RoleIntakeClerk}
	require.NoError(t, s.Authorize(ctx, clerk, constants.ActionIngestDocument, "doc"))

	err := s.Authorize(ctx, clerk, constants.ActionApproveHeldJob, "job-1")
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	require.Len(t, repo.recs, 2)
	assert.Equal(t, constants.OutcomeAllowed, repo.recs[0].Outcome)
	assert.Equal(t, constants.OutcomeDenied, repo.recs[1].Outcome)
	assert.Equal(t, "job-1", repo.recs[1].ResourceRef)
	assert.Equal(t, constants.RoleIntakeClerk, repo.recs[1].Role)
}

func TestAuthorize_AnonymousDenied(t *testing.T) {
	s := newService(&memRepo{})
	err := s.Authorize(context.Background(), entity.Actor{Role: constants.RoleSystemWorker}, constants.ActionReadDocument, "x")
	assert.ErrorIs(t, err, common.ErrAccessDenied)
}

func TestAuthorize_FailsClosedWhenAuditUnavailable(t *testing.T) {
	s := newService(&memRepo{err: errors.New("disk full")})
	err := s.Authorize(context.Background(), entity.SystemActor(), constants.ActionReadDocument, "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrAccessDenied)
}

func TestList_RequiresAuditRole(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{}
	s := newService(repo)

	_, err := s.List(ctx, entity.Actor{ID: "doc-1", Role: constants.RoleClinician}, repository.AuditFilter{})
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	recs, err := s.List(ctx, entity.Actor{ID: "aud-1", Role: constants.RoleComplianceAuditor}, repository.AuditFilter{})
	require.NoError(t, err)
	// the denied and the allowed list attempts are both on record
	assert.Len(t, recs, 2)
}

func TestNewPolicy(t *testing.T) {
	p, err := NewPolicy(map[string][]string{"clinician": {"read-document"}})
	require.NoError(t, err)
	assert.True(t, p.Allows(constants.RoleClinician, constants.ActionReadDocument))
	assert.False(t, p.Allows(constants.RoleClinician, constants.ActionApproveHeldJob))
	assert.False(t, p.Allows(constants.RoleSystemWorker, constants.ActionReadDocument))

	_, err = NewPolicy(map[string][]string{"janitor": {"read-document"}})
	assert.Error(t, err)
	_, err = NewPolicy(map[string][]string{"clinician": {"fly"}})
	assert.Error(t, err)

	p, err = NewPolicy(nil)
	require.NoError(t, err)
	assert.True(t, p.Allows(constants.RoleComplianceAuditor, constants.ActionReadAuditLog))
	assert.False(t, p.Allows(constants.RoleIntakeClerk, constants.ActionPurgeDocument))
}

package access

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/HerbHall/warden/internal/core"
	"github.com/HerbHall/warden/internal/testutil"
	"github.com/HerbHall/warden/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (s *recordingSink) Record(_ context.Context, e models.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *recordingSink) all() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry(nil), s.entries...)
}

type brokenDirectory struct{}

func (brokenDirectory) Lookup(context.Context, string) (*Service, error) {
	return nil, errors.New("connection refused")
}

func setup(t *testing.T) (*SQLDirectory, *Evaluator, *recordingSink) {
	t.Helper()
	ctx := context.Background()
	dir, err := NewSQLDirectory(ctx, testutil.NewStore(t))
	require.NoError(t, err)
	require.NoError(t, dir.Register(ctx, Service{ID: "svcA", Name: "Payroll", Enabled: true}))
	require.NoError(t, dir.Register(ctx, Service{ID: "svcB", Name: "Billing", Enabled: true}))
	require.NoError(t, dir.Register(ctx, Service{ID: "svcOff", Name: "Legacy", Enabled: false}))
	sink := &recordingSink{}
	return dir, NewEvaluator(dir, sink, core.NewEnv(zap.NewNop(), nil)), sink
}

func TestIsAuthorized(t *testing.T) {
	_, ev, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		role    models.Role
		groups  []string
		service string
		want    bool
	}{
		{"U1 holds svcA", models.RoleUser, []string{"svcA"}, "svcA", true},
		{"U1 lacks svcB", models.RoleUser, []string{"svcA"}, "svcB", false},
		{"first of several groups", models.RoleUser, []string{"svcB", "svcA"}, "svcA", true},
		{"trimmed group names match", models.RoleUser, []string{" svcA "}, "svcA", true},
		{"trimmed service id matches", models.RoleUser, []string{"svcA"}, " svcA", true},
		{"match is case sensitive", models.RoleUser, []string{"SVCA"}, "svcA", false},
		{"unrelated group", models.RoleUser, []string{"finance"}, "svcA", false},
		{"no groups", models.RoleAdmin, nil, "svcA", false},
		{"disabled service", models.RoleUser, []string{"svcOff"}, "svcOff", false},
		{"unknown service", models.RoleUser, []string{"nope"}, "nope", false},
		{"site admin bypasses membership", models.RoleSiteAdmin, nil, "svcA", true},
		{"site admin bypasses disabled", models.RoleSiteAdmin, nil, "svcOff", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ev.IsAuthorized(ctx, tc.role, tc.groups, tc.service))
		})
	}
}

func TestEvaluate_ReasonKinds(t *testing.T) {
	_, ev, _ := setup(t)
	ctx := context.Background()

	_, err := ev.Evaluate(ctx, Request{ServiceID: "nope", Role: models.RoleUser, Groups: []string{"nope"}})
	assert.ErrorIs(t, err, ErrUnknownService)

	_, err = ev.Evaluate(ctx, Request{ServiceID: "svcOff", Role: models.RoleUser, Groups: []string{"svcOff"}})
	assert.ErrorIs(t, err, ErrServiceDisabled)

	_, err = ev.Evaluate(ctx, Request{ServiceID: "svcA", Role: models.RoleUser, Groups: []string{"svcB"}})
	assert.ErrorIs(t, err, ErrNotMember)

	ok, err := ev.Evaluate(ctx, Request{ServiceID: "svcA", Role: models.RoleUser, Groups: []string{"svcA"}})
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestAuthorize_AuditsEveryDecision(t *testing.T) {
	_, ev, sink := setup(t)
	ctx := context.Background()

	u1 := Request{
		ServiceID:  "svcA",
		Role:       models.RoleUser,
		Groups:     []string{"svcA"},
		IdentityID: "U1",
		Username:   "alice",
		SessionID:  "sess-1",
		SourceAddr: "10.0.0.7",
	}
	require.True(t, ev.Authorize(ctx, u1))

	u1.Groups = []string{"svcB"}
	require.False(t, ev.Authorize(ctx, u1))

	entries := sink.all()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, models.AuditAuthorize, e.Type)
		assert.Equal(t, "U1", e.IdentityID)
		assert.Equal(t, "svcA", e.ApplicationID)
		assert.Equal(t, "Payroll", e.ApplicationName)
		assert.Equal(t, "sess-1", e.SessionID)
	}
	assert.True(t, entries[0].Authorized)
	assert.False(t, entries[1].Authorized)
	assert.Equal(t, "not a member", entries[1].Detail)
}

func TestEvaluate_LookupFailureDeniesAndLogs(t *testing.T) {
	obsCore, logs := observer.New(zap.ErrorLevel)
	sink := &recordingSink{}
	ev := NewEvaluator(brokenDirectory{}, sink, core.NewEnv(zap.New(obsCore), nil))

	assert.False(t, ev.IsAuthorized(context.Background(), models.RoleAdmin, []string{"svcA"}, "svcA"))

	_, err := ev.Evaluate(context.Background(), Request{ServiceID: "svcA", Role: models.RoleAdmin, Groups: []string{"svcA"}})
	assert.ErrorIs(t, err, ErrLookupFailed)

	require.Equal(t, 2, logs.FilterMessage("service lookup failed").Len())
	require.Len(t, sink.all(), 2)
	assert.False(t, sink.all()[0].Authorized)
}

func TestDirectory_RegisterReplaces(t *testing.T) {
	dir, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, dir.Register(ctx, Service{ID: " svcA ", Name: "Payroll v2", Enabled: false}))
	svc, err := dir.Lookup(ctx, "svcA")
	require.NoError(t, err)
	assert.Equal(t, "Payroll v2", svc.Name)
	assert.False(t, svc.Enabled)

	assert.Error(t, dir.Register(ctx, Service{ID: "  "}))
}

func TestDirectory_SetEnabled(t *testing.T) {
	dir, ev, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, dir.SetEnabled(ctx, "svcA", false))
	assert.False(t, ev.IsAuthorized(ctx, models.RoleUser, []string{"svcA"}, "svcA"))

	require.NoError(t, dir.SetEnabled(ctx, "svcA", true))
	assert.True(t, ev.IsAuthorized(ctx, models.RoleUser, []string{"svcA"}, "svcA"))

	assert.ErrorIs(t, dir.SetEnabled(ctx, "missing", true), ErrNoService)

	list, err := dir.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "svcA", list[0].ID)
}

// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/HerbHall/warden/internal/policy"
	"github.com/HerbHall/warden/internal/store"
	"github.com/HerbHall/warden/pkg/models"
)

// NewStore opens an in-memory SQLite store that is closed with the test.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMasterKey is the master key used by NewEngine.
var TestMasterKey = []byte("0123456789abcdef0123456789abcdef")

// NewEngine returns a policy engine with cheap scrypt parameters so tests
// that hash many passwords stay fast.
func NewEngine(t testing.TB) *policy.Engine {
	t.Helper()
	cfg := policy.DefaultConfig()
	cfg.KDF = models.KDFParams{Name: policy.KDFScrypt, Iterations: 1 << 10, KeyLength: 32}
	cfg.SaltLength = 16
	cfg.Reversible.KDF = models.KDFParams{Name: policy.KDFScrypt, Iterations: 1 << 10}
	e, err := policy.NewEngine(cfg, TestMasterKey, nil)
	if err != nil {
		t.Fatalf("policy engine: %v", err)
	}
	return e
}

// NewIdentity returns an Identity with sensible defaults, suitable for test
// fixtures. Override individual fields with options.
func NewIdentity(opts ...func(*models.Identity)) *models.Identity {
	id := &models.Identity{
		ID:        uuid.New().String(),
		Username:  "user-" + uuid.New().String()[:8],
		Role:      models.RoleUser,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	for _, opt := range opts {
		opt(id)
	}
	return id
}

// WithUsername sets the username.
func WithUsername(name string) func(*models.Identity) {
	return func(i *models.Identity) { i.Username = name }
}

// WithRole sets the role.
func WithRole(r models.Role) func(*models.Identity) {
	return func(i *models.Identity) { i.Role = r }
}

// WithGroups sets the group memberships.
func WithGroups(groups ...string) func(*models.Identity) {
	return func(i *models.Identity) { i.Groups = groups }
}

// Suspended marks the identity suspended.
func Suspended(i *models.Identity) { i.Suspended = true }

// FixedClock returns a clock that reports t until advanced.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedClock returns a clock stopped at t.
func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t} }

// Now returns the current fixed time.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

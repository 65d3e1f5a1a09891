// Package session stores authenticator sessions and moves them between
// states with compare-and-swap, so two concurrent second-factor attempts
// cannot both succeed.
package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/warden/pkg/models"
)

// State is a node of the authentication state machine.
type State string

const (
	StateUnauthenticated     State = "UNAUTHENTICATED"
	StatePendingSecondFactor State = "PENDING_SECONDARY_FACTOR"
	StateAuthenticated       State = "AUTHENTICATED"
	StateLocked              State = "LOCKED"
	StateOnlineResetLocked   State = "ONLINE_RESET_LOCKED"
	StateExpired             State = "EXPIRED"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrExists        = errors.New("session already exists")
	ErrStateMismatch = errors.New("session state changed concurrently")
)

// Session is the server-side record behind a session ID.
type Session struct {
	ID           string      `json:"id"`
	IdentityID   string      `json:"identity_id"`
	Username     string      `json:"username"`
	Role         models.Role `json:"role"`
	Groups       []string    `json:"groups,omitempty"`
	State        State       `json:"state"`
	SecondFactor string      `json:"second_factor,omitempty"`
	SourceHost   string      `json:"source_host,omitempty"`
	SourceAddr   string      `json:"source_addr,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
}

// Expired reports whether the session is past its deadline at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func (s *Session) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("session_id", s.ID)
	enc.AddString("identity_id", s.IdentityID)
	enc.AddString("state", string(s.State))
	enc.AddTime("expires_at", s.ExpiresAt)
	return nil
}

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// CompareAndSwap moves the session from one state to another and returns
	// the updated record. ErrStateMismatch means another caller got there
	// first.
	CompareAndSwap(ctx context.Context, id string, from, to State) (*Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

func clone(s *Session) *Session {
	c := *s
	c.Groups = append([]string(nil), s.Groups...)
	return &c
}

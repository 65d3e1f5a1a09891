package auth

import (
	"errors"
	"fmt"
)

// Kind classifies authenticator failures.
type Kind int

const (
	KindInvalidCredentials Kind = iota + 1
	KindAccountLocked
	KindAccountSuspended
	KindOnlineResetLocked
	KindInvalidState
	KindResetTokenInvalid
	KindNotSessionOwner
	KindNotPrivileged
	KindSessionNotFound
	KindSessionExpired
	KindNotEnrolled
	KindAlreadyExists
	KindInvalidInput
	KindRateLimited
	KindBackendUnavailable
	KindTimeout
)

var kindNames = map[Kind]string{
	KindInvalidCredentials: "invalid credentials",
	KindAccountLocked:      "account locked",
	KindAccountSuspended:   "account suspended",
	KindOnlineResetLocked:  "online reset locked",
	KindInvalidState:       "invalid session state",
	KindResetTokenInvalid:  "reset token invalid",
	KindNotSessionOwner:    "not session owner",
	KindNotPrivileged:      "insufficient privilege",
	KindSessionNotFound:    "session not found",
	KindSessionExpired:     "session expired",
	KindNotEnrolled:        "second factor not enrolled",
	KindAlreadyExists:      "identity already exists",
	KindInvalidInput:       "invalid input",
	KindRateLimited:        "rate limited",
	KindBackendUnavailable: "backend unavailable",
	KindTimeout:            "backend timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is.
var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrAccountLocked      = &Error{Kind: KindAccountLocked}
	ErrAccountSuspended   = &Error{Kind: KindAccountSuspended}
	ErrOnlineResetLocked  = &Error{Kind: KindOnlineResetLocked}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrResetTokenInvalid  = &Error{Kind: KindResetTokenInvalid}
	ErrNotSessionOwner    = &Error{Kind: KindNotSessionOwner}
	ErrNotPrivileged      = &Error{Kind: KindNotPrivileged}
	ErrSessionNotFound    = &Error{Kind: KindSessionNotFound}
	ErrSessionExpired     = &Error{Kind: KindSessionExpired}
	ErrNotEnrolled        = &Error{Kind: KindNotEnrolled}
	ErrAlreadyExists      = &Error{Kind: KindAlreadyExists}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrTimeout            = &Error{Kind: KindTimeout}
)

// Error is returned by every Authenticator operation. Code carries the
// backend result code for backend failures. It never holds secret material.
type Error struct {
	Kind       Kind
	Op         string
	IdentityID string
	Code       string
	Err        error
}

func (e *Error) Error() string {
	msg := "auth"
	if e.Op != "" {
		msg += " " + e.Op
	}
	msg += ": " + e.Kind.String()
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can compare against the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, op, identityID string) *Error {
	return &Error{Kind: kind, Op: op, IdentityID: identityID}
}

// KindOf extracts the Kind from err, or zero when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

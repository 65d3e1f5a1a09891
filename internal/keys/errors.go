package keys

import (
	"errors"
	"fmt"
)

// Kind classifies key lifecycle failures.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindAlreadyExists
	KindInvalidSubject
	KindWeakKey
	KindInvalidInput
	KindKeystoreMismatch
	KindDecryptionFailure
	KindBackend
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindInvalidSubject:
		return "invalid subject"
	case KindWeakKey:
		return "weak key"
	case KindInvalidInput:
		return "invalid input"
	case KindKeystoreMismatch:
		return "keystore mismatch"
	case KindDecryptionFailure:
		return "decryption failure"
	case KindBackend:
		return "backend failure"
	case KindTimeout:
		return "backend timeout"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrAlreadyExists     = &Error{Kind: KindAlreadyExists}
	ErrInvalidSubject    = &Error{Kind: KindInvalidSubject}
	ErrWeakKey           = &Error{Kind: KindWeakKey}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrKeystoreMismatch  = &Error{Kind: KindKeystoreMismatch}
	ErrDecryptionFailure = &Error{Kind: KindDecryptionFailure}
	ErrBackend           = &Error{Kind: KindBackend}
	ErrTimeout           = &Error{Kind: KindTimeout}
)

// Error is returned by Manager operations. Ref names the identity or
// keystore entry involved.
type Error struct {
	Kind Kind
	Op   string
	Ref  string
	Err  error
}

func (e *Error) Error() string {
	msg := "keys"
	if e.Op != "" {
		msg += " " + e.Op
	}
	msg += ": " + e.Kind.String()
	if e.Ref != "" {
		msg += " (" + e.Ref + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, op, ref string, err error) *Error {
	return &Error{Kind: kind, Op: op, Ref: ref, Err: err}
}

package audit

import (
	"errors"
	"fmt"
)

// Kind classifies audit failures. Recording failures are logged, never
// returned to the operation being audited.
type Kind int

const (
	KindWriteFailed Kind = iota + 1
	KindInvalidEntry
	KindChainBroken
	KindArchiveFailed
)

func (k Kind) String() string {
	switch k {
	case KindWriteFailed:
		return "write failed"
	case KindInvalidEntry:
		return "invalid entry"
	case KindChainBroken:
		return "chain broken"
	case KindArchiveFailed:
		return "archive failed"
	}
	return "unknown"
}

var (
	ErrWriteFailed   = &Error{Kind: KindWriteFailed}
	ErrInvalidEntry  = &Error{Kind: KindInvalidEntry}
	ErrChainBroken   = &Error{Kind: KindChainBroken}
	ErrArchiveFailed = &Error{Kind: KindArchiveFailed}
)

// Error is the audit error type. Seq is set for chain verification failures.
type Error struct {
	Kind Kind
	Op   string
	Seq  int64
	Err  error
}

func (e *Error) Error() string {
	msg := "audit"
	if e.Op != "" {
		msg += " " + e.Op
	}
	msg += ": " + e.Kind.String()
	if e.Seq > 0 {
		msg += fmt.Sprintf(" at seq %d", e.Seq)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so errors.Is(err, ErrChainBroken) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

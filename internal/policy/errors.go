// Package policy implements salt generation, password derivation and
// verification, and the reversible encryption path used for recoverable
// secrets.
package policy

import "fmt"

// Kind classifies a policy failure.
type Kind int

const (
	KindUnsupportedAlgorithm Kind = iota + 1
	KindInsufficientInput
	KindCryptoFailure
)

func (k Kind) String() string {
	switch k {
	case KindUnsupportedAlgorithm:
		return "unsupported algorithm"
	case KindInsufficientInput:
		return "insufficient input"
	case KindCryptoFailure:
		return "crypto failure"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks against a Kind.
var (
	ErrUnsupportedAlgorithm = &Error{Kind: KindUnsupportedAlgorithm}
	ErrInsufficientInput    = &Error{Kind: KindInsufficientInput}
	ErrCryptoFailure        = &Error{Kind: KindCryptoFailure}
)

// Error is returned by every policy operation. It never carries secret
// material.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return "policy: " + e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("policy %s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("policy %s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

package access

import "errors"

// Kind explains why a decision came out false.
type Kind int

const (
	KindUnknownService Kind = iota + 1
	KindServiceDisabled
	KindNotMember
	KindLookupFailed
)

func (k Kind) String() string {
	switch k {
	case KindUnknownService:
		return "unknown service"
	case KindServiceDisabled:
		return "service disabled"
	case KindNotMember:
		return "not a member"
	case KindLookupFailed:
		return "service lookup failed"
	}
	return "unknown"
}

var (
	ErrUnknownService  = &Error{Kind: KindUnknownService}
	ErrServiceDisabled = &Error{Kind: KindServiceDisabled}
	ErrNotMember       = &Error{Kind: KindNotMember}
	ErrLookupFailed    = &Error{Kind: KindLookupFailed}
)

// Error carries the service and the reason for a denial.
type Error struct {
	Kind      Kind
	ServiceID string
	Err       error
}

func (e *Error) Error() string {
	msg := "access: " + e.Kind.String()
	if e.ServiceID != "" {
		msg += " (" + e.ServiceID + ")"
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

package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so transports can map them to close codes,
// error frames and HTTP statuses.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	AuthenticationFailure
	AuthorizationFailure
	ValidationFailure
	PersistenceFailure
	IntegrityViolation
	CollaboratorFailure
)

func (k ErrorKind) String() string {
	switch k {
	case AuthenticationFailure:
		return "authentication_failure"
	case AuthorizationFailure:
		return "authorization_failure"
	case ValidationFailure:
		return "validation_failure"
	case PersistenceFailure:
		return "persistence_failure"
	case IntegrityViolation:
		return "integrity_violation"
	case CollaboratorFailure:
		return "collaborator_failure"
	default:
		return "unknown"
	}
}

var (
	ErrThreadNotFound    = errors.New("thread not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// Error is a classified failure. Detail is safe to show to the client.
type Error struct {
	Op     string
	Kind   ErrorKind
	Detail string
	Err    error
}

// NewError builds a classified error.
func NewError(op string, kind ErrorKind, detail string, err error) *Error {
	return &Error{Op: op, Kind: kind, Detail: detail, Err: err}
}

// Validation is shorthand for a ValidationFailure with a formatted detail.
func Validation(op, format string, args ...interface{}) *Error {
	return &Error{Op: op, Kind: ValidationFailure, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// DetailOf returns the client-facing detail of err, or fallback.
func DetailOf(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	return fallback
}

// Websocket close codes used when a session is rejected during setup.
const (
	CloseAuthenticationFailed = 4001
	CloseForbidden            = 4003
	CloseThreadNotFound       = 4004
	CloseInternalError        = 4500
)

// CloseCodeFor maps a connection-setup error to its close code.
func CloseCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrThreadNotFound):
		return CloseThreadNotFound
	case KindOf(err) == AuthenticationFailure:
		return CloseAuthenticationFailed
	case KindOf(err) == AuthorizationFailure:
		return CloseForbidden
	default:
		return CloseInternalError
	}
}

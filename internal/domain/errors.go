package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindUnauthorized      ErrorKind = "unauthorized"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_state_transition"
	KindConfiguration     ErrorKind = "configuration_error"
	KindInvalidArgument   ErrorKind = "invalid_argument"
)

// Error is a hard failure surfaced to callers verbatim. Zero resolved
// approvers is never an Error; see approvers.Resolution.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
)

func Unauthorized(format string, args ...any) error {
	return &Error{Kind: KindUnauthorized, Reason: fmt.Sprintf(format, args...)}
}

func NotFound(entity, id string) error {
	if id == "" {
		return &Error{Kind: KindNotFound, Reason: entity + " not found"}
	}
	return &Error{Kind: KindNotFound, Reason: fmt.Sprintf("%s %s not found", entity, id)}
}

func InvalidTransition(format string, args ...any) error {
	return &Error{Kind: KindInvalidTransition, Reason: fmt.Sprintf(format, args...)}
}

func Configuration(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Reason: fmt.Sprintf(format, args...)}
}

func InvalidArgument(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the taxonomy kind of err, or "" for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

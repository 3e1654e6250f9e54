package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrRevisionLimit  = errors.New("revision limit exceeded")
	ErrTimeout        = errors.New("timeout")
	ErrSectionBlocked = errors.New("section blocked")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrCaseFrozen     = errors.New("case frozen")
	ErrOrderingLock   = errors.New("ordering lock")
	ErrThrottled      = errors.New("throttled")
	ErrTransient      = errors.New("transient failure")
)

var markers = []error{
	ErrValidation,
	ErrNotFound,
	ErrRevisionLimit,
	ErrTimeout,
	ErrSectionBlocked,
	ErrUnauthorized,
	ErrCaseFrozen,
	ErrOrderingLock,
	ErrThrottled,
	ErrTransient,
}

// Error is a classified failure produced by Wrap. It matches its marker and
// its cause under errors.Is.
type Error struct {
	Marker    error
	Component string
	Operation string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	detail := buildDetail(e.Component, e.Operation, e.Message)
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Marker, detail, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Marker, detail)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Marker}
	}
	return []error{e.Marker, e.Err}
}

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &Error{
		Marker:    marker,
		Component: strings.TrimSpace(component),
		Operation: strings.TrimSpace(operation),
		Message:   strings.TrimSpace(message),
		Err:       err,
	}
}

// ErrorDetails is the log-friendly view of a classified error.
type ErrorDetails struct {
	Kind      string
	Component string
	Operation string
	Message   string
}

// Details extracts the classification of err. Unclassified errors report kind
// "unknown" with the full error text as message.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return ErrorDetails{
			Kind:      kindOf(svcErr.Marker),
			Component: svcErr.Component,
			Operation: svcErr.Operation,
			Message:   svcErr.Message,
		}
	}
	return ErrorDetails{Kind: kindOf(err), Message: err.Error()}
}

func kindOf(err error) string {
	for _, marker := range markers {
		if errors.Is(err, marker) {
			return strings.ReplaceAll(marker.Error(), " ", "_")
		}
	}
	return "unknown"
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component != "" {
		parts = append(parts, component)
	}
	if operation != "" {
		parts = append(parts, operation)
	}
	if message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}

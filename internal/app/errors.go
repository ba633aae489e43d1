package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied is returned when an authorization policy denies
	// the requested action. Handlers decide whether to mask it as 401 for
	// anonymous actors.
	ErrPermissionDenied = errors.New("permission denied")
)

// ValidationError carries per-field messages for user-correctable input
// problems.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func invalidField(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// ConflictError reports a uniqueness violation detected at the storage
// layer, such as a duplicate review or a taken slug.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists", e.Field)
}

// DeliveryError wraps a notification collaborator failure. Never swallowed:
// signup surfaces it to the caller so the code can be re-requested.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver confirmation: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

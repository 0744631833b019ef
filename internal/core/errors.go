package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a package, version or index is absent.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when a name, version or payload fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a write would duplicate existing state.
	ErrConflict = errors.New("conflict")

	// ErrUpstreamUnavailable is returned when the public registry could not be reached
	// after a confirmed local miss.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrStorage is returned for disk read and write failures.
	ErrStorage = errors.New("storage failure")
)

// NotFoundError wraps ErrNotFound with additional context.
type NotFoundError struct {
	Ecosystem Ecosystem
	Name      string
	Version   string
}

func (e *NotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("%s: package %s version %s not found", e.Ecosystem, e.Name, e.Version)
	}
	return fmt.Sprintf("%s: package %s not found", e.Ecosystem, e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// InvalidInputError wraps ErrInvalidInput with the offending field.
type InvalidInputError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

// ConflictError wraps ErrConflict.
type ConflictError struct {
	Ecosystem Ecosystem
	Name      string
	Version   string
	Reason    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: package %s version %s: %s", e.Ecosystem, e.Name, e.Version, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// StorageError wraps a filesystem failure. It matches both ErrStorage and the cause.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// UpstreamError wraps a failed upstream request. It matches both ErrUpstreamUnavailable
// and the transport cause.
type UpstreamError struct {
	Ecosystem Ecosystem
	URL       string
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream %s: %v", e.Ecosystem, e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstreamUnavailable, e.Err}
}

// Kind returns a short label for the taxonomy class of err, used for metrics and exit codes.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "unknown"
	}
}

package fhir

import (
	"errors"
	"fmt"
)

// NotFoundError indicates no resource exists for the addressed identity.
type NotFoundError struct {
	ResourceType string
	ID           string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found", e.ResourceType, e.ID)
}

// GoneError indicates the current version of the resource is a delete marker.
type GoneError struct {
	ResourceType string
	ID           string
	VersionID    int
}

func (e *GoneError) Error() string {
	return fmt.Sprintf("%s/%s is deleted (version %d)", e.ResourceType, e.ID, e.VersionID)
}

// VersionConflictError indicates an optimistic-concurrency mismatch: the
// caller expected a version other than the current one.
type VersionConflictError struct {
	ResourceType string
	ID           string
	Expected     int
	Actual       int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected %d, current is %d",
		e.ResourceType, e.ID, e.Expected, e.Actual)
}

// AmbiguousMatchError indicates a conditional operation matched more than one
// resource. The operation never silently picks one.
type AmbiguousMatchError struct {
	ResourceType string
	Criteria     string
	Matches      int
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("conditional operation on %s matched %d resources for criteria %q",
		e.ResourceType, e.Matches, e.Criteria)
}

// ValidationError indicates a malformed identity, body, or query value.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// UnsupportedParameterError indicates an unknown search parameter or a
// modifier/comparator the parameter's definition does not allow.
type UnsupportedParameterError struct {
	ResourceType string
	Parameter    string
	Detail       string
}

func (e *UnsupportedParameterError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unsupported search parameter %q on %s", e.Parameter, e.ResourceType)
	}
	return fmt.Sprintf("unsupported usage of search parameter %q on %s: %s",
		e.Parameter, e.ResourceType, e.Detail)
}

// IndexingError records a partial or failed indexing run for one resource
// version. It is retryable and never blocks the write that triggered it.
type IndexingError struct {
	ResourceType string
	ID           string
	VersionID    int
	Partial      bool
	Failures     []string
}

func (e *IndexingError) Error() string {
	kind := "failed"
	if e.Partial {
		kind = "partial"
	}
	return fmt.Sprintf("indexing %s for %s/%s version %d: %d parameter(s) failed",
		kind, e.ResourceType, e.ID, e.VersionID, len(e.Failures))
}

// TransactionError wraps the first entry failure inside an atomic bundle; the
// whole unit has been rolled back when it is returned.
type TransactionError struct {
	EntryIndex int
	Method     string
	URL        string
	Err        error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed at entry %d (%s %s): %v", e.EntryIndex, e.Method, e.URL, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	var t *NotFoundError
	return errors.As(err, &t)
}

func IsGone(err error) bool {
	var t *GoneError
	return errors.As(err, &t)
}

func IsVersionConflict(err error) bool {
	var t *VersionConflictError
	return errors.As(err, &t)
}

func IsAmbiguousMatch(err error) bool {
	var t *AmbiguousMatchError
	return errors.As(err, &t)
}

func IsValidation(err error) bool {
	var t *ValidationError
	return errors.As(err, &t)
}

func IsUnsupportedParameter(err error) bool {
	var t *UnsupportedParameterError
	return errors.As(err, &t)
}

// Package errors defines the error taxonomy shared by the cache and query core.
//
// This file provides:
//   - Stable kind tags carried by every typed error
//   - Typed errors per layer (FetchError, CacheError, LoadError, QueryError)
//   - Sentinel errors for conditions without a layer of their own
//   - Category checks used by the transport layer (temporary vs client error)
//   - Error wrapping utilities and a validation error collector
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Kinds
// ============================================================================

// Kind is a stable tag identifying an error condition. Kinds are part of the
// external contract: the request layer and clients switch on them.
type Kind string

const (
	// Fetch kinds
	KindTimeout          Kind = "Timeout"
	KindNotFound         Kind = "NotFound"
	KindNetworkError     Kind = "NetworkError"
	KindExhaustedRetries Kind = "ExhaustedRetries"

	// Cache kinds
	KindFetchFailed      Kind = "FetchFailed"
	KindChecksumMismatch Kind = "ChecksumMismatch"
	KindDiskWriteFailed  Kind = "DiskWriteFailed"

	// Load kinds
	KindCacheUnavailable   Kind = "CacheUnavailable"
	KindUnreadableFormat   Kind = "UnreadableFormat"
	KindNoVariableDetected Kind = "NoVariableDetected"

	// Query kinds
	KindOutOfBounds      Kind = "OutOfBounds"
	KindInvalidParameter Kind = "InvalidParameter"

	// Lookup kinds
	KindUnknownDataset Kind = "UnknownDataset"
	KindInternal       Kind = "Internal"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	ErrUnknownDataset = errors.New("unknown dataset")
	ErrDiskWrite      = errors.New("disk write failed")
	ErrNotRemote      = errors.New("dataset is not available remotely")
	ErrEmptyGrid      = errors.New("grid has no cells")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
)

// ============================================================================
// Typed errors
// ============================================================================

// FetchError is a terminal failure of the remote fetcher. Transient failures
// never escape the fetcher as FetchError until the retry budget is spent.
type FetchError struct {
	Kind     Kind
	URL      string
	Attempts int
	Status   int // last HTTP status, 0 if none
	Err      error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s after %d attempt(s)", e.URL, e.Kind, e.Attempts)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// CacheError is returned by the asset cache when a dataset cannot be
// materialized as a verified local file.
type CacheError struct {
	Kind    Kind
	Dataset string
	Err     error
}

func (e *CacheError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cache %s: %s", e.Dataset, e.Kind)
	}
	return fmt.Sprintf("cache %s: %s: %v", e.Dataset, e.Kind, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// LoadError is returned by the grid store. UnreadableFormat and
// NoVariableDetected are terminal; CacheUnavailable wraps a CacheError.
type LoadError struct {
	Kind    Kind
	Dataset string
	Reason  string
	Err     error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("load %s: %s", e.Dataset, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// QueryError reports a request that will never succeed unchanged.
type QueryError struct {
	Kind   Kind
	Param  string
	Reason string
}

func (e *QueryError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Param, e.Reason)
}

// NewOutOfBounds creates an OutOfBounds query error.
func NewOutOfBounds(param string, value, min, max float64) error {
	return &QueryError{
		Kind:   KindOutOfBounds,
		Param:  param,
		Reason: fmt.Sprintf("%g outside valid range [%g, %g]", value, min, max),
	}
}

// NewInvalidParameter creates an InvalidParameter query error.
func NewInvalidParameter(param, format string, args ...any) error {
	return &QueryError{
		Kind:   KindInvalidParameter,
		Param:  param,
		Reason: fmt.Sprintf(format, args...),
	}
}

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// KindOf returns the kind of the outermost typed error in err's chain.
// The outermost layer wins: a LoadError wrapping a CacheError reports
// CacheUnavailable.
func KindOf(err error) Kind {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch t := e.(type) {
		case *LoadError:
			return t.Kind
		case *CacheError:
			return t.Kind
		case *FetchError:
			return t.Kind
		case *QueryError:
			return t.Kind
		}
		if e == ErrUnknownDataset {
			return KindUnknownDataset
		}
	}
	if err == nil {
		return ""
	}
	return KindInternal
}

// IsTemporary reports whether err means "dataset temporarily unavailable,
// try again". Only failures on the acquisition path qualify.
func IsTemporary(err error) bool {
	var ce *CacheError
	if errors.As(err, &ce) {
		return true
	}
	var fe *FetchError
	return errors.As(err, &fe)
}

// IsClientError reports whether err was caused by the request itself.
func IsClientError(err error) bool {
	var qe *QueryError
	if errors.As(err, &qe) {
		return true
	}
	return errors.Is(err, ErrUnknownDataset)
}

// IsTerminalLoad reports whether err is a load failure that will repeat on
// every attempt for the same file.
func IsTerminalLoad(err error) bool {
	var le *LoadError
	if !errors.As(err, &le) {
		return false
	}
	return le.Kind == KindUnreadableFormat || le.Kind == KindNoVariableDetected
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewUnknownDataset creates an unknown-dataset error with context.
func NewUnknownDataset(name string) error {
	return fmt.Errorf("dataset '%s': %w", name, ErrUnknownDataset)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}

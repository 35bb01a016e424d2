/*
errors.go - Error taxonomy for rate calculation and template management

PURPOSE:
  All rate-domain error types in one place. Callers match with errors.Is
  against the sentinels and errors.As against the structured types when
  they need the offending field or template.

ERROR CATEGORIES:
  1. Configuration - invalid numeric input, billable hours <= 0, margin >= 1.
     Never retried.
  2. Conflict - optimistic version mismatch on a template write. The caller
     re-fetches and retries.
  3. Invalid transition - illegal template status change. Never retried.
  4. Not found - unknown template or bulk calculation.

  Provider failures live in award/errors.go, lock timeouts in cache/cache.go.

SEE ALSO:
  - engine.go: Returns ConfigurationError
  - template/service.go: Returns ConflictError, InvalidTransitionError
*/
package rate

import (
	"errors"
	"fmt"

	"github.com/warp/rate-engine/award"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfiguration is returned when calculation inputs cannot produce a
	// meaningful rate.
	ErrConfiguration = errors.New("invalid rate configuration")

	// ErrConflict is returned when an optimistic version check fails.
	ErrConflict = errors.New("version conflict")

	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError names the input that made the calculation impossible.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid rate configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// ConflictError is returned when the stored version differs from the one
// the caller based its write on.
type ConflictError struct {
	TemplateID      string
	ExpectedVersion int
	ActualVersion   int
}

func (e *ConflictError) Error() string {
	if e.ActualVersion == 0 {
		return fmt.Sprintf("version conflict on template %s: expected version %d",
			e.TemplateID, e.ExpectedVersion)
	}
	return fmt.Sprintf("version conflict on template %s: expected version %d, found %d",
		e.TemplateID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// InvalidTransitionError describes a rejected status change.
type InvalidTransitionError struct {
	TemplateID string
	From       string
	To         string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("template %s: cannot move from %s to %s", e.TemplateID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NotFoundError identifies the missing record.
type NotFoundError struct {
	Kind string // "template", "bulk_calculation"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may retry the same operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, award.ErrProvider)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Package errors provides structured error types for dray.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for dray.
const (
	// Project errors
	CodeProjectNotFound Code = "PROJECT_NOT_FOUND"
	CodeProjectArchived Code = "PROJECT_ARCHIVED"
	CodeProjectLocked   Code = "PROJECT_LOCKED"

	// Stage errors
	CodeStageUnknown           Code = "STAGE_UNKNOWN"
	CodeStageInvalidTransition Code = "STAGE_INVALID_TRANSITION"
	CodeStageMismatch          Code = "STAGE_MISMATCH"

	// Gate / approval errors
	CodeApprovalNotFound Code = "APPROVAL_NOT_FOUND"
	CodeApprovalTerminal Code = "APPROVAL_TERMINAL"
	CodeGateMalformed    Code = "GATE_MALFORMED"

	// Job errors
	CodeJobNotFound     Code = "JOB_NOT_FOUND"
	CodeJobNotClaimable Code = "JOB_NOT_CLAIMABLE"
	CodeJobTimeout      Code = "JOB_TIMEOUT"
	CodeMaxAttempts     Code = "MAX_ATTEMPTS_EXCEEDED"

	// Assignment errors
	CodeNoCandidates Code = "ASSIGNMENT_NO_CANDIDATES"
	CodeNoCapacity   Code = "ASSIGNMENT_NO_CAPACITY"

	// Config errors
	CodeConfigInvalid  Code = "CONFIG_INVALID"
	CodeConfigConflict Code = "CONFIG_VERSION_CONFLICT"

	// Collaborator errors
	CodeEmailUnavailable  Code = "EMAIL_UNAVAILABLE"
	CodeStorageExceeded   Code = "STORAGE_LIMIT_EXCEEDED"
	CodeAIParseFailure    Code = "AI_PARSE_FAILURE"
	CodeBlueprintInvalid  Code = "BLUEPRINT_INVALID"
	CodeRunnerUnavailable Code = "RUNNER_UNAVAILABLE"
)

// Category groups error codes for HTTP status mapping at the API boundary.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeProjectNotFound:        CategoryNotFound,
	CodeProjectArchived:        CategoryBadRequest,
	CodeProjectLocked:          CategoryConflict,
	CodeStageUnknown:           CategoryBadRequest,
	CodeStageInvalidTransition: CategoryBadRequest,
	CodeStageMismatch:          CategoryConflict,
	CodeApprovalNotFound:       CategoryNotFound,
	CodeApprovalTerminal:       CategoryConflict,
	CodeGateMalformed:          CategoryBadRequest,
	CodeJobNotFound:            CategoryNotFound,
	CodeJobNotClaimable:        CategoryConflict,
	CodeJobTimeout:             CategoryTimeout,
	CodeMaxAttempts:            CategoryInternal,
	CodeNoCandidates:           CategoryBadRequest,
	CodeNoCapacity:             CategoryConflict,
	CodeConfigInvalid:          CategoryBadRequest,
	CodeConfigConflict:         CategoryConflict,
	CodeEmailUnavailable:       CategoryUnavailable,
	CodeStorageExceeded:        CategoryBadRequest,
	CodeAIParseFailure:         CategoryInternal,
	CodeBlueprintInvalid:       CategoryBadRequest,
	CodeRunnerUnavailable:      CategoryUnavailable,
}

// retryableCodes marks codes whose failures should re-queue with backoff.
var retryableCodes = map[Code]bool{
	CodeEmailUnavailable:  true,
	CodeRunnerUnavailable: true,
	CodeJobTimeout:        false, // timeouts are terminal per stage policy
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// DrayError is the structured error type for dray.
type DrayError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *DrayError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *DrayError) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *DrayError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *DrayError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *DrayError) MarshalJSON() ([]byte, error) {
	type alias DrayError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a DrayError with the same code.
func (e *DrayError) Is(target error) bool {
	t, ok := target.(*DrayError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *DrayError) WithCause(err error) *DrayError {
	return &DrayError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// Retryable reports whether err should be re-queued with backoff.
// Non-dray errors default to retryable: transient collaborator failures
// arrive as plain wrapped errors.
func Retryable(err error) bool {
	var de *DrayError
	if !errors.As(err, &de) {
		return true
	}
	if r, ok := retryableCodes[de.Code]; ok {
		return r
	}
	return false
}

// CodeOf returns the code carried by err, or "" for non-dray errors.
func CodeOf(err error) Code {
	var de *DrayError
	if !errors.As(err, &de) {
		return ""
	}
	return de.Code
}

// --- Error constructors ---

// ErrProjectNotFound returns an error when a project doesn't exist.
func ErrProjectNotFound(id string) *DrayError {
	return &DrayError{
		Code: CodeProjectNotFound,
		What: fmt.Sprintf("project %s not found", id),
		Why:  "No project with this ID exists",
		Fix:  "Run 'dray status' to list known projects",
	}
}

// ErrStageUnknown returns an error for an unrecognized stage key.
func ErrStageUnknown(key string) *DrayError {
	return &DrayError{
		Code: CodeStageUnknown,
		What: fmt.Sprintf("unknown stage key %q", key),
		Why:  "Stage keys are 0_sales through 6_complete",
	}
}

// ErrInvalidTransition returns an error for a transition outside the valid-next map.
func ErrInvalidTransition(from, to string) *DrayError {
	return &DrayError{
		Code: CodeStageInvalidTransition,
		What: fmt.Sprintf("transition %s -> %s is not allowed", from, to),
		Why:  "Stages advance in a fixed order; only TEST and DEFECT_VALIDATION rework to BUILD",
	}
}

// ErrConfigConflict returns an optimistic-concurrency failure on admin config.
func ErrConfigConflict(key string, want, got int) *DrayError {
	return &DrayError{
		Code: CodeConfigConflict,
		What: fmt.Sprintf("config %s was modified concurrently", key),
		Why:  fmt.Sprintf("expected version %d, found %d", want, got),
		Fix:  "Re-read the config and retry the update",
	}
}

// ErrMaxAttempts returns an error when a job exhausted its attempts.
func ErrMaxAttempts(jobID string, attempts int) *DrayError {
	return &DrayError{
		Code: CodeMaxAttempts,
		What: fmt.Sprintf("job %s failed after %d attempts", jobID, attempts),
		Why:  "Retry budget exhausted",
		Fix:  "Inspect the job error, fix the underlying cause, and re-enqueue",
	}
}

// ErrBlueprintInvalid returns a blueprint schema failure.
func ErrBlueprintInvalid(reasons []string) *DrayError {
	return &DrayError{
		Code: CodeBlueprintInvalid,
		What: "blueprint failed schema v1 validation",
		Why:  strings.Join(reasons, "; "),
	}
}

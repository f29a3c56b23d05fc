package domain

import "errors"

// Error codes used in JobError.Code and returned by the control
// surface. These are the taxonomy from spec.md §7 — stable strings,
// not Go error types, since they cross the HTTP boundary.
const (
	CodeValidation    = "VALIDATION"
	CodeDownloadFail  = "DOWNLOAD_FAILED"
	CodeChunkingFail  = "CHUNKING_FAILED"
	CodeDubbingFail   = "DUBBING_FAILED"
	CodeMergingFail   = "MERGING_FAILED"
	CodeFinalizeFail  = "FINALIZE_FAILED"
	CodeTransient     = "TRANSIENT"
	CodeRateLimited   = "RATE_LIMITED"
	CodeCancelled     = "CANCELLED"
	CodeInvalidState  = "INVALID_STATE"
)

// ErrNotFound is returned by store lookups for a missing job id.
var ErrNotFound = errors.New("job not found")

// ErrDuplicate is returned by Store.create when the id already exists.
var ErrDuplicate = errors.New("job already exists")

// ErrInvalidTransition is returned when a status change violates the
// state machine in spec.md §4.8.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrInvalidState is returned by control-surface operations that are
// not valid for the job's current status (e.g. cancelling a completed
// job, deleting a running one).
var ErrInvalidState = errors.New("invalid state for requested operation")

// ErrCancelled marks a non-fatal, never-retried control-flow outcome.
var ErrCancelled = errors.New("cancelled")

// ErrValidation marks a bad request at the control surface; it never
// reaches the orchestrator (spec.md §7).
var ErrValidation = errors.New("validation")

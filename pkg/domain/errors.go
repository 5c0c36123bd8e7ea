package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError rejects a malformed deltafile or delta before any apply
// attempt. Fully recoverable: the batch never starts.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return "validation: " + e.Reason
}

// ErrFeatureNotFound reports that a delta's target feature does not exist at
// apply time: not a content conflict, the feature is truly missing (for
// example already deleted by a concurrent actor). Surfaced as not_applied.
type ErrFeatureNotFound struct {
	LayerID string
	PK      string
}

func (e ErrFeatureNotFound) Error() string {
	if e.PK == "" {
		return fmt.Sprintf("feature not found in layer %s", e.LayerID)
	}
	return fmt.Sprintf("feature %s not found in layer %s", e.PK, e.LayerID)
}

// ApplyError reports that the feature store refused a write (constraint
// violation, bad geometry). Recorded per delta as not_applied; in
// transactional mode it aborts the enclosing transaction group.
type ApplyError struct {
	LayerID string
	Reason  string
	Err     error
}

func (e ApplyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apply failed on layer %s: %s: %v", e.LayerID, e.Reason, e.Err)
	}
	return fmt.Sprintf("apply failed on layer %s: %s", e.LayerID, e.Reason)
}

func (e ApplyError) Unwrap() error { return e.Err }

// AdmissionDeferredError signals that another job already holds the project.
// A scheduling deferral, not a failure: the demoted job is back in pending and
// the caller is expected to reschedule it.
type AdmissionDeferredError struct {
	ProjectID     string
	BlockingJobID uuid.UUID
}

func (e AdmissionDeferredError) Error() string {
	return fmt.Sprintf("project %s already has running job %s", e.ProjectID, e.BlockingJobID)
}

// DuplicateDeltaError rejects a delta id that was already seen with different
// content. Raised before any apply attempt.
type DuplicateDeltaError struct {
	DeltaID uuid.UUID
}

func (e DuplicateDeltaError) Error() string {
	return fmt.Sprintf("delta %s was already submitted with different content", e.DeltaID)
}

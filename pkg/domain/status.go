package domain

// DeltaStatus is the externally visible state of one delta. Lifecycle:
// pending -> started -> {applied | conflict | not_applied | error}. The four
// terminal states are immutable; a delta already applied is never reapplied.
type DeltaStatus string

const (
	// DeltaPending marks a delta queued but not yet attempted.
	DeltaPending DeltaStatus = "pending"
	// DeltaStarted marks a delta whose apply attempt is in flight.
	DeltaStarted DeltaStatus = "started"
	// DeltaApplied marks a successfully applied delta.
	DeltaApplied DeltaStatus = "applied"
	// DeltaConflict marks a delta rejected because the live feature no longer
	// matches its recorded old state.
	DeltaConflict DeltaStatus = "conflict"
	// DeltaNotApplied marks a delta the store refused (missing feature,
	// constraint violation). Recoverable by resubmitting a corrected delta.
	DeltaNotApplied DeltaStatus = "not_applied"
	// DeltaError marks a delta abandoned by an unexpected failure; its effect
	// on the layer is unknown.
	DeltaError DeltaStatus = "error"
)

// Terminal reports whether the status is final.
func (s DeltaStatus) Terminal() bool {
	switch s {
	case DeltaApplied, DeltaConflict, DeltaNotApplied, DeltaError:
		return true
	}
	return false
}

// JobStatus is the aggregate state of an apply job:
// pending -> queued -> started -> {finished | failed}.
type JobStatus string

const (
	// JobPending marks a job awaiting (re)scheduling.
	JobPending JobStatus = "pending"
	// JobQueued marks a job picked up and waiting for admission.
	JobQueued JobStatus = "queued"
	// JobStarted marks the single running job for a project.
	JobStarted JobStatus = "started"
	// JobFinished marks a completed run; per-delta statuses carry the detail.
	JobFinished JobStatus = "finished"
	// JobFailed marks a run aborted by an unexpected error or timeout.
	JobFailed JobStatus = "failed"
)

// Terminal reports whether the job status is final.
func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobFailed
}

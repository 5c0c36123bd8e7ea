package domain

import (
	"time"

	"github.com/google/uuid"
)

// ApplyJob is the unit of work that attempts to apply one deltafile to one
// project. Its status is owned by the admission guard and the orchestrator;
// all mutations go through the job store's transition primitives.
type ApplyJob struct {
	ID          uuid.UUID  `json:"id"`
	ProjectID   string     `json:"project_id"`
	DeltaFileID uuid.UUID  `json:"deltafile_id"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// JobDelta is the join record between a job and one delta in its batch. Each
// delta carries its own status and feedback, independent of the job's
// aggregate status.
type JobDelta struct {
	JobID    uuid.UUID   `json:"job_id"`
	DeltaID  uuid.UUID   `json:"delta_id"`
	Status   DeltaStatus `json:"status"`
	Feedback string      `json:"feedback,omitempty"`
}

// DeltaRecord is the idempotency-registry entry for one delta id: the digest
// of the content it was first seen with and the terminal status it reached.
type DeltaRecord struct {
	DeltaID uuid.UUID   `json:"delta_id"`
	Digest  string      `json:"digest"`
	Status  DeltaStatus `json:"status"`
}

package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"fieldsync/pkg/domain"
)

// AdmissionGuard serializes mutating jobs per project: before a queued job
// may start, it checks for any other queued or started job on the same
// project. A blocked job is demoted back to pending (started_at cleared) for
// the scheduler to retry later; this is a cooperative deferral, not an error
// condition of the job itself.
//
// The atomic check-and-transition lives in the job store, which must back it
// with a serializable read-modify-write so two workers racing to start jobs
// for one project cannot both win.
type AdmissionGuard struct {
	jobs domain.JobStore
}

// NewAdmissionGuard constructs a guard over the given job store.
func NewAdmissionGuard(jobs domain.JobStore) *AdmissionGuard {
	return &AdmissionGuard{jobs: jobs}
}

// Admit promotes the queued job to started, or returns
// AdmissionDeferredError after demoting it to pending.
func (g *AdmissionGuard) Admit(ctx context.Context, jobID uuid.UUID) error {
	job, ok, err := g.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	blocking, started, err := g.jobs.TryStartJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !started {
		return domain.AdmissionDeferredError{ProjectID: job.ProjectID, BlockingJobID: blocking}
	}
	return nil
}

// Package memory provides an in-memory JobStore. TryStartJob serializes on
// the store mutex, which makes the per-project single-runner check atomic
// within one process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldsync/pkg/domain"
)

// Store is an in-memory JobStore.
type Store struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]domain.ApplyJob
	deltas   map[uuid.UUID][]domain.JobDelta
	registry map[uuid.UUID]domain.DeltaRecord
	clock    func() time.Time
}

var _ domain.JobStore = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		jobs:     make(map[uuid.UUID]domain.ApplyJob),
		deltas:   make(map[uuid.UUID][]domain.JobDelta),
		registry: make(map[uuid.UUID]domain.DeltaRecord),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// CreateJob stores the job and one pending join record per delta.
func (s *Store) CreateJob(_ context.Context, job domain.ApplyJob, deltaIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	records := make([]domain.JobDelta, len(deltaIDs))
	for i, id := range deltaIDs {
		records[i] = domain.JobDelta{JobID: job.ID, DeltaID: id, Status: domain.DeltaPending}
	}
	s.deltas[job.ID] = records
	return nil
}

// GetJob returns the job and whether it exists.
func (s *Store) GetJob(_ context.Context, id uuid.UUID) (domain.ApplyJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

// ListJobs returns a project's jobs ordered by creation time, optionally
// filtered by status.
func (s *Store) ListJobs(_ context.Context, projectID string, statuses ...domain.JobStatus) ([]domain.ApplyJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ApplyJob
	for _, job := range s.jobs {
		if job.ProjectID != projectID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, job.Status) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func containsStatus(statuses []domain.JobStatus, s domain.JobStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// TransitionJob moves the job between statuses, failing when it is not in
// from.
func (s *Store) TransitionJob(_ context.Context, id uuid.UUID, from, to domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, from, to)
}

func (s *Store) transitionLocked(id uuid.UUID, from, to domain.JobStatus) error {
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status != from {
		return fmt.Errorf("job %s is %s, not %s", id, job.Status, from)
	}
	now := s.clock()
	job.Status = to
	job.UpdatedAt = now
	switch to {
	case domain.JobStarted:
		job.StartedAt = &now
	case domain.JobFinished, domain.JobFailed:
		job.FinishedAt = &now
	case domain.JobPending:
		job.StartedAt = nil
	}
	s.jobs[id] = job
	return nil
}

// TryStartJob promotes the queued job to started iff no other job of the same
// project is queued or started; otherwise the job is demoted to pending and
// the blocking job id returned.
func (s *Store) TryStartJob(_ context.Context, id uuid.UUID) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return uuid.Nil, false, fmt.Errorf("job %s not found", id)
	}
	if job.Status != domain.JobQueued {
		return uuid.Nil, false, fmt.Errorf("job %s is %s, not %s", id, job.Status, domain.JobQueued)
	}
	for otherID, other := range s.jobs {
		if otherID == id || other.ProjectID != job.ProjectID {
			continue
		}
		if other.Status == domain.JobQueued || other.Status == domain.JobStarted {
			if err := s.transitionLocked(id, domain.JobQueued, domain.JobPending); err != nil {
				return uuid.Nil, false, err
			}
			return otherID, false, nil
		}
	}
	if err := s.transitionLocked(id, domain.JobQueued, domain.JobStarted); err != nil {
		return uuid.Nil, false, err
	}
	return uuid.Nil, true, nil
}

// SetDeltaStatus updates one join record. Terminal statuses are immutable;
// re-setting the same terminal status is a no-op so duplicate reports from a
// retried batch do not fail.
func (s *Store) SetDeltaStatus(_ context.Context, jobID, deltaID uuid.UUID, status domain.DeltaStatus, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.deltas[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	for i := range records {
		if records[i].DeltaID != deltaID {
			continue
		}
		if records[i].Status.Terminal() {
			if records[i].Status == status {
				return nil
			}
			return fmt.Errorf("delta %s already terminal as %s", deltaID, records[i].Status)
		}
		records[i].Status = status
		records[i].Feedback = feedback
		return nil
	}
	return fmt.Errorf("delta %s not part of job %s", deltaID, jobID)
}

// ListJobDeltas returns the job's join records in submission order.
func (s *Store) ListJobDeltas(_ context.Context, jobID uuid.UUID) ([]domain.JobDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.deltas[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	out := make([]domain.JobDelta, len(records))
	copy(out, records)
	return out, nil
}

// FailStartedDeltas force-errors every still-started delta of the job.
func (s *Store) FailStartedDeltas(_ context.Context, jobID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.deltas[jobID]
	if !ok {
		return 0, fmt.Errorf("job %s not found", jobID)
	}
	var n int
	for i := range records {
		if records[i].Status == domain.DeltaStarted {
			records[i].Status = domain.DeltaError
			records[i].Feedback = ""
			n++
		}
	}
	return n, nil
}

// LookupDelta returns the registry record for the delta id.
func (s *Store) LookupDelta(_ context.Context, deltaID uuid.UUID) (domain.DeltaRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.registry[deltaID]
	return rec, ok, nil
}

// RecordDelta upserts the registry record.
func (s *Store) RecordDelta(_ context.Context, rec domain.DeltaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[rec.DeltaID] = rec
	return nil
}

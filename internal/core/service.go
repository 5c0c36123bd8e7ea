package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fieldsync/internal/backup"
	"fieldsync/internal/schema"
	"fieldsync/pkg/domain"
)

// Service is the engine's entry point: it accepts raw deltafile submissions,
// tracks them as apply jobs, and drives admitted jobs through the
// orchestrator. One service instance is safe for concurrent use; per-project
// exclusivity is enforced by the admission guard, not by the service.
type Service struct {
	features     domain.FeatureStore
	jobs         domain.JobStore
	guard        *AdmissionGuard
	orchestrator *Orchestrator
	logger       *slog.Logger
	metrics      MetricsRecorder
	tracer       Tracer
	clock        func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService constructs a service over the given stores. A nil backup manager
// disables file snapshots for transactional batches.
func NewService(features domain.FeatureStore, jobs domain.JobStore, backups *backup.Manager, opts ...ServiceOption) *Service {
	s := &Service{
		features: features,
		jobs:     jobs,
		guard:    NewAdmissionGuard(jobs),
		logger:   slog.Default(),
		metrics:  nopRecorder{},
		tracer:   nopTracer{},
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.orchestrator = NewOrchestrator(features, backups, s.logger)
	return s
}

// SubmitDeltaFile validates a raw deltafile submission and registers it as a
// pending job, immediately promoted to queued. The batch is screened against
// the idempotency registry: a delta id resubmitted with different content
// rejects the whole file before a job is created.
func (s *Service) SubmitDeltaFile(ctx context.Context, raw []byte) (domain.DeltaFile, domain.ApplyJob, error) {
	var file domain.DeltaFile
	if err := schema.Validate(raw); err != nil {
		return file, domain.ApplyJob{}, err
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return file, domain.ApplyJob{}, domain.ValidationError{Reason: "malformed deltafile json: " + err.Error()}
	}
	job, err := s.Submit(ctx, file)
	return file, job, err
}

// Submit registers a validated deltafile as a queued job.
func (s *Service) Submit(ctx context.Context, file domain.DeltaFile) (domain.ApplyJob, error) {
	if err := file.Validate(); err != nil {
		return domain.ApplyJob{}, err
	}
	if _, err := screenDeltas(ctx, s.jobs, file); err != nil {
		return domain.ApplyJob{}, err
	}

	now := s.clock()
	job := domain.ApplyJob{
		ID:          uuid.New(),
		ProjectID:   file.ProjectID,
		DeltaFileID: file.ID,
		Status:      domain.JobPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	deltaIDs := make([]uuid.UUID, len(file.Deltas))
	for i, d := range file.Deltas {
		deltaIDs[i] = d.ID
	}
	if err := s.jobs.CreateJob(ctx, job, deltaIDs); err != nil {
		return domain.ApplyJob{}, fmt.Errorf("create job: %w", err)
	}
	if err := s.jobs.TransitionJob(ctx, job.ID, domain.JobPending, domain.JobQueued); err != nil {
		return domain.ApplyJob{}, fmt.Errorf("queue job: %w", err)
	}
	job.Status = domain.JobQueued
	s.logger.Info("deltafile accepted",
		"job", job.ID, "deltafile", file.ID, "project", file.ProjectID,
		"deltas", len(file.Deltas), "transactional", file.Transactional)
	return job, nil
}

// ProcessOptions tunes one Process run.
type ProcessOptions struct {
	// OverwriteConflicts applies conflicting deltas over live state instead of
	// recording conflicts.
	OverwriteConflicts bool
}

// Process runs the queued job. A deferred admission returns
// AdmissionDeferredError with the job already demoted to pending; an aborted
// batch fails the job and force-errors its still-started deltas before the
// error is returned. Anticipated per-delta failures finish the job normally
// with per-delta feedback in the result.
func (s *Service) Process(ctx context.Context, file domain.DeltaFile, jobID uuid.UUID, opts ProcessOptions) (BatchResult, error) {
	start := s.clock()
	ctx, span := s.tracer.Start(ctx, "process")
	result, err := s.process(ctx, file, jobID, opts)
	span.End(err)
	s.metrics.Observe(ctx, "process", err == nil, s.clock().Sub(start))
	return result, err
}

func (s *Service) process(ctx context.Context, file domain.DeltaFile, jobID uuid.UUID, opts ProcessOptions) (BatchResult, error) {
	if err := s.guard.Admit(ctx, jobID); err != nil {
		var deferred domain.AdmissionDeferredError
		if errors.As(err, &deferred) {
			s.logger.Info("job admission deferred",
				"job", jobID, "project", deferred.ProjectID, "blocking", deferred.BlockingJobID)
		}
		return BatchResult{DeltaFileID: file.ID, ProjectID: file.ProjectID}, err
	}

	known, err := screenDeltas(ctx, s.jobs, file)
	if err != nil {
		return s.failJob(ctx, file, jobID, err)
	}

	result, err := s.orchestrator.Apply(ctx, file, ApplyOptions{
		OverwriteConflicts: opts.OverwriteConflicts,
		JobID:              jobID,
		Known:              known,
		Sink:               &jobStatusSink{jobs: s.jobs, jobID: jobID},
	})
	if err != nil {
		res, ferr := s.failJob(ctx, file, jobID, err)
		res.Entries = result.Entries
		return res, ferr
	}

	if err := s.jobs.TransitionJob(ctx, jobID, domain.JobStarted, domain.JobFinished); err != nil {
		return result, fmt.Errorf("finish job: %w", err)
	}
	s.logger.Info("job finished",
		"job", jobID, "deltafile", file.ID, "project", file.ProjectID,
		"applied_all", result.AppliedAll, "conflicts", result.ConflictsDetected)
	return result, nil
}

// failJob marks the job failed and force-errors its still-started deltas.
// Bookkeeping failures are logged, not returned: the original abort cause
// stays the reported error.
func (s *Service) failJob(ctx context.Context, file domain.DeltaFile, jobID uuid.UUID, cause error) (BatchResult, error) {
	if err := s.jobs.TransitionJob(ctx, jobID, domain.JobStarted, domain.JobFailed); err != nil {
		s.logger.Error("mark job failed", "job", jobID, "error", err)
	}
	forced, err := s.jobs.FailStartedDeltas(ctx, jobID)
	if err != nil {
		s.logger.Error("force-error started deltas", "job", jobID, "error", err)
	} else if forced > 0 {
		s.logger.Warn("deltas force-errored after batch abort", "job", jobID, "count", forced)
	}
	s.logger.Error("job failed", "job", jobID, "deltafile", file.ID, "error", cause)
	return BatchResult{DeltaFileID: file.ID, ProjectID: file.ProjectID}, cause
}

// Apply submits a raw deltafile and immediately processes the resulting job.
func (s *Service) Apply(ctx context.Context, raw []byte, opts ProcessOptions) (BatchResult, error) {
	file, job, err := s.SubmitDeltaFile(ctx, raw)
	if err != nil {
		return BatchResult{}, err
	}
	return s.Process(ctx, file, job.ID, opts)
}

// ApplyInverse builds and processes the inverse of a previously submitted
// deltafile, undoing its effects delta by delta in reverse order.
func (s *Service) ApplyInverse(ctx context.Context, file domain.DeltaFile, opts ProcessOptions) (BatchResult, error) {
	inv := file.Inverse()
	job, err := s.Submit(ctx, inv)
	if err != nil {
		return BatchResult{}, err
	}
	return s.Process(ctx, inv, job.ID, opts)
}

// Job returns the job record.
func (s *Service) Job(ctx context.Context, id uuid.UUID) (domain.ApplyJob, bool, error) {
	return s.jobs.GetJob(ctx, id)
}

// JobDeltas returns the per-delta statuses of a job.
func (s *Service) JobDeltas(ctx context.Context, jobID uuid.UUID) ([]domain.JobDelta, error) {
	return s.jobs.ListJobDeltas(ctx, jobID)
}

// Jobs lists a project's jobs, optionally filtered by status.
func (s *Service) Jobs(ctx context.Context, projectID string, statuses ...domain.JobStatus) ([]domain.ApplyJob, error) {
	return s.jobs.ListJobs(ctx, projectID, statuses...)
}

// jobStatusSink projects orchestrator delta transitions onto the job store
// and, for terminal statuses, onto the idempotency registry.
type jobStatusSink struct {
	jobs  domain.JobStore
	jobID uuid.UUID
}

func (s *jobStatusSink) DeltaStarted(ctx context.Context, deltaID uuid.UUID) error {
	return s.jobs.SetDeltaStatus(ctx, s.jobID, deltaID, domain.DeltaStarted, "")
}

func (s *jobStatusSink) DeltaFinished(ctx context.Context, delta domain.Delta, entry DeltaLogEntry) error {
	feedback := entry.Message
	if feedback == "" && len(entry.Conflicts) > 0 {
		feedback = conflictSummary(entry.Conflicts)
	}
	if err := s.jobs.SetDeltaStatus(ctx, s.jobID, delta.ID, entry.Status, feedback); err != nil {
		return err
	}
	if !entry.Status.Terminal() {
		return nil
	}
	return s.jobs.RecordDelta(ctx, domain.DeltaRecord{
		DeltaID: delta.ID,
		Digest:  delta.ContentDigest(),
		Status:  entry.Status,
	})
}

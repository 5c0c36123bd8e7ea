package domain

import (
	"context"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// FeatureStore gives access to a project's vector layers. Implementations are
// external collaborators; the engine only consumes this capability.
type FeatureStore interface {
	// OpenLayer returns the named layer. Opening does not start an edit
	// session; reads outside a session see the committed state.
	OpenLayer(id string) (Layer, error)
}

// Layer is one vector layer with edit-session semantics. The engine holds at
// most one edit session per layer at a time; cross-job exclusivity is
// guaranteed by the job admission guard, not by the layer.
type Layer interface {
	ID() string
	// PrimaryKeyField names the attribute that carries the feature pk.
	PrimaryKeyField() string

	BeginEdit() error
	Commit() error
	Rollback() error

	// GetFeature returns the feature and whether it exists. Inside an edit
	// session reads observe the uncommitted edits.
	GetFeature(pk string) (Feature, bool, error)
	// CreateFeature inserts a feature and returns it with the server-assigned
	// primary key.
	CreateFeature(geom orb.Geometry, attrs map[string]any) (Feature, error)
	// UpdateFeature patches a feature; a nil geometry leaves geometry
	// untouched and attrs may be a subset of the layer's fields.
	UpdateFeature(pk string, geom orb.Geometry, attrs map[string]any) error
	DeleteFeature(pk string) error

	// IsFileBased reports whether the layer lives in a local file that the
	// backup manager can snapshot and restore.
	IsFileBased() bool
	// BackingFilePath is the layer's backing file, empty for non-file layers.
	BackingFilePath() string
	// ConnectionInfo identifies the underlying datastore connection. Layers
	// with equal connection info commit and roll back as one transaction
	// group in transactional mode.
	ConnectionInfo() string
}

// JobStore persists apply jobs, their per-delta join records, and the delta
// idempotency registry. TryStartJob must be atomic against concurrent workers:
// two jobs for the same project racing to start must serialize on it.
type JobStore interface {
	CreateJob(ctx context.Context, job ApplyJob, deltaIDs []uuid.UUID) error
	GetJob(ctx context.Context, id uuid.UUID) (ApplyJob, bool, error)
	// ListJobs returns a project's jobs, optionally filtered by status.
	ListJobs(ctx context.Context, projectID string, statuses ...JobStatus) ([]ApplyJob, error)
	// TransitionJob moves a job from one status to another, maintaining
	// timestamps. Fails when the job is not currently in from.
	TransitionJob(ctx context.Context, id uuid.UUID, from, to JobStatus) error
	// TryStartJob promotes the queued job to started iff no other job for the
	// same project is queued or started. Otherwise the job is demoted back to
	// pending with started_at cleared and the blocking job id is returned.
	TryStartJob(ctx context.Context, id uuid.UUID) (blocking uuid.UUID, started bool, err error)

	SetDeltaStatus(ctx context.Context, jobID, deltaID uuid.UUID, status DeltaStatus, feedback string) error
	ListJobDeltas(ctx context.Context, jobID uuid.UUID) ([]JobDelta, error)
	// FailStartedDeltas force-sets every still-started delta of the job to
	// error with no feedback; their prior progress must not be trusted.
	FailStartedDeltas(ctx context.Context, jobID uuid.UUID) (int, error)

	LookupDelta(ctx context.Context, deltaID uuid.UUID) (DeltaRecord, bool, error)
	RecordDelta(ctx context.Context, rec DeltaRecord) error
}

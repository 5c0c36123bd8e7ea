// Package sqlite provides a SQLite-backed JobStore. The per-project
// single-runner check in TryStartJob runs inside one IMMEDIATE transaction so
// concurrent workers serialize on the database write lock.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"fieldsync/pkg/domain"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	deltafile_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS jobs_project_status ON jobs (project_id, status);

CREATE TABLE IF NOT EXISTS job_deltas (
	job_id TEXT NOT NULL REFERENCES jobs (id),
	delta_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	status TEXT NOT NULL,
	feedback TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, delta_id)
);

CREATE TABLE IF NOT EXISTS delta_registry (
	delta_id TEXT PRIMARY KEY,
	digest TEXT NOT NULL,
	status TEXT NOT NULL
);
`

// Store is a SQLite-backed JobStore.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

var _ domain.JobStore = (*Store)(nil)

// Open opens (or creates) the job database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open job store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure job store %s: %w", path, err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate job store %s: %w", path, err)
	}
	return &Store{
		db:    db,
		clock: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(clock func() time.Time) { s.clock = clock }

// CreateJob stores the job and one pending join record per delta.
func (s *Store) CreateJob(ctx context.Context, job domain.ApplyJob, deltaIDs []uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, project_id, deltafile_id, status, created_at, updated_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)`,
		job.ID.String(), job.ProjectID, job.DeltaFileID.String(), string(job.Status),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	for i, deltaID := range deltaIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_deltas (job_id, delta_id, position, status) VALUES (?, ?, ?, ?)`,
			job.ID.String(), deltaID.String(), i, string(domain.DeltaPending))
		if err != nil {
			return fmt.Errorf("insert job delta %s/%s: %w", job.ID, deltaID, err)
		}
	}
	return tx.Commit()
}

// GetJob returns the job and whether it exists.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (domain.ApplyJob, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, deltafile_id, status, created_at, updated_at, started_at, finished_at
		 FROM jobs WHERE id = ?`, id.String())
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.ApplyJob{}, false, nil
	}
	if err != nil {
		return domain.ApplyJob{}, false, err
	}
	return job, true, nil
}

// ListJobs returns a project's jobs ordered by creation time, optionally
// filtered by status.
func (s *Store) ListJobs(ctx context.Context, projectID string, statuses ...domain.JobStatus) ([]domain.ApplyJob, error) {
	query := `SELECT id, project_id, deltafile_id, status, created_at, updated_at, started_at, finished_at
		 FROM jobs WHERE project_id = ?`
	args := []any{projectID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ApplyJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// TransitionJob moves the job between statuses, failing when it is not in
// from.
func (s *Store) TransitionJob(ctx context.Context, id uuid.UUID, from, to domain.JobStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.transitionTx(ctx, tx, id, from, to); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to domain.JobStatus) error {
	now := formatTime(s.clock())
	var startedAt, finishedAt any
	set := `status = ?, updated_at = ?`
	args := []any{string(to), now}
	switch to {
	case domain.JobStarted:
		set += `, started_at = ?`
		startedAt = now
		args = append(args, startedAt)
	case domain.JobFinished, domain.JobFailed:
		set += `, finished_at = ?`
		finishedAt = now
		args = append(args, finishedAt)
	case domain.JobPending:
		set += `, started_at = NULL`
	}
	args = append(args, id.String(), string(from))
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("transition job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id.String()).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("job %s not found", id)
			}
			return err
		}
		return fmt.Errorf("job %s is %s, not %s", id, current, from)
	}
	return nil
}

// TryStartJob promotes the queued job to started iff no other job of the same
// project is queued or started; otherwise the job is demoted to pending and
// the blocking job id returned.
func (s *Store) TryStartJob(ctx context.Context, id uuid.UUID) (uuid.UUID, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var projectID, status string
	err = tx.QueryRowContext(ctx, `SELECT project_id, status FROM jobs WHERE id = ?`, id.String()).
		Scan(&projectID, &status)
	if err == sql.ErrNoRows {
		return uuid.Nil, false, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	if status != string(domain.JobQueued) {
		return uuid.Nil, false, fmt.Errorf("job %s is %s, not %s", id, status, domain.JobQueued)
	}

	var blockingStr string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE project_id = ? AND id != ? AND status IN (?, ?) ORDER BY created_at LIMIT 1`,
		projectID, id.String(), string(domain.JobQueued), string(domain.JobStarted)).
		Scan(&blockingStr)
	if err != nil && err != sql.ErrNoRows {
		return uuid.Nil, false, err
	}
	if err == nil {
		blocking, perr := uuid.Parse(blockingStr)
		if perr != nil {
			return uuid.Nil, false, fmt.Errorf("corrupt job id %q: %w", blockingStr, perr)
		}
		if err := s.transitionTx(ctx, tx, id, domain.JobQueued, domain.JobPending); err != nil {
			return uuid.Nil, false, err
		}
		return blocking, false, tx.Commit()
	}

	if err := s.transitionTx(ctx, tx, id, domain.JobQueued, domain.JobStarted); err != nil {
		return uuid.Nil, false, err
	}
	return uuid.Nil, true, tx.Commit()
}

// SetDeltaStatus updates one join record. Terminal statuses are immutable;
// re-setting the same terminal status is a no-op.
func (s *Store) SetDeltaStatus(ctx context.Context, jobID, deltaID uuid.UUID, status domain.DeltaStatus, feedback string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM job_deltas WHERE job_id = ? AND delta_id = ?`,
		jobID.String(), deltaID.String()).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("delta %s not part of job %s", deltaID, jobID)
	}
	if err != nil {
		return err
	}
	if domain.DeltaStatus(current).Terminal() {
		if domain.DeltaStatus(current) == status {
			return tx.Commit()
		}
		return fmt.Errorf("delta %s already terminal as %s", deltaID, current)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE job_deltas SET status = ?, feedback = ? WHERE job_id = ? AND delta_id = ?`,
		string(status), feedback, jobID.String(), deltaID.String())
	if err != nil {
		return fmt.Errorf("set delta status %s/%s: %w", jobID, deltaID, err)
	}
	return tx.Commit()
}

// ListJobDeltas returns the job's join records in submission order.
func (s *Store) ListJobDeltas(ctx context.Context, jobID uuid.UUID) ([]domain.JobDelta, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, jobID.String()).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT delta_id, status, feedback FROM job_deltas WHERE job_id = ? ORDER BY position`,
		jobID.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.JobDelta
	for rows.Next() {
		var deltaStr, status, feedback string
		if err := rows.Scan(&deltaStr, &status, &feedback); err != nil {
			return nil, err
		}
		deltaID, err := uuid.Parse(deltaStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt delta id %q: %w", deltaStr, err)
		}
		out = append(out, domain.JobDelta{
			JobID:    jobID,
			DeltaID:  deltaID,
			Status:   domain.DeltaStatus(status),
			Feedback: feedback,
		})
	}
	return out, rows.Err()
}

// FailStartedDeltas force-errors every still-started delta of the job.
func (s *Store) FailStartedDeltas(ctx context.Context, jobID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_deltas SET status = ?, feedback = '' WHERE job_id = ? AND status = ?`,
		string(domain.DeltaError), jobID.String(), string(domain.DeltaStarted))
	if err != nil {
		return 0, fmt.Errorf("fail started deltas of %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// LookupDelta returns the registry record for the delta id.
func (s *Store) LookupDelta(ctx context.Context, deltaID uuid.UUID) (domain.DeltaRecord, bool, error) {
	var digest, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT digest, status FROM delta_registry WHERE delta_id = ?`, deltaID.String()).
		Scan(&digest, &status)
	if err == sql.ErrNoRows {
		return domain.DeltaRecord{}, false, nil
	}
	if err != nil {
		return domain.DeltaRecord{}, false, err
	}
	return domain.DeltaRecord{
		DeltaID: deltaID,
		Digest:  digest,
		Status:  domain.DeltaStatus(status),
	}, true, nil
}

// RecordDelta upserts the registry record.
func (s *Store) RecordDelta(ctx context.Context, rec domain.DeltaRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delta_registry (delta_id, digest, status) VALUES (?, ?, ?)
		 ON CONFLICT (delta_id) DO UPDATE SET digest = excluded.digest, status = excluded.status`,
		rec.DeltaID.String(), rec.Digest, string(rec.Status))
	if err != nil {
		return fmt.Errorf("record delta %s: %w", rec.DeltaID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.ApplyJob, error) {
	var idStr, projectID, deltaFileStr, status, createdAt, updatedAt string
	var startedAt, finishedAt sql.NullString
	if err := row.Scan(&idStr, &projectID, &deltaFileStr, &status, &createdAt, &updatedAt, &startedAt, &finishedAt); err != nil {
		return domain.ApplyJob{}, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return domain.ApplyJob{}, fmt.Errorf("corrupt job id %q: %w", idStr, err)
	}
	deltaFileID, err := uuid.Parse(deltaFileStr)
	if err != nil {
		return domain.ApplyJob{}, fmt.Errorf("corrupt deltafile id %q: %w", deltaFileStr, err)
	}
	job := domain.ApplyJob{
		ID:          id,
		ProjectID:   projectID,
		DeltaFileID: deltaFileID,
		Status:      domain.JobStatus(status),
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.ApplyJob{}, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.ApplyJob{}, err
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return domain.ApplyJob{}, err
		}
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return domain.ApplyJob{}, err
		}
		job.FinishedAt = &t
	}
	return job, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}


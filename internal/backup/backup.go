// Package backup snapshots the backing files of file-based layers before a
// transactional batch mutates them, and restores them when a transaction
// group fails. Snapshots are sidecar copies next to the original file;
// optionally they are also archived to a blob store for retention.
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"fieldsync/internal/blob"
	"fieldsync/pkg/domain"
)

// sidecarSuffix marks the on-disk copy used for restore.
const sidecarSuffix = ".fieldsync-backup"

// Manager creates and restores layer file snapshots.
type Manager struct {
	archive blob.Store
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithArchive also uploads every snapshot to the given blob store, keyed
// projects/<project>/backups/<job>/<file>. Archive failures are logged and do
// not fail the batch: the local sidecar remains authoritative for restore.
func WithArchive(store blob.Store) Option {
	return func(m *Manager) { m.archive = store }
}

// WithLogger sets the warning logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager constructs a backup manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot copies the layer's backing file to its sidecar path. Non-file
// layers return a nil snapshot: their datastore's native transaction covers
// rollback. Call before the first mutation of the layer.
func (m *Manager) Snapshot(ctx context.Context, projectID string, jobID uuid.UUID, layer domain.Layer) (*Snapshot, error) {
	if !layer.IsFileBased() || layer.BackingFilePath() == "" {
		return nil, nil
	}
	original := layer.BackingFilePath()
	sidecar := original + sidecarSuffix
	if err := copyFile(original, sidecar); err != nil {
		return nil, fmt.Errorf("snapshot layer %s: %w", layer.ID(), err)
	}
	snap := &Snapshot{
		LayerID:      layer.ID(),
		OriginalPath: original,
		SidecarPath:  sidecar,
	}
	if m.archive != nil {
		key := fmt.Sprintf("projects/%s/backups/%s/%s", projectID, jobID, filepath.Base(original))
		if err := m.archiveFile(ctx, key, sidecar); err != nil {
			m.logger.Warn("backup archive failed, sidecar remains authoritative",
				"layer", layer.ID(), "key", key, "error", err)
		} else {
			snap.ArchiveKey = key
		}
	}
	return snap, nil
}

func (m *Manager) archiveFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = m.archive.Put(ctx, key, f)
	return err
}

// Snapshot is one retained pre-mutation copy of a layer's backing file.
type Snapshot struct {
	LayerID      string
	OriginalPath string
	SidecarPath  string
	ArchiveKey   string
}

// Restore copies the sidecar back over the original file and removes the
// sidecar. The layer must have no open edit session on the file.
func (s *Snapshot) Restore() error {
	if err := copyFile(s.SidecarPath, s.OriginalPath); err != nil {
		return fmt.Errorf("restore layer %s: %w", s.LayerID, err)
	}
	return os.Remove(s.SidecarPath)
}

// Discard removes the sidecar after the owning group committed.
func (s *Snapshot) Discard() error {
	return os.Remove(s.SidecarPath)
}

// copyFile writes through a temp file in the destination directory and moves
// it into place so a crashed copy never leaves a truncated destination.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-backup-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"fieldsync/internal/backup"
	"fieldsync/pkg/domain"
)

// DeltaLogEntry is the structured per-delta record returned to clients.
type DeltaLogEntry struct {
	DeltaID    uuid.UUID          `json:"delta_id"`
	LayerID    string             `json:"layer_id"`
	DeltaIndex int                `json:"delta_index"`
	Status     domain.DeltaStatus `json:"status"`
	FeaturePK  string             `json:"feature_pk,omitempty"`
	ModifiedPK string             `json:"modified_pk,omitempty"`
	Conflicts  []domain.Conflict  `json:"conflicts,omitempty"`
	Message    string             `json:"message,omitempty"`
}

// BatchResult is the explicit outcome of one batch apply. It replaces any
// shared mutable log: every run returns its own value, entries ordered by
// delta index.
type BatchResult struct {
	DeltaFileID       uuid.UUID          `json:"deltafile_id"`
	ProjectID         string             `json:"project_id"`
	AppliedAll        bool               `json:"applied_all"`
	ConflictsDetected bool               `json:"conflicts_detected"`
	Entries           []DeltaLogEntry    `json:"entries"`
	ClientPKs         domain.ClientPKMap `json:"client_pk_map,omitempty"`
}

// DeltaStatusSink receives per-delta status transitions while a batch runs.
// Implementations project them onto durable job state; a sink error aborts
// the batch.
type DeltaStatusSink interface {
	DeltaStarted(ctx context.Context, deltaID uuid.UUID) error
	DeltaFinished(ctx context.Context, delta domain.Delta, entry DeltaLogEntry) error
}

// ApplyOptions tunes one orchestrator run.
type ApplyOptions struct {
	// OverwriteConflicts applies conflicting patches and deletes over the
	// live state instead of recording a conflict.
	OverwriteConflicts bool
	// JobID keys backup archive paths and is echoed to the status sink.
	JobID uuid.UUID
	// Known holds deltas already seen with identical content and a terminal
	// status; they are reported as no-op duplicates and never reapplied.
	Known map[uuid.UUID]domain.DeltaRecord
	// Sink, when set, observes every per-delta status transition.
	Sink DeltaStatusSink
}

// Orchestrator drives a whole deltafile through the single-delta applier,
// using either the independent per-delta strategy or transaction groups with
// backup-based rollback.
type Orchestrator struct {
	features domain.FeatureStore
	backups  *backup.Manager
	applier  applier
	logger   *slog.Logger
}

// NewOrchestrator constructs an orchestrator. A nil backup manager disables
// file snapshots; transactional batches over file-based layers then rely on
// edit-session rollback alone.
func NewOrchestrator(features domain.FeatureStore, backups *backup.Manager, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		features: features,
		backups:  backups,
		applier:  newApplier(logger),
		logger:   logger,
	}
}

// Apply runs the batch and returns its result. A non-nil error means the
// batch was aborted by an unanticipated failure: the caller owns failing the
// job and force-erroring still-started deltas. Anticipated outcomes
// (conflicts, apply failures) never surface as errors.
func (o *Orchestrator) Apply(ctx context.Context, file domain.DeltaFile, opts ApplyOptions) (BatchResult, error) {
	result := BatchResult{
		DeltaFileID: file.ID,
		ProjectID:   file.ProjectID,
		ClientPKs:   file.ClientPKs.Clone(),
	}
	var err error
	if file.Transactional {
		err = o.applyTransactional(ctx, file, opts, &result)
	} else {
		err = o.applyPerDelta(ctx, file, opts, &result)
	}
	sort.Slice(result.Entries, func(i, j int) bool {
		return result.Entries[i].DeltaIndex < result.Entries[j].DeltaIndex
	})
	result.AppliedAll = err == nil && len(result.Entries) == len(file.Deltas)
	for _, entry := range result.Entries {
		if entry.Status == DeltaConflict {
			result.ConflictsDetected = true
		}
		if entry.Status != DeltaApplied {
			result.AppliedAll = false
		}
	}
	return result, err
}

// applyPerDelta applies each delta in its own edit session. A failing delta
// rolls back only its own session and the run continues.
func (o *Orchestrator) applyPerDelta(ctx context.Context, file domain.DeltaFile, opts ApplyOptions, result *BatchResult) error {
	layers := make(map[string]domain.Layer)
	for i, d := range file.Deltas {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec, dup := opts.Known[d.ID]; dup {
			if err := o.finish(ctx, opts, d, duplicateEntry(i, d, rec), result); err != nil {
				return err
			}
			continue
		}
		if err := o.started(ctx, opts, d); err != nil {
			return err
		}
		layer, err := o.layerFor(layers, d.LayerID())
		if err != nil {
			// An unknown layer only fails this delta; the rest of the batch
			// is independent of it.
			entry := entryFor(i, d, applyOutcome{Status: DeltaNotApplied, Message: err.Error()})
			if err := o.finish(ctx, opts, d, entry, result); err != nil {
				return err
			}
			continue
		}
		outcome, err := o.applyOne(layer, d, opts, result.ClientPKs)
		if err != nil {
			return err
		}
		if err := o.finish(ctx, opts, d, entryFor(i, d, outcome), result); err != nil {
			return err
		}
	}
	return nil
}

// applyOne runs a single delta inside a dedicated edit session, committing on
// success and rolling back otherwise.
func (o *Orchestrator) applyOne(layer domain.Layer, d domain.Delta, opts ApplyOptions, pkMap domain.ClientPKMap) (applyOutcome, error) {
	session, err := beginEdit(layer)
	if err != nil {
		return applyOutcome{}, err
	}
	defer session.Close()

	outcome, err := o.applier.applyDelta(layer, d, opts.OverwriteConflicts, pkMap)
	if err != nil {
		return applyOutcome{}, err
	}
	if outcome.Status == DeltaApplied {
		if err := session.Commit(); err != nil {
			return applyOutcome{}, err
		}
	} else if err := session.Rollback(); err != nil {
		return applyOutcome{}, err
	}
	return outcome, nil
}

// txGroup is a set of layers sharing one datastore connection, committed and
// rolled back together, with the indexes of the deltas that target them.
type txGroup struct {
	connection string
	layerIDs   []string
	deltaIdx   []int
}

// applyTransactional opens every targeted layer up front, merges layers that
// share a connection string into transaction groups, and applies group by
// group. Nothing is mutated if any layer fails to open.
func (o *Orchestrator) applyTransactional(ctx context.Context, file domain.DeltaFile, opts ApplyOptions, result *BatchResult) error {
	layers := make(map[string]domain.Layer)
	var order []string
	for _, d := range file.Deltas {
		id := d.LayerID()
		if _, ok := layers[id]; ok {
			continue
		}
		layer, err := o.features.OpenLayer(id)
		if err != nil {
			return fmt.Errorf("open layer %s: %w", id, err)
		}
		layers[id] = layer
		order = append(order, id)
	}

	groups := buildGroups(file, layers, order)
	for _, g := range groups {
		if err := o.applyGroup(ctx, file, opts, g, layers, result); err != nil {
			return err
		}
	}
	return nil
}

// buildGroups merges layers by connection-string equality, preserving first
// appearance order. Grouping granularity is deliberately the raw connection
// info: layers on one datastore commit together, unrelated stores do not.
func buildGroups(file domain.DeltaFile, layers map[string]domain.Layer, order []string) []txGroup {
	byConn := make(map[string]int)
	var groups []txGroup
	for _, id := range order {
		conn := layers[id].ConnectionInfo()
		gi, ok := byConn[conn]
		if !ok {
			gi = len(groups)
			byConn[conn] = gi
			groups = append(groups, txGroup{connection: conn})
		}
		groups[gi].layerIDs = append(groups[gi].layerIDs, id)
	}
	for i, d := range file.Deltas {
		gi := byConn[layers[d.LayerID()].ConnectionInfo()]
		groups[gi].deltaIdx = append(groups[gi].deltaIdx, i)
	}
	return groups
}

// groupEntry defers sink emission until the group outcome is known, so a
// delta is never reported applied out of a group that later rolls back.
type groupEntry struct {
	delta domain.Delta
	entry DeltaLogEntry
}

// applyGroup applies one transaction group. Recorded conflicts do not abort
// the group; an anticipated apply failure rolls the group back and the batch
// continues; an unexpected error rolls the group back and aborts the batch.
func (o *Orchestrator) applyGroup(ctx context.Context, file domain.DeltaFile, opts ApplyOptions, g txGroup, layers map[string]domain.Layer, result *BatchResult) error {
	pkSnapshot := result.ClientPKs.Clone()

	snaps, err := o.snapshotGroup(ctx, file.ProjectID, opts.JobID, g, layers)
	if err != nil {
		return err
	}

	sessions := make(map[string]*editSession, len(g.layerIDs))
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()
	for _, id := range g.layerIDs {
		session, err := beginEdit(layers[id])
		if err != nil {
			o.rollbackGroup(sessions, snaps)
			return err
		}
		sessions[id] = session
	}

	abort := func() {
		o.rollbackGroup(sessions, snaps)
		result.ClientPKs = pkSnapshot
	}

	var entries []groupEntry
	for n, idx := range g.deltaIdx {
		d := file.Deltas[idx]
		if err := ctx.Err(); err != nil {
			abort()
			return err
		}
		if rec, dup := opts.Known[d.ID]; dup {
			entries = append(entries, groupEntry{delta: d, entry: duplicateEntry(idx, d, rec)})
			continue
		}
		if err := o.started(ctx, opts, d); err != nil {
			abort()
			return err
		}
		outcome, err := o.applier.applyDelta(layers[d.LayerID()], d, opts.OverwriteConflicts, result.ClientPKs)
		if err != nil {
			abort()
			return err
		}
		if outcome.Status == DeltaNotApplied {
			abort()
			entries = rollbackEntries(entries, file, g, n, idx, d, outcome)
			return o.finishAll(ctx, opts, entries, result)
		}
		entries = append(entries, groupEntry{delta: d, entry: entryFor(idx, d, outcome)})
	}

	for _, id := range g.layerIDs {
		if err := sessions[id].Commit(); err != nil {
			abort()
			return err
		}
	}
	for _, snap := range snaps {
		if err := snap.Discard(); err != nil {
			o.logger.Warn("discard backup failed", "layer", snap.LayerID, "error", err)
		}
	}
	return o.finishAll(ctx, opts, entries, result)
}

// snapshotGroup backs up every file-based layer of the group before any
// mutation, deduplicating layers that share one backing file.
func (o *Orchestrator) snapshotGroup(ctx context.Context, projectID string, jobID uuid.UUID, g txGroup, layers map[string]domain.Layer) ([]*backup.Snapshot, error) {
	if o.backups == nil {
		return nil, nil
	}
	var snaps []*backup.Snapshot
	seen := make(map[string]bool)
	for _, id := range g.layerIDs {
		layer := layers[id]
		if !layer.IsFileBased() || seen[layer.BackingFilePath()] {
			continue
		}
		snap, err := o.backups.Snapshot(ctx, projectID, jobID, layer)
		if err != nil {
			return snaps, err
		}
		if snap != nil {
			seen[snap.OriginalPath] = true
			snaps = append(snaps, snap)
		}
	}
	return snaps, nil
}

// rollbackGroup discards every in-memory edit buffer, then restores backing
// files from their backups.
func (o *Orchestrator) rollbackGroup(sessions map[string]*editSession, snaps []*backup.Snapshot) {
	for id, session := range sessions {
		if err := session.Rollback(); err != nil {
			o.logger.Error("rollback failed", "layer", id, "error", err)
		}
	}
	for _, snap := range snaps {
		if err := snap.Restore(); err != nil {
			o.logger.Error("restore from backup failed", "layer", snap.LayerID, "error", err)
		}
	}
}

// rollbackEntries rewrites a rolled-back group's log: deltas that had applied
// are demoted alongside the failing one, and the group's remaining deltas are
// marked aborted. Recorded conflicts keep their status; they never mutated.
func rollbackEntries(entries []groupEntry, file domain.DeltaFile, g txGroup, failedAt, failedIdx int, failed domain.Delta, outcome applyOutcome) []groupEntry {
	for i := range entries {
		if entries[i].entry.Status == DeltaApplied {
			entries[i].entry.Status = DeltaNotApplied
			entries[i].entry.ModifiedPK = ""
			entries[i].entry.Message = "transaction group rolled back"
		}
	}
	entries = append(entries, groupEntry{delta: failed, entry: entryFor(failedIdx, failed, outcome)})
	for _, idx := range g.deltaIdx[failedAt+1:] {
		d := file.Deltas[idx]
		entries = append(entries, groupEntry{delta: d, entry: DeltaLogEntry{
			DeltaID:    d.ID,
			LayerID:    d.LayerID(),
			DeltaIndex: idx,
			Status:     DeltaNotApplied,
			Message:    "transaction group aborted before this delta",
		}})
	}
	return entries
}

func (o *Orchestrator) layerFor(cache map[string]domain.Layer, id string) (domain.Layer, error) {
	if layer, ok := cache[id]; ok {
		return layer, nil
	}
	layer, err := o.features.OpenLayer(id)
	if err != nil {
		return nil, fmt.Errorf("open layer %s: %w", id, err)
	}
	cache[id] = layer
	return layer, nil
}

func (o *Orchestrator) started(ctx context.Context, opts ApplyOptions, d domain.Delta) error {
	if opts.Sink == nil {
		return nil
	}
	return opts.Sink.DeltaStarted(ctx, d.ID)
}

func (o *Orchestrator) finish(ctx context.Context, opts ApplyOptions, d domain.Delta, entry DeltaLogEntry, result *BatchResult) error {
	result.Entries = append(result.Entries, entry)
	if opts.Sink == nil {
		return nil
	}
	return opts.Sink.DeltaFinished(ctx, d, entry)
}

func (o *Orchestrator) finishAll(ctx context.Context, opts ApplyOptions, entries []groupEntry, result *BatchResult) error {
	for _, ge := range entries {
		if err := o.finish(ctx, opts, ge.delta, ge.entry, result); err != nil {
			return err
		}
	}
	return nil
}

func entryFor(idx int, d domain.Delta, outcome applyOutcome) DeltaLogEntry {
	return DeltaLogEntry{
		DeltaID:    d.ID,
		LayerID:    d.LayerID(),
		DeltaIndex: idx,
		Status:     outcome.Status,
		FeaturePK:  outcome.FeaturePK,
		ModifiedPK: outcome.ModifiedPK,
		Conflicts:  outcome.Conflicts,
		Message:    outcome.Message,
	}
}

func duplicateEntry(idx int, d domain.Delta, rec domain.DeltaRecord) DeltaLogEntry {
	return DeltaLogEntry{
		DeltaID:    d.ID,
		LayerID:    d.LayerID(),
		DeltaIndex: idx,
		Status:     rec.Status,
		Message:    fmt.Sprintf("duplicate submission, already %s", rec.Status),
	}
}

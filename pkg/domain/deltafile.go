package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// DeltaFileVersion is the schema version accepted by this engine.
const DeltaFileVersion = "deltafile_01"

// DeltaFile is an ordered batch of deltas submitted together. Order is
// significant: deltas are applied in submission order.
type DeltaFile struct {
	ID        uuid.UUID   `json:"id"`
	ProjectID string      `json:"project_id"`
	Version   string      `json:"version"`
	Deltas    []Delta     `json:"deltas"`
	ClientPKs ClientPKMap `json:"client_pk_map,omitempty"`

	// Transactional selects the all-or-nothing strategy: layers sharing a
	// datastore connection commit or roll back as one group.
	Transactional bool `json:"transactional,omitempty"`
}

// Validate checks the file envelope and every contained delta. Duplicate delta
// ids within one file are rejected here; cross-batch duplicates are the
// idempotency registry's concern.
func (f DeltaFile) Validate() error {
	if f.ID == uuid.Nil {
		return ValidationError{Reason: "deltafile id is required"}
	}
	if f.ProjectID == "" {
		return ValidationError{Reason: "deltafile project id is required"}
	}
	if f.Version != DeltaFileVersion {
		return ValidationError{Reason: fmt.Sprintf("unsupported deltafile version %q, want %q", f.Version, DeltaFileVersion)}
	}
	seen := make(map[uuid.UUID]struct{}, len(f.Deltas))
	for i, d := range f.Deltas {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("delta %d: %w", i, err)
		}
		if _, dup := seen[d.ID]; dup {
			return ValidationError{Reason: fmt.Sprintf("delta %d: duplicate delta id %s within file", i, d.ID)}
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// Inverse returns a deltafile that undoes this one when applied: the deltas
// are inverted individually and replayed in reverse order. Intended for manual
// rollback outside the transactional path; the inverse file gets a fresh id so
// the idempotency registry treats it as new work.
func (f DeltaFile) Inverse() DeltaFile {
	inv := DeltaFile{
		ID:            uuid.New(),
		ProjectID:     f.ProjectID,
		Version:       f.Version,
		ClientPKs:     f.ClientPKs.Clone(),
		Transactional: f.Transactional,
	}
	inv.Deltas = make([]Delta, 0, len(f.Deltas))
	for i := len(f.Deltas) - 1; i >= 0; i-- {
		d := f.Deltas[i].Inverse()
		d.ID = uuid.New()
		inv.Deltas = append(inv.Deltas, d)
	}
	return inv
}

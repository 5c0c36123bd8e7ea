// Package domain defines the delta synchronization value types, status
// machines, and persistence contracts shared by the fieldsync engine and its
// storage adapters.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// DeltaMethod identifies the kind of edit a delta carries.
type DeltaMethod string

// Supported delta methods. The applier dispatches exhaustively on these; an
// unknown method is a validation failure, never a silent skip.
const (
	// MethodCreate inserts a new feature built from the "new" snapshot.
	MethodCreate DeltaMethod = "create"
	// MethodPatch updates geometry and/or attributes of an existing feature.
	MethodPatch DeltaMethod = "patch"
	// MethodDelete removes an existing feature.
	MethodDelete DeltaMethod = "delete"
)

// FeatureSnapshot records the client-observed state of a feature at edit time.
// Geometry is WKT; nil means "not recorded". Attributes may be a subset of the
// layer's fields: clients only record fields relevant to the edit.
type FeatureSnapshot struct {
	Geometry   *string        `json:"geometry,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s *FeatureSnapshot) Clone() *FeatureSnapshot {
	if s == nil {
		return nil
	}
	cp := &FeatureSnapshot{}
	if s.Geometry != nil {
		g := *s.Geometry
		cp.Geometry = &g
	}
	if s.Attributes != nil {
		cp.Attributes = make(map[string]any, len(s.Attributes))
		for k, v := range s.Attributes {
			cp.Attributes[k] = v
		}
	}
	return cp
}

// Delta is one atomic edit intent recorded by an offline client.
type Delta struct {
	ID            uuid.UUID        `json:"id"`
	ClientID      uuid.UUID        `json:"client_id"`
	LocalLayerID  string           `json:"local_layer_id"`
	SourceLayerID string           `json:"source_layer_id,omitempty"`
	LocalPK       string           `json:"local_pk,omitempty"`
	SourcePK      string           `json:"source_pk,omitempty"`
	Method        DeltaMethod      `json:"method"`
	Old           *FeatureSnapshot `json:"old,omitempty"`
	New           *FeatureSnapshot `json:"new,omitempty"`
}

// LayerID returns the server-side layer identifier, falling back to the
// client-side one when no layer id migration has happened.
func (d Delta) LayerID() string {
	if d.SourceLayerID != "" {
		return d.SourceLayerID
	}
	return d.LocalLayerID
}

// Validate checks the per-method structural invariants of the delta.
func (d Delta) Validate() error {
	if d.ID == uuid.Nil {
		return ValidationError{Reason: "delta id is required"}
	}
	if d.ClientID == uuid.Nil {
		return ValidationError{Reason: fmt.Sprintf("delta %s: client id is required", d.ID)}
	}
	if d.LayerID() == "" {
		return ValidationError{Reason: fmt.Sprintf("delta %s: layer id is required", d.ID)}
	}
	switch d.Method {
	case MethodCreate:
		if d.Old != nil {
			return ValidationError{Reason: fmt.Sprintf("delta %s: create carries an old snapshot", d.ID)}
		}
		if d.New == nil || len(d.New.Attributes) == 0 {
			return ValidationError{Reason: fmt.Sprintf("delta %s: create requires a new snapshot with attributes", d.ID)}
		}
	case MethodPatch:
		if d.Old == nil || d.New == nil {
			return ValidationError{Reason: fmt.Sprintf("delta %s: patch requires both old and new snapshots", d.ID)}
		}
	case MethodDelete:
		if d.New != nil {
			return ValidationError{Reason: fmt.Sprintf("delta %s: delete carries a new snapshot", d.ID)}
		}
	default:
		return ValidationError{Reason: fmt.Sprintf("delta %s: unknown method %q", d.ID, d.Method)}
	}
	return nil
}

// Inverse returns the delta that undoes this one: snapshots swapped and
// create/delete exchanged. Patch stays patch. The identity fields are kept so
// the inverse still resolves to the same feature.
func (d Delta) Inverse() Delta {
	inv := d
	inv.Old, inv.New = d.New.Clone(), d.Old.Clone()
	switch d.Method {
	case MethodCreate:
		inv.Method = MethodDelete
	case MethodDelete:
		inv.Method = MethodCreate
	}
	return inv
}

// deltaContent is the digest-relevant subset of a delta. The envelope fields
// (id, client id) are excluded so a byte-identical retry matches regardless of
// how the client serialized the surrounding file.
type deltaContent struct {
	Method        DeltaMethod      `json:"method"`
	LocalLayerID  string           `json:"local_layer_id"`
	SourceLayerID string           `json:"source_layer_id"`
	LocalPK       string           `json:"local_pk"`
	SourcePK      string           `json:"source_pk"`
	Old           *FeatureSnapshot `json:"old"`
	New           *FeatureSnapshot `json:"new"`
}

// ContentDigest returns a stable SHA-256 digest of the delta's edit content,
// used by the idempotency registry to distinguish a retry from a conflicting
// reuse of the same delta id.
func (d Delta) ContentDigest() string {
	payload, err := json.Marshal(deltaContent{
		Method:        d.Method,
		LocalLayerID:  d.LocalLayerID,
		SourceLayerID: d.SourceLayerID,
		LocalPK:       d.LocalPK,
		SourcePK:      d.SourcePK,
		Old:           d.Old,
		New:           d.New,
	})
	if err != nil {
		// Snapshot maps hold JSON-decoded values only, so this cannot fail
		// for deltas that passed validation.
		panic(fmt.Errorf("digest delta %s: %w", d.ID, err))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

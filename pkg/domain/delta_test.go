package domain

import (
	"testing"

	"github.com/google/uuid"
)

func strPtr(s string) *string { return &s }

func validCreate() Delta {
	return Delta{
		ID:           uuid.New(),
		ClientID:     uuid.New(),
		LocalLayerID: "trees",
		LocalPK:      "5",
		Method:       MethodCreate,
		New: &FeatureSnapshot{
			Geometry:   strPtr("POINT (1 2)"),
			Attributes: map[string]any{"species": "oak"},
		},
	}
}

func TestDeltaValidate(t *testing.T) {
	d := validCreate()
	if err := d.Validate(); err != nil {
		t.Fatalf("valid create rejected: %v", err)
	}

	missingID := d
	missingID.ID = uuid.Nil
	if err := missingID.Validate(); err == nil {
		t.Fatal("expected error for missing delta id")
	}

	missingClient := d
	missingClient.ClientID = uuid.Nil
	if err := missingClient.Validate(); err == nil {
		t.Fatal("expected error for missing client id")
	}

	missingLayer := d
	missingLayer.LocalLayerID = ""
	if err := missingLayer.Validate(); err == nil {
		t.Fatal("expected error for missing layer id")
	}

	createWithOld := d
	createWithOld.Old = &FeatureSnapshot{}
	if err := createWithOld.Validate(); err == nil {
		t.Fatal("expected error for create with old snapshot")
	}

	createNoNew := d
	createNoNew.New = nil
	if err := createNoNew.Validate(); err == nil {
		t.Fatal("expected error for create without new snapshot")
	}

	patch := d
	patch.Method = MethodPatch
	patch.Old = &FeatureSnapshot{Attributes: map[string]any{"species": "elm"}}
	if err := patch.Validate(); err != nil {
		t.Fatalf("valid patch rejected: %v", err)
	}
	patchNoOld := patch
	patchNoOld.Old = nil
	if err := patchNoOld.Validate(); err == nil {
		t.Fatal("expected error for patch without old snapshot")
	}

	del := d
	del.Method = MethodDelete
	del.New = nil
	del.Old = &FeatureSnapshot{Attributes: map[string]any{"species": "oak"}}
	if err := del.Validate(); err != nil {
		t.Fatalf("valid delete rejected: %v", err)
	}
	delWithNew := del
	delWithNew.New = &FeatureSnapshot{}
	if err := delWithNew.Validate(); err == nil {
		t.Fatal("expected error for delete with new snapshot")
	}

	unknown := d
	unknown.Method = DeltaMethod("upsert")
	if err := unknown.Validate(); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestDeltaLayerIDFallback(t *testing.T) {
	d := Delta{LocalLayerID: "local", SourceLayerID: ""}
	if got := d.LayerID(); got != "local" {
		t.Fatalf("LayerID() = %q, want local", got)
	}
	d.SourceLayerID = "server"
	if got := d.LayerID(); got != "server" {
		t.Fatalf("LayerID() = %q, want server", got)
	}
}

func TestDeltaInverse(t *testing.T) {
	create := validCreate()
	inv := create.Inverse()
	if inv.Method != MethodDelete {
		t.Fatalf("inverse of create is %s, want delete", inv.Method)
	}
	if inv.Old == nil || inv.Old.Attributes["species"] != "oak" {
		t.Fatalf("inverse old snapshot not swapped: %+v", inv.Old)
	}
	if inv.New != nil {
		t.Fatalf("inverse of create carries new snapshot: %+v", inv.New)
	}

	back := inv.Inverse()
	if back.Method != MethodCreate {
		t.Fatalf("double inverse is %s, want create", back.Method)
	}

	patch := Delta{
		ID:           uuid.New(),
		ClientID:     uuid.New(),
		LocalLayerID: "trees",
		SourcePK:     "9",
		Method:       MethodPatch,
		Old:          &FeatureSnapshot{Attributes: map[string]any{"n": 1}},
		New:          &FeatureSnapshot{Attributes: map[string]any{"n": 2}},
	}
	pinv := patch.Inverse()
	if pinv.Method != MethodPatch {
		t.Fatalf("inverse of patch is %s, want patch", pinv.Method)
	}
	if pinv.Old.Attributes["n"] != 2 || pinv.New.Attributes["n"] != 1 {
		t.Fatalf("patch inverse snapshots not swapped: old=%v new=%v", pinv.Old.Attributes, pinv.New.Attributes)
	}
	if pinv.SourcePK != "9" {
		t.Fatalf("inverse lost source pk: %q", pinv.SourcePK)
	}
}

func TestContentDigest(t *testing.T) {
	d := validCreate()
	first := d.ContentDigest()
	if first == "" {
		t.Fatal("empty digest")
	}
	if d.ContentDigest() != first {
		t.Fatal("digest not stable across calls")
	}

	// Envelope fields do not affect the digest.
	retry := d
	retry.ID = uuid.New()
	retry.ClientID = uuid.New()
	if retry.ContentDigest() != first {
		t.Fatal("digest changed with envelope-only differences")
	}

	changed := d
	changed.New = &FeatureSnapshot{
		Geometry:   d.New.Geometry,
		Attributes: map[string]any{"species": "elm"},
	}
	if changed.ContentDigest() == first {
		t.Fatal("digest identical for different content")
	}
}

func TestFeatureSnapshotClone(t *testing.T) {
	orig := &FeatureSnapshot{
		Geometry:   strPtr("POINT (0 0)"),
		Attributes: map[string]any{"a": 1},
	}
	cp := orig.Clone()
	cp.Attributes["a"] = 2
	*cp.Geometry = "POINT (9 9)"
	if orig.Attributes["a"] != 1 {
		t.Fatal("clone shares attribute map")
	}
	if *orig.Geometry != "POINT (0 0)" {
		t.Fatal("clone shares geometry pointer")
	}
	var nilSnap *FeatureSnapshot
	if nilSnap.Clone() != nil {
		t.Fatal("nil clone should be nil")
	}
}

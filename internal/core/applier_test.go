package core

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"

	fsmemory "fieldsync/internal/infra/featurestore/memory"
	"fieldsync/pkg/domain"
)

func strPtr(s string) *string { return &s }

func testLayer(t *testing.T, cfg fsmemory.LayerConfig) (*fsmemory.Store, domain.Layer) {
	t.Helper()
	store := fsmemory.NewStore()
	if cfg.ID == "" {
		cfg.ID = "trees"
	}
	store.AddLayer(cfg)
	layer, err := store.OpenLayer(cfg.ID)
	if err != nil {
		t.Fatalf("open layer: %v", err)
	}
	return store, layer
}

func beginTestEdit(t *testing.T, layer domain.Layer) {
	t.Helper()
	if err := layer.BeginEdit(); err != nil {
		t.Fatalf("begin edit: %v", err)
	}
}

func newTestApplier() applier {
	return newApplier(slog.Default())
}

func TestApplyCreate(t *testing.T) {
	_, layer := testLayer(t, fsmemory.LayerConfig{})
	beginTestEdit(t, layer)

	client := uuid.New()
	pkMap := make(domain.ClientPKMap)
	d := domain.Delta{
		ID:           uuid.New(),
		ClientID:     client,
		LocalLayerID: "trees",
		LocalPK:      "local-1",
		Method:       domain.MethodCreate,
		New: &domain.FeatureSnapshot{
			Geometry:   strPtr("POINT (3 4)"),
			Attributes: map[string]any{"species": "oak"},
		},
	}

	outcome, err := newTestApplier().applyDelta(layer, d, false, pkMap)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Status != domain.DeltaApplied {
		t.Fatalf("status = %s, want applied (%s)", outcome.Status, outcome.Message)
	}
	if outcome.ModifiedPK == "" {
		t.Fatal("create did not report server pk")
	}
	mapped, ok := pkMap.Resolve(client, "trees", "local-1")
	if !ok || mapped != outcome.ModifiedPK {
		t.Fatalf("pk map entry = %q, %v; want %q", mapped, ok, outcome.ModifiedPK)
	}
	live, found, err := layer.GetFeature(outcome.ModifiedPK)
	if err != nil || !found {
		t.Fatalf("created feature missing: %v %v", found, err)
	}
	if live.Attributes["species"] != "oak" {
		t.Fatalf("created attributes = %v", live.Attributes)
	}
	if live.Geometry == nil {
		t.Fatal("created geometry missing")
	}
}

func TestApplyCreateInvalidGeometry(t *testing.T) {
	_, layer := testLayer(t, fsmemory.LayerConfig{})
	beginTestEdit(t, layer)

	d := domain.Delta{
		ID:           uuid.New(),
		ClientID:     uuid.New(),
		LocalLayerID: "trees",
		Method:       domain.MethodCreate,
		New: &domain.FeatureSnapshot{
			Geometry:   strPtr("POINT OF NO RETURN"),
			Attributes: map[string]any{"species": "oak"},
		},
	}
	outcome, err := newTestApplier().applyDelta(layer, d, false, make(domain.ClientPKMap))
	if err != nil {
		t.Fatalf("invalid geometry should be anticipated, got error: %v", err)
	}
	if outcome.Status != domain.DeltaNotApplied {
		t.Fatalf("status = %s, want not_applied", outcome.Status)
	}
}

func TestApplyCreateStoreRejection(t *testing.T) {
	_, layer := testLayer(t, fsmemory.LayerConfig{NotNull: []string{"species"}})
	beginTestEdit(t, layer)

	d := domain.Delta{
		ID:           uuid.New(),
		ClientID:     uuid.New(),
		LocalLayerID: "trees",
		Method:       domain.MethodCreate,
		New:          &domain.FeatureSnapshot{Attributes: map[string]any{"height": 3}},
	}
	outcome, err := newTestApplier().applyDelta(layer, d, false, make(domain.ClientPKMap))
	if err != nil {
		t.Fatalf("constraint violation should be anticipated, got error: %v", err)
	}
	if outcome.Status != domain.DeltaNotApplied {
		t.Fatalf("status = %s, want not_applied", outcome.Status)
	}
}

func patchDelta(pk string, old, new map[string]any) domain.Delta {
	return domain.Delta{
		ID:           uuid.New(),
		ClientID:     uuid.New(),
		LocalLayerID: "trees",
		SourcePK:     pk,
		Method:       domain.MethodPatch,
		Old:          &domain.FeatureSnapshot{Attributes: old},
		New:          &domain.FeatureSnapshot{Attributes: new},
	}
}

func TestApplyPatch(t *testing.T) {
	_, layer := testLayer(t, fsmemory.LayerConfig{})
	layer.(*fsmemory.Layer).Seed("1", nil, map[string]any{"species": "oak", "height": 10.0})
	beginTestEdit(t, layer)

	d := patchDelta("1", map[string]any{"height": 10.0}, map[string]any{"height": 12.0})
	outcome, err := newTestApplier().applyDelta(layer, d, false, make(domain.ClientPKMap))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Status != domain.DeltaApplied {
		t.Fatalf("status = %s, want applied (%s)", outcome.Status, outcome.Message)
	}
	live, _, _ := layer.GetFeature("1")
	if live.Attributes["height"] != 12.0 {
		t.Fatalf("height = %v, want 12", live.Attributes["height"])
	}
	if live.Attributes["species"] != "oak" {
		t.Fatalf("unrelated attribute touched: %v", live.Attributes)
	}
}

func TestApplyPatchConflict(t *testing.T) {
	_, layer := testLayer(t, fsmemory.LayerConfig{})
	layer.(*fsmemory.Layer).Seed("1", nil, map[string]any{"height": 11.0})
	beginTestEdit(t, layer)

	// Client recorded height 10, server moved on to 11.
	d := patchDelta("1", map[string]any{"height": 10.0}, map[string]any{"height": 12.0})
	outcome, err := newTestApplier().applyDelta(layer, d, false, make(domain.ClientPKMap))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Status != domain.DeltaConflict {
		t.Fatalf("status = %s, want conflict", outcome.Status)
	}
	if len(outcome.Conflicts) != 1 || outcome.Conflicts[0].Attribute != "height" {
		t.Fatalf("conflicts = %v", outcome.Conflicts)
	}
	live, _, _ := layer.GetFeature("1")
	if live.Attributes["height"] != 11.0 {
		t.Fatalf("conflicting patch mutated the feature: %v", live.Attributes)
	}
}

func TestApplyPatchOverwriteConflict(t *testing.T) {
	_, layer := testLayer(t, fsmemory.LayerConfig{})
	layer.(*fsmemory.Layer).Seed("1", nil, map[string]any{"height": 11.0})
	beginTestEdit(t, layer)

	d := patchDelta("1", map[string]any{"height": 10.0}, map[string]any{"height": 12.0})
	outcome, err := newTestApplier().applyDelta(layer, d, true, make(domain.ClientPKMap))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Status != domain.DeltaApplied {
		t.Fatalf("status = %s, want applied", outcome.Status)
	}
	live, _, _ := layer.GetFeature("1")
	if live.Attributes["height"] != 12.0 {
		t.Fatalf("overwrite did not apply: %v", live.Attributes)
	}
}

func TestApplyPatchMissingFeature(t *testing.T) {
	_, layer := testLayer(t, fsmemory.LayerConfig{})
	beginTestEdit(t, layer)

	d := patchDelta("404", map[string]any{"height": 10.0}, map[string]any{"height": 12.0})
	outcome, err := newTestApplier().applyDelta(layer, d, false, make(domain.ClientPKMap))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Status != domain.DeltaNotApplied {
		t.Fatalf("status = %s, want not_applied", outcome.Status)
	}
}

func TestApplyPatchNoEffectiveChange(t *testing.T) {
	_, layer := testLayer(t, fsmemory.LayerConfig{})
	layer.(*fsmemory.Layer).Seed("1", nil, map[string]any{"height": 10.0})
	beginTestEdit(t, layer)

	// New values identical to old values are dropped; the patch still counts
	// as applied.
	d := patchDelta("1", map[string]any{"height": 10.0}, map[string]any{"height": 10.0})
	outcome, err := newTestApplier().applyDelta(layer, d, false, make(domain.ClientPKMap))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Status != domain.DeltaApplied {
		t.Fatalf("status = %s, want applied", outcome.Status)
	}
	if outcome.Message == "" {
		t.Fatal("no-op patch should explain itself")
	}
}

func TestApplyPatchIgnoresPKField(t *testing.T) {
	_, layer := testLayer(t, fsmemory.LayerConfig{PKField: "fid"})
	layer.(*fsmemory.Layer).Seed("1", nil, map[string]any{"height": 10.0})
	beginTestEdit(t, layer)

	d := patchDelta("1", map[string]any{"height": 10.0}, map[string]any{"fid": "999", "height": 13.0})
	outcome, err := newTestApplier().applyDelta(layer, d, false, make(domain.ClientPKMap))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Status != domain.DeltaApplied {
		t.Fatalf("status = %s, want applied", outcome.Status)
	}
	live, _, _ := layer.GetFeature("1")
	if live.Attributes["fid"] != "1" {
		t.Fatalf("pk field was patched: %v", live.Attributes)
	}
	if live.Attributes["height"] != 13.0 {
		t.Fatalf("height = %v, want 13", live.Attributes["height"])
	}
}

func TestApplyDelete(t *testing.T) {
	_, layer := testLayer(t, fsmemory.LayerConfig{})
	layer.(*fsmemory.Layer).Seed("1", nil, map[string]any{"species": "oak"})
	beginTestEdit(t, layer)

	d := domain.Delta{
		ID:           uuid.New(),
		ClientID:     uuid.New(),
		LocalLayerID: "trees",
		SourcePK:     "1",
		Method:       domain.MethodDelete,
		Old:          &domain.FeatureSnapshot{Attributes: map[string]any{"species": "oak"}},
	}
	outcome, err := newTestApplier().applyDelta(layer, d, false, make(domain.ClientPKMap))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Status != domain.DeltaApplied {
		t.Fatalf("status = %s, want applied (%s)", outcome.Status, outcome.Message)
	}
	if _, found, _ := layer.GetFeature("1"); found {
		t.Fatal("feature still present after delete")
	}
}

func TestApplyDeleteConflict(t *testing.T) {
	_, layer := testLayer(t, fsmemory.LayerConfig{})
	layer.(*fsmemory.Layer).Seed("1", nil, map[string]any{"species": "elm"})
	beginTestEdit(t, layer)

	d := domain.Delta{
		ID:           uuid.New(),
		ClientID:     uuid.New(),
		LocalLayerID: "trees",
		SourcePK:     "1",
		Method:       domain.MethodDelete,
		Old:          &domain.FeatureSnapshot{Attributes: map[string]any{"species": "oak"}},
	}
	outcome, err := newTestApplier().applyDelta(layer, d, false, make(domain.ClientPKMap))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Status != domain.DeltaConflict {
		t.Fatalf("status = %s, want conflict", outcome.Status)
	}
	if _, found, _ := layer.GetFeature("1"); !found {
		t.Fatal("conflicting delete removed the feature")
	}
}

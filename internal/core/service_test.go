package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	fsmemory "fieldsync/internal/infra/featurestore/memory"
	jsmemory "fieldsync/internal/infra/jobstore/memory"
	"fieldsync/pkg/domain"
)

func newTestService(t *testing.T, layers ...fsmemory.LayerConfig) (*Service, *fsmemory.Store, *jsmemory.Store) {
	t.Helper()
	features := fsmemory.NewStore()
	for _, cfg := range layers {
		features.AddLayer(cfg)
	}
	jobs := jsmemory.NewStore()
	return NewService(features, jobs, nil), features, jobs
}

func marshalFile(t *testing.T, file domain.DeltaFile) []byte {
	t.Helper()
	raw, err := json.Marshal(file)
	if err != nil {
		t.Fatalf("marshal deltafile: %v", err)
	}
	return raw
}

func TestSubmitRejectsMalformedPayload(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var vErr domain.ValidationError
	if _, _, err := svc.SubmitDeltaFile(ctx, []byte("{not json")); !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if _, _, err := svc.SubmitDeltaFile(ctx, []byte(`{"id":"x"}`)); !errors.As(err, &vErr) {
		t.Fatalf("schema violation err = %v, want ValidationError", err)
	}
	// Structurally valid JSON, wrong version.
	bad := validFileOn("trees")
	bad.Version = "deltafile_99"
	if _, _, err := svc.SubmitDeltaFile(ctx, marshalFile(t, bad)); !errors.As(err, &vErr) {
		t.Fatalf("version err = %v, want ValidationError", err)
	}
}

func validFileOn(layerID string) domain.DeltaFile {
	client := uuid.New()
	return newFile("survey", false,
		createDelta(client, layerID, "loc-1", map[string]any{"species": "oak"}))
}

func TestApplyEndToEnd(t *testing.T) {
	svc, features, jobs := newTestService(t, fsmemory.LayerConfig{ID: "trees"})
	ctx := context.Background()

	client := uuid.New()
	create := createDelta(client, "trees", "loc-1", map[string]any{"height": 1.0})
	patch := domain.Delta{
		ID:           uuid.New(),
		ClientID:     client,
		LocalLayerID: "trees",
		LocalPK:      "loc-1",
		Method:       domain.MethodPatch,
		Old:          &domain.FeatureSnapshot{Attributes: map[string]any{"height": 1.0}},
		New:          &domain.FeatureSnapshot{Attributes: map[string]any{"height": 2.0}},
	}
	file := newFile("survey", false, create, patch)

	result, err := svc.Apply(ctx, marshalFile(t, file), ProcessOptions{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !result.AppliedAll {
		t.Fatalf("AppliedAll false: %+v", result.Entries)
	}

	layer, _ := features.OpenLayer("trees")
	serverPK := entryByDelta(t, result, create.ID).ModifiedPK
	live, found, _ := layer.GetFeature(serverPK)
	if !found || live.Attributes["height"] != 2.0 {
		t.Fatalf("final feature = %v %v", found, live.Attributes)
	}

	jobList, err := svc.Jobs(ctx, "survey")
	if err != nil || len(jobList) != 1 {
		t.Fatalf("jobs = %v, %v", jobList, err)
	}
	job := jobList[0]
	if job.Status != domain.JobFinished {
		t.Fatalf("job status = %s, want finished", job.Status)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Fatal("job timestamps not maintained")
	}

	deltas, err := svc.JobDeltas(ctx, job.ID)
	if err != nil {
		t.Fatalf("job deltas: %v", err)
	}
	for _, jd := range deltas {
		if jd.Status != domain.DeltaApplied {
			t.Fatalf("delta %s status = %s, want applied", jd.DeltaID, jd.Status)
		}
	}

	// Both deltas are now in the idempotency registry.
	for _, d := range file.Deltas {
		rec, ok, err := jobs.LookupDelta(ctx, d.ID)
		if err != nil || !ok {
			t.Fatalf("registry lookup %s: %v %v", d.ID, ok, err)
		}
		if rec.Digest != d.ContentDigest() {
			t.Fatalf("registry digest mismatch for %s", d.ID)
		}
	}
}

func TestApplyIdempotentResubmission(t *testing.T) {
	svc, features, _ := newTestService(t, fsmemory.LayerConfig{ID: "trees"})
	ctx := context.Background()

	file := validFileOn("trees")
	raw := marshalFile(t, file)

	if _, err := svc.Apply(ctx, raw, ProcessOptions{}); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// Identical resubmission (fresh file id, same deltas) is a no-op echo.
	resub := file
	resub.ID = uuid.New()
	result, err := svc.Apply(ctx, marshalFile(t, resub), ProcessOptions{})
	if err != nil {
		t.Fatalf("resubmission: %v", err)
	}
	entry := entryByDelta(t, result, file.Deltas[0].ID)
	if entry.Status != domain.DeltaApplied {
		t.Fatalf("duplicate status = %s, want applied", entry.Status)
	}
	if entry.Message == "" {
		t.Fatal("duplicate should be flagged in the message")
	}

	layer, _ := features.OpenLayer("trees")
	if n := len(layer.(*fsmemory.Layer).Features()); n != 1 {
		t.Fatalf("resubmission created %d features, want 1", n)
	}
}

func TestSubmitRejectsContentChangedDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t, fsmemory.LayerConfig{ID: "trees"})
	ctx := context.Background()

	file := validFileOn("trees")
	if _, err := svc.Apply(ctx, marshalFile(t, file), ProcessOptions{}); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// Same delta id, different content.
	tampered := file
	tampered.ID = uuid.New()
	altered := file.Deltas[0]
	altered.New = &domain.FeatureSnapshot{Attributes: map[string]any{"species": "elm"}}
	tampered.Deltas = []domain.Delta{altered}

	var dupErr domain.DuplicateDeltaError
	_, _, err := svc.SubmitDeltaFile(ctx, marshalFile(t, tampered))
	if !errors.As(err, &dupErr) {
		t.Fatalf("err = %v, want DuplicateDeltaError", err)
	}
	if dupErr.DeltaID != altered.ID {
		t.Fatalf("rejected delta = %s, want %s", dupErr.DeltaID, altered.ID)
	}
}

func TestProcessAdmissionDeferred(t *testing.T) {
	svc, _, jobs := newTestService(t, fsmemory.LayerConfig{ID: "trees"})
	ctx := context.Background()

	// Another job already runs for the project.
	blocking := domain.ApplyJob{
		ID:          uuid.New(),
		ProjectID:   "survey",
		DeltaFileID: uuid.New(),
		Status:      domain.JobPending,
	}
	if err := jobs.CreateJob(ctx, blocking, nil); err != nil {
		t.Fatalf("create blocking job: %v", err)
	}
	if err := jobs.TransitionJob(ctx, blocking.ID, domain.JobPending, domain.JobQueued); err != nil {
		t.Fatalf("queue blocking job: %v", err)
	}
	if _, started, err := jobs.TryStartJob(ctx, blocking.ID); err != nil || !started {
		t.Fatalf("start blocking job: %v %v", started, err)
	}

	file, job, err := svc.SubmitDeltaFile(ctx, marshalFile(t, validFileOn("trees")))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = svc.Process(ctx, file, job.ID, ProcessOptions{})
	var deferred domain.AdmissionDeferredError
	if !errors.As(err, &deferred) {
		t.Fatalf("err = %v, want AdmissionDeferredError", err)
	}
	if deferred.BlockingJobID != blocking.ID {
		t.Fatalf("blocking id = %s, want %s", deferred.BlockingJobID, blocking.ID)
	}

	demoted, ok, _ := jobs.GetJob(ctx, job.ID)
	if !ok || demoted.Status != domain.JobPending {
		t.Fatalf("deferred job status = %s, want pending", demoted.Status)
	}
	if demoted.StartedAt != nil {
		t.Fatal("deferred job kept a started_at timestamp")
	}

	// Once the blocker finishes, reprocessing succeeds.
	if err := jobs.TransitionJob(ctx, blocking.ID, domain.JobStarted, domain.JobFinished); err != nil {
		t.Fatalf("finish blocking job: %v", err)
	}
	if err := jobs.TransitionJob(ctx, job.ID, domain.JobPending, domain.JobQueued); err != nil {
		t.Fatalf("requeue job: %v", err)
	}
	result, err := svc.Process(ctx, file, job.ID, ProcessOptions{})
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if !result.AppliedAll {
		t.Fatalf("reprocess result: %+v", result.Entries)
	}
}

func TestProcessAbortFailsJob(t *testing.T) {
	svc, _, jobs := newTestService(t, fsmemory.LayerConfig{ID: "trees"})
	ctx := context.Background()

	// A transactional batch targeting an unregistered layer aborts before any
	// mutation.
	client := uuid.New()
	file := newFile("survey", true, createDelta(client, "ghosts", "g1", map[string]any{"a": 1}))

	fileParsed, job, err := svc.SubmitDeltaFile(ctx, marshalFile(t, file))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Process(ctx, fileParsed, job.ID, ProcessOptions{}); err == nil {
		t.Fatal("expected abort error")
	}
	failed, ok, _ := jobs.GetJob(ctx, job.ID)
	if !ok || failed.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want failed", failed.Status)
	}
}

func TestApplyInverseUndoesBatch(t *testing.T) {
	svc, features, _ := newTestService(t, fsmemory.LayerConfig{ID: "trees"})
	ctx := context.Background()

	client := uuid.New()
	file := newFile("survey", false,
		createDelta(client, "trees", "loc-1", map[string]any{"species": "oak"}))

	result, err := svc.Apply(ctx, marshalFile(t, file), ProcessOptions{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	serverPK := result.Entries[0].ModifiedPK

	// Address the created feature by its server pk so the inverse delete can
	// resolve it.
	applied := file
	applied.Deltas = make([]domain.Delta, len(file.Deltas))
	copy(applied.Deltas, file.Deltas)
	applied.Deltas[0].SourcePK = serverPK

	invResult, err := svc.ApplyInverse(ctx, applied, ProcessOptions{})
	if err != nil {
		t.Fatalf("apply inverse: %v", err)
	}
	if !invResult.AppliedAll {
		t.Fatalf("inverse result: %+v", invResult.Entries)
	}

	layer, _ := features.OpenLayer("trees")
	if n := len(layer.(*fsmemory.Layer).Features()); n != 0 {
		t.Fatalf("inverse left %d features, want 0", n)
	}
}

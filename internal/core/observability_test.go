package core

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	ctx := context.Background()

	rec.Observe(ctx, "process", true, 20*time.Millisecond)
	rec.Observe(ctx, "process", true, 30*time.Millisecond)
	rec.Observe(ctx, "process", false, 10*time.Millisecond)
	rec.Observe(ctx, "", true, time.Millisecond)

	snap := rec.Snapshot()
	if got := snap.DurationsMS["process"]; got != 60 {
		t.Fatalf("durations = %v, want 60", got)
	}
	if got := snap.Results["process"]["success"]; got != 2 {
		t.Fatalf("success count = %d, want 2", got)
	}
	if got := snap.Results["process"]["error"]; got != 1 {
		t.Fatalf("error count = %d, want 1", got)
	}
	if _, ok := snap.Results[""]; ok {
		t.Fatal("empty operation name was recorded")
	}
	if rec.Name() == "" {
		t.Fatal("generated expvar name empty")
	}

	// Snapshot is a copy, not a live view.
	snap.DurationsMS["process"] = 0
	if rec.Snapshot().DurationsMS["process"] != 60 {
		t.Fatal("snapshot mutation leaked into recorder")
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	ctx := context.Background()
	rec.Observe(ctx, "process", true, 50*time.Millisecond)
	rec.Observe(ctx, "process", false, 10*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var sawDuration, sawResults bool
	for _, mf := range families {
		switch mf.GetName() {
		case "fieldsync_apply_operation_duration_seconds":
			sawDuration = true
		case "fieldsync_apply_operations_total":
			sawResults = true
			var total float64
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			if total != 2 {
				t.Fatalf("operations_total sum = %v, want 2", total)
			}
		}
	}
	if !sawDuration || !sawResults {
		t.Fatalf("metric families missing: duration=%v results=%v", sawDuration, sawResults)
	}

	// Double registration on the same registry must fail cleanly.
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestJSONTracer(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	ctx := context.Background()

	_, span := tracer.Start(ctx, "process")
	span.End(nil)
	_, span = tracer.Start(ctx, "process")
	span.End(errors.New("boom"))

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Status != "success" || entries[0].Error != "" {
		t.Fatalf("first entry = %+v", entries[0])
	}
	if entries[1].Status != "error" || entries[1].Error != "boom" {
		t.Fatalf("second entry = %+v", entries[1])
	}
	lines := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
	if lines != 2 {
		t.Fatalf("serialized %d lines, want 2", lines)
	}
}

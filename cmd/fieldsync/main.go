// Command fieldsync applies a deltafile to a project's feature store.
//
// The deltafile is read from the path given with -deltafile, or from stdin
// when the path is "-". Storage backends are selected through the environment
// (see internal/core storage keys); layers must be declared with -layers so
// file and database stores can prepare their tables.
//
// Exit codes: 0 when the batch completed (possibly with per-delta conflicts
// or failures; inspect the JSON result), 1 when the submission was rejected
// or the job failed, 2 when admission was deferred because another job holds
// the project.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fieldsync/internal/backup"
	"fieldsync/internal/blob"
	"fieldsync/internal/core"
	"fieldsync/pkg/domain"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		deltaFilePath = flag.String("deltafile", "-", "deltafile path, or - for stdin")
		layersFlag    = flag.String("layers", "", "comma-separated layer declarations, id[:pkfield]")
		overwrite     = flag.Bool("overwrite-conflicts", false, "apply conflicting deltas over live state")
		archiveFlag   = flag.Bool("archive-backups", false, "archive layer file backups to the configured blob store")
		verbose       = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	raw, err := readDeltaFile(*deltaFilePath)
	if err != nil {
		logger.Error("read deltafile", "error", err)
		return 1
	}

	layers, err := parseLayers(*layersFlag)
	if err != nil {
		logger.Error("parse layers", "error", err)
		return 1
	}

	features, closeFeatures, err := core.OpenFeatureStore(layers)
	if err != nil {
		logger.Error("open feature store", "error", err)
		return 1
	}
	defer func() { _ = closeFeatures() }()

	jobs, closeJobs, err := core.OpenJobStore()
	if err != nil {
		logger.Error("open job store", "error", err)
		return 1
	}
	defer func() { _ = closeJobs() }()

	backupOpts := []backup.Option{backup.WithLogger(logger)}
	if *archiveFlag {
		archive, err := blob.Open(ctx)
		if err != nil {
			logger.Error("open backup archive", "error", err)
			return 1
		}
		backupOpts = append(backupOpts, backup.WithArchive(archive))
	}
	backups := backup.NewManager(backupOpts...)

	service := core.NewService(features, jobs, backups,
		core.WithLogger(logger),
		core.WithMetrics(core.NewExpvarMetricsRecorder("fieldsync_apply")),
	)

	result, err := service.Apply(ctx, raw, core.ProcessOptions{OverwriteConflicts: *overwrite})
	if err != nil {
		var deferred domain.AdmissionDeferredError
		if errors.As(err, &deferred) {
			logger.Warn("apply deferred", "project", deferred.ProjectID, "blocking", deferred.BlockingJobID)
			return 2
		}
		logger.Error("apply failed", "error", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Error("encode result", "error", err)
		return 1
	}
	return 0
}

func readDeltaFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// parseLayers parses "id[:pkfield]" declarations separated by commas.
func parseLayers(s string) ([]core.LayerSpec, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var specs []core.LayerSpec
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, pkField, _ := strings.Cut(part, ":")
		if id == "" {
			return nil, fmt.Errorf("invalid layer declaration %q", part)
		}
		specs = append(specs, core.LayerSpec{ID: id, PKField: pkField})
	}
	return specs, nil
}

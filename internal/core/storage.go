package core

import (
	"fmt"
	"os"

	fsmemory "fieldsync/internal/infra/featurestore/memory"
	fspostgres "fieldsync/internal/infra/featurestore/postgres"
	fssqlite "fieldsync/internal/infra/featurestore/sqlite"
	jsmemory "fieldsync/internal/infra/jobstore/memory"
	jssqlite "fieldsync/internal/infra/jobstore/sqlite"
	"fieldsync/pkg/domain"
)

// Environment keys for storage backend selection.
const (
	EnvStorageDriver  = "FIELDSYNC_STORAGE_DRIVER"
	EnvSQLitePath     = "FIELDSYNC_SQLITE_PATH"
	EnvPostgresDSN    = "FIELDSYNC_POSTGRES_DSN"
	EnvJobsSQLitePath = "FIELDSYNC_JOBS_SQLITE_PATH"
)

// Storage driver names accepted by EnvStorageDriver.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// LayerSpec declares one layer the feature store must expose.
type LayerSpec struct {
	ID      string
	PKField string
}

// OpenFeatureStore selects a feature store backend from the environment and
// registers the given layers on it. Unset driver defaults to memory; sqlite
// requires EnvSQLitePath and postgres requires EnvPostgresDSN.
func OpenFeatureStore(layers []LayerSpec) (domain.FeatureStore, func() error, error) {
	driver := os.Getenv(EnvStorageDriver)
	if driver == "" {
		driver = DriverMemory
	}
	switch driver {
	case DriverMemory:
		store := fsmemory.NewStore()
		for _, spec := range layers {
			store.AddLayer(fsmemory.LayerConfig{ID: spec.ID, PKField: spec.PKField})
		}
		return store, func() error { return nil }, nil
	case DriverSQLite:
		path := os.Getenv(EnvSQLitePath)
		if path == "" {
			return nil, nil, fmt.Errorf("driver %s requires %s", driver, EnvSQLitePath)
		}
		store, err := fssqlite.Open(path)
		if err != nil {
			return nil, nil, err
		}
		for _, spec := range layers {
			if err := store.CreateLayer(spec.ID, spec.PKField); err != nil {
				_ = store.Close()
				return nil, nil, err
			}
		}
		return store, store.Close, nil
	case DriverPostgres:
		dsn := os.Getenv(EnvPostgresDSN)
		if dsn == "" {
			return nil, nil, fmt.Errorf("driver %s requires %s", driver, EnvPostgresDSN)
		}
		store, err := fspostgres.Open(dsn)
		if err != nil {
			return nil, nil, err
		}
		for _, spec := range layers {
			if err := store.CreateLayer(spec.ID, spec.PKField); err != nil {
				_ = store.Close()
				return nil, nil, err
			}
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// OpenJobStore selects a job store backend from the environment. A set
// EnvJobsSQLitePath selects the SQLite store; otherwise jobs stay in memory.
func OpenJobStore() (domain.JobStore, func() error, error) {
	if path := os.Getenv(EnvJobsSQLitePath); path != "" {
		store, err := jssqlite.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return jsmemory.NewStore(), func() error { return nil }, nil
}

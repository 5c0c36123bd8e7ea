// Package postgres provides a PostgreSQL-backed feature store using the pgx
// stdlib driver. Layers are per-layer tables on one connection pool; all
// layers of a store share one edit transaction and form a single transaction
// group.
package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/paulmach/orb"

	"fieldsync/pkg/domain"
)

var layerIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is a PostgreSQL-backed FeatureStore.
type Store struct {
	dsn string
	db  *sql.DB

	mu     sync.Mutex
	tx     *sharedTx
	layers map[string]layerMeta
}

type layerMeta struct {
	pkField string
}

// Open connects to the database at dsn.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres feature store requires a dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return &Store{
		dsn:    dsn,
		db:     db,
		layers: make(map[string]layerMeta),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// CreateLayer creates the layer table if absent and registers the layer.
func (s *Store) CreateLayer(id, pkField string) error {
	if !layerIDPattern.MatchString(id) {
		return fmt.Errorf("invalid layer id %q", id)
	}
	if pkField == "" {
		pkField = "fid"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		fid BIGSERIAL PRIMARY KEY,
		geometry TEXT,
		attributes JSONB NOT NULL DEFAULT '{}'::jsonb
	)`, tableName(id))
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("create layer %s: %w", id, err)
	}
	s.mu.Lock()
	s.layers[id] = layerMeta{pkField: pkField}
	s.mu.Unlock()
	return nil
}

// OpenLayer implements domain.FeatureStore.
func (s *Store) OpenLayer(id string) (domain.Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.layers[id]
	if !ok {
		return nil, fmt.Errorf("layer %s not registered", id)
	}
	return &Layer{store: s, id: id, pkField: meta.pkField}, nil
}

var _ domain.FeatureStore = (*Store)(nil)

func tableName(layerID string) string { return "features_" + layerID }

// sharedTx is the edit transaction shared by all layers of the store, with
// reference counting identical to the SQLite store's.
type sharedTx struct {
	tx      *sql.Tx
	refs    int
	aborted bool
}

func (s *Store) acquire() (*sharedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		s.tx.refs++
		return s.tx, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin edit: %w", err)
	}
	s.tx = &sharedTx{tx: tx, refs: 1}
	return s.tx, nil
}

func (s *Store) release(abort bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return errors.New("no edit session")
	}
	if abort {
		s.tx.aborted = true
	}
	s.tx.refs--
	if s.tx.refs > 0 {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if tx.aborted {
		return tx.tx.Rollback()
	}
	return tx.tx.Commit()
}

func (s *Store) current() *sharedTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

// Layer is one table of a PostgreSQL store.
type Layer struct {
	store   *Store
	id      string
	pkField string
	editing bool
}

var _ domain.Layer = (*Layer)(nil)

func (l *Layer) ID() string              { return l.id }
func (l *Layer) PrimaryKeyField() string { return l.pkField }
func (l *Layer) IsFileBased() bool       { return false }
func (l *Layer) BackingFilePath() string { return "" }
func (l *Layer) ConnectionInfo() string  { return "postgres://" + l.store.dsn }

// BeginEdit joins the store's shared edit transaction.
func (l *Layer) BeginEdit() error {
	if l.editing {
		return fmt.Errorf("layer %s: edit session already open", l.id)
	}
	if _, err := l.store.acquire(); err != nil {
		return err
	}
	l.editing = true
	return nil
}

// Commit releases this layer's reference.
func (l *Layer) Commit() error {
	if !l.editing {
		return fmt.Errorf("layer %s: no edit session", l.id)
	}
	l.editing = false
	return l.store.release(false)
}

// Rollback aborts the shared transaction for every sibling layer.
func (l *Layer) Rollback() error {
	if !l.editing {
		return fmt.Errorf("layer %s: no edit session", l.id)
	}
	l.editing = false
	return l.store.release(true)
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

func (l *Layer) q() querier {
	if tx := l.store.current(); tx != nil && l.editing {
		return tx.tx
	}
	return l.store.db
}

// GetFeature returns the feature and whether it exists.
func (l *Layer) GetFeature(pk string) (domain.Feature, bool, error) {
	fid, err := strconv.ParseInt(pk, 10, 64)
	if err != nil {
		return domain.Feature{}, false, nil
	}
	query := fmt.Sprintf(`SELECT geometry, attributes FROM %q WHERE fid = $1`, tableName(l.id))
	var geomWKT sql.NullString
	var attrsJSON []byte
	err = l.q().QueryRow(query, fid).Scan(&geomWKT, &attrsJSON)
	if err == sql.ErrNoRows {
		return domain.Feature{}, false, nil
	}
	if err != nil {
		return domain.Feature{}, false, fmt.Errorf("get feature %s/%s: %w", l.id, pk, err)
	}
	f := domain.Feature{PK: pk}
	if geomWKT.Valid && geomWKT.String != "" {
		g, err := domain.ParseWKT(geomWKT.String)
		if err != nil {
			return domain.Feature{}, false, fmt.Errorf("stored geometry %s/%s: %w", l.id, pk, err)
		}
		f.Geometry = g
	}
	if err := json.Unmarshal(attrsJSON, &f.Attributes); err != nil {
		return domain.Feature{}, false, fmt.Errorf("stored attributes %s/%s: %w", l.id, pk, err)
	}
	if f.Attributes == nil {
		f.Attributes = make(map[string]any, 1)
	}
	f.Attributes[l.pkField] = pk
	return f, true, nil
}

// CreateFeature inserts a feature and returns it with the assigned fid.
func (l *Layer) CreateFeature(geom orb.Geometry, attrs map[string]any) (domain.Feature, error) {
	if !l.editing {
		return domain.Feature{}, fmt.Errorf("layer %s: no edit session", l.id)
	}
	attrsJSON, err := marshalAttrs(attrs, l.pkField)
	if err != nil {
		return domain.Feature{}, domain.ApplyError{LayerID: l.id, Reason: "unencodable attributes", Err: err}
	}
	query := fmt.Sprintf(`INSERT INTO %q (geometry, attributes) VALUES ($1, $2) RETURNING fid`, tableName(l.id))
	var fid int64
	if err := l.q().QueryRow(query, nullableWKT(geom), attrsJSON).Scan(&fid); err != nil {
		return domain.Feature{}, domain.ApplyError{LayerID: l.id, Reason: "insert rejected", Err: err}
	}
	pk := strconv.FormatInt(fid, 10)
	created := domain.Feature{PK: pk, Geometry: geom, Attributes: make(map[string]any, len(attrs)+1)}
	for k, v := range attrs {
		created.Attributes[k] = v
	}
	created.Attributes[l.pkField] = pk
	return created, nil
}

// UpdateFeature patches geometry and/or attributes, merging attributes into
// the stored JSONB object.
func (l *Layer) UpdateFeature(pk string, geom orb.Geometry, attrs map[string]any) error {
	if !l.editing {
		return fmt.Errorf("layer %s: no edit session", l.id)
	}
	fid, err := strconv.ParseInt(pk, 10, 64)
	if err != nil {
		return domain.ErrFeatureNotFound{LayerID: l.id, PK: pk}
	}
	patch, err := marshalAttrs(attrs, l.pkField)
	if err != nil {
		return domain.ApplyError{LayerID: l.id, Reason: "unencodable attributes", Err: err}
	}
	var res sql.Result
	if geom != nil {
		query := fmt.Sprintf(`UPDATE %q SET geometry = $1, attributes = attributes || $2::jsonb WHERE fid = $3`, tableName(l.id))
		res, err = l.q().Exec(query, domain.MarshalWKT(geom), patch, fid)
	} else {
		query := fmt.Sprintf(`UPDATE %q SET attributes = attributes || $1::jsonb WHERE fid = $2`, tableName(l.id))
		res, err = l.q().Exec(query, patch, fid)
	}
	if err != nil {
		return domain.ApplyError{LayerID: l.id, Reason: "update rejected", Err: err}
	}
	return checkAffected(res, l.id, pk)
}

// DeleteFeature removes the feature.
func (l *Layer) DeleteFeature(pk string) error {
	if !l.editing {
		return fmt.Errorf("layer %s: no edit session", l.id)
	}
	fid, err := strconv.ParseInt(pk, 10, 64)
	if err != nil {
		return domain.ErrFeatureNotFound{LayerID: l.id, PK: pk}
	}
	query := fmt.Sprintf(`DELETE FROM %q WHERE fid = $1`, tableName(l.id))
	res, err := l.q().Exec(query, fid)
	if err != nil {
		return domain.ApplyError{LayerID: l.id, Reason: "delete rejected", Err: err}
	}
	return checkAffected(res, l.id, pk)
}

func checkAffected(res sql.Result, layerID, pk string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected on %s: %w", layerID, err)
	}
	if n == 0 {
		return domain.ErrFeatureNotFound{LayerID: layerID, PK: pk}
	}
	return nil
}

func marshalAttrs(attrs map[string]any, pkField string) ([]byte, error) {
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if k == pkField {
			continue
		}
		cp[k] = v
	}
	return json.Marshal(cp)
}

func nullableWKT(g orb.Geometry) any {
	if g == nil {
		return nil
	}
	return domain.MarshalWKT(g)
}

// Package sqlite provides a file-backed feature store on a single SQLite
// database. Every layer is one table; layers of the same store share the
// database connection and therefore commit and roll back as one transaction
// group. The backing file is snapshot-restorable between edit sessions.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/paulmach/orb"

	"fieldsync/pkg/domain"
)

var layerIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is a SQLite-backed FeatureStore over one database file.
type Store struct {
	path string
	db   *sql.DB

	mu sync.Mutex
	// tx is the edit transaction shared by all layers of the store. Each
	// layer's BeginEdit takes a reference; the transaction resolves when the
	// last reference commits or any reference rolls back.
	tx *sharedTx

	layers map[string]layerMeta
}

type layerMeta struct {
	pkField string
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
	}
	// A single connection keeps every layer on the same transaction and keeps
	// the backing file restorable while no session is open.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = TRUNCATE; PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite store %s: %w", path, err)
	}
	return &Store{
		path:   path,
		db:     db,
		layers: make(map[string]layerMeta),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the backing database file.
func (s *Store) Path() string { return s.path }

// CreateLayer creates the layer table if absent and registers the layer.
func (s *Store) CreateLayer(id, pkField string) error {
	if !layerIDPattern.MatchString(id) {
		return fmt.Errorf("invalid layer id %q", id)
	}
	if pkField == "" {
		pkField = "fid"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		fid INTEGER PRIMARY KEY AUTOINCREMENT,
		geometry TEXT,
		attributes TEXT NOT NULL DEFAULT '{}'
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
		return nil, fmt.Errorf("layer %s not registered in store %s", id, s.path)
	}
	return &Layer{store: s, id: id, pkField: meta.pkField}, nil
}

var _ domain.FeatureStore = (*Store)(nil)

func tableName(layerID string) string { return "layer_" + layerID }

// sharedTx is one SQLite transaction referenced by every layer session of the
// store. refs counts open sessions; aborted is latched by the first rollback
// so later commits of sibling sessions resolve to rollback too.
type sharedTx struct {
	tx      *sql.Tx
	refs    int
	aborted bool
}

// acquire joins the current edit transaction, starting one if needed.
func (s *Store) acquire() (*sharedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		s.tx.refs++
		return s.tx, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin edit on %s: %w", s.path, err)
	}
	s.tx = &sharedTx{tx: tx, refs: 1}
	return s.tx, nil
}

// release drops one reference. The underlying transaction resolves when the
// last reference releases: commit only if no participant aborted.
func (s *Store) release(abort bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return fmt.Errorf("no edit session on %s", s.path)
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

// current returns the active shared transaction, if any.
func (s *Store) current() *sharedTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

// Layer is one table of a SQLite store.
type Layer struct {
	store   *Store
	id      string
	pkField string
	editing bool
}

var _ domain.Layer = (*Layer)(nil)

func (l *Layer) ID() string              { return l.id }
func (l *Layer) PrimaryKeyField() string { return l.pkField }
func (l *Layer) IsFileBased() bool       { return true }
func (l *Layer) BackingFilePath() string { return l.store.path }
func (l *Layer) ConnectionInfo() string  { return "sqlite://" + l.store.path }

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

// Commit releases this layer's reference; the shared transaction commits when
// the last sibling layer commits.
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

// querier abstracts *sql.DB and *sql.Tx so reads observe uncommitted edits
// inside a session.
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
	query := fmt.Sprintf(`SELECT geometry, attributes FROM %q WHERE fid = ?`, tableName(l.id))
	var geomWKT sql.NullString
	var attrsJSON string
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
	if err := json.Unmarshal([]byte(attrsJSON), &f.Attributes); err != nil {
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
	query := fmt.Sprintf(`INSERT INTO %q (geometry, attributes) VALUES (?, ?)`, tableName(l.id))
	res, err := l.q().Exec(query, nullableWKT(geom), attrsJSON)
	if err != nil {
		return domain.Feature{}, domain.ApplyError{LayerID: l.id, Reason: "insert rejected", Err: err}
	}
	fid, err := res.LastInsertId()
	if err != nil {
		return domain.Feature{}, fmt.Errorf("create feature on %s: %w", l.id, err)
	}
	pk := strconv.FormatInt(fid, 10)
	created := domain.Feature{PK: pk, Geometry: geom, Attributes: make(map[string]any, len(attrs)+1)}
	for k, v := range attrs {
		created.Attributes[k] = v
	}
	created.Attributes[l.pkField] = pk
	return created, nil
}

// UpdateFeature patches geometry and/or attributes. Attributes merge into the
// stored JSON object; a nil geometry leaves the stored geometry untouched.
func (l *Layer) UpdateFeature(pk string, geom orb.Geometry, attrs map[string]any) error {
	if !l.editing {
		return fmt.Errorf("layer %s: no edit session", l.id)
	}
	fid, err := strconv.ParseInt(pk, 10, 64)
	if err != nil {
		return domain.ErrFeatureNotFound{LayerID: l.id, PK: pk}
	}
	live, ok, err := l.GetFeature(pk)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrFeatureNotFound{LayerID: l.id, PK: pk}
	}
	merged := live.Attributes
	for k, v := range attrs {
		merged[k] = v
	}
	attrsJSON, err := marshalAttrs(merged, l.pkField)
	if err != nil {
		return domain.ApplyError{LayerID: l.id, Reason: "unencodable attributes", Err: err}
	}
	var res sql.Result
	if geom != nil {
		query := fmt.Sprintf(`UPDATE %q SET geometry = ?, attributes = ? WHERE fid = ?`, tableName(l.id))
		res, err = l.q().Exec(query, domain.MarshalWKT(geom), attrsJSON, fid)
	} else {
		query := fmt.Sprintf(`UPDATE %q SET attributes = ? WHERE fid = ?`, tableName(l.id))
		res, err = l.q().Exec(query, attrsJSON, fid)
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
	query := fmt.Sprintf(`DELETE FROM %q WHERE fid = ?`, tableName(l.id))
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

// marshalAttrs serializes attributes without the synthetic pk field, which
// lives in the fid column.
func marshalAttrs(attrs map[string]any, pkField string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if k == pkField {
			continue
		}
		cp[k] = v
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableWKT(g orb.Geometry) any {
	if g == nil {
		return nil
	}
	return domain.MarshalWKT(g)
}

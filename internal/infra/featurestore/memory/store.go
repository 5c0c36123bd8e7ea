// Package memory provides an in-memory feature store with clone-based edit
// sessions. It backs unit tests and single-process deployments; layers can be
// grouped onto a shared connection string to exercise transactional grouping.
package memory

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/paulmach/orb"

	"fieldsync/pkg/domain"
)

// LayerConfig declares one layer of the store.
type LayerConfig struct {
	ID      string
	PKField string
	// Connection overrides the layer's connection info. Layers sharing a value
	// form one transaction group; empty defaults to "memory://<id>".
	Connection string
	// NotNull lists attributes the store refuses to leave null on create,
	// mimicking datastore constraint violations.
	NotNull []string
}

// Store is an in-memory FeatureStore.
type Store struct {
	mu     sync.Mutex
	layers map[string]*Layer
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{layers: make(map[string]*Layer)}
}

// AddLayer registers a layer and returns it.
func (s *Store) AddLayer(cfg LayerConfig) *Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.PKField == "" {
		cfg.PKField = "fid"
	}
	if cfg.Connection == "" {
		cfg.Connection = "memory://" + cfg.ID
	}
	l := &Layer{
		cfg:     cfg,
		base:    make(map[string]domain.Feature),
		notNull: make(map[string]bool, len(cfg.NotNull)),
		nextPK:  1,
	}
	for _, name := range cfg.NotNull {
		l.notNull[name] = true
	}
	s.layers[cfg.ID] = l
	return l
}

// OpenLayer implements domain.FeatureStore.
func (s *Store) OpenLayer(id string) (domain.Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.layers[id]
	if !ok {
		return nil, fmt.Errorf("layer %s not registered", id)
	}
	return l, nil
}

var _ domain.FeatureStore = (*Store)(nil)

// Layer is one in-memory vector layer. Edits buffer into a cloned map that
// replaces the base on commit and is discarded on rollback.
type Layer struct {
	mu      sync.Mutex
	cfg     LayerConfig
	base    map[string]domain.Feature
	edit    map[string]domain.Feature
	editing bool
	notNull map[string]bool
	nextPK  int64
}

var _ domain.Layer = (*Layer)(nil)

func (l *Layer) ID() string              { return l.cfg.ID }
func (l *Layer) PrimaryKeyField() string { return l.cfg.PKField }
func (l *Layer) IsFileBased() bool       { return false }
func (l *Layer) BackingFilePath() string { return "" }
func (l *Layer) ConnectionInfo() string  { return l.cfg.Connection }

// BeginEdit starts an edit session over a clone of the committed state.
func (l *Layer) BeginEdit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.editing {
		return fmt.Errorf("layer %s: edit session already open", l.cfg.ID)
	}
	l.edit = make(map[string]domain.Feature, len(l.base))
	for pk, f := range l.base {
		l.edit[pk] = f.Clone()
	}
	l.editing = true
	return nil
}

// Commit replaces the committed state with the edit buffer.
func (l *Layer) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.editing {
		return fmt.Errorf("layer %s: no edit session", l.cfg.ID)
	}
	l.base = l.edit
	l.edit = nil
	l.editing = false
	return nil
}

// Rollback discards the edit buffer.
func (l *Layer) Rollback() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.editing {
		return fmt.Errorf("layer %s: no edit session", l.cfg.ID)
	}
	l.edit = nil
	l.editing = false
	return nil
}

func (l *Layer) view() map[string]domain.Feature {
	if l.editing {
		return l.edit
	}
	return l.base
}

// GetFeature returns the feature and whether it exists.
func (l *Layer) GetFeature(pk string) (domain.Feature, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.view()[pk]
	if !ok {
		return domain.Feature{}, false, nil
	}
	return f.Clone(), true, nil
}

// CreateFeature inserts a feature under a fresh autoincrement primary key.
func (l *Layer) CreateFeature(geom orb.Geometry, attrs map[string]any) (domain.Feature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.editing {
		return domain.Feature{}, fmt.Errorf("layer %s: no edit session", l.cfg.ID)
	}
	for name := range l.notNull {
		if v, ok := attrs[name]; !ok || v == nil {
			return domain.Feature{}, domain.ApplyError{
				LayerID: l.cfg.ID,
				Reason:  fmt.Sprintf("null value in required attribute %q", name),
			}
		}
	}
	pk := strconv.FormatInt(l.nextPK, 10)
	l.nextPK++
	f := domain.Feature{PK: pk, Geometry: geom, Attributes: cloneAttrs(attrs)}
	if f.Attributes == nil {
		f.Attributes = make(map[string]any, 1)
	}
	f.Attributes[l.cfg.PKField] = pk
	l.edit[pk] = f
	return f.Clone(), nil
}

// UpdateFeature patches the feature in place. A nil geometry leaves geometry
// untouched; attrs may be a subset of the layer's fields.
func (l *Layer) UpdateFeature(pk string, geom orb.Geometry, attrs map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.editing {
		return fmt.Errorf("layer %s: no edit session", l.cfg.ID)
	}
	f, ok := l.edit[pk]
	if !ok {
		return domain.ErrFeatureNotFound{LayerID: l.cfg.ID, PK: pk}
	}
	for name := range attrs {
		if l.notNull[name] && attrs[name] == nil {
			return domain.ApplyError{
				LayerID: l.cfg.ID,
				Reason:  fmt.Sprintf("null value in required attribute %q", name),
			}
		}
	}
	cp := f.Clone()
	if geom != nil {
		cp.Geometry = geom
	}
	if cp.Attributes == nil {
		cp.Attributes = make(map[string]any, len(attrs))
	}
	for name, value := range attrs {
		cp.Attributes[name] = value
	}
	l.edit[pk] = cp
	return nil
}

// DeleteFeature removes the feature.
func (l *Layer) DeleteFeature(pk string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.editing {
		return fmt.Errorf("layer %s: no edit session", l.cfg.ID)
	}
	if _, ok := l.edit[pk]; !ok {
		return domain.ErrFeatureNotFound{LayerID: l.cfg.ID, PK: pk}
	}
	delete(l.edit, pk)
	return nil
}

// Features returns a deep copy of the committed features keyed by pk.
func (l *Layer) Features() map[string]domain.Feature {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]domain.Feature, len(l.base))
	for pk, f := range l.base {
		out[pk] = f.Clone()
	}
	return out
}

// Seed inserts a feature directly into the committed state, for fixtures.
func (l *Layer) Seed(pk string, geom orb.Geometry, attrs map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := domain.Feature{PK: pk, Geometry: geom, Attributes: cloneAttrs(attrs)}
	if f.Attributes == nil {
		f.Attributes = make(map[string]any, 1)
	}
	f.Attributes[l.cfg.PKField] = pk
	l.base[pk] = f
	if n, err := strconv.ParseInt(pk, 10, 64); err == nil && n >= l.nextPK {
		l.nextPK = n + 1
	}
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

package domain

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// Feature is one row of a vector layer: a primary key, an optional geometry,
// and a flat attribute map.
type Feature struct {
	PK         string
	Geometry   orb.Geometry
	Attributes map[string]any
}

// Clone returns a copy with its own attribute map. Geometries are treated as
// immutable values and shared.
func (f Feature) Clone() Feature {
	cp := f
	if f.Attributes != nil {
		cp.Attributes = make(map[string]any, len(f.Attributes))
		for k, v := range f.Attributes {
			cp.Attributes[k] = v
		}
	}
	return cp
}

// ParseWKT decodes a snapshot geometry. An empty or malformed string is an
// error: deltas that carry geometry must carry a usable one.
func ParseWKT(s string) (orb.Geometry, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty wkt")
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("parse wkt: %w", err)
	}
	return g, nil
}

// MarshalWKT encodes a geometry as WKT; nil encodes to the empty string.
func MarshalWKT(g orb.Geometry) string {
	if g == nil {
		return ""
	}
	return wkt.MarshalString(g)
}

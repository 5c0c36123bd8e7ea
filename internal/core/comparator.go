package core

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"fieldsync/pkg/domain"
)

// CompareFeature compares every attribute recorded in the old snapshot against
// the live feature and returns one Conflict per mismatch, ordered by attribute
// name. Attributes present on the live feature but absent from the snapshot
// are ignored: clients only record the fields relevant to their edit. In
// strict mode an attribute missing from the live feature counts as a
// mismatch; otherwise it is skipped.
//
// Geometry is deliberately not compared: only attribute mismatches produce
// conflicts.
func CompareFeature(live domain.Feature, old *domain.FeatureSnapshot, strict bool) []domain.Conflict {
	if old == nil || len(old.Attributes) == 0 {
		return nil
	}
	names := make([]string, 0, len(old.Attributes))
	for name := range old.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	var conflicts []domain.Conflict
	for _, name := range names {
		expected := old.Attributes[name]
		actual, ok := live.Attributes[name]
		if !ok {
			if strict {
				conflicts = append(conflicts, domain.Conflict{Attribute: name, Expected: expected, Actual: nil})
			}
			continue
		}
		if !attributeEqual(expected, actual) {
			conflicts = append(conflicts, domain.Conflict{Attribute: name, Expected: expected, Actual: actual})
		}
	}
	return conflicts
}

// attributeEqual compares a snapshot value (JSON-decoded) with a store value.
// Numeric types are widened before comparison so an int64 from a datastore
// matches the float64 the JSON decoder produced.
func attributeEqual(a, b any) bool {
	na, aNum := normalizeNumber(a)
	nb, bNum := normalizeNumber(b)
	if aNum && bNum {
		return na == nb
	}
	if aNum != bNum {
		return false
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []byte:
		bv, ok := b.([]byte)
		return ok && string(av) == string(bv)
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

func normalizeNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func conflictSummary(conflicts []domain.Conflict) string {
	names := make([]string, len(conflicts))
	for i, c := range conflicts {
		names[i] = c.Attribute
	}
	return fmt.Sprintf("conflicting attributes: %v", names)
}

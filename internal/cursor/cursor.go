// Package cursor implements the ordered key-tuple cursor used for
// keyset pagination over the source table, plus primary-key tuple
// comparison used by the PK multiset and batch-ordering invariants.
package cursor

import (
	"bytes"
	"encoding/json"
)

// Cursor is an opaque ordered key vector marking the first row not yet
// scanned. Values are compared lexicographically element-by-element,
// matching the ORDER BY of the keyset scan.
type Cursor struct {
	Values []interface{} `json:"values"`
}

// PK is a primary-key tuple, comparable by value for multiset
// membership. It is encoded to a canonical string so it can key a Go
// map even when the tuple contains multiple columns.
type PK struct {
	Values []interface{} `json:"values"`
}

// New builds a Cursor from ordered key values.
func New(values ...interface{}) Cursor {
	return Cursor{Values: values}
}

// NewPK builds a PK tuple from ordered column values.
func NewPK(values ...interface{}) PK {
	return PK{Values: values}
}

// Key returns a canonical, comparable string encoding of the tuple,
// suitable for use as a Go map key. Two tuples with equal values
// (after JSON normalization) produce equal keys.
func (p PK) Key() string {
	// Marshaling is deterministic for the scalar types fetch adapters
	// produce (numbers, strings, bools, nil); json.Marshal preserves
	// slice order, which is all canonicalization requires here.
	b, err := json.Marshal(p.Values)
	if err != nil {
		// Values must be JSON-encodable scalars; a non-encodable value
		// is a programmer error in the DB adapter.
		panic("cursor: pk tuple not json-encodable: " + err.Error())
	}
	return string(b)
}

// Compare returns -1, 0, or 1 as c sorts before, equal to, or after
// other, comparing element-by-element in the configured sort-column
// order. Shorter tuples sort before longer ones that share a common
// prefix.
func (c Cursor) Compare(other Cursor) int {
	n := len(c.Values)
	if len(other.Values) < n {
		n = len(other.Values)
	}
	for i := 0; i < n; i++ {
		if cmp := compareValue(c.Values[i], other.Values[i]); cmp != 0 {
			return cmp
		}
	}
	switch {
	case len(c.Values) < len(other.Values):
		return -1
	case len(c.Values) > len(other.Values):
		return 1
	default:
		return 0
	}
}

// Less reports whether c sorts strictly before other.
func (c Cursor) Less(other Cursor) bool { return c.Compare(other) < 0 }

// IsZero reports whether the cursor has no key values, i.e. it has not
// been initialized from a backfill's configured minimum.
func (c Cursor) IsZero() bool { return len(c.Values) == 0 }

func compareValue(a, b interface{}) int {
	switch av := a.(type) {
	case int64:
		bv, _ := toInt64(b)
		return compareInt64(av, bv)
	case int:
		bv, _ := toInt64(b)
		return compareInt64(int64(av), bv)
	case float64:
		bv, _ := toFloat64(b)
		return compareFloat64(av, bv)
	case string:
		bv, _ := b.(string)
		return bytes.Compare([]byte(av), []byte(bv))
	default:
		// Fall back to marshaled byte comparison for any other
		// JSON-safe scalar (bool, time.Time formatted by the adapter
		// as RFC3339, etc.) so ordering is still total and stable.
		ab, _ := json.Marshal(a)
		bb, _ := json.Marshal(b)
		return bytes.Compare(ab, bb)
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

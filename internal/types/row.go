// Package types holds the value and argument types shared by the adapters,
// the dual-write manager and the proxy facade. It has no dependencies on the
// rest of the module so every other package can import it freely.
package types

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Row is a single database row: column name to value. Supported value kinds
// are string, int64, float64, bool, time.Time, []byte, JSON composites
// (map[string]any / []any) and nil.
type Row map[string]any

// nullValue is the type behind the Null sentinel.
type nullValue struct{}

// Null is an explicit SQL NULL. A condition value of Null matches rows where
// the column IS NULL; omitting the key from a Where means "no condition".
// The distinction mirrors the primary engine's null-vs-undefined semantics.
var Null = nullValue{}

// IsNull reports whether v is the explicit Null sentinel or a nil interface.
func IsNull(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(nullValue)
	return ok
}

// Clone returns a shallow copy of the row. Values are shared; callers that
// mutate nested composites must deep-copy them first.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Project returns a new row containing only the named columns, in map form.
// Missing columns are skipped.
func (r Row) Project(cols []string) Row {
	out := make(Row, len(cols))
	for _, c := range cols {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

// RowID serializes the primary-key projection of a row into the stable JSON
// form used as row identity in the change log. Keys are emitted in sorted
// order so the same projection always yields the same string, regardless of
// map iteration order.
func RowID(r Row, pkCols []string) (string, error) {
	if len(pkCols) == 0 {
		return "", fmt.Errorf("row id: no primary key columns")
	}
	keys := append([]string(nil), pkCols...)
	sort.Strings(keys)

	// Build an ordered JSON object by hand; encoding/json randomizes nothing
	// for maps but sorts keys, which is what we want. Still, a missing key is
	// an error rather than a silent null.
	proj := make(map[string]any, len(keys))
	for _, k := range keys {
		v, ok := r[k]
		if !ok {
			return "", fmt.Errorf("row id: row missing primary key column %q", k)
		}
		proj[k] = v
	}
	b, err := json.Marshal(proj)
	if err != nil {
		return "", fmt.Errorf("row id: %w", err)
	}
	return string(b), nil
}

// ParseRowID decodes a serialized row identity back into its primary-key
// projection.
func ParseRowID(id string) (Row, error) {
	var out Row
	if err := json.Unmarshal([]byte(id), &out); err != nil {
		return nil, fmt.Errorf("parse row id: %w", err)
	}
	return out, nil
}

// BatchResult is the count record returned by createMany, updateMany and
// deleteMany, matching the primary engine's batch payload shape.
type BatchResult struct {
	Count int64 `json:"count"`
}

package adapter

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/duodb/duodb/internal/schema"
	"github.com/duodb/duodb/internal/types"
)

// NormalizeRelations rewrites the nested relation shorthand
// {relation: {connect: {id: X}}} — spelled types.Connect in Go — into its
// foreign-key column form relationId = X. The returned row is a copy; the
// input is never mutated.
func NormalizeRelations(t *schema.Table, data types.Row) (types.Row, error) {
	out := make(types.Row, len(data))
	for k, v := range data {
		conn, ok := v.(types.Connect)
		if !ok {
			out[k] = v
			continue
		}
		fk, ok := fkColumnFor(t, k)
		if !ok {
			return nil, fmt.Errorf("%w: relation %q has no foreign-key column on %s", types.ErrValidation, k, t.Name)
		}
		if len(conn) != 1 {
			return nil, fmt.Errorf("%w: connect for %q must reference exactly one key", types.ErrValidation, k)
		}
		for _, val := range conn {
			out[fk] = val
		}
	}
	return out, nil
}

// fkColumnFor resolves the column backing a relation name, trying the
// camelCase and snake_case conventions.
func fkColumnFor(t *schema.Table, relation string) (string, bool) {
	for _, cand := range []string{relation + "Id", relation + "_id"} {
		if t.HasColumn(cand) {
			return cand, true
		}
	}
	return "", false
}

// FillWriteDefaults materializes generated values the proxy must produce
// itself so the primary and the fallback agree on them: uuid- and now-sourced
// column defaults on create, and updatedAt stamping on every write. Constant
// defaults are left to the engine. Returns a copy.
func FillWriteDefaults(t *schema.Table, data types.Row, isCreate bool, now time.Time) types.Row {
	out := data.Clone()
	if out == nil {
		out = types.Row{}
	}
	for _, col := range t.Columns {
		if _, present := out[col.Name]; present {
			continue
		}
		if col.IsUpdatedAt {
			out[col.Name] = now
			continue
		}
		if !isCreate || !col.HasDefault {
			continue
		}
		switch col.DefaultSource {
		case schema.DefaultUUID:
			out[col.Name] = uuid.NewString()
		case schema.DefaultNow:
			out[col.Name] = now
		}
	}
	return out
}

// prepareWriteData applies relation normalization, default filling and the
// adapter's schema-drift policy to a write payload.
func (b *Base) prepareWriteData(t *schema.Table, data types.Row, isCreate bool) (types.Row, error) {
	normalized, err := NormalizeRelations(t, data)
	if err != nil {
		return nil, err
	}
	normalized = FillWriteDefaults(t, normalized, isCreate, time.Now().UTC())
	if !b.tolerateDrift {
		return normalized, nil
	}
	// Fallback drift policy: unknown columns are dropped on write and the
	// remainder proceeds.
	out := make(types.Row, len(normalized))
	for k, v := range normalized {
		if t.HasColumn(k) {
			out[k] = v
		}
	}
	return out, nil
}

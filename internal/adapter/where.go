package adapter

import (
	"fmt"
	"math"
	"strings"

	"github.com/duodb/duodb/internal/schema"
	"github.com/duodb/duodb/internal/types"
)

// Codec encodes values into the representation a store expects for a given
// column and decodes read values back. The postgres adapter passes values
// through; the sqlite adapter funnels them through the schema coercion rules.
type Codec interface {
	Encode(table *schema.Table, col string, v any) (any, error)
	Decode(table *schema.Table, col string, v any) (any, error)
}

// PassthroughCodec performs no conversion.
type PassthroughCodec struct{}

func (PassthroughCodec) Encode(_ *schema.Table, _ string, v any) (any, error) { return v, nil }
func (PassthroughCodec) Decode(_ *schema.Table, _ string, v any) (any, error) { return v, nil }

// argBuf accumulates bind arguments and renders dialect placeholders.
type argBuf struct {
	dialect Dialect
	args    []any
}

func (b *argBuf) bind(v any) (string, error) {
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return "", fmt.Errorf("%w: non-finite number in query arguments", types.ErrValidation)
	}
	b.args = append(b.args, v)
	return b.dialect.Placeholder(len(b.args)), nil
}

// compileWhere renders a Where into a SQL predicate. An empty or fully
// skipped Where yields "" and no arguments. Condition values that are untyped
// nil are ignored entirely, matching the primary engine's undefined
// semantics; the Null sentinel renders IS NULL.
func compileWhere(w types.Where, table *schema.Table, codec Codec, buf *argBuf, dialect Dialect) (string, error) {
	if len(w) == 0 {
		return "", nil
	}
	var parts []string
	// Deterministic order keeps generated SQL stable for tests and caching.
	for _, col := range sortedKeys(w) {
		v := w[col]
		switch col {
		case types.WhereAnd, types.WhereOr, types.WhereNot:
			part, err := compileGroup(col, v, table, codec, buf, dialect)
			if err != nil {
				return "", err
			}
			if part != "" {
				parts = append(parts, part)
			}
		default:
			part, err := compileColumn(col, v, table, codec, buf, dialect)
			if err != nil {
				return "", err
			}
			if part != "" {
				parts = append(parts, part)
			}
		}
	}
	return strings.Join(parts, " AND "), nil
}

func compileGroup(op string, v any, table *schema.Table, codec Codec, buf *argBuf, dialect Dialect) (string, error) {
	var members []types.Where
	switch x := v.(type) {
	case nil:
		return "", nil
	case types.Where:
		members = []types.Where{x}
	case []types.Where:
		members = x
	case map[string]any:
		members = []types.Where{types.Where(x)}
	default:
		return "", fmt.Errorf("%w: %s group must hold Where values, got %T", types.ErrValidation, op, v)
	}

	var parts []string
	for _, m := range members {
		p, err := compileWhere(m, table, codec, buf, dialect)
		if err != nil {
			return "", err
		}
		if p != "" {
			parts = append(parts, "("+p+")")
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	switch op {
	case types.WhereOr:
		return "(" + strings.Join(parts, " OR ") + ")", nil
	case types.WhereNot:
		return "NOT (" + strings.Join(parts, " AND ") + ")", nil
	default:
		return strings.Join(parts, " AND "), nil
	}
}

func compileColumn(col string, v any, table *schema.Table, codec Codec, buf *argBuf, dialect Dialect) (string, error) {
	if table != nil && !table.HasColumn(col) {
		return "", fmt.Errorf("%w: unknown column %q in where clause", types.ErrValidation, col)
	}
	ident := dialect.QuoteIdent(col)

	switch x := v.(type) {
	case nil:
		// Undefined: no condition.
		return "", nil
	case types.Cond:
		return compileCond(ident, col, x, table, codec, buf, dialect)
	case *types.Cond:
		if x == nil {
			return "", nil
		}
		return compileCond(ident, col, *x, table, codec, buf, dialect)
	default:
		if types.IsNull(v) {
			return ident + " IS NULL", nil
		}
		enc, err := codec.Encode(table, col, v)
		if err != nil {
			return "", err
		}
		ph, err := buf.bind(enc)
		if err != nil {
			return "", err
		}
		return ident + " = " + ph, nil
	}
}

func compileCond(ident, col string, c types.Cond, table *schema.Table, codec Codec, buf *argBuf, dialect Dialect) (string, error) {
	insensitive := strings.EqualFold(c.Mode, "insensitive")
	var parts []string

	add := func(op string, v any) error {
		if v == nil {
			return nil
		}
		if types.IsNull(v) {
			switch op {
			case "=":
				parts = append(parts, ident+" IS NULL")
			case "<>":
				parts = append(parts, ident+" IS NOT NULL")
			default:
				return fmt.Errorf("%w: null is not ordered", types.ErrValidation)
			}
			return nil
		}
		enc, err := codec.Encode(table, col, v)
		if err != nil {
			return err
		}
		ph, err := buf.bind(enc)
		if err != nil {
			return err
		}
		lhs := ident
		rhs := ph
		if insensitive && op == "=" {
			lhs, rhs = "LOWER("+ident+")", "LOWER("+ph+")"
		}
		parts = append(parts, lhs+" "+op+" "+rhs)
		return nil
	}

	if err := add("=", c.Equals); err != nil {
		return "", err
	}
	if err := add("<>", c.Not); err != nil {
		return "", err
	}
	if err := add("<", c.Lt); err != nil {
		return "", err
	}
	if err := add("<=", c.Lte); err != nil {
		return "", err
	}
	if err := add(">", c.Gt); err != nil {
		return "", err
	}
	if err := add(">=", c.Gte); err != nil {
		return "", err
	}

	if c.HasIn() {
		p, err := compileInList(ident, col, c.In, false, table, codec, buf)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	if c.HasNotIn() {
		p, err := compileInList(ident, col, c.NotIn, true, table, codec, buf)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}

	like := func(pattern string) error {
		ph, err := buf.bind(pattern)
		if err != nil {
			return err
		}
		op := dialect.LikeOp(insensitive)
		lhs := ident
		rhs := ph
		if insensitive && !dialect.ILike {
			lhs, rhs = "LOWER("+ident+")", "LOWER("+ph+")"
		}
		// SQLite has no default escape character, so spell it out; Postgres
		// accepts the clause too.
		parts = append(parts, lhs+" "+op+" "+rhs+` ESCAPE '\'`)
		return nil
	}
	if c.Contains != nil {
		if err := like("%" + escapeLike(*c.Contains) + "%"); err != nil {
			return "", err
		}
	}
	if c.StartsWith != nil {
		if err := like(escapeLike(*c.StartsWith) + "%"); err != nil {
			return "", err
		}
	}
	if c.EndsWith != nil {
		if err := like("%" + escapeLike(*c.EndsWith)); err != nil {
			return "", err
		}
	}

	if len(parts) == 0 {
		return "", nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

// compileInList renders IN / NOT IN. An empty IN list matches nothing and an
// empty NOT IN list matches everything, per the primary engine.
func compileInList(ident, col string, vals []any, negate bool, table *schema.Table, codec Codec, buf *argBuf) (string, error) {
	if len(vals) == 0 {
		if negate {
			return "1=1", nil
		}
		return "1=0", nil
	}
	phs := make([]string, 0, len(vals))
	for _, v := range vals {
		enc, err := codec.Encode(table, col, v)
		if err != nil {
			return "", err
		}
		ph, err := buf.bind(enc)
		if err != nil {
			return "", err
		}
		phs = append(phs, ph)
	}
	op := "IN"
	if negate {
		op = "NOT IN"
	}
	return ident + " " + op + " (" + strings.Join(phs, ", ") + ")", nil
}

// escapeLike escapes LIKE metacharacters in user input so contains/startsWith
// match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func sortedKeys(w types.Where) []string {
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, k)
	}
	// Small maps; insertion sort keeps this allocation-light.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

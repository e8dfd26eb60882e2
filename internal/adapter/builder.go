package adapter

import (
	"fmt"
	"strings"

	"github.com/duodb/duodb/internal/schema"
	"github.com/duodb/duodb/internal/types"
)

// selectQuery renders a find query for the given args. Returns the SQL and
// its bind arguments. Writes never pass through here.
func selectQuery(d Dialect, table *schema.Table, args types.FindArgs, codec Codec) (string, []any, error) {
	buf := &argBuf{dialect: d}

	cols := "*"
	distinct := ""
	if len(args.Distinct) > 0 {
		// Distinct selects the first row per combination of the named
		// columns. Without native DISTINCT ON support on the fallback, the
		// projection is narrowed to the distinct columns (plus any explicit
		// select) and deduplicated.
		distinct = "DISTINCT "
		sel := args.Select
		if len(sel) == 0 {
			sel = args.Distinct
		}
		quoted, err := quoteColumns(d, table, sel)
		if err != nil {
			return "", nil, err
		}
		cols = strings.Join(quoted, ", ")
	} else if len(args.Select) > 0 {
		quoted, err := quoteColumns(d, table, args.Select)
		if err != nil {
			return "", nil, err
		}
		cols = strings.Join(quoted, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s%s FROM %s", distinct, cols, d.QuoteIdent(table.Name))

	whereSQL, err := compileWhere(args.Where, table, codec, buf, d)
	if err != nil {
		return "", nil, err
	}
	cursorSQL, err := cursorPredicate(d, table, args, codec, buf)
	if err != nil {
		return "", nil, err
	}
	pred := joinPredicates(whereSQL, cursorSQL)
	if pred != "" {
		b.WriteString(" WHERE " + pred)
	}

	orderSQL, err := orderClause(d, table, args.OrderBy)
	if err != nil {
		return "", nil, err
	}
	if orderSQL != "" {
		b.WriteString(" ORDER BY " + orderSQL)
	}

	if args.Take > 0 {
		fmt.Fprintf(&b, " LIMIT %d", args.Take)
	} else if args.Skip > 0 {
		// OFFSET requires a LIMIT on SQLite; -1 means unlimited and Postgres
		// ALL is not portable, so use a large sentinel only when needed.
		if d.Name == "sqlite" {
			b.WriteString(" LIMIT -1")
		}
	}
	if args.Skip > 0 {
		fmt.Fprintf(&b, " OFFSET %d", args.Skip)
	}

	return b.String(), buf.args, nil
}

// cursorPredicate renders the at-or-after condition for cursor pagination as
// a row-value comparison over the cursor columns, honoring the sort
// direction of the first ordering column.
func cursorPredicate(d Dialect, table *schema.Table, args types.FindArgs, codec Codec, buf *argBuf) (string, error) {
	if len(args.Cursor) == 0 {
		return "", nil
	}
	cols := make([]string, 0, len(args.Cursor))
	for _, ob := range args.OrderBy {
		if _, ok := args.Cursor[ob.Column]; ok {
			cols = append(cols, ob.Column)
		}
	}
	if len(cols) == 0 {
		// No overlap with the ordering: fall back to the cursor's own
		// columns in sorted order (typically the primary key).
		cols = sortedKeys(types.Where(args.Cursor))
	}
	desc := len(args.OrderBy) > 0 && args.OrderBy[0].Desc

	idents := make([]string, 0, len(cols))
	phs := make([]string, 0, len(cols))
	for _, c := range cols {
		if !table.HasColumn(c) {
			return "", fmt.Errorf("%w: unknown cursor column %q", types.ErrValidation, c)
		}
		enc, err := codec.Encode(table, c, args.Cursor[c])
		if err != nil {
			return "", err
		}
		ph, err := buf.bind(enc)
		if err != nil {
			return "", err
		}
		idents = append(idents, d.QuoteIdent(c))
		phs = append(phs, ph)
	}
	op := ">="
	if desc {
		op = "<="
	}
	if len(idents) == 1 {
		return idents[0] + " " + op + " " + phs[0], nil
	}
	return "(" + strings.Join(idents, ", ") + ") " + op + " (" + strings.Join(phs, ", ") + ")", nil
}

func orderClause(d Dialect, table *schema.Table, order []types.OrderBy) (string, error) {
	if len(order) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(order))
	for _, ob := range order {
		if !table.HasColumn(ob.Column) {
			return "", fmt.Errorf("%w: unknown order column %q", types.ErrValidation, ob.Column)
		}
		dir := "ASC"
		if ob.Desc {
			dir = "DESC"
		}
		parts = append(parts, d.QuoteIdent(ob.Column)+" "+dir)
	}
	return strings.Join(parts, ", "), nil
}

// insertQuery renders a single-row insert. Columns come in sorted order so
// generated SQL is deterministic.
func insertQuery(d Dialect, table *schema.Table, row types.Row, codec Codec, ignoreConflict bool) (string, []any, error) {
	buf := &argBuf{dialect: d}
	cols := sortedKeys(types.Where(row))
	idents := make([]string, 0, len(cols))
	phs := make([]string, 0, len(cols))
	for _, c := range cols {
		if !table.HasColumn(c) {
			return "", nil, fmt.Errorf("%w: column %q not in table %s", types.ErrSchemaDrift, c, table.Name)
		}
		v := row[c]
		if types.IsNull(v) {
			v = nil
		}
		enc, err := codec.Encode(table, c, v)
		if err != nil {
			return "", nil, err
		}
		ph, err := buf.bind(enc)
		if err != nil {
			return "", nil, err
		}
		idents = append(idents, d.QuoteIdent(c))
		phs = append(phs, ph)
	}
	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdent(table.Name), strings.Join(idents, ", "), strings.Join(phs, ", "))
	if ignoreConflict {
		sqlStr += " ON CONFLICT DO NOTHING"
	}
	return sqlStr, buf.args, nil
}

// upsertQuery renders INSERT ... ON CONFLICT (pk) DO UPDATE SET for the bulk
// upsert path. conflictCols defaults to the primary key.
func upsertQuery(d Dialect, table *schema.Table, row types.Row, conflictCols []string, codec Codec) (string, []any, error) {
	if len(conflictCols) == 0 {
		conflictCols = table.PrimaryKey
	}
	base, args, err := insertQuery(d, table, row, codec, false)
	if err != nil {
		return "", nil, err
	}
	quotedConflict, err := quoteColumns(d, table, conflictCols)
	if err != nil {
		return "", nil, err
	}
	conflictSet := make(map[string]bool, len(conflictCols))
	for _, c := range conflictCols {
		conflictSet[c] = true
	}
	var sets []string
	for _, c := range sortedKeys(types.Where(row)) {
		if conflictSet[c] {
			continue
		}
		sets = append(sets, d.QuoteIdent(c)+" = excluded."+d.QuoteIdent(c))
	}
	if len(sets) == 0 {
		return base + " ON CONFLICT DO NOTHING", args, nil
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		base, strings.Join(quotedConflict, ", "), strings.Join(sets, ", ")), args, nil
}

// updateQuery renders an update of the data columns under the given where.
func updateQuery(d Dialect, table *schema.Table, data types.Row, where types.Where, codec Codec) (string, []any, error) {
	buf := &argBuf{dialect: d}
	var sets []string
	for _, c := range sortedKeys(types.Where(data)) {
		if !table.HasColumn(c) {
			return "", nil, fmt.Errorf("%w: column %q not in table %s", types.ErrSchemaDrift, c, table.Name)
		}
		v := data[c]
		if types.IsNull(v) {
			v = nil
		}
		enc, err := codec.Encode(table, c, v)
		if err != nil {
			return "", nil, err
		}
		ph, err := buf.bind(enc)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, d.QuoteIdent(c)+" = "+ph)
	}
	if len(sets) == 0 {
		return "", nil, fmt.Errorf("%w: update with empty data", types.ErrValidation)
	}
	sqlStr := fmt.Sprintf("UPDATE %s SET %s", d.QuoteIdent(table.Name), strings.Join(sets, ", "))
	whereSQL, err := compileWhere(where, table, codec, buf, d)
	if err != nil {
		return "", nil, err
	}
	if whereSQL != "" {
		sqlStr += " WHERE " + whereSQL
	}
	return sqlStr, buf.args, nil
}

// deleteQuery renders a delete under the given where.
func deleteQuery(d Dialect, table *schema.Table, where types.Where, codec Codec) (string, []any, error) {
	buf := &argBuf{dialect: d}
	sqlStr := "DELETE FROM " + d.QuoteIdent(table.Name)
	whereSQL, err := compileWhere(where, table, codec, buf, d)
	if err != nil {
		return "", nil, err
	}
	if whereSQL != "" {
		sqlStr += " WHERE " + whereSQL
	}
	return sqlStr, buf.args, nil
}

// aggregateSelect renders the aggregation column list shared by Aggregate
// and GroupBy. Result columns are aliased _count, _sum_<col>, etc.
func aggregateSelect(d Dialect, table *schema.Table, count bool, sum, avg, min, max []string) ([]string, error) {
	var cols []string
	if count {
		cols = append(cols, "COUNT(*) AS _count")
	}
	add := func(fn string, names []string) error {
		for _, c := range names {
			if !table.HasColumn(c) {
				return fmt.Errorf("%w: unknown aggregate column %q", types.ErrValidation, c)
			}
			cols = append(cols, fmt.Sprintf("%s(%s) AS _%s_%s", fn, d.QuoteIdent(c), strings.ToLower(fn), c))
		}
		return nil
	}
	if err := add("SUM", sum); err != nil {
		return nil, err
	}
	if err := add("AVG", avg); err != nil {
		return nil, err
	}
	if err := add("MIN", min); err != nil {
		return nil, err
	}
	if err := add("MAX", max); err != nil {
		return nil, err
	}
	return cols, nil
}

func quoteColumns(d Dialect, table *schema.Table, cols []string) ([]string, error) {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if !table.HasColumn(c) {
			return nil, fmt.Errorf("%w: unknown column %q", types.ErrValidation, c)
		}
		out = append(out, d.QuoteIdent(c))
	}
	return out, nil
}

func joinPredicates(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " AND ")
}

package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/duodb/duodb/internal/schema"
	"github.com/duodb/duodb/internal/types"
)

// Base implements Adapter generically over a sqlx handle and a dialect. The
// postgres and sqlite adapters are thin wrappers that construct a Base with
// their connection setup, codec and drift policy.
type Base struct {
	db      *sqlx.DB        // nil for transaction-scoped views
	ext     sqlx.ExtContext // db or tx
	dialect Dialect
	reg     *schema.Registry
	codec   Codec
	// tolerateDrift drops unknown columns on write instead of failing. The
	// fallback adapter sets this; the primary surfaces drift as an error.
	tolerateDrift bool
	closed        *atomic.Bool
}

var _ Adapter = (*Base)(nil)

// NewBase wires a Base adapter around an open connection pool.
func NewBase(db *sqlx.DB, dialect Dialect, reg *schema.Registry, codec Codec, tolerateDrift bool) *Base {
	return &Base{
		db:            db,
		ext:           db,
		dialect:       dialect,
		reg:           reg,
		codec:         codec,
		tolerateDrift: tolerateDrift,
		closed:        &atomic.Bool{},
	}
}

// DB exposes the underlying pool for the owning store's internal tables
// (change log, pending writes). Nil on transaction-scoped views.
func (b *Base) DB() *sqlx.DB { return b.db }

// Dialect returns the adapter's SQL dialect.
func (b *Base) Dialect() Dialect { return b.dialect }

// Registry returns the schema registry this adapter validates against.
func (b *Base) Registry() *schema.Registry { return b.reg }

func (b *Base) table(model string) (*schema.Table, error) {
	return b.reg.Table(model)
}

func (b *Base) guard() error {
	if b.closed.Load() {
		return ErrClosed
	}
	return nil
}

// FindUnique returns the single row addressed by a unique where, or nil when
// no row matches.
func (b *Base) FindUnique(ctx context.Context, model string, args types.FindArgs) (types.Row, error) {
	args.Take = 1
	return b.FindFirst(ctx, model, args)
}

// FindFirst returns the first matching row, or nil when none match.
func (b *Base) FindFirst(ctx context.Context, model string, args types.FindArgs) (types.Row, error) {
	args.Take = 1
	rows, err := b.FindMany(ctx, model, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (b *Base) FindMany(ctx context.Context, model string, args types.FindArgs) ([]types.Row, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	t, err := b.table(model)
	if err != nil {
		return nil, err
	}
	query, binds, err := selectQuery(b.dialect, t, args, b.codec)
	if err != nil {
		return nil, err
	}
	return b.queryRows(ctx, t, query, binds)
}

func (b *Base) Count(ctx context.Context, model string, args types.CountArgs) (int64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}
	t, err := b.table(model)
	if err != nil {
		return 0, err
	}
	buf := &argBuf{dialect: b.dialect}
	whereSQL, err := compileWhere(args.Where, t, b.codec, buf, b.dialect)
	if err != nil {
		return 0, err
	}
	query := "SELECT COUNT(*) FROM " + b.dialect.QuoteIdent(t.Name)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	var n int64
	if err := sqlx.GetContext(ctx, b.ext, &n, query, buf.args...); err != nil {
		return 0, fmt.Errorf("count %s: %w", model, err)
	}
	return n, nil
}

func (b *Base) Aggregate(ctx context.Context, model string, args types.AggregateArgs) (types.Row, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	t, err := b.table(model)
	if err != nil {
		return nil, err
	}
	cols, err := aggregateSelect(b.dialect, t, args.Count, args.Sum, args.Avg, args.Min, args.Max)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: aggregate with no aggregations", types.ErrValidation)
	}
	buf := &argBuf{dialect: b.dialect}
	whereSQL, err := compileWhere(args.Where, t, b.codec, buf, b.dialect)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + strings.Join(cols, ", ") + " FROM " + b.dialect.QuoteIdent(t.Name)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	rows, err := b.rawRows(ctx, query, buf.args)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", model, err)
	}
	if len(rows) == 0 {
		return types.Row{}, nil
	}
	return reshapeAggregates(rows[0]), nil
}

func (b *Base) GroupBy(ctx context.Context, model string, args types.GroupByArgs) ([]types.Row, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	t, err := b.table(model)
	if err != nil {
		return nil, err
	}
	if len(args.By) == 0 {
		return nil, fmt.Errorf("%w: groupBy requires at least one by column", types.ErrValidation)
	}
	byCols, err := quoteColumns(b.dialect, t, args.By)
	if err != nil {
		return nil, err
	}
	aggCols, err := aggregateSelect(b.dialect, t, args.Count, args.Sum, args.Avg, args.Min, args.Max)
	if err != nil {
		return nil, err
	}
	buf := &argBuf{dialect: b.dialect}
	whereSQL, err := compileWhere(args.Where, t, b.codec, buf, b.dialect)
	if err != nil {
		return nil, err
	}

	var q strings.Builder
	q.WriteString("SELECT " + strings.Join(append(byCols, aggCols...), ", "))
	q.WriteString(" FROM " + b.dialect.QuoteIdent(t.Name))
	if whereSQL != "" {
		q.WriteString(" WHERE " + whereSQL)
	}
	q.WriteString(" GROUP BY " + strings.Join(byCols, ", "))
	orderSQL, err := orderClause(b.dialect, t, args.OrderBy)
	if err != nil {
		return nil, err
	}
	if orderSQL != "" {
		q.WriteString(" ORDER BY " + orderSQL)
	}
	if args.Take > 0 {
		fmt.Fprintf(&q, " LIMIT %d", args.Take)
	}
	if args.Skip > 0 {
		fmt.Fprintf(&q, " OFFSET %d", args.Skip)
	}

	raw, err := b.rawRows(ctx, q.String(), buf.args)
	if err != nil {
		return nil, fmt.Errorf("groupBy %s: %w", model, err)
	}
	out := make([]types.Row, 0, len(raw))
	for _, r := range raw {
		grouped := reshapeAggregates(r)
		for _, c := range args.By {
			if v, ok := r[c]; ok {
				dec, derr := b.codec.Decode(t, c, v)
				if derr != nil {
					return nil, derr
				}
				grouped[c] = dec
			}
		}
		out = append(out, grouped)
	}
	return out, nil
}

func (b *Base) Create(ctx context.Context, model string, args types.CreateArgs) (types.Row, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	t, err := b.table(model)
	if err != nil {
		return nil, err
	}
	data, err := b.prepareWriteData(t, args.Data, true)
	if err != nil {
		return nil, err
	}
	query, binds, err := insertQuery(b.dialect, t, data, b.codec, false)
	if err != nil {
		return nil, err
	}
	if _, err := b.ext.ExecContext(ctx, query, binds...); err != nil {
		return nil, fmt.Errorf("create %s: %w", model, err)
	}
	return b.readBack(ctx, t, data)
}

func (b *Base) CreateMany(ctx context.Context, model string, args types.CreateManyArgs) (types.BatchResult, error) {
	if err := b.guard(); err != nil {
		return types.BatchResult{}, err
	}
	t, err := b.table(model)
	if err != nil {
		return types.BatchResult{}, err
	}
	var count int64
	run := func(ext sqlx.ExtContext) error {
		for _, raw := range args.Data {
			data, perr := b.prepareWriteData(t, raw, true)
			if perr != nil {
				return perr
			}
			query, binds, qerr := insertQuery(b.dialect, t, data, b.codec, args.SkipDuplicates)
			if qerr != nil {
				return qerr
			}
			res, xerr := ext.ExecContext(ctx, query, binds...)
			if xerr != nil {
				return fmt.Errorf("createMany %s: %w", model, xerr)
			}
			n, _ := res.RowsAffected()
			count += n
		}
		return nil
	}
	if err := b.inTx(ctx, run); err != nil {
		return types.BatchResult{}, err
	}
	return types.BatchResult{Count: count}, nil
}

func (b *Base) Update(ctx context.Context, model string, args types.UpdateArgs) (types.Row, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	t, err := b.table(model)
	if err != nil {
		return nil, err
	}
	target, err := b.FindFirst(ctx, model, types.FindArgs{Where: args.Where})
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("update %s: %w", model, types.ErrNotFound)
	}
	pkWhere, err := pkWhereFor(t, target)
	if err != nil {
		return nil, err
	}
	data, err := b.prepareWriteData(t, args.Data, false)
	if err != nil {
		return nil, err
	}
	query, binds, err := updateQuery(b.dialect, t, data, pkWhere, b.codec)
	if err != nil {
		return nil, err
	}
	if _, err := b.ext.ExecContext(ctx, query, binds...); err != nil {
		return nil, fmt.Errorf("update %s: %w", model, err)
	}
	return b.FindFirst(ctx, model, types.FindArgs{Where: pkWhere})
}

func (b *Base) UpdateMany(ctx context.Context, model string, args types.UpdateArgs) (types.BatchResult, error) {
	if err := b.guard(); err != nil {
		return types.BatchResult{}, err
	}
	t, err := b.table(model)
	if err != nil {
		return types.BatchResult{}, err
	}
	data, err := b.prepareWriteData(t, args.Data, false)
	if err != nil {
		return types.BatchResult{}, err
	}
	query, binds, err := updateQuery(b.dialect, t, data, args.Where, b.codec)
	if err != nil {
		return types.BatchResult{}, err
	}
	res, err := b.ext.ExecContext(ctx, query, binds...)
	if err != nil {
		return types.BatchResult{}, fmt.Errorf("updateMany %s: %w", model, err)
	}
	n, _ := res.RowsAffected()
	return types.BatchResult{Count: n}, nil
}

func (b *Base) Upsert(ctx context.Context, model string, args types.UpsertArgs) (types.Row, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	var out types.Row
	err := b.maybeTx(ctx, func(view *Base) error {
		existing, ferr := view.FindFirst(ctx, model, types.FindArgs{Where: args.Where})
		if ferr != nil {
			return ferr
		}
		if existing == nil {
			out, ferr = view.Create(ctx, model, types.CreateArgs{Data: args.Create})
			return ferr
		}
		t, terr := view.table(model)
		if terr != nil {
			return terr
		}
		pkWhere, perr := pkWhereFor(t, existing)
		if perr != nil {
			return perr
		}
		out, ferr = view.Update(ctx, model, types.UpdateArgs{Where: pkWhere, Data: args.Update})
		return ferr
	})
	return out, err
}

func (b *Base) Delete(ctx context.Context, model string, args types.DeleteArgs) (types.Row, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	t, err := b.table(model)
	if err != nil {
		return nil, err
	}
	target, err := b.FindFirst(ctx, model, types.FindArgs{Where: args.Where})
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("delete %s: %w", model, types.ErrNotFound)
	}
	pkWhere, err := pkWhereFor(t, target)
	if err != nil {
		return nil, err
	}
	query, binds, err := deleteQuery(b.dialect, t, pkWhere, b.codec)
	if err != nil {
		return nil, err
	}
	if _, err := b.ext.ExecContext(ctx, query, binds...); err != nil {
		return nil, fmt.Errorf("delete %s: %w", model, err)
	}
	return target, nil
}

func (b *Base) DeleteMany(ctx context.Context, model string, args types.DeleteArgs) (types.BatchResult, error) {
	if err := b.guard(); err != nil {
		return types.BatchResult{}, err
	}
	t, err := b.table(model)
	if err != nil {
		return types.BatchResult{}, err
	}
	query, binds, err := deleteQuery(b.dialect, t, args.Where, b.codec)
	if err != nil {
		return types.BatchResult{}, err
	}
	res, err := b.ext.ExecContext(ctx, query, binds...)
	if err != nil {
		return types.BatchResult{}, fmt.Errorf("deleteMany %s: %w", model, err)
	}
	n, _ := res.RowsAffected()
	return types.BatchResult{Count: n}, nil
}

func (b *Base) BulkInsertIgnore(ctx context.Context, model string, rows []types.Row) (int64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}
	t, err := b.table(model)
	if err != nil {
		return 0, err
	}
	var count int64
	run := func(ext sqlx.ExtContext) error {
		for _, raw := range rows {
			data, perr := b.prepareWriteData(t, raw, false)
			if perr != nil {
				return perr
			}
			query, binds, qerr := insertQuery(b.dialect, t, data, b.codec, true)
			if qerr != nil {
				return qerr
			}
			res, xerr := ext.ExecContext(ctx, query, binds...)
			if xerr != nil {
				return fmt.Errorf("bulk insert %s: %w", model, xerr)
			}
			n, _ := res.RowsAffected()
			count += n
		}
		return nil
	}
	if err := b.inTx(ctx, run); err != nil {
		return 0, err
	}
	return count, nil
}

func (b *Base) BulkUpsert(ctx context.Context, model string, rows []types.Row, conflictCols []string) (int64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}
	t, err := b.table(model)
	if err != nil {
		return 0, err
	}
	var count int64
	run := func(ext sqlx.ExtContext) error {
		for _, raw := range rows {
			data, perr := b.prepareWriteData(t, raw, false)
			if perr != nil {
				return perr
			}
			query, binds, qerr := upsertQuery(b.dialect, t, data, conflictCols, b.codec)
			if qerr != nil {
				return qerr
			}
			res, xerr := ext.ExecContext(ctx, query, binds...)
			if xerr != nil {
				return fmt.Errorf("bulk upsert %s: %w", model, xerr)
			}
			n, _ := res.RowsAffected()
			count += n
		}
		return nil
	}
	if err := b.inTx(ctx, run); err != nil {
		return 0, err
	}
	return count, nil
}

func (b *Base) QueryRaw(ctx context.Context, query string, args ...any) ([]types.Row, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	return b.rawRows(ctx, query, args)
}

func (b *Base) ExecuteRaw(ctx context.Context, query string, args ...any) (int64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}
	res, err := b.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("execute raw: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (b *Base) TableScan(ctx context.Context, table string, offset, limit int) ([]types.Row, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	if !b.reg.ValidTable(table) {
		return nil, fmt.Errorf("%w: unknown table %q", types.ErrValidation, table)
	}
	query := "SELECT * FROM " + b.dialect.QuoteIdent(table)
	if t, err := b.reg.Table(table); err == nil && len(t.PrimaryKey) > 0 {
		quoted := make([]string, len(t.PrimaryKey))
		for i, c := range t.PrimaryKey {
			quoted[i] = b.dialect.QuoteIdent(c)
		}
		query += " ORDER BY " + strings.Join(quoted, ", ")
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	} else if offset > 0 && b.dialect.Name == "sqlite" {
		query += " LIMIT -1"
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}
	t, _ := b.reg.Table(table)
	return b.queryRows(ctx, t, query, nil)
}

func (b *Base) RowCount(ctx context.Context, table string) (int64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}
	if !b.reg.ValidTable(table) {
		return 0, fmt.Errorf("%w: unknown table %q", types.ErrValidation, table)
	}
	var n int64
	err := sqlx.GetContext(ctx, b.ext, &n, "SELECT COUNT(*) FROM "+b.dialect.QuoteIdent(table))
	if err != nil {
		return 0, fmt.Errorf("row count %s: %w", table, err)
	}
	return n, nil
}

func (b *Base) Tables(ctx context.Context) ([]string, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	var query string
	switch b.dialect.Name {
	case "sqlite":
		query = "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name"
	default:
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_type = 'BASE TABLE' ORDER BY table_name"
	}
	var out []string
	if err := sqlx.SelectContext(ctx, b.ext, &out, query); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return out, nil
}

// Transaction runs fn with a transaction-scoped view of the adapter. The
// interactive form is the only form; batched promise lists degrade to
// sequential execution through it.
func (b *Base) Transaction(ctx context.Context, opts *TxOptions, fn func(tx Adapter) error) error {
	if err := b.guard(); err != nil {
		return err
	}
	if b.db == nil {
		return ErrNoTransaction
	}
	var sqlOpts *sql.TxOptions
	if opts != nil {
		sqlOpts = &sql.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly}
	}
	tx, err := b.db.BeginTxx(ctx, sqlOpts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	view := &Base{
		ext:           tx,
		dialect:       b.dialect,
		reg:           b.reg,
		codec:         b.codec,
		tolerateDrift: b.tolerateDrift,
		closed:        b.closed,
	}
	if err := fn(view); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// HealthCheck runs SELECT 1 under the given timeout and reports latency.
func (b *Base) HealthCheck(ctx context.Context, timeout time.Duration) HealthResult {
	if err := b.guard(); err != nil {
		return HealthResult{Err: err}
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	var one int
	err := sqlx.GetContext(probeCtx, b.ext, &one, "SELECT 1")
	latency := time.Since(start)
	if err != nil || one != 1 {
		if err == nil {
			err = fmt.Errorf("health probe returned %d", one)
		}
		return HealthResult{Healthy: false, Latency: latency, Err: err}
	}
	return HealthResult{Healthy: true, Latency: latency}
}

func (b *Base) Connect(ctx context.Context) error {
	if b.db == nil {
		return ErrNoTransaction
	}
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	b.closed.Store(false)
	return nil
}

func (b *Base) Close() error {
	b.closed.Store(true)
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// inTx runs fn inside a transaction when the adapter is pool-backed, or
// directly when already transaction-scoped.
func (b *Base) inTx(ctx context.Context, fn func(ext sqlx.ExtContext) error) error {
	if b.db == nil {
		return fn(b.ext)
	}
	return b.Transaction(ctx, nil, func(tx Adapter) error {
		return fn(tx.(*Base).ext)
	})
}

// maybeTx is inTx for code that needs the full adapter view.
func (b *Base) maybeTx(ctx context.Context, fn func(view *Base) error) error {
	if b.db == nil {
		return fn(b)
	}
	return b.Transaction(ctx, nil, func(tx Adapter) error {
		return fn(tx.(*Base))
	})
}

// readBack re-reads a freshly inserted row by primary key. Defaults are
// materialized proxy-side, so the key columns are always present in data.
func (b *Base) readBack(ctx context.Context, t *schema.Table, data types.Row) (types.Row, error) {
	pkWhere, err := pkWhereFor(t, data)
	if err != nil {
		// Table without a usable primary key projection: return the written
		// data as the result.
		return data.Clone(), nil
	}
	query, binds, err := selectQuery(b.dialect, t, types.FindArgs{Where: pkWhere, Take: 1}, b.codec)
	if err != nil {
		return nil, err
	}
	rows, err := b.queryRows(ctx, t, query, binds)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return data.Clone(), nil
	}
	return rows[0], nil
}

// queryRows executes a model-scoped query and decodes values by column kind.
func (b *Base) queryRows(ctx context.Context, t *schema.Table, query string, binds []any) ([]types.Row, error) {
	rows, err := b.ext.QueryxContext(ctx, query, binds...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.Name, err)
	}
	defer rows.Close()

	var out []types.Row
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.Name, err)
		}
		row := make(types.Row, len(m))
		for col, v := range m {
			dec, derr := b.codec.Decode(t, col, v)
			if derr != nil {
				return nil, fmt.Errorf("decode %s.%s: %w", t.Name, col, derr)
			}
			row[col] = dec
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", t.Name, err)
	}
	return out, nil
}

// rawRows executes an arbitrary query without column decoding beyond byte
// slice normalization.
func (b *Base) rawRows(ctx context.Context, query string, binds []any) ([]types.Row, error) {
	rows, err := b.ext.QueryxContext(ctx, query, binds...)
	if err != nil {
		return nil, fmt.Errorf("raw query: %w", err)
	}
	defer rows.Close()

	var out []types.Row
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			return nil, fmt.Errorf("raw scan: %w", err)
		}
		row := make(types.Row, len(m))
		for k, v := range m {
			if bs, ok := v.([]byte); ok {
				row[k] = string(bs)
			} else {
				row[k] = v
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// pkWhereFor builds the primary-key equality Where for a row.
func pkWhereFor(t *schema.Table, row types.Row) (types.Where, error) {
	if len(t.PrimaryKey) == 0 {
		return nil, fmt.Errorf("table %s has no primary key", t.Name)
	}
	w := make(types.Where, len(t.PrimaryKey))
	for _, c := range t.PrimaryKey {
		v, ok := row[c]
		if !ok || v == nil {
			return nil, fmt.Errorf("row missing primary key column %q", c)
		}
		w[c] = v
	}
	return w, nil
}

// reshapeAggregates lifts _sum_col style flat aliases into the nested
// {_sum: {col: v}} shape the callers expect.
func reshapeAggregates(flat types.Row) types.Row {
	out := types.Row{}
	nested := map[string]types.Row{}
	for k, v := range flat {
		if bs, ok := v.([]byte); ok {
			v = string(bs)
		}
		switch {
		case k == "_count":
			out["_count"] = v
		case strings.HasPrefix(k, "_sum_"), strings.HasPrefix(k, "_avg_"),
			strings.HasPrefix(k, "_min_"), strings.HasPrefix(k, "_max_"):
			fn := k[:4]
			col := k[5:]
			if nested[fn] == nil {
				nested[fn] = types.Row{}
			}
			nested[fn][col] = v
		}
	}
	for fn, cols := range nested {
		out[fn] = cols
	}
	return out
}

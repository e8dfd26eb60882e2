package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry resolves model names to table metadata. It is populated once at
// proxy start from the primary's information_schema, or from a declarative
// schema when introspection is unavailable, and re-initialized on recovery.
//
// All identifier validation for dynamically built SQL goes through the
// registry: a table or column name that is not registered is rejected before
// it can reach a query string.
type Registry struct {
	mu       sync.RWMutex
	byModel  map[string]*Table
	byTable  map[string]*Table
	// bootNames maps model names to table names before introspection has run.
	// Used only during startup when the primary is already down.
	bootNames map[string]string
}

// NewRegistry returns an empty registry with the given boot-time name map.
// bootNames may be nil.
func NewRegistry(bootNames map[string]string) *Registry {
	r := &Registry{
		byModel:   make(map[string]*Table),
		byTable:   make(map[string]*Table),
		bootNames: make(map[string]string),
	}
	for k, v := range bootNames {
		r.bootNames[k] = v
	}
	return r
}

// Load replaces the registry contents with the given tables. Used both by
// declarative initialization and by introspection.
func (r *Registry) Load(tables []Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModel = make(map[string]*Table, len(tables))
	r.byTable = make(map[string]*Table, len(tables))
	for i := range tables {
		t := tables[i]
		if t.Model == "" {
			t.Model = modelNameForTable(t.Name)
		}
		r.byModel[t.Model] = &t
		r.byTable[t.Name] = &t
	}
}

// Table returns the metadata for a model name.
func (r *Registry) Table(model string) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.byModel[model]; ok {
		return t, nil
	}
	// Model lookups are also accepted by physical table name; the change log
	// stores the fallback-side canonical (table) form.
	if t, ok := r.byTable[model]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("schema registry: unknown model %q", model)
}

// TableNameForModel resolves a model to its physical table name. Before
// introspection has populated the registry it falls back to the boot-time
// name map, and finally to a snake_case pluralization convention.
func (r *Registry) TableNameForModel(model string) string {
	r.mu.RLock()
	if t, ok := r.byModel[model]; ok {
		r.mu.RUnlock()
		return t.Name
	}
	if name, ok := r.bootNames[model]; ok {
		r.mu.RUnlock()
		return name
	}
	r.mu.RUnlock()
	return defaultTableName(model)
}

// Models returns the registered model names, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byModel))
	for m := range r.byModel {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Tables returns a copy of all registered tables, sorted by table name.
func (r *Registry) Tables() []Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Table, 0, len(r.byTable))
	for _, t := range r.byTable {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidTable reports whether name is a registered physical table. Internal
// proxy tables (underscore-prefixed) are always allowed.
func (r *Registry) ValidTable(name string) bool {
	if strings.HasPrefix(name, "_") {
		return validIdent(name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byTable[name]
	return ok
}

// ValidColumn reports whether col exists on the named table. Used as the
// allowlist for every identifier interpolation in the sync path.
func (r *Registry) ValidColumn(table, col string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byTable[table]
	if !ok {
		return false
	}
	return t.HasColumn(col)
}

// introspectQuery pulls column metadata for all tables in the public schema.
// udt_name distinguishes int8 from int4 and timestamptz from text.
const introspectQuery = `
SELECT c.table_name, c.column_name, c.udt_name, c.is_nullable, c.column_default, c.ordinal_position
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = 'public' AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`

const pkQuery = `
SELECT tc.table_name, kcu.column_name, kcu.ordinal_position
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
WHERE tc.table_schema = 'public' AND tc.constraint_type = 'PRIMARY KEY'
ORDER BY tc.table_name, kcu.ordinal_position`

const uniqueQuery = `
SELECT tc.table_name, tc.constraint_name, kcu.column_name, kcu.ordinal_position
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
WHERE tc.table_schema = 'public' AND tc.constraint_type = 'UNIQUE'
ORDER BY tc.table_name, tc.constraint_name, kcu.ordinal_position`

// Introspect reads the primary's information_schema and loads the registry.
// Internal proxy tables are excluded.
func (r *Registry) Introspect(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, introspectQuery)
	if err != nil {
		return fmt.Errorf("schema introspection: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]*Table)
	var order []string
	for rows.Next() {
		var tname, cname, udt, nullable string
		var def sql.NullString
		var pos int
		if err := rows.Scan(&tname, &cname, &udt, &nullable, &def, &pos); err != nil {
			return fmt.Errorf("schema introspection: scan: %w", err)
		}
		if strings.HasPrefix(tname, "_") {
			continue
		}
		t, ok := tables[tname]
		if !ok {
			t = &Table{Name: tname, Model: modelNameForTable(tname)}
			tables[tname] = t
			order = append(order, tname)
		}
		col := Column{
			Name:     cname,
			Kind:     kindForUDT(udt),
			Nullable: nullable == "YES",
		}
		if def.Valid {
			col.HasDefault = true
			col.DefaultSource, col.DefaultValue = classifyDefault(def.String)
		}
		if isUpdatedAtName(cname) {
			col.IsUpdatedAt = true
		}
		t.Columns = append(t.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("schema introspection: %w", err)
	}

	if err := r.introspectKeys(ctx, db, tables); err != nil {
		return err
	}

	out := make([]Table, 0, len(order))
	for _, name := range order {
		out = append(out, *tables[name])
	}
	r.Load(out)
	return nil
}

func (r *Registry) introspectKeys(ctx context.Context, db *sql.DB, tables map[string]*Table) error {
	rows, err := db.QueryContext(ctx, pkQuery)
	if err != nil {
		return fmt.Errorf("schema introspection: primary keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tname, cname string
		var pos int
		if err := rows.Scan(&tname, &cname, &pos); err != nil {
			return fmt.Errorf("schema introspection: primary keys: %w", err)
		}
		if t, ok := tables[tname]; ok {
			t.PrimaryKey = append(t.PrimaryKey, cname)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("schema introspection: primary keys: %w", err)
	}

	urows, err := db.QueryContext(ctx, uniqueQuery)
	if err != nil {
		return fmt.Errorf("schema introspection: unique keys: %w", err)
	}
	defer urows.Close()
	var lastTable, lastConstraint string
	for urows.Next() {
		var tname, constraint, cname string
		var pos int
		if err := urows.Scan(&tname, &constraint, &cname, &pos); err != nil {
			return fmt.Errorf("schema introspection: unique keys: %w", err)
		}
		t, ok := tables[tname]
		if !ok {
			continue
		}
		if tname != lastTable || constraint != lastConstraint {
			t.UniqueKeys = append(t.UniqueKeys, nil)
			lastTable, lastConstraint = tname, constraint
		}
		idx := len(t.UniqueKeys) - 1
		t.UniqueKeys[idx] = append(t.UniqueKeys[idx], cname)
	}
	return urows.Err()
}

// kindForUDT maps a Postgres udt_name to a proxy value kind. Unknown types
// pass through as strings; coercion is total either way.
func kindForUDT(udt string) Kind {
	switch strings.ToLower(strings.TrimPrefix(udt, "_")) {
	case "int2", "int4", "serial", "smallserial":
		return KindInt
	case "int8", "bigserial", "numeric":
		return KindBigInt
	case "float4", "float8":
		return KindFloat
	case "bool":
		return KindBool
	case "timestamp", "timestamptz", "date", "time", "timetz":
		return KindTime
	case "bytea":
		return KindBytes
	case "json", "jsonb":
		return KindJSON
	case "text", "varchar", "bpchar", "uuid", "name", "citext":
		return KindString
	default:
		return KindString
	}
}

// classifyDefault maps a Postgres column_default expression to a default
// source. Everything unrecognized becomes a constant carried verbatim.
func classifyDefault(expr string) (DefaultSource, string) {
	lower := strings.ToLower(expr)
	switch {
	case strings.Contains(lower, "now()"), strings.Contains(lower, "current_timestamp"):
		return DefaultNow, ""
	case strings.Contains(lower, "gen_random_uuid"), strings.Contains(lower, "uuid_generate"):
		return DefaultUUID, ""
	default:
		return DefaultConstant, expr
	}
}

func isUpdatedAtName(name string) bool {
	switch name {
	case "updatedAt", "updated_at":
		return true
	}
	return false
}

// modelNameForTable derives a model name from a physical table name:
// snake_case plural -> CamelCase singular ("word_reviews" -> "WordReview").
func modelNameForTable(table string) string {
	parts := strings.Split(table, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == len(parts)-1 {
			p = singularize(p)
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// defaultTableName is the reverse convention used before introspection.
func defaultTableName(model string) string {
	var b strings.Builder
	for i, r := range model {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return pluralize(b.String())
}

func singularize(s string) string {
	switch {
	case strings.HasSuffix(s, "ies"):
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "sses"):
		return s[:len(s)-2]
	case strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss"):
		return s[:len(s)-1]
	}
	return s
}

func pluralize(s string) string {
	switch {
	case strings.HasSuffix(s, "y") && len(s) > 1 && !strings.ContainsRune("aeiou", rune(s[len(s)-2])):
		return s[:len(s)-1] + "ies"
	case strings.HasSuffix(s, "s"), strings.HasSuffix(s, "x"), strings.HasSuffix(s, "ch"):
		return s + "es"
	}
	return s + "s"
}

// validIdent accepts the identifier charset allowed in dynamically built SQL.
func validIdent(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Package schema is the registry of table metadata the proxy operates on:
// introspected column kinds, primary keys, unique keys and the type coercion
// rules between the primary and fallback representations.
package schema

// Kind classifies a column's value representation on the proxy side.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindBigInt Kind = "bigint"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindTime   Kind = "time"
	KindBytes  Kind = "bytes"
	KindJSON   Kind = "json"
	// KindEnum values travel as strings in both stores.
	KindEnum Kind = "enum"
)

// DefaultSource says where a column default comes from when the caller omits
// the field on create.
type DefaultSource string

const (
	// DefaultNone: no default; omitted fields stay absent.
	DefaultNone DefaultSource = ""
	// DefaultConstant: a literal stored in Column.DefaultValue.
	DefaultConstant DefaultSource = "constant"
	// DefaultNow: current wall-clock time, materialized proxy-side so the
	// primary and the fallback agree on the generated value.
	DefaultNow DefaultSource = "now"
	// DefaultUUID: a fresh uuid, materialized proxy-side for the same reason.
	DefaultUUID DefaultSource = "uuid"
)

// Column describes one column of a table.
type Column struct {
	Name          string
	Kind          Kind
	Nullable      bool
	HasDefault    bool
	DefaultSource DefaultSource
	DefaultValue  string
	// IsUpdatedAt columns are stamped with the current time on every create
	// and update when the caller does not set them.
	IsUpdatedAt bool
}

// Table describes one table: its model name (the caller-facing accessor
// name), the physical table name, ordered columns, primary key and unique
// key groups.
type Table struct {
	Model      string
	Name       string
	Columns    []Column
	PrimaryKey []string
	UniqueKeys [][]string
}

// Column returns the named column and whether it exists.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the ordered column names.
func (t *Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// HasColumn reports whether the table has the named column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

package types

// Where is a structured filter: column name to either a plain value
// (shorthand for equals), the Null sentinel (IS NULL), a Cond with operator
// forms, or — under the reserved keys "AND", "OR" and "NOT" — nested Where
// groups ([]Where or a single Where).
//
// A key whose value is untyped nil is treated as "no condition" and skipped,
// matching the primary engine's undefined semantics. Use Null for an explicit
// IS NULL match.
type Where map[string]any

// Reserved logical-group keys inside a Where.
const (
	WhereAnd = "AND"
	WhereOr  = "OR"
	WhereNot = "NOT"
)

// Cond is the operator form of a single-column condition. Nil fields are
// unset and contribute no SQL. In/NotIn distinguish nil (unset) from an empty
// slice: `In: []any{}` matches nothing, per the primary engine.
type Cond struct {
	Equals     any
	Not        any
	In         []any
	NotIn      []any
	Lt         any
	Lte        any
	Gt         any
	Gte        any
	Contains   *string
	StartsWith *string
	EndsWith   *string
	// Mode switches the string operators between the engine default and
	// case-insensitive matching. Accepted values: "" (default), "insensitive".
	Mode string
}

// HasIn reports whether the In operator is set, including the empty-slice
// form that matches nothing.
func (c Cond) HasIn() bool { return c.In != nil }

// HasNotIn reports whether the NotIn operator is set.
func (c Cond) HasNotIn() bool { return c.NotIn != nil }

// Connect is the relation shorthand accepted in create and upsert payloads:
//
//	Data: types.Row{"author": types.Connect{"id": 7}}
//
// The adapter normalizes it into the foreign-key column form authorId=7
// before any SQL is built.
type Connect map[string]any

// OrderBy orders results by one column.
type OrderBy struct {
	Column string
	Desc   bool
}

// FindArgs parametrizes findUnique, findFirst and findMany.
type FindArgs struct {
	Where    Where
	Select   []string
	OrderBy  []OrderBy
	Take     int // 0 = no limit
	Skip     int
	Cursor   Row // primary-key (or unique) position; rows at or after it
	Distinct []string
}

// CreateArgs parametrizes create.
type CreateArgs struct {
	Data Row
}

// CreateManyArgs parametrizes createMany.
type CreateManyArgs struct {
	Data           []Row
	SkipDuplicates bool
}

// UpdateArgs parametrizes update (unique target) and updateMany.
type UpdateArgs struct {
	Where Where
	Data  Row
}

// UpsertArgs parametrizes upsert. Where must address at most one row.
type UpsertArgs struct {
	Where  Where
	Create Row
	Update Row
}

// DeleteArgs parametrizes delete (unique target) and deleteMany.
type DeleteArgs struct {
	Where Where
}

// CountArgs parametrizes count.
type CountArgs struct {
	Where Where
}

// AggregateArgs parametrizes aggregate. The slices name the columns to fold.
type AggregateArgs struct {
	Where Where
	Count bool
	Sum   []string
	Avg   []string
	Min   []string
	Max   []string
}

// GroupByArgs parametrizes groupBy. Aggregations are reported per group under
// the keys _count, _sum, _avg, _min, _max.
type GroupByArgs struct {
	By      []string
	Where   Where
	Count   bool
	Sum     []string
	Avg     []string
	Min     []string
	Max     []string
	OrderBy []OrderBy
	Take    int
	Skip    int
}

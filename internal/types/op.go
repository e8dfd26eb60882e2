package types

// Action names one adapter operation. The write subset flows through the
// dual-write manager; the read subset is routed directly by the facade.
type Action string

const (
	ActionFindUnique Action = "findUnique"
	ActionFindFirst  Action = "findFirst"
	ActionFindMany   Action = "findMany"
	ActionCreate     Action = "create"
	ActionCreateMany Action = "createMany"
	ActionUpdate     Action = "update"
	ActionUpdateMany Action = "updateMany"
	ActionUpsert     Action = "upsert"
	ActionDelete     Action = "delete"
	ActionDeleteMany Action = "deleteMany"
	ActionCount      Action = "count"
	ActionAggregate  Action = "aggregate"
	ActionGroupBy    Action = "groupBy"
	ActionQueryRaw   Action = "queryRaw"
	ActionExecuteRaw Action = "executeRaw"
)

// RawArgs carries a raw SQL statement through the routing layers.
type RawArgs struct {
	Query  string
	Params []any
}

// IsWrite reports whether the action mutates data.
func (a Action) IsWrite() bool {
	switch a {
	case ActionCreate, ActionCreateMany, ActionUpdate, ActionUpdateMany,
		ActionUpsert, ActionDelete, ActionDeleteMany, ActionExecuteRaw:
		return true
	}
	return false
}

// WriteOp is a single write as seen by the dual-write manager. Args holds the
// action-specific argument struct (CreateArgs, UpdateArgs, ...).
type WriteOp struct {
	Model       string
	Action      Action
	Args        any
	OperationID string
	// Critical forces the synchronous mirror path in NORMAL mode regardless
	// of the global mirror configuration.
	Critical bool
}

package eventbus

import "time"

// EventType identifies an event flowing through the bus.
type EventType string

const (
	// State machine transitions.
	EventStateChanged EventType = "state.changed"

	// Failover and recovery lifecycle.
	EventFailoverStarted   EventType = "failover.started"
	EventFailoverCompleted EventType = "failover.completed"
	EventRecoveryStarted   EventType = "recovery.started"
	EventRecoveryCompleted EventType = "recovery.completed"

	// Sync engine lifecycle.
	EventSyncStarted   EventType = "sync.started"
	EventSyncProgress  EventType = "sync.progress"
	EventSyncCompleted EventType = "sync.completed"
	EventSyncFailed    EventType = "sync.failed"

	// Conflict handling.
	EventConflictDetected EventType = "conflict.detected"
	EventConflictPending  EventType = "conflict.pending"

	// Write pipeline.
	EventChangelogRecorded EventType = "write.changelog-recorded"
	EventSyncRequired      EventType = "write.sync-required"

	// Fencing lock.
	EventFencingBlocked EventType = "fencing.blocked"
	EventLockLost       EventType = "fencing.lock-lost"

	// Health monitor edges.
	EventPrimaryUnhealthy EventType = "primary.unhealthy"
	EventPrimaryHealthy   EventType = "primary.healthy"
)

// IsStateEvent reports whether the type belongs to the state and
// failover/recovery lifecycle category.
func (t EventType) IsStateEvent() bool {
	switch t {
	case EventStateChanged, EventFailoverStarted, EventFailoverCompleted,
		EventRecoveryStarted, EventRecoveryCompleted:
		return true
	}
	return false
}

// IsSyncEvent reports whether the type belongs to the sync engine category.
func (t EventType) IsSyncEvent() bool {
	switch t {
	case EventSyncStarted, EventSyncProgress, EventSyncCompleted, EventSyncFailed:
		return true
	}
	return false
}

// Event is one signal flowing through the bus. Only the fields relevant to
// the type are populated.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`

	// State transition fields.
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// Sync progress fields.
	SyncTotal     int `json:"sync_total,omitempty"`
	SyncApplied   int `json:"sync_applied,omitempty"`
	SyncFailed    int `json:"sync_failed,omitempty"`
	SyncConflicts int `json:"sync_conflicts,omitempty"`

	// Conflict fields.
	Table string `json:"table,omitempty"`
	RowID string `json:"row_id,omitempty"`

	// Fencing fields.
	FencingToken int64 `json:"fencing_token,omitempty"`

	Error string `json:"error,omitempty"`
}

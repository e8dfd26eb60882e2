// Package conflict decides the winner when the same row changed on both
// stores while they were partitioned. Resolve is a pure function of the two
// snapshots and the configured strategy; persistence of the audit records
// lives in the store file.
package conflict

import (
	"fmt"
	"reflect"
	"time"

	"github.com/duodb/duodb/internal/types"
)

// Strategy selects the resolution policy for a deployment.
type Strategy string

const (
	LocalWins    Strategy = "local-wins"
	RemoteWins   Strategy = "remote-wins"
	VersionBased Strategy = "version-based"
	Manual       Strategy = "manual"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case LocalWins, RemoteWins, VersionBased, Manual:
		return true
	}
	return false
}

// Winner identifies which side the resolution picked.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
	WinnerManual Winner = "manual"
)

// Record is the audit row persisted for a detected conflict.
type Record struct {
	ID         int64
	TableName  string
	RowID      string
	LocalData  types.Row
	RemoteData types.Row
	Resolution string
	ResolvedAt *time.Time
	CreatedAt  time.Time
}

// Resolution is the outcome of Resolve. When Resolved is false the caller
// must not mark the originating change-log entry synced; the row stays
// pending until an operator decides.
type Resolution struct {
	Resolved bool
	Winner   Winner
	FinalRow types.Row
	// Conflict carries the audit record to persist, nil when the strategy
	// records nothing.
	Conflict *Record
}

// bookkeepingColumns are excluded from the field-by-field comparison.
var bookkeepingColumns = map[string]bool{
	"createdAt":  true,
	"created_at": true,
	"updatedAt":  true,
	"updated_at": true,
	"version":    true,
}

// Detect reports whether local and remote are in conflict. A conflict exists
// iff the remote row exists and either the version columns differ, the
// remote was updated after the local copy, or any non-bookkeeping field
// differs.
func Detect(local, remote types.Row) bool {
	if remote == nil {
		return false
	}
	lv, lok := versionOf(local)
	rv, rok := versionOf(remote)
	if lok && rok && lv != rv {
		return true
	}
	lt, ltok := updatedAtOf(local)
	rt, rtok := updatedAtOf(remote)
	if ltok && rtok && rt.After(lt) {
		return true
	}
	return !fieldsEqual(local, remote)
}

// Resolve applies the strategy to the two snapshots.
func Resolve(table, rowID string, local, remote types.Row, strategy Strategy) (Resolution, error) {
	now := time.Now().UTC()
	record := func(resolution string, resolved bool) *Record {
		rec := &Record{
			TableName:  table,
			RowID:      rowID,
			LocalData:  local,
			RemoteData: remote,
			Resolution: resolution,
			CreatedAt:  now,
		}
		if resolved {
			t := now
			rec.ResolvedAt = &t
		}
		return rec
	}

	switch strategy {
	case LocalWins:
		final := local.Clone()
		// The remote's creation time is the authoritative one when the local
		// copy never had it (row was created remotely before the partition).
		if ca, ok := createdAtOf(remote); ok {
			if _, has := createdAtOf(local); !has {
				final[createdAtColumn(remote)] = ca
			}
		}
		bumpVersion(final, local, remote)
		return Resolution{Resolved: true, Winner: WinnerLocal, FinalRow: final, Conflict: record(string(LocalWins), true)}, nil

	case RemoteWins:
		return Resolution{Resolved: true, Winner: WinnerRemote, FinalRow: remote.Clone(), Conflict: record(string(RemoteWins), true)}, nil

	case VersionBased:
		lv, lok := versionOf(local)
		rv, rok := versionOf(remote)
		if !lok || !rok {
			return Resolution{}, fmt.Errorf("%w: version-based strategy requires a version column on both sides", types.ErrValidation)
		}
		if rv > lv {
			return Resolution{Resolved: true, Winner: WinnerRemote, FinalRow: remote.Clone(), Conflict: record(string(VersionBased), true)}, nil
		}
		// Tie-break local-wins.
		final := local.Clone()
		bumpVersion(final, local, remote)
		return Resolution{Resolved: true, Winner: WinnerLocal, FinalRow: final, Conflict: record(string(VersionBased), true)}, nil

	case Manual:
		// The local row stands in until the operator decides; the change-log
		// entry stays unsynced.
		return Resolution{Resolved: false, Winner: WinnerManual, FinalRow: local.Clone(), Conflict: record("unresolved", false)}, nil

	default:
		return Resolution{}, fmt.Errorf("%w: unknown conflict strategy %q", types.ErrValidation, strategy)
	}
}

// bumpVersion sets final's version to max(local, remote)+1 when either side
// carries one.
func bumpVersion(final, local, remote types.Row) {
	lv, lok := versionOf(local)
	rv, rok := versionOf(remote)
	if !lok && !rok {
		return
	}
	v := lv
	if rv > v {
		v = rv
	}
	final["version"] = v + 1
}

func versionOf(r types.Row) (int64, bool) {
	v, ok := r["version"]
	if !ok || v == nil {
		return 0, false
	}
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	}
	return 0, false
}

func updatedAtOf(r types.Row) (time.Time, bool) {
	for _, k := range []string{"updatedAt", "updated_at"} {
		if t, ok := asTime(r[k]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func createdAtOf(r types.Row) (any, bool) {
	v, ok := r[createdAtColumn(r)]
	return v, ok && v != nil
}

func createdAtColumn(r types.Row) string {
	if _, ok := r["created_at"]; ok {
		return "created_at"
	}
	return "createdAt"
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// fieldsEqual deep-compares the non-bookkeeping fields of both rows.
func fieldsEqual(local, remote types.Row) bool {
	keys := map[string]bool{}
	for k := range local {
		keys[k] = true
	}
	for k := range remote {
		keys[k] = true
	}
	for k := range keys {
		if bookkeepingColumns[k] {
			continue
		}
		if !valueEqual(local[k], remote[k]) {
			return false
		}
	}
	return true
}

// valueEqual compares two field values, tolerating the representation skew
// the two stores introduce (int64 vs float64, time vs ISO string).
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := asTime(a); ok {
		if tb, ok2 := asTime(b); ok2 {
			return ta.Equal(tb)
		}
	}
	if na, ok := asFloat(a); ok {
		if nb, ok2 := asFloat(b); ok2 {
			return na == nb
		}
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

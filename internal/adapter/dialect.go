package adapter

import (
	"fmt"
	"strings"
)

// Dialect captures the SQL differences between the two backing stores that
// matter for generated queries: placeholder style, identifier quoting and
// case-insensitive matching.
type Dialect struct {
	// Name is "postgres" or "sqlite".
	Name string
	// Numbered placeholders render $1, $2, ...; positional render ?.
	NumberedPlaceholders bool
	// ILike is true when the engine has a native case-insensitive LIKE.
	ILike bool
}

// Placeholder renders the i-th (1-based) bind placeholder.
func (d Dialect) Placeholder(i int) string {
	if d.NumberedPlaceholders {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// QuoteIdent quotes a single identifier. Identifiers reaching this point have
// already passed the registry allowlist; quoting guards against reserved
// words, not injection.
func (d Dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}

// LikeOp returns the operator for pattern matching, honoring insensitive
// mode where the engine supports it natively.
func (d Dialect) LikeOp(insensitive bool) string {
	if insensitive && d.ILike {
		return "ILIKE"
	}
	return "LIKE"
}

// Postgres is the primary engine's dialect: numbered placeholders, ILIKE.
var Postgres = Dialect{Name: "postgres", NumberedPlaceholders: true, ILike: true}

// SQLite is the fallback engine's dialect: positional placeholders. LIKE is
// already case-insensitive for ASCII in SQLite, so insensitive mode lowers
// both sides instead of switching operators.
var SQLite = Dialect{Name: "sqlite", NumberedPlaceholders: false, ILike: false}

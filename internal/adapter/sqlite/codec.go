package sqlite

import (
	"time"

	"github.com/duodb/duodb/internal/adapter"
	"github.com/duodb/duodb/internal/schema"
)

// coercionCodec funnels values through the schema registry's coercion rules:
// bool <-> 0/1, time <-> ISO-8601 text, JSON composites <-> encoded text.
// Columns the registry does not know pass through unchanged, which is what
// lets reads return drifted columns as-is.
type coercionCodec struct{}

var _ adapter.Codec = (*coercionCodec)(nil)

func (coercionCodec) Encode(t *schema.Table, col string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	kind, ok := columnKind(t, col)
	if !ok {
		return encodeUnknown(v), nil
	}
	return schema.Coerce(v, kind, schema.ToFallback)
}

func (coercionCodec) Decode(t *schema.Table, col string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if bs, ok := v.([]byte); ok {
		v = string(bs)
	}
	kind, ok := columnKind(t, col)
	if !ok {
		return v, nil
	}
	return schema.Coerce(v, kind, schema.FromFallback)
}

func columnKind(t *schema.Table, col string) (schema.Kind, bool) {
	if t == nil {
		return "", false
	}
	c, ok := t.Column(col)
	if !ok {
		return "", false
	}
	return c.Kind, true
}

// encodeUnknown handles values bound for columns outside the registry:
// times become ISO-8601 text, everything else is left to the driver.
func encodeUnknown(v any) any {
	if ts, ok := v.(time.Time); ok {
		return ts.UTC().Format(time.RFC3339Nano)
	}
	return v
}

package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/duodb/duodb/internal/adapter"
	"github.com/duodb/duodb/internal/schema"
)

// jsonCodec is the primary-side codec. Postgres stores values natively, so
// only JSON columns need work: composites are encoded on write and the
// driver's raw bytes are decoded back into composites on read.
type jsonCodec struct{}

var _ adapter.Codec = (*jsonCodec)(nil)

func (jsonCodec) Encode(t *schema.Table, col string, v any) (any, error) {
	if v == nil || t == nil {
		return v, nil
	}
	c, ok := t.Column(col)
	if !ok || c.Kind != schema.KindJSON {
		return v, nil
	}
	switch v.(type) {
	case string, []byte:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json column %s: %w", col, err)
		}
		return string(b), nil
	}
}

func (jsonCodec) Decode(t *schema.Table, col string, v any) (any, error) {
	if v == nil || t == nil {
		return v, nil
	}
	c, ok := t.Column(col)
	if !ok {
		if bs, isBytes := v.([]byte); isBytes {
			return string(bs), nil
		}
		return v, nil
	}
	switch c.Kind {
	case schema.KindJSON:
		var raw []byte
		switch x := v.(type) {
		case []byte:
			raw = x
		case string:
			raw = []byte(x)
		default:
			return v, nil
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return string(raw), nil
		}
		return out, nil
	case schema.KindString, schema.KindEnum:
		if bs, isBytes := v.([]byte); isBytes {
			return string(bs), nil
		}
		return v, nil
	default:
		return v, nil
	}
}

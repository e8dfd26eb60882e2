package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"
)

// Direction selects which representation a value is coerced into.
type Direction int

const (
	// ToFallback converts a primary-side value into the fallback store's
	// representation (bool -> 0/1, time -> ISO-8601 string, JSON -> string).
	ToFallback Direction = iota
	// FromFallback converts a fallback-side value back to the primary-side
	// representation.
	FromFallback
)

// Coerce converts a value between the primary and fallback representations
// of the given column kind. Coercion is total: unknown kinds pass through
// unchanged, and a whole-value kind mismatch (for example a composite handed
// to a string column) is JSON-encoded rather than rejected.
func Coerce(v any, kind Kind, dir Direction) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindBool:
		return coerceBool(v, dir)
	case KindTime:
		return coerceTime(v, dir)
	case KindJSON:
		return coerceJSON(v, dir)
	case KindBigInt:
		return coerceBigInt(v)
	case KindInt:
		return coerceInt(v)
	case KindFloat:
		return coerceFloat(v)
	case KindBytes:
		// Blobs travel as-is in both stores.
		return v, nil
	case KindEnum, KindString:
		return coerceString(v)
	default:
		return v, nil
	}
}

func coerceBool(v any, dir Direction) (any, error) {
	switch x := v.(type) {
	case bool:
		if dir == ToFallback {
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return x, nil
	case int64:
		if dir == FromFallback {
			return x != 0, nil
		}
		return x != 0, nil
	case int:
		return int64(x) != 0, nil
	case float64:
		return x != 0, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return nil, fmt.Errorf("coerce bool: %q", x)
		}
		if dir == ToFallback {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return b, nil
	default:
		return nil, fmt.Errorf("coerce bool: unsupported %T", v)
	}
}

func coerceTime(v any, dir Direction) (any, error) {
	switch x := v.(type) {
	case time.Time:
		if dir == ToFallback {
			return x.UTC().Format(time.RFC3339Nano), nil
		}
		return x, nil
	case string:
		t, err := parseTimestamp(x)
		if err != nil {
			return nil, err
		}
		if dir == ToFallback {
			return t.UTC().Format(time.RFC3339Nano), nil
		}
		return t, nil
	case int64:
		// Millisecond epoch, the change-log timestamp form.
		t := time.UnixMilli(x).UTC()
		if dir == ToFallback {
			return t.Format(time.RFC3339Nano), nil
		}
		return t, nil
	default:
		return nil, fmt.Errorf("coerce time: unsupported %T", v)
	}
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("coerce time: unparseable %q", s)
}

func coerceJSON(v any, dir Direction) (any, error) {
	if dir == ToFallback {
		switch v.(type) {
		case string:
			// Already encoded.
			return v, nil
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("coerce json: %w", err)
			}
			return string(b), nil
		}
	}
	switch x := v.(type) {
	case string:
		var out any
		if err := json.Unmarshal([]byte(x), &out); err != nil {
			// Not valid JSON; surface the raw string rather than failing the
			// whole read.
			return x, nil
		}
		return out, nil
	case []byte:
		var out any
		if err := json.Unmarshal(x, &out); err != nil {
			return string(x), nil
		}
		return out, nil
	default:
		return v, nil
	}
}

func coerceBigInt(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("coerce bigint: %d overflows int64", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || math.Abs(x) >= math.MaxInt64 {
			return nil, fmt.Errorf("coerce bigint: %v not representable", x)
		}
		return int64(x), nil
	case string:
		n, ok := new(big.Int).SetString(x, 10)
		if !ok {
			return nil, fmt.Errorf("coerce bigint: %q", x)
		}
		if !n.IsInt64() {
			return nil, fmt.Errorf("coerce bigint: %q overflows int64", x)
		}
		return n.Int64(), nil
	default:
		return nil, fmt.Errorf("coerce bigint: unsupported %T", v)
	}
}

func coerceInt(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("coerce int: %v has a fractional part", x)
		}
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("coerce int: %q", x)
		}
		return n, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("coerce int: unsupported %T", v)
	}
}

func coerceFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("coerce float: non-finite value")
		}
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil, fmt.Errorf("coerce float: %q", x)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("coerce float: unsupported %T", v)
	}
}

func coerceString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	default:
		// Whole-value kind mismatch: encode composites as JSON instead of
		// rejecting them.
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("coerce string: %w", err)
		}
		return string(b), nil
	}
}

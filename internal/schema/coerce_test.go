package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerceBool(t *testing.T) {
	v, err := Coerce(true, KindBool, ToFallback)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = Coerce(false, KindBool, ToFallback)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = Coerce(int64(1), KindBool, FromFallback)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Coerce(int64(0), KindBool, FromFallback)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestCoerceTime(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	v, err := Coerce(ts, KindTime, ToFallback)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14T09:26:53Z", v)

	v, err = Coerce("2026-03-14T09:26:53Z", KindTime, FromFallback)
	require.NoError(t, err)
	assert.True(t, ts.Equal(v.(time.Time)))

	// Millisecond epoch form used by the change log.
	v, err = Coerce(ts.UnixMilli(), KindTime, FromFallback)
	require.NoError(t, err)
	assert.True(t, ts.Equal(v.(time.Time)))

	_, err = Coerce("yesterday-ish", KindTime, FromFallback)
	assert.Error(t, err)
}

func TestCoerceJSON(t *testing.T) {
	v, err := Coerce(map[string]any{"a": 1}, KindJSON, ToFallback)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, v.(string))

	v, err = Coerce(`{"a":1}`, KindJSON, FromFallback)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, v)

	// Invalid JSON comes back as the raw string instead of failing the read.
	v, err = Coerce("plain text", KindJSON, FromFallback)
	require.NoError(t, err)
	assert.Equal(t, "plain text", v)
}

func TestCoerceNumeric(t *testing.T) {
	v, err := Coerce(float64(42), KindInt, ToFallback)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = Coerce(float64(42.5), KindInt, ToFallback)
	assert.Error(t, err)

	v, err = Coerce("9223372036854775807", KindBigInt, ToFallback)
	require.NoError(t, err)
	assert.Equal(t, int64(9223372036854775807), v)

	_, err = Coerce("9223372036854775808", KindBigInt, ToFallback)
	assert.Error(t, err)

	v, err = Coerce(7, KindFloat, ToFallback)
	require.NoError(t, err)
	assert.Equal(t, float64(7), v)
}

func TestCoerceNilPassthrough(t *testing.T) {
	for _, kind := range []Kind{KindString, KindInt, KindBool, KindTime, KindJSON} {
		v, err := Coerce(nil, kind, ToFallback)
		require.NoError(t, err)
		assert.Nil(t, v)
	}
}

func TestCoerceStringFromComposite(t *testing.T) {
	v, err := Coerce([]any{1, 2}, KindString, ToFallback)
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", v)
}

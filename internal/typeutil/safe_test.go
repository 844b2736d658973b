package typeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeMapStringAny(t *testing.T) {
	m, ok := SafeMapStringAny(map[string]any{"a": 1})
	assert.True(t, ok)
	assert.Equal(t, 1, m["a"])

	_, ok = SafeMapStringAny("not a map")
	assert.False(t, ok)

	_, ok = SafeMapStringAny(nil)
	assert.False(t, ok)
}

func TestSafeIntAcceptsJSONNumericShapes(t *testing.T) {
	i, ok := SafeInt(float64(42))
	assert.True(t, ok)
	assert.Equal(t, 42, i)

	i, ok = SafeInt(int64(7))
	assert.True(t, ok)
	assert.Equal(t, 7, i)

	_, ok = SafeInt("42")
	assert.False(t, ok)
}

func TestSafeIntDefault(t *testing.T) {
	assert.Equal(t, 10, SafeIntDefault("nope", 10))
	assert.Equal(t, 5, SafeIntDefault(5, 10))
}

func TestSafeStringSliceAcceptsAnySliceOfStrings(t *testing.T) {
	s, ok := SafeStringSlice([]any{"a", "b"})
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, s)

	_, ok = SafeStringSlice([]any{"a", 1})
	assert.False(t, ok)
}

func TestGetNestedString(t *testing.T) {
	data := map[string]any{"routing": map[string]any{"region": "us-east"}}
	v, ok := GetNestedString(data, "routing.region")
	assert.True(t, ok)
	assert.Equal(t, "us-east", v)

	_, ok = GetNestedString(data, "routing.missing")
	assert.False(t, ok)
}

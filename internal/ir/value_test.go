package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Float(4.2)
	var _ Value = Bool(true)
	var _ Value = Array{String("a"), Int(1)}
	var _ Value = Object{"key": String("value")}
}

func TestObjectSortedKeys(t *testing.T) {
	obj := Object{"a": Int(1), "A": Int(2), "aa": Int(3), "AA": Int(4)}
	assert.Equal(t, []string{"A", "AA", "a", "aa"}, obj.SortedKeys())
}

func TestUnmarshalValueNumbers(t *testing.T) {
	v, err := UnmarshalValue([]byte(`{"i": 3, "f": 2.5, "e": 1e3, "n": null}`))
	require.NoError(t, err)

	obj := v.(Object)
	assert.Equal(t, Int(3), obj["i"])
	assert.Equal(t, Float(2.5), obj["f"])
	assert.Equal(t, Int(1000), obj["e"], "integral exponent form collapses to Int")
	assert.Equal(t, Null{}, obj["n"])
}

func TestObjectJSONRoundTrip(t *testing.T) {
	in := Object{
		"id":     String("u1"),
		"age":    Int(30),
		"score":  Float(0.75),
		"tags":   Array{String("x")},
		"nested": Object{"ok": Bool(true)},
		"gone":   Null{},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Object
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, Equal(in, out))
}

func TestObjectUnmarshalRejectsArray(t *testing.T) {
	var obj Object
	err := json.Unmarshal([]byte(`[1,2]`), &obj)
	assert.Error(t, err)
}

func TestFromAnyFloatCollapse(t *testing.T) {
	assert.Equal(t, Int(2), MustFromAny(2.0))
	assert.Equal(t, Float(2.5), MustFromAny(2.5))
}

func TestToAnyRoundTrip(t *testing.T) {
	in := map[string]any{"a": "x", "b": int64(1), "c": []any{true, nil}}
	v := MustFromAny(in)
	assert.Equal(t, in, ToAny(v))
}

func TestEqual(t *testing.T) {
	a := Object{"x": Array{Int(1), Object{"y": String("z")}}}
	b := a.Clone()
	assert.True(t, Equal(a, b))

	b["x"].(Array)[1].(Object)["y"] = String("changed")
	assert.False(t, Equal(a, b), "clone must be deep")
	assert.True(t, Equal(nil, Null{}))
	assert.False(t, Equal(Int(1), Float(1.5)))
}

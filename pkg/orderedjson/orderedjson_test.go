package orderedjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePreservesOrderAndNumbers(t *testing.T) {
	in := `{"z":1,"a":{"y":2.50,"b":[3,{"k":"v","c":null}]},"m":true}`

	obj, err := ParseObject([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, obj.Keys)

	out, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, in, string(out))
}

func TestDeleteAndSetFirst(t *testing.T) {
	obj, err := ParseObject([]byte(`{"id":"g1","name":"graph","prj_seq":7}`))
	require.NoError(t, err)

	assert.True(t, obj.Delete("prj_seq"))
	assert.False(t, obj.Delete("prj_seq"))
	obj.SetFirst("prj_seq", json.Number("9"))

	out, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"prj_seq":9,"id":"g1","name":"graph"}`, string(out))
}

func TestLookup(t *testing.T) {
	obj, err := ParseObject([]byte(`{"graph":{"id":"inner","nodes":[]}}`))
	require.NoError(t, err)

	v, ok := obj.Lookup("graph.id")
	require.True(t, ok)
	assert.Equal(t, "inner", v)

	_, ok = obj.Lookup("graph.missing")
	assert.False(t, ok)
	_, ok = obj.Lookup("graph.id.deeper")
	assert.False(t, ok)
}

func TestCloneIsDeep(t *testing.T) {
	obj, err := ParseObject([]byte(`{"a":{"b":[1,2]}}`))
	require.NoError(t, err)

	cp := Clone(obj).(*Object)
	inner, _ := cp.Get("a")
	inner.(*Object).Set("b", "changed")

	out, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":[1,2]}}`, string(out))
}

func TestParseObjectRejectsArrays(t *testing.T) {
	_, err := ParseObject([]byte(`[1,2]`))
	require.Error(t, err)
}

func TestParseRejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestObjectInsideEncodingJSON(t *testing.T) {
	obj, err := ParseObject([]byte(`{"b":1,"a":2}`))
	require.NoError(t, err)

	out, err := json.Marshal(map[string]any{"data": obj})
	require.NoError(t, err)
	assert.Equal(t, `{"data":{"b":1,"a":2}}`, string(out))
}

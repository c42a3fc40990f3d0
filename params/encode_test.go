package params

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abcXYZ019", "abcXYZ019"},
		{"-_.!~*'()", "-_.!~*'()"},
		{"a b", "a%20b"},
		{"a+b", "a%2Bb"},
		{"x/y=z&", "x%2Fy%3Dz%26"},
		{"@file", "%40file"},
		{"广州", "%E5%B9%BF%E5%B7%9E"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Escape(tt.in), "Escape(%q)", tt.in)
	}
}

func TestEncodeSortsKeys(t *testing.T) {
	f := Flat{"b": "a b", "a": "x+y/z=", "c": "!'()*~"}
	assert.Equal(t, "a=x%2By%2Fz%3D&b=a%20b&c=!'()*~", Encode(f))
}

func TestEncodeParseQueryAgree(t *testing.T) {
	f := Flat{"Name": "a b+c", "Tags.0": "k=v&w"}

	back := ParseQuery(Encode(f), Dot)
	name, _ := back.Get("Name")
	assert.Equal(t, String("a b+c"), name)

	tags, ok := back.Get("Tags")
	require.True(t, ok)
	assert.Equal(t, String("k=v&w"), tags.(*Seq).At(0))
}

func TestFromAny_JSON(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`{"b":{"c":1.25},"a":[1,"x",true,null]}`))
	dec.UseNumber()
	var raw any
	require.NoError(t, dec.Decode(&raw))

	v, err := FromAny(raw)
	require.NoError(t, err)

	got, err := Flatten(v, Dot)
	require.NoError(t, err)
	assert.Equal(t, Flat{"a.0": "1", "a.1": "x", "a.2": "true", "a.3": "", "b.c": "1.25"}, got)

	m := v.(*Map)
	assert.Equal(t, []string{"a", "b"}, m.Keys())
}

func TestFromAny_GoLiterals(t *testing.T) {
	v, err := FromAny(map[string]any{
		"n":    42,
		"f":    float32(0.5),
		"list": []string{"x", "y"},
		"tags": map[string]string{"env": "prod"},
		"node": NewMap().SetString("k", "v"),
	})
	require.NoError(t, err)

	got, err := Flatten(v, Dot)
	require.NoError(t, err)
	assert.Equal(t, Flat{
		"n":        "42",
		"f":        "0.5",
		"list.0":   "x",
		"list.1":   "y",
		"tags.env": "prod",
		"node.k":   "v",
	}, got)
}

func TestFromAny_Cycles(t *testing.T) {
	m := map[string]any{}
	m["self"] = m
	_, err := FromAny(map[string]any{"root": m})
	assert.ErrorIs(t, err, ErrCircularReference)

	s := make([]any, 1)
	s[0] = s
	_, err = FromAny(s)
	assert.ErrorIs(t, err, ErrCircularReference)
}

func TestFromAny_SharedMapIsNotACycle(t *testing.T) {
	shared := map[string]any{"id": "1"}
	_, err := FromAny(map[string]any{"a": shared, "b": shared})
	assert.NoError(t, err)
}

func TestFromAny_PrefixSubsliceIsNotACycle(t *testing.T) {
	s := []any{"a", nil}
	s[1] = s[:1]
	v, err := FromAny(map[string]any{"x": s})
	require.NoError(t, err)

	flat, err := Flatten(v, Dot)
	require.NoError(t, err)
	assert.Equal(t, Flat{"x.0": "a", "x.1.0": "a"}, flat)

	s[1] = s[:2]
	_, err = FromAny(map[string]any{"x": s})
	assert.ErrorIs(t, err, ErrCircularReference)
}

func TestFromAny_Unsupported(t *testing.T) {
	_, err := FromAny(struct{}{})
	assert.Error(t, err)
}

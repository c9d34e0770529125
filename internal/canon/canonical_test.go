package canon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"string", `"hello"`, `"hello"`},
		{"null", `null`, `null`},
		{"int", `42`, `42`},
		{"negative int", `-100`, `-100`},
		{"big int keeps digits", `123456789012345678901234567890`, `123456789012345678901234567890`},
		{"float", `1.5`, `1.5`},
		{"integral float", `10.0`, `10`},
		{"exponent", `1e3`, `1000`},
		{"tiny", `0.0000001`, `1e-7`},
		{"negative zero", `-0.0`, `0`},
		{"bool", `true`, `true`},
		{"empty array", `[]`, `[]`},
		{"empty object", `{}`, `{}`},
		{"whitespace dropped", ` { "a" : [ 1 , 2 ] } `, `{"a":[1,2]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			out, err := Marshal(doc)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalSortedKeys(t *testing.T) {
	out, err := Marshal(map[string]any{
		"zebra": json.Number("1"),
		"alpha": map[string]any{"b": json.Number("1"), "a": json.Number("2")},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":2,"b":1},"zebra":1}`, string(out))
}

func TestMarshalUTF16Ordering(t *testing.T) {
	// U+10000 encodes as the surrogate pair D800 DC00, which sorts before U+E000.
	obj := map[string]any{
		"\uE000":     json.Number("1"),
		"\U00010000": json.Number("2"),
	}
	out, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(out))
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	out, err := Marshal("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(out))
}

func TestMarshalLineSeparatorsLiteral(t *testing.T) {
	out, err := Marshal("a\u2028b\u2029c")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(out))

	out, err = Marshal(`x\u2028`)
	require.NoError(t, err)
	assert.Equal(t, `"x\\u2028"`, string(out))
}

func TestMarshalNFC(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"
	a, err := Marshal(decomposed)
	require.NoError(t, err)
	b, err := Marshal(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalStruct(t *testing.T) {
	type card struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	out, err := Marshal(card{ID: 7, Status: "open"})
	require.NoError(t, err)
	assert.Equal(t, `{"id":7,"status":"open"}`, string(out))
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := Decode([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]any{"b": nil, "a": nil, "ab": nil})
	assert.Equal(t, []string{"a", "ab", "b"}, keys)
}

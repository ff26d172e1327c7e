package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := IRObject{
		"zebra": IRInt(1),
		"alpha": IRInt(2),
		"beta":  IRObject{"y": IRBool(true), "x": IRString("v")},
	}

	got, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":{"x":"v","y":true},"zebra":1}`, string(got))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonical(IRString("<a & b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(got))
}

func TestMarshalCanonicalRejectsFloatsAndNull(t *testing.T) {
	_, err := MarshalCanonical(1.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats")

	_, err = MarshalCanonical(nil)
	require.Error(t, err)

	_, err = MarshalCanonical(IRObject{"k": nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null")
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	// "e" + combining acute accent normalizes to the precomposed form.
	got, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(got))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"literal U+2028", "a\u2028b", "\"a\u2028b\""},
		{"literal U+2029", "a\u2029b", "\"a\u2029b\""},
		{"escaped backslash text", `a\u2028b`, `"a\\u2028b"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonicalGoValues(t *testing.T) {
	type point struct {
		X     int    `json:"x"`
		Y     int    `json:"y"`
		Label string `json:"label,omitempty"`
		Skip  string `json:"-"`
	}

	got, err := MarshalCanonical(map[string]any{
		"points": []point{{X: 1, Y: 2, Label: "p"}},
		"n":      uint8(7),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"n":7,"points":[{"label":"p","x":1,"y":2}]}`, string(got))
}

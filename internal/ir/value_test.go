package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortedKeysUTF16Order(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...) and sorts before U+FF21.
	obj := IRObject{"Ａ": IRInt(1), "\U0001F600": IRInt(2), "a": IRInt(3)}
	assert.Equal(t, []string{"a", "\U0001F600", "Ａ"}, obj.SortedKeys())
}

func TestUnmarshalIRValue(t *testing.T) {
	v, err := UnmarshalIRValue([]byte(`{"n":[1,"s",false]}`))
	require.NoError(t, err)
	assert.Equal(t, IRObject{"n": IRArray{IRInt(1), IRString("s"), IRBool(false)}}, v)

	for _, bad := range []string{`null`, `1.5`, `{"a":null}`, `[1e3]`, `{`} {
		_, err := UnmarshalIRValue([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestIRFieldsDecodeThroughEncodingJSON(t *testing.T) {
	var doc struct {
		Obj IRObject `json:"obj"`
		Arr IRArray  `json:"arr"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"obj":{"k":"v"},"arr":[true]}`), &doc))
	assert.Equal(t, IRObject{"k": IRString("v")}, doc.Obj)
	assert.Equal(t, IRArray{IRBool(true)}, doc.Arr)

	assert.Error(t, json.Unmarshal([]byte(`{"obj":[1]}`), &doc))
	assert.Error(t, json.Unmarshal([]byte(`{"arr":[0.5]}`), &doc))
}

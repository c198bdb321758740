package canon_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpaturu/cc-native-sub003/pkg/canon"
)

func TestJSONSortsKeys(t *testing.T) {
	out, err := canon.JSON(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1}`, string(out))
}

func TestJSONNoHTMLEscaping(t *testing.T) {
	out, err := canon.JSON(map[string]any{"u": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"u":"a<b>&c"}`, string(out))
}

func TestHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := canon.Hash(map[string]any{"x": 1, "y": []string{"a", "b"}})
	require.NoError(t, err)
	h2, err := canon.Hash(map[string]any{"y": []string{"a", "b"}, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashStringsOrderSensitive(t *testing.T) {
	h1, err := canon.HashStrings([]string{"a", "b"})
	require.NoError(t, err)
	h2, err := canon.HashStrings([]string{"b", "a"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

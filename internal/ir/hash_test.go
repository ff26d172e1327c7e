package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKeyDeterminism(t *testing.T) {
	args := []string{"aaa", "bbb"}
	kwargs := map[string]string{"scale": "ccc"}

	k1, err := CacheKey("pkg.train", "1.0", args, kwargs)
	require.NoError(t, err)

	k2, err := CacheKey("pkg.train", "1.0", args, kwargs)
	require.NoError(t, err)

	assert.Equal(t, k1, k2, "CacheKey must be deterministic")
	assert.Len(t, k1, 64, "SHA-256 hex is 64 characters")
}

func TestCacheKeyChangesWithInput(t *testing.T) {
	base := MustCacheKey("pkg.train", "1.0", []string{"a", "b"}, nil)

	assert.NotEqual(t, base, MustCacheKey("pkg.eval", "1.0", []string{"a", "b"}, nil), "op")
	assert.NotEqual(t, base, MustCacheKey("pkg.train", "2.0", []string{"a", "b"}, nil), "version")
	assert.NotEqual(t, base, MustCacheKey("pkg.train", "1.0", []string{"b", "a"}, nil), "positional order matters")
	assert.NotEqual(t, base, MustCacheKey("pkg.train", "1.0", []string{"a"}, map[string]string{"x": "b"}), "positional vs keyword")
}

func TestCacheKeyKeywordOrderIndependent(t *testing.T) {
	k1 := MustCacheKey("op", "0", nil, map[string]string{"a": "1", "b": "2", "c": "3"})
	k2 := MustCacheKey("op", "0", nil, map[string]string{"c": "3", "a": "1", "b": "2"})

	assert.Equal(t, k1, k2)
}

func TestCacheKeyRejectsMissingHash(t *testing.T) {
	_, err := CacheKey("op", "0", []string{"a", ""}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "argument 1")

	_, err = CacheKey("op", "0", nil, map[string]string{"k": ""})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `keyword "k"`)
}

func TestDomainSeparation(t *testing.T) {
	data := []byte("same-bytes")

	assert.NotEqual(t, hashWithDomain(DomainCache, data), hashWithDomain(DomainURI, data))
	assert.Equal(t, hashWithDomain(DomainURI, []byte("mem://x")), URIHash("mem://x"))
}

func TestSchemaHash(t *testing.T) {
	assert.Equal(t, SchemaHash("json", "int"), SchemaHash("json", "int"))
	assert.NotEqual(t, SchemaHash("json", "int"), SchemaHash("yaml", "int"))
	// the separator keeps ("ab","c") distinct from ("a","bc")
	assert.NotEqual(t, SchemaHash("ab", "c"), SchemaHash("a", "bc"))
}

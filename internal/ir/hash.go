package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainCache  = "lazyflow/cache/v1"
	DomainURI    = "lazyflow/uri/v1"
	DomainSchema = "lazyflow/schema/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CacheKey computes the deterministic cache key of an operation call.
//
// Positional argument hashes keep their declared order; keyword argument
// hashes are appended as "name:hash" pairs sorted by name, so the key does
// not depend on the order keywords were supplied in.
func CacheKey(op, version string, args []string, kwargs map[string]string) (string, error) {
	positional := make(IRArray, len(args))
	for i, h := range args {
		if h == "" {
			return "", fmt.Errorf("CacheKey: argument %d has no data hash", i)
		}
		positional[i] = IRString(h)
	}

	names := make([]string, 0, len(kwargs))
	for name := range kwargs {
		names = append(names, name)
	}
	sort.Strings(names)

	keyword := make(IRArray, 0, len(names))
	for _, name := range names {
		h := kwargs[name]
		if h == "" {
			return "", fmt.Errorf("CacheKey: keyword %q has no data hash", name)
		}
		keyword = append(keyword, IRString(name+":"+h))
	}

	obj := IRObject{
		"op":      IRString(op),
		"version": IRString(version),
		"args":    positional,
		"kwargs":  keyword,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("CacheKey: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainCache, canonical), nil
}

// URIHash is the data hash recorded for entries whose content is only known
// by location (op outputs before execution). Identical URIs hash identically,
// which lets cache keys chain through unexecuted producers.
func URIHash(uri string) string {
	return hashWithDomain(DomainURI, []byte(uri))
}

// SchemaHash fingerprints a serialization schema descriptor.
func SchemaHash(dataFormat, schemaContent string) string {
	return hashWithDomain(DomainSchema, []byte(dataFormat+"\x00"+schemaContent))
}

// MustCacheKey is like CacheKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustCacheKey(op, version string, args []string, kwargs map[string]string) string {
	key, err := CacheKey(op, version, args, kwargs)
	if err != nil {
		panic(err)
	}
	return key
}

// Package ir provides the portable value model and content-addressed
// identity for lazyflow.
//
// It holds the canonical JSON encoding (RFC 8785) used both for hashing and
// for the stable "canonical-json" serialization format, and the
// domain-separated SHA-256 functions behind cache keys. All other internal
// packages may import ir; ir imports nothing internal.
//
// Key constraints:
//   - No float types: numbers are int64
//   - No null in canonical output
//   - Object keys ordered by UTF-16 code units
package ir

// Package storage defines the blob storage contract used by lazyflow and
// two implementations: an in-memory store ("mem://") and a local
// filesystem store ("file://").
//
// URIs are opaque to callers. Writes are whole-blob; a blob that exists is
// complete, since implementations stage and commit atomically.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/roach88/lazyflow/internal/errs"
)

// Client is the blob storage contract.
type Client interface {
	// Read streams the blob at uri into dest.
	// Returns a NotFound error if the blob does not exist.
	Read(ctx context.Context, uri string, dest io.Writer) error

	// Write stores src at uri and returns the URI written.
	Write(ctx context.Context, uri string, src io.Reader) (string, error)

	// Copy duplicates the blob at from to to without routing bytes through
	// the caller.
	Copy(ctx context.Context, from, to string) error

	// BlobExists reports whether a complete blob exists at uri.
	BlobExists(ctx context.Context, uri string) (bool, error)

	// SizeInBytes returns the blob size.
	SizeInBytes(ctx context.Context, uri string) (int64, error)
}

// Config names a storage location. Runtimes may offer one as a default.
type Config struct {
	// URI is the storage root, e.g. "file:///var/lazyflow" or "mem://test".
	URI string `mapstructure:"uri" yaml:"uri" json:"uri"`
}

// Open returns a client for the scheme of root.
func Open(root string) (Client, error) {
	scheme, err := Scheme(root)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "mem":
		return NewMemory(), nil
	case "file":
		return NewFS(), nil
	default:
		return nil, fmt.Errorf("unsupported scheme in storage URI: %q", scheme)
	}
}

// Scheme returns the scheme of a storage URI.
func Scheme(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse storage URI: %w", err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("missing scheme in storage URI %q; need a prefix, e.g. \"file://\" or \"mem://\"", uri)
	}
	return u.Scheme, nil
}

// Join appends path segments to a storage URI.
func Join(uri string, parts ...string) string {
	out := strings.TrimRight(uri, "/")
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		out += "/" + p
	}
	return out
}

func blobNotFound(uri string) error {
	return errs.New(errs.CodeNotFound, "blob does not exist").With("uri", uri)
}

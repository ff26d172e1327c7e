package testutil

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"github.com/roach88/lazyflow/internal/storage"
)

// ErrInjected is returned by FailingStorage for failed writes.
var ErrInjected = errors.New("injected storage failure")

// FailingStorage wraps a storage client and fails writes whose URI
// contains a configured substring. An empty substring fails every write.
type FailingStorage struct {
	storage.Client
	match  string
	failed atomic.Int64
}

// NewFailingStorage wraps inner.
func NewFailingStorage(inner storage.Client, match string) *FailingStorage {
	return &FailingStorage{Client: inner, match: match}
}

// Write implements storage.Client.
func (f *FailingStorage) Write(ctx context.Context, uri string, src io.Reader) (string, error) {
	if strings.Contains(uri, f.match) {
		f.failed.Add(1)
		return "", ErrInjected
	}
	return f.Client.Write(ctx, uri, src)
}

// Failed returns the number of failed writes.
func (f *FailingStorage) Failed() int64 { return f.failed.Load() }

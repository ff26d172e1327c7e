// Package cache derives deterministic result locations for op calls.
//
// A cached call's outputs live under a path built from the op name, its
// version and a key over the content hashes of its inputs. Two runs issuing
// the same call agree on the output URIs before anything executes, so a
// runtime can skip the call when the blobs already exist. Non-cached calls
// get a path built from the call id instead.
package cache

import (
	"context"
	"fmt"

	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/ir"
	"github.com/roach88/lazyflow/internal/storage"
)

const runsDir = "lazy_runs"

// Key computes the cache key of a call from the data hashes of its
// positional arguments (declared order) and keyword arguments (by name).
func Key(op, version string, args []string, kwargs map[string]string) (string, error) {
	key, err := ir.CacheKey(op, version, args, kwargs)
	if err != nil {
		return "", fmt.Errorf("cache key for %s@%s: %w", op, version, err)
	}
	return key, nil
}

// Layout places the data of one workflow under a storage root.
type Layout struct {
	Root     string
	User     string
	Workflow string
}

// RunPrefix is root/<user>/lazy_runs/<workflow>.
func (l Layout) RunPrefix() string {
	return storage.Join(l.Root, l.User, runsDir, l.Workflow)
}

// InputsPrefix is where locally supplied values are content-addressed.
func (l Layout) InputsPrefix() string {
	return storage.Join(l.RunPrefix(), "inputs")
}

// CachedDir is the result directory of a cached call.
func (l Layout) CachedDir(op, version, key string) string {
	return storage.Join(l.RunPrefix(), "ops", op, version, key)
}

// CallDir is the result directory of a non-cached call.
func (l Layout) CallDir(op, callID string) string {
	return storage.Join(l.RunPrefix(), "ops", op, callID)
}

// OutputURI is the location of output i of a cached call.
func (l Layout) OutputURI(op, version, key string, i int) string {
	return ReturnURI(l.CachedDir(op, version, key), i)
}

// RandomOutputURI is the location of output i of a non-cached call.
func (l Layout) RandomOutputURI(op, callID string, i int) string {
	return ReturnURI(l.CallDir(op, callID), i)
}

// ReturnURI is the location of output i inside a result directory.
func ReturnURI(dir string, i int) string {
	return storage.Join(dir, fmt.Sprintf("return_%d", i))
}

// ExceptionURI is where a runtime records a call's failure.
func ExceptionURI(dir string) string {
	return storage.Join(dir, "exception")
}

// Checker reports blob presence. storage.Client satisfies it.
type Checker interface {
	BlobExists(ctx context.Context, uri string) (bool, error)
}

// Policy decides whether a call may reuse stored results.
type Policy struct {
	Enabled bool
}

// Lookup returns nil when every output URI holds a blob. A missing blob, or a
// disabled policy, yields a CacheMiss error; callers treat that as the signal
// to execute, not as a failure.
func (p Policy) Lookup(ctx context.Context, c Checker, uris []string) error {
	if !p.Enabled {
		return errs.New(errs.CodeCacheMiss, "caching disabled")
	}
	if len(uris) == 0 {
		return errs.New(errs.CodeCacheMiss, "call has no outputs")
	}
	for _, uri := range uris {
		ok, err := c.BlobExists(ctx, uri)
		if err != nil {
			return fmt.Errorf("cache lookup: %w", err)
		}
		if !ok {
			return errs.New(errs.CodeCacheMiss, "output not stored").With("uri", uri)
		}
	}
	return nil
}

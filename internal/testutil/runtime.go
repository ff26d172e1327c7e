package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/lazyflow/internal/call"
	"github.com/roach88/lazyflow/internal/runtime"
	"github.com/roach88/lazyflow/internal/snapshot"
	"github.com/roach88/lazyflow/internal/storage"
)

// RecordingRuntime wraps a runtime and records what is submitted to it.
//
// On every Exec it checks that each call's inputs either exist in storage
// or are produced by an earlier call of the same submission, and records a
// violation otherwise. The wrapped runtime still executes the calls.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RecordingRuntime struct {
	inner runtime.Runtime

	mu          sync.Mutex
	store       *snapshot.Store
	submissions [][]string
	violations  []string
	starts      int
	finishes    int
	aborts      int
}

// NewRecordingRuntime wraps inner.
func NewRecordingRuntime(inner runtime.Runtime) *RecordingRuntime {
	return &RecordingRuntime{inner: inner}
}

// Start implements runtime.Runtime.
func (r *RecordingRuntime) Start(ctx context.Context, s runtime.Session) (string, error) {
	r.mu.Lock()
	r.store = s.Store
	r.starts++
	r.mu.Unlock()
	return r.inner.Start(ctx, s)
}

// Exec implements runtime.Runtime.
func (r *RecordingRuntime) Exec(ctx context.Context, calls []*call.Node, progress func(runtime.ProgressStep)) error {
	r.mu.Lock()
	ids := make([]string, len(calls))
	produced := make(map[string]bool)
	for i, n := range calls {
		ids[i] = n.ID
		for _, in := range n.InputEntryIDs() {
			if produced[in] {
				continue
			}
			ok, err := r.store.BlobExists(ctx, in)
			if err != nil || !ok {
				r.violations = append(r.violations, fmt.Sprintf("%s: input %s not ready", n, in))
			}
		}
		for _, out := range n.OutputEntryIDs {
			produced[out] = true
		}
	}
	r.submissions = append(r.submissions, ids)
	r.mu.Unlock()
	return r.inner.Exec(ctx, calls, progress)
}

// Finish implements runtime.Runtime.
func (r *RecordingRuntime) Finish(ctx context.Context) error {
	r.mu.Lock()
	r.finishes++
	r.mu.Unlock()
	return r.inner.Finish(ctx)
}

// Abort implements runtime.Runtime.
func (r *RecordingRuntime) Abort(ctx context.Context) error {
	r.mu.Lock()
	r.aborts++
	r.mu.Unlock()
	return r.inner.Abort(ctx)
}

// DefaultStorage implements runtime.StorageProvider when the wrapped
// runtime does.
func (r *RecordingRuntime) DefaultStorage() (storage.Config, bool) {
	if sp, ok := r.inner.(runtime.StorageProvider); ok {
		return sp.DefaultStorage()
	}
	return storage.Config{}, false
}

// Submissions returns the call ids of every Exec, in order.
func (r *RecordingRuntime) Submissions() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.submissions))
	for i, s := range r.submissions {
		out[i] = append([]string(nil), s...)
	}
	return out
}

// Submitted returns all submitted call ids flattened in order.
func (r *RecordingRuntime) Submitted() []string {
	var out []string
	for _, s := range r.Submissions() {
		out = append(out, s...)
	}
	return out
}

// Violations returns input readiness violations seen so far.
func (r *RecordingRuntime) Violations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.violations...)
}

// Counts returns how often Start, Finish and Abort were called.
func (r *RecordingRuntime) Counts() (starts, finishes, aborts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.finishes, r.aborts
}

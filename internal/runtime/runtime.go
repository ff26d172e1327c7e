// Package runtime defines the contract between a workflow and the service
// that executes its calls, plus LocalRuntime, an in-process implementation.
package runtime

import (
	"context"
	"fmt"

	"github.com/roach88/lazyflow/internal/call"
	"github.com/roach88/lazyflow/internal/snapshot"
	"github.com/roach88/lazyflow/internal/storage"
)

// Status is the state of one call reported through progress steps.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// ProgressStep reports a status change of one call.
type ProgressStep struct {
	CallID string
	OpName string
	Status Status

	// Cached is set on COMPLETED steps for calls skipped because their
	// outputs already existed.
	Cached bool

	// Message describes a failure.
	Message string
}

func (p ProgressStep) String() string {
	s := fmt.Sprintf("%s %s[%s]", p.Status, p.OpName, p.CallID)
	if p.Cached {
		s += " (cached)"
	}
	if p.Message != "" {
		s += ": " + p.Message
	}
	return s
}

// Session describes the workflow a runtime serves.
type Session struct {
	WorkflowName string
	ExecutionID  string

	// Store holds the workflow's entries. Runtimes read inputs and write
	// outputs through it.
	Store *snapshot.Store
}

// Runtime executes call graphs.
type Runtime interface {
	// Start opens a session and returns its id.
	Start(ctx context.Context, s Session) (string, error)

	// Exec runs calls in the given order and blocks until all complete or
	// one fails. Failures are reported as *errs.ExecutionError.
	Exec(ctx context.Context, calls []*call.Node, progress func(ProgressStep)) error

	// Finish closes the session normally.
	Finish(ctx context.Context) error

	// Abort closes the session after a failure. Results produced so far
	// must not be treated as complete.
	Abort(ctx context.Context) error
}

// StorageProvider is implemented by runtimes that offer default storage.
type StorageProvider interface {
	DefaultStorage() (storage.Config, bool)
}

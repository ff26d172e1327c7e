package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/lazyflow/internal/cache"
	"github.com/roach88/lazyflow/internal/call"
	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/ids"
	"github.com/roach88/lazyflow/internal/op"
	"github.com/roach88/lazyflow/internal/snapshot"
	"github.com/roach88/lazyflow/internal/storage"
)

// Return codes of failed tasks.
const (
	ReturnCodeError = 1
	ReturnCodePanic = 2
)

// LocalRuntime executes calls in-process, one at a time, in the order
// given. Cached calls whose outputs all exist are skipped.
//
// Thread-safety: LocalRuntime is safe for concurrent use, but Exec calls
// are serialized.
type LocalRuntime struct {
	registry *op.Registry
	storage  *storage.Config
	ids      ids.Generator
	logger   *slog.Logger

	mu       sync.Mutex
	session  *Session
	executed []string
	skipped  []string
	aborted  bool
	finished bool
}

// LocalOption configures a LocalRuntime.
type LocalOption func(*LocalRuntime)

// WithRegistry resolves ops by name for nodes that carry no op definition.
func WithRegistry(r *op.Registry) LocalOption {
	return func(l *LocalRuntime) { l.registry = r }
}

// WithDefaultStorage makes the runtime offer cfg as default storage.
func WithDefaultStorage(cfg storage.Config) LocalOption {
	return func(l *LocalRuntime) { l.storage = &cfg }
}

// WithSessionIDs overrides the session id generator (default UUIDv7).
func WithSessionIDs(g ids.Generator) LocalOption {
	return func(l *LocalRuntime) { l.ids = g }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) LocalOption {
	return func(l *LocalRuntime) { l.logger = lg }
}

// NewLocal creates a local runtime.
func NewLocal(opts ...LocalOption) *LocalRuntime {
	l := &LocalRuntime{
		registry: op.NewRegistry(),
		ids:      ids.UUIDv7{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultStorage implements StorageProvider.
func (l *LocalRuntime) DefaultStorage() (storage.Config, bool) {
	if l.storage == nil {
		return storage.Config{}, false
	}
	return *l.storage, true
}

// Start implements Runtime.
func (l *LocalRuntime) Start(ctx context.Context, s Session) (string, error) {
	if s.Store == nil {
		return "", errors.New("start session: no entry store")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		return "", errs.New(errs.CodeInvalidState, "session already started").With("workflow", l.session.WorkflowName)
	}
	l.session = &s
	l.aborted, l.finished = false, false
	id := l.ids.Generate()
	l.logger.Info("runtime session started", "workflow", s.WorkflowName, "session", id)
	return id, nil
}

// Exec implements Runtime.
func (l *LocalRuntime) Exec(ctx context.Context, calls []*call.Node, progress func(ProgressStep)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return errs.New(errs.CodeInvalidState, "exec without an active session")
	}
	if progress == nil {
		progress = func(ProgressStep) {}
	}

	for _, n := range calls {
		progress(ProgressStep{CallID: n.ID, OpName: n.OpName, Status: StatusWaiting})
	}
	for _, n := range calls {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("exec: %w", err)
		}
		if err := l.execOne(ctx, n, progress); err != nil {
			return err
		}
	}
	return nil
}

func (l *LocalRuntime) execOne(ctx context.Context, n *call.Node, progress func(ProgressStep)) error {
	store := l.session.Store

	if n.Cache {
		uris, err := outputURIs(store, n)
		if err != nil {
			return err
		}
		err = cache.Policy{Enabled: true}.Lookup(ctx, store.Client(), uris)
		if err == nil {
			l.logger.Debug("cache hit, skipping call", "call", n.ID, "op", n.OpName, "key", n.CacheKey)
			l.skipped = append(l.skipped, n.ID)
			progress(ProgressStep{CallID: n.ID, OpName: n.OpName, Status: StatusCompleted, Cached: true})
			return nil
		}
		if !errs.IsCacheMiss(err) {
			return err
		}
	}

	o, err := l.resolve(n)
	if err != nil {
		return l.fail(ctx, n, ReturnCodeError, err, progress)
	}
	values, err := l.inputs(ctx, o, n)
	if err != nil {
		return l.fail(ctx, n, ReturnCodeError, err, progress)
	}

	progress(ProgressStep{CallID: n.ID, OpName: n.OpName, Status: StatusExecuting})
	outs, err := o.Invoke(ctx, values)
	if err != nil {
		rc := ReturnCodeError
		var pe *op.PanicError
		if errors.As(err, &pe) {
			rc = ReturnCodePanic
		}
		return l.fail(ctx, n, rc, err, progress)
	}
	if len(outs) != len(n.OutputEntryIDs) {
		return l.fail(ctx, n, ReturnCodeError,
			fmt.Errorf("op returned %d values for %d outputs", len(outs), len(n.OutputEntryIDs)), progress)
	}
	for i, id := range n.OutputEntryIDs {
		if err := store.WriteResult(ctx, id, outs[i]); err != nil {
			return l.fail(ctx, n, ReturnCodeError, err, progress)
		}
	}

	l.executed = append(l.executed, n.ID)
	progress(ProgressStep{CallID: n.ID, OpName: n.OpName, Status: StatusCompleted})
	return nil
}

func (l *LocalRuntime) resolve(n *call.Node) (*op.Op, error) {
	if n.Op != nil {
		return n.Op, nil
	}
	o, ok := l.registry.Lookup(n.OpName)
	if !ok {
		return nil, fmt.Errorf("op %q is not registered", n.OpName)
	}
	return o, nil
}

// inputs reads argument values in parameter order. Positional entries fill
// the leading parameters; the rest are keywords.
func (l *LocalRuntime) inputs(ctx context.Context, o *op.Op, n *call.Node) ([]any, error) {
	params := o.Params()
	values := make([]any, len(params))
	for i, p := range params {
		var id string
		if i < len(n.ArgEntryIDs) {
			id = n.ArgEntryIDs[i]
		} else {
			kid, ok := n.KwargEntryIDs[p.Name]
			if !ok {
				return nil, fmt.Errorf("no entry for parameter %q", p.Name)
			}
			id = kid
		}
		v, err := l.session.Store.GetData(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read argument %q: %w", p.Name, err)
		}
		values[i] = v
	}
	return values, nil
}

func (l *LocalRuntime) fail(ctx context.Context, n *call.Node, rc int, cause error, progress func(ProgressStep)) error {
	if n.ExceptionEntryID != "" {
		if err := l.session.Store.WriteResult(ctx, n.ExceptionEntryID, cause.Error()); err != nil {
			l.logger.Warn("failed to record call exception", "call", n.ID, "error", err)
		}
	}
	progress(ProgressStep{CallID: n.ID, OpName: n.OpName, Status: StatusFailed, Message: cause.Error()})
	l.logger.Info("call failed", "call", n.ID, "op", n.OpName, "rc", rc, "error", cause)
	return &errs.ExecutionError{
		TaskID:      n.ID,
		OpName:      n.OpName,
		ReturnCode:  rc,
		Description: cause.Error(),
		Err:         cause,
	}
}

// Finish implements Runtime.
func (l *LocalRuntime) Finish(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return errs.New(errs.CodeInvalidState, "finish without an active session")
	}
	l.logger.Info("runtime session finished", "workflow", l.session.WorkflowName)
	l.session = nil
	l.finished = true
	return nil
}

// Abort implements Runtime.
func (l *LocalRuntime) Abort(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	l.logger.Info("runtime session aborted", "workflow", l.session.WorkflowName)
	l.session = nil
	l.aborted = true
	return nil
}

// Executed returns the ids of calls that ran, in execution order.
func (l *LocalRuntime) Executed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.executed...)
}

// Skipped returns the ids of calls skipped on a cache hit.
func (l *LocalRuntime) Skipped() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.skipped...)
}

// Aborted reports whether the last session was aborted.
func (l *LocalRuntime) Aborted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aborted
}

// Finished reports whether the last session finished normally.
func (l *LocalRuntime) Finished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finished
}

func outputURIs(store *snapshot.Store, n *call.Node) ([]string, error) {
	uris := make([]string, len(n.OutputEntryIDs))
	for i, id := range n.OutputEntryIDs {
		e, err := store.Get(id)
		if err != nil {
			return nil, err
		}
		uris[i] = e.StorageURI
	}
	return uris, nil
}

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/lazyflow/internal/cache"
	"github.com/roach88/lazyflow/internal/call"
	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/graph"
	"github.com/roach88/lazyflow/internal/op"
	"github.com/roach88/lazyflow/internal/runtime"
	"github.com/roach88/lazyflow/internal/snapshot"
	"github.com/roach88/lazyflow/internal/storage"
	"github.com/roach88/lazyflow/internal/whiteboard"
)

// State is the lifecycle state of a workflow.
type State string

const (
	StateNotStarted State = "NOT_STARTED"
	StateActive     State = "ACTIVE"
	StateFinalized  State = "FINALIZED"
	StateAborted    State = "ABORTED"
)

// Workflow accumulates call nodes and submits them at barriers.
//
// Thread-safety: Workflow is safe for concurrent use. Barriers are
// serialized; calls issued while a barrier runs wait for it.
type Workflow struct {
	client *Client
	name   string
	eager  bool
	env    op.Env
	prov   op.Provisioning
	layout cache.Layout
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	executionID string
	sessionID   string
	store       *snapshot.Store
	builder     *call.Builder
	graph       *graph.Graph
	queue       []*call.Node
	pending     []*snapshot.Staged
	filled      map[string]bool
	boards      []*board
	progress    []runtime.ProgressStep

	// failed is the first runtime failure. Later barriers return it
	// instead of resubmitting.
	failed error
}

type board struct {
	wb  *whiteboard.Whiteboard
	ctl *whiteboard.Control
}

// Option configures a Workflow.
type Option func(*Workflow)

// Eager runs a barrier after every call.
func Eager(eager bool) Option {
	return func(w *Workflow) { w.eager = eager }
}

// WithEnv sets the default environment of the workflow's calls.
func WithEnv(env op.Env) Option {
	return func(w *Workflow) { w.env = env }
}

// WithProvisioning sets the default resources of the workflow's calls.
func WithProvisioning(p op.Provisioning) Option {
	return func(w *Workflow) { w.prov = p }
}

// Workflow creates a workflow named name. It is not active until Enter.
func (c *Client) Workflow(name string, opts ...Option) (*Workflow, error) {
	if !workflowNameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid workflow name %q: use letters, digits, '_' and '-'", name)
	}
	w := &Workflow{
		client: c,
		name:   name,
		eager:  c.eager,
		layout: cache.Layout{Root: c.root, User: c.user, Workflow: name},
		state:  StateNotStarted,
		filled: make(map[string]bool),
		graph:  graph.New(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = c.logger.With("workflow", name)
	return w, nil
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// State returns the lifecycle state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ExecutionID identifies the current run. Empty before Enter.
func (w *Workflow) ExecutionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.executionID
}

// Store returns the entry store of the current run.
func (w *Workflow) Store() *snapshot.Store {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store
}

// Filled reports whether an entry's data is known to exist.
func (w *Workflow) Filled(entryID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filled[entryID]
}

// Queue returns the calls queued since the last barrier.
func (w *Workflow) Queue() []*call.Node {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.queue)
}

// Graph returns the call graph of the current run.
func (w *Workflow) Graph() *graph.Graph {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.graph
}

// Progress returns the progress steps reported so far.
func (w *Workflow) Progress() []runtime.ProgressStep {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.progress)
}

// Enter activates the workflow and returns a context carrying it. It fails
// with ConcurrentWorkflow if the client already has an active workflow.
func (w *Workflow) Enter(ctx context.Context) (context.Context, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateNotStarted {
		return nil, errs.New(errs.CodeInvalidState, "workflow cannot be entered").
			With("workflow", w.name).
			With("state", string(w.state))
	}
	if err := w.client.acquire(w); err != nil {
		return nil, err
	}

	c := w.client
	w.executionID = c.ids.Generate()
	w.logger = c.logger.With("workflow", w.name, "execution_id", w.executionID)
	w.store = snapshot.New(c.serializers, c.storage, w.layout.InputsPrefix(),
		snapshot.WithIDGenerator(c.ids),
		snapshot.WithLogger(w.logger),
	)
	w.builder = call.NewBuilder(w.store, w.layout,
		call.WithIDGenerator(c.ids),
		call.WithDefaults(w.env, w.prov),
		call.WithLogger(w.logger),
	)

	sid, err := c.runtime.Start(ctx, runtime.Session{
		WorkflowName: w.name,
		ExecutionID:  w.executionID,
		Store:        w.store,
	})
	if err != nil {
		c.release(w)
		return nil, fmt.Errorf("enter workflow %s: start runtime: %w", w.name, err)
	}
	w.sessionID = sid
	w.state = StateActive
	w.logger.Info("workflow started", "session", sid, "eager", w.eager)
	return WithWorkflow(ctx, w), nil
}

// Barrier uploads pending local arguments, submits queued calls to the
// runtime in dependency order and waits for them. An empty queue is a no-op.
// On success the queue is empty.
func (w *Workflow) Barrier(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.barrierLocked(ctx)
}

func (w *Workflow) barrierLocked(ctx context.Context) error {
	if w.state != StateActive {
		return errs.New(errs.CodeInvalidState, "barrier on inactive workflow").
			With("workflow", w.name).
			With("state", string(w.state))
	}
	if w.failed != nil {
		return w.failed
	}
	if len(w.queue) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range w.pending {
		g.Go(func() error { return st.Upload(gctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("barrier: upload arguments: %w", err)
	}
	for _, st := range w.pending {
		w.filled[st.EntryID] = true
	}
	w.pending = nil

	ids := make([]string, len(w.queue))
	for i, n := range w.queue {
		ids[i] = n.ID
	}
	order, err := w.graph.TopoOrder(ids...)
	if err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	if err := w.checkInputsReady(order); err != nil {
		return err
	}

	chain := make([]string, len(order))
	for i, n := range order {
		chain[i] = n.OpName
	}
	w.logger.Info("building graph", "ops", strings.Join(chain, " -> "), "calls", len(order))

	if err := w.client.runtime.Exec(ctx, order, w.recordProgress); err != nil {
		w.failed = fmt.Errorf("barrier: %w", err)
		return w.failed
	}

	for _, n := range order {
		for _, id := range n.OutputEntryIDs {
			w.filled[id] = true
		}
	}
	w.queue = nil

	for _, b := range w.boards {
		if err := b.ctl.Link(ctx); err != nil {
			return fmt.Errorf("barrier: %w", err)
		}
	}
	return nil
}

// checkInputsReady verifies that every input of a call is filled or
// produced by an earlier call of the same submission.
func (w *Workflow) checkInputsReady(order []*call.Node) error {
	produced := make(map[string]bool)
	for _, n := range order {
		for _, id := range n.InputEntryIDs() {
			if !w.filled[id] && !produced[id] {
				return errs.New(errs.CodeInvalidState, "call input is not ready").
					With("call", n.ID).
					With("entry", id)
			}
		}
		for _, id := range n.OutputEntryIDs {
			produced[id] = true
		}
	}
	return nil
}

func (w *Workflow) recordProgress(s runtime.ProgressStep) {
	w.progress = append(w.progress, s)
	switch s.Status {
	case runtime.StatusCompleted:
		if s.Cached {
			w.logger.Debug("call result reused", "call", s.CallID, "op", s.OpName)
			return
		}
		w.logger.Info("call completed", "call", s.CallID, "op", s.OpName)
	case runtime.StatusFailed:
		w.logger.Info("call failed", "call", s.CallID, "op", s.OpName, "message", s.Message)
	default:
		w.logger.Debug("call progress", "call", s.CallID, "op", s.OpName, "status", s.Status)
	}
}

// Exit closes the workflow. With a nil cause it runs a final barrier,
// finalizes whiteboards and finishes the runtime session; a failure on that
// path switches to the abort path. With a non-nil cause the runtime is
// aborted, whiteboards are marked ERRORED and cause is returned.
func (w *Workflow) Exit(ctx context.Context, cause error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateActive {
		return errs.New(errs.CodeInvalidState, "exit from inactive workflow").
			With("workflow", w.name).
			With("state", string(w.state))
	}
	defer w.client.release(w)

	if cause == nil {
		cause = w.finishLocked(ctx)
		if cause == nil {
			w.state = StateFinalized
			w.logger.Info("workflow finalized")
			return nil
		}
	}

	w.abortLocked(ctx)
	return cause
}

func (w *Workflow) finishLocked(ctx context.Context) error {
	if err := w.barrierLocked(ctx); err != nil {
		return err
	}
	for _, b := range w.boards {
		if err := b.ctl.Finalize(ctx); err != nil {
			return fmt.Errorf("finalize whiteboard %s: %w", b.wb.ID(), err)
		}
	}
	if err := w.client.runtime.Finish(ctx); err != nil {
		return fmt.Errorf("finish runtime session: %w", err)
	}
	return nil
}

func (w *Workflow) abortLocked(ctx context.Context) {
	if err := w.client.runtime.Abort(ctx); err != nil {
		w.logger.Warn("runtime abort failed", "error", err)
	}
	for _, b := range w.boards {
		if err := b.ctl.Abort(ctx); err != nil {
			w.logger.Warn("whiteboard abort failed", "whiteboard", b.wb.ID(), "error", err)
		}
	}
	w.queue = nil
	w.pending = nil
	w.state = StateAborted
	w.logger.Info("workflow aborted")
}

// Run enters the workflow, calls fn and exits. An error or panic from fn
// aborts the workflow; a panic is returned as an error.
func (w *Workflow) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	wctx, err := w.Enter(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = w.Exit(ctx, fmt.Errorf("workflow %s: panic: %v", w.name, r))
		}
	}()
	return w.Exit(ctx, fn(wctx))
}

// CreateWhiteboard creates a whiteboard finalized together with the
// workflow.
func (w *Workflow) CreateWhiteboard(ctx context.Context, schema whiteboard.Schema, tags ...string) (*whiteboard.Whiteboard, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateActive {
		return nil, errs.New(errs.CodeInvalidState, "whiteboards need an active workflow").With("workflow", w.name)
	}
	c := w.client
	id := c.ids.Generate()
	uri := storage.Join(c.root, c.user, "whiteboards", id)
	opts := []whiteboard.Option{
		whiteboard.WithTags(tags...),
		whiteboard.WithLogger(w.logger),
		whiteboard.WithCreatedAt(c.now().UTC()),
	}
	if c.index != nil {
		opts = append(opts, whiteboard.WithIndex(c.index))
	}
	wb, ctl, err := whiteboard.New(ctx, lockedOwner{w}, schema, id, uri, opts...)
	if err != nil {
		return nil, err
	}
	w.boards = append(w.boards, &board{wb: wb, ctl: ctl})
	return wb, nil
}

// lockedOwner exposes workflow state to whiteboards while the workflow
// mutex may already be held by a barrier or exit.
type lockedOwner struct{ w *Workflow }

func (o lockedOwner) Store() *snapshot.Store     { return o.w.store }
func (o lockedOwner) Filled(entryID string) bool { return o.w.filled[entryID] }

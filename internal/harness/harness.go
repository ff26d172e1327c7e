package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/roach88/lazyflow/internal/ids"
	"github.com/roach88/lazyflow/internal/index"
	"github.com/roach88/lazyflow/internal/lazy"
	"github.com/roach88/lazyflow/internal/op"
	"github.com/roach88/lazyflow/internal/runtime"
	"github.com/roach88/lazyflow/internal/serial"
	"github.com/roach88/lazyflow/internal/storage"
	"github.com/roach88/lazyflow/internal/testutil"
	"github.com/roach88/lazyflow/internal/whiteboard"
	"github.com/roach88/lazyflow/internal/workflow"
)

// Root is the storage root scenarios run under.
const Root = "mem://harness"

// StatusPending marks a call that was never submitted.
const StatusPending = "PENDING"

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Builtins returns the ops scenarios can call.
func Builtins(cache bool) *op.Registry {
	c := op.WithCache(cache)
	return op.NewRegistry(
		op.MustDefine("const", func(x int) int { return x }, op.WithParams("x"), c),
		op.MustDefine("add", func(a, b int) int { return a + b }, op.WithParams("a", "b"), c),
		op.MustDefine("mul", func(a, b int) int { return a * b }, op.WithParams("a", "b"), c),
		op.MustDefine("concat", func(a, b string) string { return a + b }, op.WithParams("a", "b"), c),
		op.MustDefine("fail", func(x int) (int, error) {
			return 0, fmt.Errorf("fail called with %d", x)
		}, op.WithParams("x"), c),
	)
}

// Harness runs scenarios.
type Harness struct {
	storage *storage.Memory
	index   *index.SQLite
	ops     *op.Registry
	logger  *slog.Logger
}

// Option configures a harness.
type Option func(*Harness)

// WithLogger sets the logger handed to the workflow client and runtime.
// Scenarios run silently by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and evaluates its assertions.
//
// Every run gets a fresh client and local runtime. Storage and the
// whiteboard index are shared between runs. Problems with the scenario
// itself (unknown ops, a bad whiteboard schema) are returned as errors;
// workflow failures are recorded in the run trace.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	idx, err := index.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory index: %w", err)
	}
	defer idx.Close()

	h := &Harness{
		storage: storage.NewMemory(),
		index:   idx,
		ops:     Builtins(scenario.Cache),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	for i, step := range scenario.Calls {
		if _, ok := h.ops.Lookup(step.Op); !ok {
			return nil, fmt.Errorf("calls[%d]: unknown op %q (known: %v)", i, step.Op, h.ops.Names())
		}
	}
	var schema *whiteboard.Schema
	if wb := scenario.Whiteboard; wb != nil {
		s, err := whiteboard.CompileSchema(scenario.Name, wb.Schema, wb.Definition)
		if err != nil {
			return nil, fmt.Errorf("whiteboard schema: %w", err)
		}
		schema = &s
	}

	runs := scenario.Runs
	if runs == 0 {
		runs = 1
	}
	result := NewResult()
	ctx := context.Background()
	for n := 1; n <= runs; n++ {
		trace, err := h.run(ctx, scenario, schema, n)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", n, err)
		}
		result.Runs = append(result.Runs, trace)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// call is a step issued in the current run.
type call struct {
	step   CallStep
	nodeID string
	handle lazy.Handle
}

func (h *Harness) run(ctx context.Context, s *Scenario, schema *whiteboard.Schema, n int) (RunTrace, error) {
	local := runtime.NewLocal(
		runtime.WithRegistry(h.ops),
		runtime.WithSessionIDs(ids.NewSequence(fmt.Sprintf("r%d-session", n))),
		runtime.WithLogger(h.logger),
	)
	rec := testutil.NewRecordingRuntime(local)
	clock := testutil.NewClock(epoch.Add(time.Duration(n-1)*time.Hour), time.Second)
	client, err := workflow.NewClient(rec,
		workflow.WithStorage(h.storage, Root),
		workflow.WithUser("harness"),
		workflow.WithIndex(h.index),
		workflow.WithIDGenerator(ids.NewSequence(fmt.Sprintf("r%d", n))),
		workflow.WithLogger(h.logger),
		workflow.WithClock(clock.Now),
		workflow.WithPollInterval(time.Millisecond),
	)
	if err != nil {
		return RunTrace{}, err
	}

	name := s.Workflow
	if name == "" {
		name = s.Name
	}
	w, err := client.Workflow(name, workflow.Eager(s.Eager))
	if err != nil {
		return RunTrace{}, err
	}

	trace := RunTrace{Run: n, Values: map[string]any{}}
	var (
		calls []*call
		board *whiteboard.Whiteboard
	)
	runErr := w.Run(ctx, func(ctx context.Context) error {
		if schema != nil {
			wb, err := w.CreateWhiteboard(ctx, *schema, s.Whiteboard.Tags...)
			if err != nil {
				return err
			}
			board = wb
		}

		byID := make(map[string]*call, len(s.Calls))
		for _, step := range s.Calls {
			c, err := h.issue(ctx, w, step, byID)
			if err != nil {
				return err
			}
			calls = append(calls, c)
			byID[step.ID] = c
		}

		if board != nil {
			for _, field := range slices.Sorted(maps.Keys(s.Whiteboard.Set)) {
				v, err := resolve(s.Whiteboard.Set[field], byID)
				if err != nil {
					return err
				}
				if err := board.Set(ctx, field, v); err != nil {
					return err
				}
			}
		}

		for _, c := range calls {
			v, err := c.handle.ForceAny(ctx)
			if err != nil {
				return err
			}
			trace.Values[c.step.ID] = v
		}
		return nil
	})
	if runErr != nil {
		trace.Error = runErr.Error()
	}

	steps := make(map[string]string, len(calls))
	for _, c := range calls {
		steps[c.nodeID] = c.step.ID
	}
	for _, sub := range rec.Submissions() {
		named := make([]string, 0, len(sub))
		for _, id := range sub {
			named = append(named, steps[id])
		}
		trace.Submissions = append(trace.Submissions, named)
	}
	trace.Calls = callTraces(calls, w.Progress())

	if board != nil && runErr == nil {
		fields, err := readWhiteboard(ctx, h.storage, board)
		if err != nil {
			return RunTrace{}, err
		}
		trace.Whiteboard = fields
	}
	if v := rec.Violations(); len(v) > 0 {
		return RunTrace{}, fmt.Errorf("inputs submitted before they were ready: %v", v)
	}
	return trace, nil
}

// issue makes one deferred call.
func (h *Harness) issue(ctx context.Context, w *workflow.Workflow, step CallStep, byID map[string]*call) (*call, error) {
	o, _ := h.ops.Lookup(step.Op)
	args := make([]any, 0, len(step.Args)+len(step.Kwargs))
	for _, a := range step.Args {
		v, err := resolve(a, byID)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	for _, name := range slices.Sorted(maps.Keys(step.Kwargs)) {
		v, err := resolve(step.Kwargs[name], byID)
		if err != nil {
			return nil, err
		}
		args = append(args, workflow.Kw(name, v))
	}

	out, err := w.Call(ctx, o, args...)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", step.ID, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("call %s: op %s has %d outputs, want 1", step.ID, step.Op, len(out))
	}
	c := &call{step: step, nodeID: out[0].Producer(), handle: out[0]}
	if step.Barrier {
		if err := w.Barrier(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// resolve turns a scenario argument into a call argument.
func resolve(v any, byID map[string]*call) (any, error) {
	if ref, ok := reference(v); ok {
		c, found := byID[ref]
		if !found {
			return nil, fmt.Errorf("unknown reference %q", ref)
		}
		return c.handle, nil
	}
	return literal(v), nil
}

// inputs lists the steps a call reads, positional first.
func inputs(step CallStep) []string {
	out := []string{}
	for _, a := range step.Args {
		if ref, ok := reference(a); ok {
			out = append(out, ref)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(step.Kwargs)) {
		if ref, ok := reference(step.Kwargs[name]); ok {
			out = append(out, ref)
		}
	}
	return out
}

func callTraces(calls []*call, progress []runtime.ProgressStep) []CallTrace {
	last := make(map[string]runtime.ProgressStep, len(calls))
	for _, p := range progress {
		last[p.CallID] = p
	}
	out := make([]CallTrace, 0, len(calls))
	for _, c := range calls {
		ct := CallTrace{
			Step:   c.step.ID,
			Op:     c.step.Op,
			Inputs: inputs(c.step),
			Status: StatusPending,
		}
		if p, ok := last[c.nodeID]; ok {
			ct.Status = string(p.Status)
			ct.Cached = p.Cached
		}
		out = append(out, ct)
	}
	return out
}

// readWhiteboard reads a finalized whiteboard back from storage.
func readWhiteboard(ctx context.Context, client storage.Client, wb *whiteboard.Whiteboard) (map[string]any, error) {
	ro, err := whiteboard.Open(ctx, client, serial.Default(), wb.URI())
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, name := range wb.Schema().FieldNames() {
		v, err := ro.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("whiteboard field %s: %w", name, err)
		}
		if whiteboard.IsMissing(v) {
			v = MissingValue
		}
		out[name] = v
	}
	return out, nil
}

// errNoRuns is returned by assertions on results without runs.
var errNoRuns = errors.New("result has no runs")

package workflow

import (
	"context"
	"fmt"

	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/ids"
	"github.com/roach88/lazyflow/internal/lazy"
	"github.com/roach88/lazyflow/internal/op"
)

type keyword struct {
	name  string
	value any
}

// Kw passes value as the keyword argument name:
//
//	workflow.Call(ctx, train, data, workflow.Kw("epochs", 10))
func Kw(name string, value any) any {
	return keyword{name: name, value: value}
}

func splitArgs(o *op.Op, args []any) ([]any, map[string]any, error) {
	var pos []any
	var kwargs map[string]any
	for _, a := range args {
		kw, ok := a.(keyword)
		if !ok {
			if kwargs != nil {
				return nil, nil, errs.New(errs.CodeSignature, "positional argument follows keyword argument").With("op", o.Name())
			}
			pos = append(pos, a)
			continue
		}
		if kwargs == nil {
			kwargs = make(map[string]any)
		}
		if _, dup := kwargs[kw.name]; dup {
			return nil, nil, errs.New(errs.CodeSignature, "keyword argument %q repeated", kw.name).With("op", o.Name())
		}
		kwargs[kw.name] = kw.value
	}
	return pos, kwargs, nil
}

// Call issues o with args. Inside a workflow (see FromContext) the call is
// deferred and the returned handles stand for its outputs. Without one the
// op runs immediately and the handles are already materialized.
//
// Signature and type errors are returned before anything is queued.
func Call(ctx context.Context, o *op.Op, args ...any) ([]lazy.Handle, error) {
	if w, ok := FromContext(ctx); ok {
		return w.Call(ctx, o, args...)
	}
	pos, kwargs, err := splitArgs(o, args)
	if err != nil {
		return nil, err
	}
	return callLocal(ctx, o, pos, kwargs)
}

// Call defers o into w.
func (w *Workflow) Call(ctx context.Context, o *op.Op, args ...any) ([]lazy.Handle, error) {
	pos, kwargs, err := splitArgs(o, args)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateActive {
		return nil, errs.New(errs.CodeInvalidState, "calls need an active workflow").
			With("workflow", w.name).
			With("state", string(w.state))
	}

	binding, err := o.Bind(pos, kwargs)
	if err != nil {
		return nil, err
	}
	n, pending, err := w.builder.Build(ctx, binding)
	if err != nil {
		return nil, err
	}
	if err := w.graph.Add(n); err != nil {
		return nil, err
	}
	w.queue = append(w.queue, n)
	w.pending = append(w.pending, pending...)

	outputs := o.Outputs()
	handles := make([]lazy.Handle, len(n.OutputEntryIDs))
	for i, id := range n.OutputEntryIDs {
		handles[i] = lazy.NewUntyped(id, n.ID, outputs[i], w.materializer(id))
	}
	w.logger.Debug("call queued", "call", n.ID, "op", n.OpName, "queue", len(w.queue))

	if w.eager {
		if err := w.barrierLocked(ctx); err != nil {
			return nil, err
		}
	}
	return handles, nil
}

// materializer returns the fetch function of an output handle. Forcing a
// handle whose entry is not filled runs a barrier first.
func (w *Workflow) materializer(entryID string) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		w.mu.Lock()
		if w.state == StateActive && !w.filled[entryID] {
			if err := w.barrierLocked(ctx); err != nil {
				w.mu.Unlock()
				return nil, err
			}
		}
		store, filled := w.store, w.filled[entryID]
		interval := w.client.pollInterval
		w.mu.Unlock()

		v, err := store.GetData(ctx, entryID)
		if err != nil && filled && errs.IsNotFound(err) {
			// the runtime reported completion; storage may lag behind it
			return store.AwaitData(ctx, entryID, interval)
		}
		return v, err
	}
}

func callLocal(ctx context.Context, o *op.Op, pos []any, kwargs map[string]any) ([]lazy.Handle, error) {
	binding, err := o.Bind(pos, kwargs)
	if err != nil {
		return nil, err
	}
	args := binding.InOrder()
	values := make([]any, len(args))
	for i, a := range args {
		if h, ok := a.Value.(lazy.Handle); ok {
			v, err := h.ForceAny(ctx)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", a.Param, err)
			}
			values[i] = v
			continue
		}
		values[i] = a.Value
	}

	outs, err := o.Invoke(ctx, values)
	if err != nil {
		return nil, err
	}
	types := o.Outputs()
	handles := make([]lazy.Handle, len(outs))
	for i, out := range outs {
		out := out
		v := lazy.NewUntyped(ids.UUIDv7{}.Generate(), "", types[i], func(context.Context) (any, error) { return out, nil })
		if _, err := v.Force(ctx); err != nil {
			return nil, err
		}
		handles[i] = v
	}
	return handles, nil
}

// Call1 calls an op with one output and returns a typed handle.
func Call1[T any](ctx context.Context, o *op.Op, args ...any) (*lazy.Value[T], error) {
	hs, err := Call(ctx, o, args...)
	if err != nil {
		return nil, err
	}
	if len(hs) != 1 {
		return nil, errs.New(errs.CodeSignature, "op has %d outputs, want 1", len(hs)).With("op", o.Name())
	}
	return lazy.Cast[T](hs[0])
}

// Call2 calls an op with two outputs and returns typed handles.
func Call2[A, B any](ctx context.Context, o *op.Op, args ...any) (*lazy.Value[A], *lazy.Value[B], error) {
	hs, err := Call(ctx, o, args...)
	if err != nil {
		return nil, nil, err
	}
	if len(hs) != 2 {
		return nil, nil, errs.New(errs.CodeSignature, "op has %d outputs, want 2", len(hs)).With("op", o.Name())
	}
	a, err := lazy.Cast[A](hs[0])
	if err != nil {
		return nil, nil, err
	}
	b, err := lazy.Cast[B](hs[1])
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

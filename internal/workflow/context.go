package workflow

import "context"

type ctxKey struct{}

// WithWorkflow returns a context carrying w. Calls made with it are
// deferred into w.
func WithWorkflow(ctx context.Context, w *Workflow) context.Context {
	return context.WithValue(ctx, ctxKey{}, w)
}

// FromContext returns the workflow carried by ctx.
func FromContext(ctx context.Context) (*Workflow, bool) {
	w, ok := ctx.Value(ctxKey{}).(*Workflow)
	return w, ok && w != nil
}

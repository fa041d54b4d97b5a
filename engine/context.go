package engine

import "context"

type workflowContextKey struct{}

// WithWorkflowContext returns a context carrying the workflow context so code
// invoked from a workflow can recover engine capabilities without threading
// WorkflowContext through every signature.
func WithWorkflowContext(ctx context.Context, wctx WorkflowContext) context.Context {
	return context.WithValue(ctx, workflowContextKey{}, wctx)
}

// FromContext extracts the workflow context stored by WithWorkflowContext.
// The boolean reports whether a workflow context was present.
func FromContext(ctx context.Context) (WorkflowContext, bool) {
	wctx, ok := ctx.Value(workflowContextKey{}).(WorkflowContext)
	return wctx, ok
}

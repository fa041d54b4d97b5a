package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/engine"
	"github.com/loopwork/agentloop/telemetry"
)

type temporalWorkflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	tracer     telemetry.Tracer
	baseCtx    context.Context
}

// NewWorkflowContext adapts a Temporal workflow.Context into the engine's
// WorkflowContext. This is useful when invoking runtime helpers from
// workflows that are not started via this engine but run in the same
// Temporal worker.
func NewWorkflowContext(e *Engine, ctx workflow.Context) engine.WorkflowContext {
	return newTemporalWorkflowContext(e, ctx)
}

func newTemporalWorkflowContext(e *Engine, ctx workflow.Context) *temporalWorkflowContext {
	info := workflow.GetInfo(ctx)
	wfCtx := &temporalWorkflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
		logger:     e.logger,
		metrics:    e.metrics,
		tracer:     e.tracer,
		baseCtx:    e.workflowBaseContext(info.WorkflowExecution.RunID),
	}
	e.trackWorkflowContext(wfCtx.runID, wfCtx)
	return wfCtx
}

type contextKey string

const (
	workflowIDKey contextKey = "temporal.workflow_id"
	runIDKey      contextKey = "temporal.run_id"
)

func (w *temporalWorkflowContext) Context() context.Context {
	ctx := w.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, workflowIDKey, w.workflowID)
	ctx = context.WithValue(ctx, runIDKey, w.runID)
	return engine.WithWorkflowContext(ctx, w)
}

func (w *temporalWorkflowContext) SetQueryHandler(name string, handler any) error {
	return workflow.SetQueryHandler(w.ctx, name, handler)
}

func (w *temporalWorkflowContext) WorkflowID() string {
	return w.workflowID
}

func (w *temporalWorkflowContext) RunID() string {
	return w.runID
}

func (w *temporalWorkflowContext) ExecuteInvokeActivity(ctx context.Context, call engine.InvokeActivityCall) (*api.InvokeOutput, error) {
	if call.Name == "" {
		return nil, errors.New("invoke activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("invoke activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	var out *api.InvokeOutput
	if err := fut.Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *temporalWorkflowContext) ExecuteAppendActivity(ctx context.Context, call engine.AppendActivityCall) error {
	if call.Name == "" {
		return errors.New("append activity name is required")
	}
	if call.Input == nil {
		return errors.New("append activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	return fut.Get(actx, nil)
}

func (w *temporalWorkflowContext) ExecuteToolActivity(ctx context.Context, call engine.ToolActivityCall) (*api.ToolOutput, error) {
	fut, err := w.ExecuteToolActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *temporalWorkflowContext) ExecuteToolActivityAsync(ctx context.Context, call engine.ToolActivityCall) (engine.Future[*api.ToolOutput], error) {
	if call.Name == "" {
		return nil, errors.New("tool activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("tool activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	return &temporalFuture[*api.ToolOutput]{future: fut, ctx: actx}, nil
}

func (w *temporalWorkflowContext) InputRequests() engine.Receiver[api.InputRequest] {
	ch := workflow.GetSignalChannel(w.ctx, api.SignalProvideInput)
	return &temporalReceiver[api.InputRequest]{
		ctx: w.ctx,
		ch:  ch,
	}
}

func (w *temporalWorkflowContext) Logger() telemetry.Logger {
	return w.logger
}

func (w *temporalWorkflowContext) Metrics() telemetry.Metrics {
	return w.metrics
}

func (w *temporalWorkflowContext) Tracer() telemetry.Tracer {
	return w.tracer
}

func (w *temporalWorkflowContext) Go(fn func()) {
	workflow.Go(w.ctx, func(workflow.Context) { fn() })
}

func (w *temporalWorkflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

func (w *temporalWorkflowContext) NewTimer(ctx context.Context, d time.Duration) (engine.Future[time.Time], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fut := workflow.NewTimer(w.ctx, d)
	return &timerFuture{future: fut, ctx: w.ctx}, nil
}

func (w *temporalWorkflowContext) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return workflow.Await(w.ctx, condition)
}

func (w *temporalWorkflowContext) activityOptionsFor(name string, override engine.ActivityOptions) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(name)

	queue := override.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.engine.defaultQueue
	}

	timeout := override.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, override.RetryPolicy)

	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		TaskQueue:           queue,
		RetryPolicy:         convertRetryPolicy(retry),
	}
}

// StartChildWorkflow starts a Temporal child workflow using explicit workflow
// name and task queue without requiring parent-side registration lookups.
func (w *temporalWorkflowContext) StartChildWorkflow(ctx context.Context, req engine.ChildWorkflowRequest) (engine.ChildWorkflowHandle, error) {
	opts := workflow.ChildWorkflowOptions{
		WorkflowID:         req.ID,
		TaskQueue:          req.TaskQueue,
		WorkflowRunTimeout: req.RunTimeout,
		RetryPolicy:        convertRetryPolicy(req.RetryPolicy),
	}
	cctx := workflow.WithChildOptions(w.ctx, opts)
	cctx, cancel := workflow.WithCancel(cctx)
	fut := workflow.ExecuteChildWorkflow(cctx, req.Workflow, req.Input)
	return &temporalChildHandle{future: fut, ctx: cctx, cancel: cancel}, nil
}

type temporalChildHandle struct {
	future workflow.ChildWorkflowFuture
	ctx    workflow.Context
	runID  string
	cancel workflow.CancelFunc
}

func (h *temporalChildHandle) Get(_ context.Context) (*api.SessionOutput, error) {
	var out api.SessionOutput
	if err := h.future.Get(h.ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *temporalChildHandle) IsReady() bool {
	return h.future.IsReady()
}

func (h *temporalChildHandle) Cancel(_ context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}

func (h *temporalChildHandle) RunID() string {
	// Best-effort: not all SDKs expose child run ID synchronously.
	return h.runID
}

type temporalFuture[T any] struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *temporalFuture[T]) Get(_ context.Context) (T, error) {
	var out T
	if err := f.future.Get(f.ctx, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (f *temporalFuture[T]) IsReady() bool {
	return f.future.IsReady()
}

type timerFuture struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *timerFuture) Get(_ context.Context) (time.Time, error) {
	if err := f.future.Get(f.ctx, nil); err != nil {
		return time.Time{}, err
	}
	return workflow.Now(f.ctx), nil
}

func (f *timerFuture) IsReady() bool {
	return f.future.IsReady()
}

type temporalReceiver[T any] struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (r *temporalReceiver[T]) Receive(ctx context.Context) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	var out T
	r.ch.Receive(r.ctx, &out)
	return out, nil
}

func (r *temporalReceiver[T]) ReceiveAsync() (T, bool) {
	var out T
	if ok := r.ch.ReceiveAsync(&out); ok {
		return out, true
	}
	return out, false
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.MaxInterval != 0 {
		result.MaxInterval = override.MaxInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	return result
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 && r.MaxInterval == 0 {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts) //nolint:gosec
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		policy.MaximumInterval = r.MaxInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}

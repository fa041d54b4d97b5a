// Package inmem provides an in-memory implementation of the workflow engine
// for testing and development.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/engine"
	"github.com/loopwork/agentloop/state"
)

type (
	eng struct {
		mu sync.RWMutex

		workflows map[string]engine.WorkflowDefinition

		invokeActivities map[string]invokeActivityDef
		appendActivities map[string]appendActivityDef
		toolActivities   map[string]toolActivityDef

		handles  map[string]*handle           // live workflow handles by workflow ID
		statuses map[string]engine.RunStatus // workflow status by workflow ID
	}

	invokeActivityDef struct {
		handler func(context.Context, *api.InvokeInput) (*api.InvokeOutput, error)
		opts    engine.ActivityOptions
	}

	appendActivityDef struct {
		handler func(context.Context, *api.AppendInput) error
		opts    engine.ActivityOptions
	}

	toolActivityDef struct {
		handler func(context.Context, *api.ToolInput) (*api.ToolOutput, error)
		opts    engine.ActivityOptions
	}

	childHandle struct {
		h engine.WorkflowHandle
	}

	handle struct {
		mu     sync.Mutex
		done   chan struct{}
		err    error
		result *api.SessionOutput
		wfCtx  *wfCtx
		cancel context.CancelFunc
	}

	wfCtx struct {
		ctx   context.Context
		id    string
		runID string
		eng   *eng

		inputCh chan api.InputRequest

		qmu     sync.RWMutex
		queries map[string]any
	}

	future[T any] struct {
		ready  chan struct{}
		result T
		err    error
	}

	receiver[T any] struct {
		ch chan T
	}
)

// New returns a new in-memory Engine implementation suitable for local
// development, tests, and simple single-process runs. It is not deterministic
// or replay-safe and should not be used for production workloads.
func New() engine.Engine {
	return &eng{
		handles:  make(map[string]*handle),
		statuses: make(map[string]engine.RunStatus),
	}
}

func (e *eng) RegisterWorkflow(ctx context.Context, def engine.WorkflowDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workflows == nil {
		e.workflows = make(map[string]engine.WorkflowDefinition)
	}
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	if def.Handler == nil || def.Name == "" {
		return errors.New("invalid workflow definition")
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterInvokeActivity registers the typed model invocation activity.
func (e *eng) RegisterInvokeActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.InvokeInput) (*api.InvokeOutput, error)) error {
	if name == "" {
		return errors.New("invoke activity name is required")
	}
	if fn == nil {
		return errors.New("invoke activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.invokeActivities == nil {
		e.invokeActivities = make(map[string]invokeActivityDef)
	}
	if _, dup := e.invokeActivities[name]; dup {
		return fmt.Errorf("invoke activity %q already registered", name)
	}
	e.invokeActivities[name] = invokeActivityDef{
		handler: fn,
		opts:    opts,
	}
	return nil
}

// RegisterAppendActivity registers the typed thread append activity.
func (e *eng) RegisterAppendActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.AppendInput) error) error {
	if name == "" {
		return errors.New("append activity name is required")
	}
	if fn == nil {
		return errors.New("append activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.appendActivities == nil {
		e.appendActivities = make(map[string]appendActivityDef)
	}
	if _, dup := e.appendActivities[name]; dup {
		return fmt.Errorf("append activity %q already registered", name)
	}
	e.appendActivities[name] = appendActivityDef{
		handler: fn,
		opts:    opts,
	}
	return nil
}

// RegisterToolActivity registers the typed tool execution activity.
func (e *eng) RegisterToolActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.ToolInput) (*api.ToolOutput, error)) error {
	if name == "" {
		return errors.New("tool activity name is required")
	}
	if fn == nil {
		return errors.New("tool activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.toolActivities == nil {
		e.toolActivities = make(map[string]toolActivityDef)
	}
	if _, dup := e.toolActivities[name]; dup {
		return fmt.Errorf("tool activity %q already registered", name)
	}
	e.toolActivities[name] = toolActivityDef{
		handler: fn,
		opts:    opts,
	}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wctx := &wfCtx{
		ctx:   runCtx,
		id:    req.ID,
		runID: req.ID, // in-memory assigns the workflow ID as the run ID
		eng:   e,

		inputCh: make(chan api.InputRequest, 1),
		queries: make(map[string]any),
	}

	h := &handle{done: make(chan struct{}), wfCtx: wctx, cancel: cancel}

	e.mu.Lock()
	if _, dup := e.handles[req.ID]; dup {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("workflow %q already started", req.ID)
	}
	e.handles[req.ID] = h
	e.statuses[req.ID] = engine.RunStatusRunning
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		res, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.result = res
		h.err = err
		h.mu.Unlock()
		e.mu.Lock()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				e.statuses[req.ID] = engine.RunStatusCanceled
			} else {
				e.statuses[req.ID] = engine.RunStatusFailed
			}
		} else {
			e.statuses[req.ID] = engine.RunStatusCompleted
		}
		e.mu.Unlock()
	}()

	return h, nil
}

// SignalByID delivers a signal to a running workflow looked up by its ID.
func (e *eng) SignalByID(ctx context.Context, workflowID, name string, payload any) error {
	e.mu.RLock()
	h, ok := e.handles[workflowID]
	e.mu.RUnlock()
	if !ok {
		return engine.ErrWorkflowNotFound
	}
	return h.Signal(ctx, name, payload)
}

// QueryAgentState invokes the state query handler registered by the session
// workflow and returns the resulting snapshot.
func (e *eng) QueryAgentState(ctx context.Context, workflowID string) (*state.AgentState, error) {
	e.mu.RLock()
	h, ok := e.handles[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, engine.ErrWorkflowNotFound
	}
	fn, ok := h.wfCtx.queryHandler(api.QueryAgentState)
	if !ok {
		return nil, fmt.Errorf("query %q not registered for workflow %q", api.QueryAgentState, workflowID)
	}
	typed, ok := fn.(func() (*state.AgentState, error))
	if !ok {
		return nil, fmt.Errorf("query %q has unexpected handler type %T", api.QueryAgentState, fn)
	}
	return typed()
}

// WaitForStateChange polls the agent state query until the version advances
// past lastKnown or the status becomes terminal. The wait is bounded by the
// engine's state change window.
func (e *eng) WaitForStateChange(ctx context.Context, workflowID string, lastKnown uint64) (*state.AgentState, error) {
	deadline := time.Now().Add(engine.StateChangeWindow)
	for {
		snap, err := e.QueryAgentState(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if snap.Version > lastKnown || snap.Status.Terminal() {
			return snap, nil
		}
		if time.Now().After(deadline) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(engine.StateChangePollInterval):
		}
	}
}

// QueryRunStatus returns the current lifecycle status for a workflow execution
// by checking the in-memory status map.
func (e *eng) QueryRunStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	if workflowID == "" {
		return "", errors.New("workflow id is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	status, ok := e.statuses[workflowID]
	if !ok {
		return "", engine.ErrWorkflowNotFound
	}
	return status, nil
}

// StartChildWorkflow starts a new in-memory workflow using the engine and
// returns an adapter handle.
func (w *wfCtx) StartChildWorkflow(ctx context.Context, req engine.ChildWorkflowRequest) (engine.ChildWorkflowHandle, error) {
	h, err := w.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:          req.ID,
		Workflow:    req.Workflow,
		TaskQueue:   req.TaskQueue,
		Input:       req.Input,
		RunTimeout:  req.RunTimeout,
		RetryPolicy: req.RetryPolicy,
	})
	if err != nil {
		return nil, err
	}
	return &childHandle{h: h}, nil
}

func (c *childHandle) Get(ctx context.Context) (*api.SessionOutput, error) {
	return c.h.Wait(ctx)
}

func (c *childHandle) IsReady() bool {
	if h, ok := c.h.(*handle); ok {
		select {
		case <-h.done:
			return true
		default:
			return false
		}
	}
	return false
}

func (c *childHandle) Cancel(ctx context.Context) error {
	return c.h.Cancel(ctx)
}

func (c *childHandle) RunID() string {
	if h, ok := c.h.(*handle); ok {
		return h.wfCtx.runID
	}
	return ""
}

func (h *handle) Wait(ctx context.Context) (*api.SessionOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	switch name {
	case api.SignalProvideInput:
		req, ok := payload.(api.InputRequest)
		if !ok {
			return fmt.Errorf("signal %q expects api.InputRequest, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.inputCh, req)
	default:
		return fmt.Errorf("unknown signal %q", name)
	}
}

func (h *handle) Cancel(ctx context.Context) error {
	h.cancel()
	return nil
}

func (w *wfCtx) Context() context.Context {
	return engine.WithWorkflowContext(w.ctx, w)
}

func (w *wfCtx) WorkflowID() string {
	return w.id
}

func (w *wfCtx) RunID() string {
	return w.runID
}

func (w *wfCtx) Now() time.Time {
	return time.Now()
}

// Go runs fn on a plain goroutine. The in-memory host has no deterministic
// scheduler, so ordinary goroutines are its workflow tasks.
func (w *wfCtx) Go(fn func()) {
	go fn()
}

func (w *wfCtx) NewTimer(ctx context.Context, d time.Duration) (engine.Future[time.Time], error) {
	fut := &future[time.Time]{ready: make(chan struct{})}
	if d <= 0 {
		fut.result = time.Now()
		close(fut.ready)
		return fut, nil
	}
	go func() {
		defer close(fut.ready)
		select {
		case <-ctx.Done():
			fut.err = ctx.Err()
		case t := <-time.After(d):
			fut.result = t
		}
	}()
	return fut, nil
}

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetQueryHandler stores the handler so engine-level queries can invoke it.
func (w *wfCtx) SetQueryHandler(name string, handler any) error {
	if name == "" {
		return errors.New("query name is required")
	}
	if handler == nil {
		return errors.New("query handler is required")
	}
	w.qmu.Lock()
	defer w.qmu.Unlock()
	w.queries[name] = handler
	return nil
}

func (w *wfCtx) queryHandler(name string) (any, bool) {
	w.qmu.RLock()
	defer w.qmu.RUnlock()
	fn, ok := w.queries[name]
	return fn, ok
}

func (w *wfCtx) ExecuteInvokeActivity(ctx context.Context, call engine.InvokeActivityCall) (*api.InvokeOutput, error) {
	if call.Name == "" {
		return nil, errors.New("invoke activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("invoke activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.invokeActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("invoke activity %q not registered", call.Name)
	}
	var out *api.InvokeOutput
	err := runWithRetry(ctx, mergeOptions(call.Options, def.opts), func(actCtx context.Context) error {
		var aerr error
		out, aerr = def.handler(actCtx, call.Input)
		return aerr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (w *wfCtx) ExecuteAppendActivity(ctx context.Context, call engine.AppendActivityCall) error {
	if call.Name == "" {
		return errors.New("append activity name is required")
	}
	if call.Input == nil {
		return errors.New("append activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.appendActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return fmt.Errorf("append activity %q not registered", call.Name)
	}
	return runWithRetry(ctx, mergeOptions(call.Options, def.opts), func(actCtx context.Context) error {
		return def.handler(actCtx, call.Input)
	})
}

func (w *wfCtx) ExecuteToolActivity(ctx context.Context, call engine.ToolActivityCall) (*api.ToolOutput, error) {
	fut, err := w.ExecuteToolActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *wfCtx) ExecuteToolActivityAsync(ctx context.Context, call engine.ToolActivityCall) (engine.Future[*api.ToolOutput], error) {
	if call.Name == "" {
		return nil, errors.New("tool activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("tool activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.toolActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool activity %q not registered", call.Name)
	}

	fut := &future[*api.ToolOutput]{ready: make(chan struct{})}
	go func() {
		defer close(fut.ready)
		fut.err = runWithRetry(ctx, mergeOptions(call.Options, def.opts), func(actCtx context.Context) error {
			var aerr error
			fut.result, aerr = def.handler(actCtx, call.Input)
			return aerr
		})
	}()
	return fut, nil
}

func (w *wfCtx) InputRequests() engine.Receiver[api.InputRequest] {
	return receiver[api.InputRequest]{ch: w.inputCh}
}

func (r receiver[T]) Receive(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case val := <-r.ch:
		return val, nil
	}
}

func (r receiver[T]) ReceiveAsync() (T, bool) {
	select {
	case val := <-r.ch:
		return val, true
	default:
		var zero T
		return zero, false
	}
}

func (f *future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

func (f *future[T]) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func sendSignal[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, payload T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return errors.New("workflow completed")
	case ch <- payload:
		return nil
	}
}

// mergeOptions applies per-call overrides on top of the registered defaults.
func mergeOptions(call, registered engine.ActivityOptions) engine.ActivityOptions {
	merged := registered
	if call.Timeout != 0 {
		merged.Timeout = call.Timeout
	}
	if call.RetryPolicy.MaxAttempts != 0 {
		merged.RetryPolicy = call.RetryPolicy
	}
	if call.Queue != "" {
		merged.Queue = call.Queue
	}
	return merged
}

// runWithRetry executes fn under the bounded retry policy carried by opts.
// Context cancellation is never retried.
func runWithRetry(ctx context.Context, opts engine.ActivityOptions, fn func(context.Context) error) error {
	attempts := opts.RetryPolicy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := opts.RetryPolicy.InitialInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	coeff := opts.RetryPolicy.BackoffCoefficient
	if coeff < 1 {
		coeff = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
			interval = time.Duration(float64(interval) * coeff)
			if max := opts.RetryPolicy.MaxInterval; max > 0 && interval > max {
				interval = max
			}
		}
		actCtx, cancel := withOptionalTimeout(ctx, opts.Timeout)
		lastErr = fn(actCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
	}
	return lastErr
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}

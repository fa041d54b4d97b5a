// Package temporal implements the workflow engine on top of the Temporal SDK.
// It manages per-queue workers, wires OTEL instrumentation, and adapts
// Temporal's workflow primitives to the engine abstraction used by the
// session runtime.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/engine"
	"github.com/loopwork/agentloop/state"
	"github.com/loopwork/agentloop/telemetry"
)

// Options configures the Temporal engine adapter. Either a pre-configured
// Client or ClientOptions must be provided. The adapter wires OTEL
// instrumentation automatically, manages one worker per task queue, and
// optionally auto-starts workers on first workflow execution.
type Options struct {
	// Client is an optional pre-configured Temporal client. If nil, the
	// adapter creates a lazy client using ClientOptions so OTEL interceptors
	// can be installed automatically. Provide a pre-configured client when you
	// need custom interceptors or connection pooling.
	Client client.Client

	// ClientOptions describe how to construct the Temporal client when Client
	// is nil. Only connection-related fields (HostPort, Namespace, etc.) need
	// to be set.
	ClientOptions *client.Options

	// WorkerOptions configures worker defaults. TaskQueue must be set and
	// defines the default queue used when definitions omit a queue. A worker
	// is created per unique task queue.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics for the Temporal client
	// and workers. Both are enabled by default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart disables automatic worker startup on first
	// workflow execution. Set to true for manual control via Worker().
	DisableWorkerAutoStart bool

	// Logger emits workflow and worker logs. Nil uses a noop logger.
	Logger telemetry.Logger

	// Metrics records workflow-level metrics. Nil uses a noop recorder.
	Metrics telemetry.Metrics

	// Tracer creates workflow-level spans. Nil uses a noop tracer.
	Tracer telemetry.Tracer
}

// WorkerOptions configures the shared worker settings applied to all task
// queues managed by the engine. TaskQueue is required and is the default
// queue used when definitions omit one. Options is forwarded directly to
// Temporal's worker.New constructor.
type WorkerOptions struct {
	// TaskQueue is the default queue name. Required.
	TaskQueue string

	// Options are passed directly to Temporal's worker.New constructor for
	// controlling concurrency limits, worker identity, interceptors, etc.
	Options worker.Options
}

// InstrumentationOptions configures how the engine wires OpenTelemetry
// tracing and metrics into the Temporal client and workers. Both are enabled
// by default; set DisableTracing or DisableMetrics to opt out.
type InstrumentationOptions struct {
	// DisableTracing skips installing the OTEL tracing interceptor.
	DisableTracing bool

	// DisableMetrics skips installing the OTEL metrics handler.
	DisableMetrics bool

	// TracerOptions customize the OTEL tracing interceptor. Only used when
	// DisableTracing is false.
	TracerOptions temporalotel.TracerOptions

	// MetricsOptions customize the OTEL metrics handler. Only used when
	// DisableMetrics is false.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine using Temporal as the durable execution
// backend. It manages workflow/activity registration, per-queue worker
// lifecycle, and workflow execution handles.
//
// Thread-safety: all methods are safe for concurrent use. Workers are lazily
// created and started on demand unless auto-start is disabled.
//
// Lifecycle: construct via New(), register workflows and activities, then
// either let workers auto-start or call Worker().Start(). Call Close() to
// shut down the client.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions

	workflowContexts sync.Map // runID -> engine.WorkflowContext
	baseContexts     sync.Map // runID -> context.Context
}

// New constructs a Temporal engine adapter. Either Client or ClientOptions
// must be provided, and WorkerOptions must include a default task queue.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	e := &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}
	return e, nil
}

// RegisterWorkflow registers a workflow definition with the Temporal worker
// for the definition's task queue. The handler is wrapped to provide the
// engine's WorkflowContext abstraction and lifecycle management.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input *api.SessionInput) (*api.SessionOutput, error) {
		wfCtx := newTemporalWorkflowContext(e, tctx)
		defer e.releaseWorkflowContext(wfCtx.RunID())
		return def.Handler(wfCtx, input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterInvokeActivity registers the typed model invocation activity.
func (e *Engine) RegisterInvokeActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.InvokeInput) (*api.InvokeOutput, error)) error {
	if name == "" {
		return fmt.Errorf("temporal engine: invoke activity name cannot be empty")
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, func(actx context.Context, input *api.InvokeInput) (*api.InvokeOutput, error) {
		return fn(e.activityContext(actx, name), input)
	})
	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
	return nil
}

// RegisterAppendActivity registers the typed thread append activity.
func (e *Engine) RegisterAppendActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.AppendInput) error) error {
	if name == "" {
		return fmt.Errorf("temporal engine: append activity name cannot be empty")
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, func(actx context.Context, input *api.AppendInput) error {
		return fn(e.activityContext(actx, name), input)
	})
	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
	return nil
}

// RegisterToolActivity registers the typed tool execution activity.
func (e *Engine) RegisterToolActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.ToolInput) (*api.ToolOutput, error)) error {
	if name == "" {
		return fmt.Errorf("temporal engine: tool activity name cannot be empty")
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, func(actx context.Context, input *api.ToolInput) (*api.ToolOutput, error) {
		return fn(e.activityContext(actx, name), input)
	})
	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
	return nil
}

// activityContext injects the originating workflow context and telemetry base
// context into the activity's context when available.
func (e *Engine) activityContext(actx context.Context, name string) context.Context {
	runID, wfCtx := e.lookupWorkflowContext(actx)
	if wfCtx != nil {
		actx = engine.WithWorkflowContext(actx, wfCtx)
	} else if runID != "" {
		e.logger.Warn(actx, "workflow context not found for activity", "run_id", runID, "activity", name)
	}
	if base := e.workflowBaseContext(runID); base != nil {
		actx = telemetry.MergeContext(actx, base)
	}
	return actx
}

// StartWorkflow launches a new workflow execution on Temporal. The task queue
// is resolved in order: req.TaskQueue, def.TaskQueue, engine default.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:                 req.ID,
		TaskQueue:          queue,
		WorkflowRunTimeout: req.RunTimeout,
	}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, err
	}
	e.baseContexts.Store(run.GetRunID(), context.WithoutCancel(ctx))

	return &workflowHandle{
		run:    run,
		client: e.client,
	}, nil
}

// SignalByID delivers a signal to a running workflow by workflow ID.
func (e *Engine) SignalByID(ctx context.Context, workflowID, name string, payload any) error {
	if workflowID == "" {
		return fmt.Errorf("temporal engine: workflow id is required")
	}
	err := e.client.SignalWorkflow(ctx, workflowID, "", name, payload)
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return engine.ErrWorkflowNotFound
	}
	return err
}

// QueryAgentState queries the running session workflow for its current agent
// state snapshot.
func (e *Engine) QueryAgentState(ctx context.Context, workflowID string) (*state.AgentState, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("temporal engine: workflow id is required")
	}
	val, err := e.client.QueryWorkflow(ctx, workflowID, "", api.QueryAgentState)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, engine.ErrWorkflowNotFound
		}
		return nil, err
	}
	var snap state.AgentState
	if err := val.Get(&snap); err != nil {
		return nil, fmt.Errorf("temporal engine: decode agent state: %w", err)
	}
	return &snap, nil
}

// WaitForStateChange polls the agent state query until the version advances
// past lastKnown or the status becomes terminal. Temporal queries cannot
// block, so the bounded wait is implemented client side.
func (e *Engine) WaitForStateChange(ctx context.Context, workflowID string, lastKnown uint64) (*state.AgentState, error) {
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

// QueryRunStatus returns the host-level lifecycle status of a workflow
// execution via DescribeWorkflowExecution.
func (e *Engine) QueryRunStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	if workflowID == "" {
		return "", fmt.Errorf("temporal engine: workflow id is required")
	}
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return "", engine.ErrWorkflowNotFound
		}
		return "", err
	}
	info := resp.GetWorkflowExecutionInfo()
	if info == nil {
		return "", engine.ErrWorkflowNotFound
	}
	switch info.GetStatus() {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING, enums.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return engine.RunStatusRunning, nil
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.RunStatusCompleted, nil
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return engine.RunStatusCanceled, nil
	default:
		return engine.RunStatusFailed, nil
	}
}

// Worker returns a controller for managing the lifecycle of all workers
// managed by this engine. Needed only when DisableWorkerAutoStart is set.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the Temporal client if the engine created it. When a
// pre-configured Client was provided to New(), Close does nothing.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}

	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{
		queue:  queue,
		worker: w,
		logger: e.logger,
	}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) trackWorkflowContext(runID string, wf engine.WorkflowContext) {
	if runID == "" {
		return
	}
	e.workflowContexts.Store(runID, wf)
}

func (e *Engine) releaseWorkflowContext(runID string) {
	if runID == "" {
		return
	}
	e.workflowContexts.Delete(runID)
	e.baseContexts.Delete(runID)
}

func (e *Engine) lookupWorkflowContext(ctx context.Context) (string, engine.WorkflowContext) {
	info := activity.GetInfo(ctx)
	runID := info.WorkflowExecution.RunID
	if runID == "" {
		return "", nil
	}
	if wf, ok := e.workflowContexts.Load(runID); ok {
		if typed, ok := wf.(engine.WorkflowContext); ok {
			return runID, typed
		}
	}
	return runID, nil
}

func (e *Engine) workflowBaseContext(runID string) context.Context {
	if runID == "" {
		return nil
	}
	if base, ok := e.baseContexts.Load(runID); ok {
		if ctx, ok := base.(context.Context); ok {
			return ctx
		}
	}
	return nil
}

// WorkerController manages worker lifecycle (start/stop) for all task queues
// managed by the Temporal engine. Obtain one via Engine.Worker(). Multiple
// controllers for the same engine share state.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers. Subsequent worker registrations are
// auto-started as they are created.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers managed by the engine.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()

	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context) (*api.SessionOutput, error) {
	var out api.SessionOutput
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

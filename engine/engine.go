// Package engine defines the durable execution host abstraction the session
// runtime targets. It provides pluggable interfaces so the orchestration code
// can run on Temporal, in-memory, or custom backends without modification.
//
// The host contributes three capabilities (and nothing more):
//
//   - call-with-retry: activity-style invocation of non-deterministic work
//     (model calls, thread appends, tool handlers) with a bounded retry policy.
//   - expose-query: read-only query handlers external clients can invoke to
//     observe agent state, plus a bounded wait-for-change helper.
//   - spawn-child: nested durable executions used for subagent delegation.
//
// Workflow handlers run in a deterministic environment where the same inputs
// and history must produce the same outputs. WorkflowContext enforces this by
// providing Now() instead of time.Now(), requiring activities for all I/O,
// and delivering external input through replay-safe signal receivers.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/state"
)

// RunStatus represents the lifecycle state of a workflow execution as seen by
// the host. This is the engine's view, distinct from the agent status tracked
// in state.AgentState.
type RunStatus string

const (
	// RunStatusRunning indicates the workflow is actively executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the workflow finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the workflow failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the workflow was canceled externally.
	RunStatusCanceled RunStatus = "canceled"
)

var (
	// ErrWorkflowNotFound indicates no workflow execution exists for the given id.
	ErrWorkflowNotFound = errors.New("workflow not found")
)

type (
	// Engine abstracts workflow registration and execution so adapters
	// (Temporal, in-memory, or custom) can be swapped without touching
	// orchestration code.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterInvokeActivity registers the typed model invocation activity.
		RegisterInvokeActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.InvokeInput) (*api.InvokeOutput, error)) error

		// RegisterAppendActivity registers the typed thread append activity.
		RegisterAppendActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.AppendInput) error) error

		// RegisterToolActivity registers the typed tool execution activity.
		RegisterToolActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.ToolInput) (*api.ToolOutput, error)) error

		// StartWorkflow initiates a new workflow execution and returns a handle
		// for interacting with it. Returns an error if the workflow name is not
		// registered, the id conflicts with a running workflow, or scheduling
		// fails.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// SignalByID delivers a named signal to a running workflow.
		SignalByID(ctx context.Context, workflowID, name string, payload any) error

		// QueryAgentState returns the current agent state snapshot exposed by a
		// running session workflow, or ErrWorkflowNotFound.
		QueryAgentState(ctx context.Context, workflowID string) (*state.AgentState, error)

		// WaitForStateChange blocks until the session's state version advances
		// past lastKnown or reaches a terminal status, polling the state query
		// within a fixed window. The wait is bounded: when the window elapses
		// without a change, the current snapshot is returned unchanged.
		WaitForStateChange(ctx context.Context, workflowID string, lastKnown uint64) (*state.AgentState, error)

		// QueryRunStatus returns the host-level lifecycle status for a workflow
		// execution. The engine is the source of truth for workflow status.
		QueryRunStatus(ctx context.Context, workflowID string) (RunStatus, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the default queue used when starting new workflows.
		TaskQueue string
		// Handler is the workflow function invoked when the workflow executes.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the session workflow entry point. Implementations must
	// be deterministic with respect to activity results.
	WorkflowFunc func(ctx WorkflowContext, input *api.SessionInput) (*api.SessionOutput, error)

	// WorkflowContext exposes engine operations to workflow handlers within
	// the deterministic execution environment of a workflow.
	//
	// Thread-safety: a WorkflowContext is bound to a single workflow execution
	// and must not be shared across executions. Lifecycle: created by the
	// engine when a workflow starts and valid until it completes.
	WorkflowContext interface {
		// Context returns the Go context for the workflow. Use it for activity
		// execution and cancellation propagation.
		Context() context.Context

		// WorkflowID returns the unique identifier for this execution.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// SetQueryHandler registers a read-only query handler invocable by
		// external clients. Handlers must be deterministic and side-effect free.
		SetQueryHandler(name string, handler any) error

		// ExecuteInvokeActivity schedules the model invocation activity and
		// blocks until it completes.
		ExecuteInvokeActivity(ctx context.Context, call InvokeActivityCall) (*api.InvokeOutput, error)

		// ExecuteAppendActivity schedules a thread append activity and blocks
		// until it completes. Appends run under the activity retry policy.
		ExecuteAppendActivity(ctx context.Context, call AppendActivityCall) error

		// ExecuteToolActivity schedules a tool execution activity and blocks
		// until it completes.
		ExecuteToolActivity(ctx context.Context, call ToolActivityCall) (*api.ToolOutput, error)

		// ExecuteToolActivityAsync schedules a tool execution activity and
		// returns a Future so workflows can run several tools concurrently.
		ExecuteToolActivityAsync(ctx context.Context, call ToolActivityCall) (Future[*api.ToolOutput], error)

		// StartChildWorkflow starts a nested workflow execution and returns a
		// handle to await its completion or cancel it.
		StartChildWorkflow(ctx context.Context, req ChildWorkflowRequest) (ChildWorkflowHandle, error)

		// InputRequests returns a typed receiver for external input signals.
		InputRequests() Receiver[api.InputRequest]

		// Go schedules fn as a concurrent task within this workflow
		// execution. Workflow operations (activities, timers, child
		// workflows) are only legal from the workflow's own scheduler, so
		// concurrent workflow code must fan out through Go, never through
		// native goroutines. Join completed tasks with Await.
		Go(fn func())

		// Now returns the current workflow time in a replay-safe manner.
		Now() time.Time

		// NewTimer returns a Future that becomes ready after d elapses in
		// workflow time. A non-positive duration produces an already-ready
		// Future.
		NewTimer(ctx context.Context, d time.Duration) (Future[time.Time], error)

		// Await blocks until condition returns true, or ctx is done. Condition
		// must be deterministic and side-effect free.
		Await(ctx context.Context, condition func() bool) error
	}

	// Future represents a pending activity result. Get may be called multiple
	// times and returns the same result/error on each call.
	Future[T any] interface {
		// Get blocks until the activity completes and returns the typed result.
		Get(ctx context.Context) (T, error)

		// IsReady returns true when Get will not block.
		IsReady() bool
	}

	// Receiver exposes typed workflow signal delivery in an engine-agnostic
	// way.
	Receiver[T any] interface {
		// Receive blocks until a signal value is delivered and returns it.
		Receive(ctx context.Context) (T, error)

		// ReceiveAsync attempts to receive a signal without blocking.
		ReceiveAsync() (T, bool)
	}

	// ActivityOptions configures retry and timeouts for an activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue. Empty inherits the
		// workflow's task queue.
		Queue string
		// RetryPolicy controls retry behavior. Zero-valued uses engine defaults.
		RetryPolicy RetryPolicy
		// Timeout bounds the total activity execution time including retries.
		Timeout time.Duration
	}

	// RetryPolicy defines bounded retry semantics shared by workflows and
	// activities: a fixed attempt ceiling with exponential backoff between a
	// minimum and maximum interval. Zero-valued fields use engine defaults.
	RetryPolicy struct {
		// MaxAttempts caps the total number of attempts. Zero means engine default.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// MaxInterval caps the backoff delay between retries.
		MaxInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry. Values < 1
		// are treated as 1 (constant backoff).
		BackoffCoefficient float64
	}

	// InvokeActivityCall describes one invocation of the model activity.
	InvokeActivityCall struct {
		// Name identifies the registered invoke activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *api.InvokeInput
		// Options overrides the registered activity defaults for this call.
		Options ActivityOptions
	}

	// AppendActivityCall describes one invocation of the thread append
	// activity.
	AppendActivityCall struct {
		// Name identifies the registered append activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *api.AppendInput
		// Options overrides the registered activity defaults for this call.
		Options ActivityOptions
	}

	// ToolActivityCall describes one invocation of the tool execution
	// activity.
	ToolActivityCall struct {
		// Name identifies the registered tool activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *api.ToolInput
		// Options overrides the registered activity defaults for this call.
		Options ActivityOptions
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier, unique within the engine scope.
		ID string
		// Workflow names the registered workflow definition to execute.
		Workflow string
		// TaskQueue selects the queue to schedule the workflow on.
		TaskQueue string
		// Input is the typed payload passed to the workflow handler.
		Input *api.SessionInput
		// RunTimeout bounds the total workflow execution time. Zero uses the
		// engine default.
		RunTimeout time.Duration
		// RetryPolicy controls restarts of the workflow start attempt.
		RetryPolicy RetryPolicy
	}

	// WorkflowHandle allows callers to interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes and returns the typed result.
		Wait(ctx context.Context) (*api.SessionOutput, error)

		// Signal sends an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// ChildWorkflowRequest describes a nested workflow started from within an
	// existing execution.
	ChildWorkflowRequest struct {
		// ID is the child workflow identifier, unique within the engine scope.
		ID string
		// Workflow is the registered workflow name to execute.
		Workflow string
		// TaskQueue is the queue to schedule the child on.
		TaskQueue string
		// Input is the payload passed to the child workflow handler.
		Input *api.SessionInput
		// RunTimeout bounds the total child execution time.
		RunTimeout time.Duration
		// RetryPolicy controls start retries for the child.
		RetryPolicy RetryPolicy
	}

	// ChildWorkflowHandle allows a parent workflow to await or cancel a child.
	ChildWorkflowHandle interface {
		// Get waits for child completion and returns the typed result.
		Get(ctx context.Context) (*api.SessionOutput, error)
		// IsReady returns true when the child has completed and Get will not block.
		IsReady() bool
		// Cancel requests cancellation of the child execution.
		Cancel(ctx context.Context) error
		// RunID returns the engine-assigned run identifier of the child.
		RunID() string
	}
)

// StateChangePollInterval is the fixed poll cadence used by
// Engine.WaitForStateChange implementations.
const StateChangePollInterval = 200 * time.Millisecond

// StateChangeWindow is the bounded wait window for WaitForStateChange. When
// the window elapses without a version change the current snapshot is
// returned.
const StateChangeWindow = 30 * time.Second

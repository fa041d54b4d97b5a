// Package session implements the top-level agent orchestrator: a durable turn
// loop that invokes the model, routes tool calls through the interception
// pipeline, and tracks lifecycle in versioned agent state. A Session is a
// reusable definition; each workflow execution gets fresh state, a fresh
// router, and its own conversation thread.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/engine"
	"github.com/loopwork/agentloop/hooks"
	"github.com/loopwork/agentloop/router"
	"github.com/loopwork/agentloop/subagent"
	"github.com/loopwork/agentloop/telemetry"
	"github.com/loopwork/agentloop/tools"
)

// DefaultMaxTurns bounds the turn loop when neither the session nor the start
// request specifies a budget.
const DefaultMaxTurns = 50

// DefaultTaskQueue is the queue sessions schedule on unless overridden.
const DefaultTaskQueue = "agentloop"

type (
	// Session is a reusable agent definition: its tool set, hooks, subagents
	// and activity wiring. Construct via New; register on an engine via
	// Register.
	Session struct {
		name          string
		workflowName  string
		taskQueue     string
		maxTurns      int
		registrations []router.Registration
		activityTools map[string]ActivityToolFunc
		rewrites      []descriptionRewrite
		hooks         hooks.HookSet
		dispatcher    *subagent.Dispatcher
		parallel      bool
		resumeOnInput bool
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		bus           hooks.Bus
		activityOpts  engine.ActivityOptions

		invokeActivity string
		appendActivity string
		toolActivity   string
	}

	// ActivityToolFunc executes one tool call inside the tool activity, on
	// the activity side of the host boundary. It may perform arbitrary I/O.
	ActivityToolFunc func(ctx context.Context, in *api.ToolInput) (*api.ToolOutput, error)

	// DescriptionRenderer produces a tool description at session start, e.g.
	// a workspace listing from tools.RenderFileTree.
	DescriptionRenderer func(ctx context.Context) (string, error)

	// Option configures a Session.
	Option func(*Session)

	descriptionRewrite struct {
		tool   string
		render DescriptionRenderer
	}
)

// WithMaxTurns sets the default turn budget. Start requests may override it.
func WithMaxTurns(n int) Option {
	return func(s *Session) { s.maxTurns = n }
}

// WithWorkflowName overrides the registered workflow name. The default is the
// agent name.
func WithWorkflowName(name string) Option {
	return func(s *Session) { s.workflowName = name }
}

// WithTaskQueue sets the queue session workflows schedule on.
func WithTaskQueue(queue string) Option {
	return func(s *Session) { s.taskQueue = queue }
}

// WithTool registers an in-workflow tool. Its handler runs inside the
// workflow and must be deterministic; use WithActivityTool for handlers that
// perform I/O.
func WithTool(reg router.Registration) Option {
	return func(s *Session) { s.registrations = append(s.registrations, reg) }
}

// WithTools registers several in-workflow tools at once.
func WithTools(regs ...router.Registration) Option {
	return func(s *Session) { s.registrations = append(s.registrations, regs...) }
}

// WithActivityTool registers a tool whose handler runs as a host activity
// with the session's retry policy. The workflow side schedules the activity;
// fn executes it and may perform arbitrary I/O.
func WithActivityTool(def tools.Definition, fn ActivityToolFunc, hs hooks.HookSet) Option {
	return func(s *Session) {
		s.registrations = append(s.registrations, router.Registration{
			Definition: def,
			Handler:    router.ActivityHandler(s.toolActivity, s.activityOpts),
			Hooks:      hs,
		})
		s.activityTools[def.Name] = fn
	}
}

// WithToolDescriptionRewrite rewrites the named tool's description once at
// session start, before the tool snapshot is taken for the first model
// invocation. render runs inside workflow code and must be replay-safe;
// derive the text from session inputs or data captured at registration time.
func WithToolDescriptionRewrite(tool string, render DescriptionRenderer) Option {
	return func(s *Session) {
		s.rewrites = append(s.rewrites, descriptionRewrite{tool: tool, render: render})
	}
}

// WithHooks sets the global hook set applied to the session lifecycle and
// every tool call.
func WithHooks(hs hooks.HookSet) Option {
	return func(s *Session) { s.hooks = hs }
}

// WithSubagents enables the delegate tool backed by the given dispatcher.
func WithSubagents(d *subagent.Dispatcher) Option {
	return func(s *Session) { s.dispatcher = d }
}

// WithParallelToolCalls makes tool batches execute concurrently instead of
// in array order.
func WithParallelToolCalls() Option {
	return func(s *Session) { s.parallel = true }
}

// WithResumeOnInput makes a session parked in WAITING_FOR_INPUT block for a
// provide-input signal, append the delivered message, and resume the loop
// instead of exiting.
func WithResumeOnInput() Option {
	return func(s *Session) { s.resumeOnInput = true }
}

// WithLogger sets the session logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithMetrics sets the session metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithBus attaches an observer event bus receiving session and tool
// lifecycle events.
func WithBus(b hooks.Bus) Option {
	return func(s *Session) { s.bus = b }
}

// WithActivityOptions sets the retry policy and timeout applied to the
// session's invoke, append and tool activities.
func WithActivityOptions(opts engine.ActivityOptions) Option {
	return func(s *Session) { s.activityOpts = opts }
}

// New creates a session definition for the named agent.
func New(agentName string, opts ...Option) (*Session, error) {
	if agentName == "" {
		return nil, errors.New("agent name is required")
	}
	s := &Session{
		name:           agentName,
		workflowName:   agentName,
		taskQueue:      DefaultTaskQueue,
		maxTurns:       DefaultMaxTurns,
		activityTools:  make(map[string]ActivityToolFunc),
		logger:         telemetry.NewNoopLogger(),
		invokeActivity: agentName + ".invoke",
		appendActivity: agentName + ".append",
		toolActivity:   agentName + ".tool",
	}
	for _, opt := range opts {
		opt(s)
	}
	seen := make(map[string]struct{}, len(s.registrations))
	for _, reg := range s.registrations {
		if _, dup := seen[reg.Definition.Name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", reg.Definition.Name)
		}
		seen[reg.Definition.Name] = struct{}{}
	}
	return s, nil
}

// Name returns the agent name.
func (s *Session) Name() string { return s.name }

// WorkflowName returns the name the session workflow registers under.
func (s *Session) WorkflowName() string { return s.workflowName }

// TaskQueue returns the queue session workflows schedule on.
func (s *Session) TaskQueue() string { return s.taskQueue }

// Package subagent implements delegation to nested durable executions. A
// Dispatcher holds the configured subagent profiles, synthesizes the delegate
// tool definition surfaced to the model, and starts child workflows on
// behalf of delegate calls.
package subagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/engine"
	"github.com/loopwork/agentloop/hooks"
	"github.com/loopwork/agentloop/telemetry"
	"github.com/loopwork/agentloop/thread"
	"github.com/loopwork/agentloop/tools"
)

// DelegateToolName is the name of the synthesized delegation tool.
const DelegateToolName = "delegate"

// ErrNotConfigured indicates a delegate call named a subagent that is not
// among the configured profiles. This is a configuration bug and therefore a
// hard failure with no hook recovery path.
var ErrNotConfigured = errors.New("subagent not configured")

type (
	// Profile describes one named subagent available for delegation.
	Profile struct {
		// Name is the subagent identifier the model selects.
		Name string
		// Description tells the model what the subagent is good at.
		Description string
		// Workflow is the durable-execution target to start. Empty uses the
		// dispatcher default.
		Workflow string
		// TaskQueue overrides the queue the child is scheduled on.
		TaskQueue string
		// ResultSchema, when set, validates the child's raw result. A
		// mismatch is a hard error, not a soft fallback.
		ResultSchema json.RawMessage
		// Hooks overrides the per-tool hook set for delegate calls naming
		// this subagent.
		Hooks hooks.HookSet
		// MaxTurns bounds the child session. Zero uses the child's default.
		MaxTurns int
	}

	// SchemaMismatchError reports that a nested execution's result failed
	// validation against the subagent's configured result schema.
	SchemaMismatchError struct {
		// Subagent names the profile whose schema was violated.
		Subagent string
		// Cause is the underlying validation error.
		Cause error
	}

	// Args is the argument payload of a delegate tool call.
	Args struct {
		// Subagent selects the profile by name.
		Subagent string `json:"subagent"`
		// Description is a short summary of the delegated work.
		Description string `json:"description,omitempty"`
		// Prompt is the free-text instruction passed to the child session.
		Prompt string `json:"prompt"`
	}

	// Result is the outcome of one dispatched delegation.
	Result struct {
		// ResponseContent is the validated result serialized for the model.
		ResponseContent string
		// Data is the raw result payload for hook consumption.
		Data json.RawMessage
		// ChildID is the nested execution's workflow identifier.
		ChildID string
		// ExitReason is the child session's exit reason.
		ExitReason api.ExitReason
	}

	// Dispatcher starts nested durable executions for configured subagent
	// profiles. Construct via NewDispatcher; the zero value is not usable.
	Dispatcher struct {
		profiles        map[string]*compiledProfile
		order           []string
		defaultWorkflow string
		defaultQueue    string
		logger          telemetry.Logger
	}

	compiledProfile struct {
		profile   Profile
		validator *tools.Validator
	}

	// Option customizes dispatcher construction.
	Option func(*Dispatcher)
)

// Error implements the error interface.
func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("subagent %q result schema mismatch: %v", e.Subagent, e.Cause)
}

// Unwrap exposes the validation error for errors.Is/As.
func (e *SchemaMismatchError) Unwrap() error { return e.Cause }

// WithDefaultWorkflow sets the workflow started for profiles that do not name
// their own target.
func WithDefaultWorkflow(name string) Option {
	return func(d *Dispatcher) { d.defaultWorkflow = name }
}

// WithDefaultTaskQueue sets the queue used for profiles without an override.
func WithDefaultTaskQueue(queue string) Option {
	return func(d *Dispatcher) { d.defaultQueue = queue }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l telemetry.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher compiles the given profiles into a dispatcher. Profile names
// must be unique and non-empty; result schemas are compiled eagerly so
// configuration errors surface at construction time.
func NewDispatcher(profiles []Profile, opts ...Option) (*Dispatcher, error) {
	if len(profiles) == 0 {
		return nil, errors.New("at least one subagent profile is required")
	}
	d := &Dispatcher{
		profiles: make(map[string]*compiledProfile, len(profiles)),
		logger:   telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, p := range profiles {
		if p.Name == "" {
			return nil, errors.New("subagent profile name is required")
		}
		if _, dup := d.profiles[p.Name]; dup {
			return nil, fmt.Errorf("subagent %q configured twice", p.Name)
		}
		validator, err := tools.CompileSchema(p.ResultSchema)
		if err != nil {
			return nil, fmt.Errorf("subagent %q result schema: %w", p.Name, err)
		}
		d.profiles[p.Name] = &compiledProfile{profile: p, validator: validator}
		d.order = append(d.order, p.Name)
	}
	return d, nil
}

// Names returns the configured subagent names in registration order.
func (d *Dispatcher) Names() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Hooks returns the hook set configured for the named subagent. The boolean
// reports whether the subagent exists.
func (d *Dispatcher) Hooks(name string) (hooks.HookSet, bool) {
	cp, ok := d.profiles[name]
	if !ok {
		return hooks.HookSet{}, false
	}
	return cp.profile.Hooks, true
}

// Definition synthesizes the delegate tool definition: an enum over the
// configured subagent names plus free-text description and prompt fields.
func (d *Dispatcher) Definition() tools.Definition {
	var desc strings.Builder
	desc.WriteString("Delegate a task to a specialized subagent. Available subagents:\n")
	for _, name := range d.order {
		p := d.profiles[name].profile
		fmt.Fprintf(&desc, "- %s: %s\n", name, p.Description)
	}

	names, _ := json.Marshal(d.order)
	schema := fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"subagent": {"type": "string", "enum": %s, "description": "Name of the subagent to delegate to."},
			"description": {"type": "string", "description": "Short summary of the delegated task."},
			"prompt": {"type": "string", "description": "Full instructions for the subagent."}
		},
		"required": ["subagent", "prompt"],
		"additionalProperties": false
	}`, names)

	return tools.Definition{
		Name:        DelegateToolName,
		Description: desc.String(),
		Schema:      json.RawMessage(schema),
	}
}

// Dispatch starts a nested durable execution for the named subagent and
// awaits its terminal result. The child id derives from the parent workflow
// id, the subagent name, and a fresh random suffix so retried dispatches
// never collide. An unconfigured name fails before any child is started.
func (d *Dispatcher) Dispatch(ctx context.Context, wctx engine.WorkflowContext, toolCallID string, args Args) (*Result, error) {
	cp, ok := d.profiles[args.Subagent]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotConfigured, args.Subagent)
	}
	p := cp.profile

	workflowName := p.Workflow
	if workflowName == "" {
		workflowName = d.defaultWorkflow
	}
	if workflowName == "" {
		return nil, fmt.Errorf("subagent %q has no workflow target", p.Name)
	}
	queue := p.TaskQueue
	if queue == "" {
		queue = d.defaultQueue
	}

	childID := fmt.Sprintf("%s-%s-%s", wctx.WorkflowID(), p.Name, uuid.NewString())
	input := &api.SessionInput{
		AgentName:        p.Name,
		ThreadID:         childID,
		Prompt:           args.Prompt,
		MaxTurns:         p.MaxTurns,
		ParentRunID:      wctx.WorkflowID(),
		ParentToolCallID: toolCallID,
	}

	d.logger.Info(ctx, "dispatching subagent", "subagent", p.Name, "child_id", childID)
	handle, err := wctx.StartChildWorkflow(ctx, engine.ChildWorkflowRequest{
		ID:        childID,
		Workflow:  workflowName,
		TaskQueue: queue,
		Input:     input,
	})
	if err != nil {
		return nil, fmt.Errorf("start subagent %q: %w", p.Name, err)
	}
	out, err := handle.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("subagent %q: %w", p.Name, err)
	}

	raw := rawResult(out)
	if cp.validator != nil {
		if err := cp.validator.Validate(raw); err != nil {
			return nil, &SchemaMismatchError{Subagent: p.Name, Cause: err}
		}
	}

	return &Result{
		ResponseContent: string(raw),
		Data:            raw,
		ChildID:         childID,
		ExitReason:      out.ExitReason,
	}, nil
}

// rawResult extracts the child's result payload. Structured results take
// precedence; otherwise the final message text is serialized as a JSON
// string so the payload is always valid JSON.
func rawResult(out *api.SessionOutput) json.RawMessage {
	if out == nil {
		return json.RawMessage(`null`)
	}
	if len(out.Result) > 0 {
		return out.Result
	}
	var text bytes.Buffer
	if out.Final != nil {
		for _, block := range out.Final.Content {
			if block.Type == thread.BlockText {
				text.WriteString(block.Text)
			}
		}
	}
	encoded, _ := json.Marshal(text.String())
	return encoded
}

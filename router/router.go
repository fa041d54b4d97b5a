// Package router validates, dispatches, and observes tool executions. It
// holds the registered tools for a session, parses raw calls against each
// tool's argument schema, and runs every accepted call through a fixed
// interception pipeline: global pre hook, per-tool pre hook, handler,
// failure hooks on error, unconditional result append, per-tool post hook,
// global post hook.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopwork/agentloop/engine"
	"github.com/loopwork/agentloop/hooks"
	"github.com/loopwork/agentloop/state"
	"github.com/loopwork/agentloop/subagent"
	"github.com/loopwork/agentloop/telemetry"
	"github.com/loopwork/agentloop/thread"
	"github.com/loopwork/agentloop/tools"
)

type (
	// Handler executes one validated tool call and returns the model-visible
	// response plus structured data for hook consumption.
	Handler func(ctx context.Context, hctx *HandlerContext, call *tools.ParsedCall) (*HandlerResult, error)

	// HandlerResult is the successful outcome of a handler invocation.
	HandlerResult struct {
		// ResponseContent is the model-visible result text.
		ResponseContent string
		// Data is the structured result payload.
		Data json.RawMessage
	}

	// HandlerContext carries the session collaborators handlers may need.
	// Task tool handlers mutate State; the delegate handler spawns children
	// through Workflow; activity-backed handlers schedule work on Workflow.
	HandlerContext struct {
		// RunID identifies the session run.
		RunID string
		// ThreadID identifies the conversation thread.
		ThreadID string
		// AgentName names the agent profile driving the session.
		AgentName string
		// Turn is the current turn number.
		Turn int
		// State is the session's agent state manager.
		State *state.Manager
		// Workflow exposes durable-execution capabilities. Nil outside a
		// workflow (e.g., in unit tests that exercise handlers directly).
		Workflow engine.WorkflowContext
	}

	// Registration binds a tool definition to its handler and optional
	// per-tool hooks.
	Registration struct {
		// Definition describes the tool to the model.
		Definition tools.Definition
		// Handler executes accepted calls. Required.
		Handler Handler
		// Hooks is the per-tool hook set layered over the global hooks.
		Hooks hooks.HookSet
	}

	// AppendFunc appends a tool result to the conversation thread keyed by
	// the call's id. The router calls it exactly once per non-skipped call
	// and once per skipped call (with skipped-marker content).
	AppendFunc func(ctx context.Context, threadID, toolCallID, content string) error

	// Options configures a Router.
	Options struct {
		// Tools lists the registered tools in presentation order.
		Tools []Registration
		// Append persists tool results to the thread. Required.
		Append AppendFunc
		// Hooks is the global hook set applied to every call.
		Hooks hooks.HookSet
		// Dispatcher, when set, synthesizes the delegate tool backed by the
		// subagent dispatcher. Delegate hooks resolve per-invocation from the
		// named subagent's hook set.
		Dispatcher *subagent.Dispatcher
		// Parallel executes batches concurrently instead of in array order.
		Parallel bool
		// Logger emits routing logs. Nil uses a noop logger.
		Logger telemetry.Logger
		// Bus receives tool lifecycle events. Optional.
		Bus hooks.Bus
	}

	// ProcessOptions parameterizes one ProcessToolCalls batch.
	ProcessOptions struct {
		// Turn is the session turn that issued the batch.
		Turn int
		// Handler is the context passed to every handler in the batch.
		Handler *HandlerContext
	}

	// Router owns the registered-tool map and hook composition logic for one
	// session. Construct via New; the zero value is not usable.
	Router struct {
		regs       map[string]*registration
		order      []string
		append     AppendFunc
		global     hooks.HookSet
		dispatcher *subagent.Dispatcher
		parallel   bool
		logger     telemetry.Logger
		bus        hooks.Bus

		mu        sync.Mutex
		uses      map[string]int
		rewritten map[string]bool
	}

	registration struct {
		def        tools.Definition
		validator  *tools.Validator
		handler    Handler
		hooks      hooks.HookSet
		isDelegate bool
	}
)

// skippedContent is the thread marker appended for calls a pre hook skipped.
const skippedContent = `{"skipped":true}`

// New constructs a Router from the given options. Argument schemas are
// compiled eagerly so configuration errors surface at construction time. If
// a dispatcher is present, one additional delegate tool is synthesized and
// dispatched uniformly with ordinary tools.
func New(opts Options) (*Router, error) {
	if opts.Append == nil {
		return nil, errors.New("append callback is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	r := &Router{
		regs:       make(map[string]*registration, len(opts.Tools)+1),
		append:     opts.Append,
		global:     opts.Hooks,
		dispatcher: opts.Dispatcher,
		parallel:   opts.Parallel,
		logger:     logger,
		bus:        opts.Bus,
		uses:       make(map[string]int),
		rewritten:  make(map[string]bool),
	}
	for _, t := range opts.Tools {
		if err := r.register(t, false); err != nil {
			return nil, err
		}
	}
	if opts.Dispatcher != nil {
		delegate := Registration{
			Definition: opts.Dispatcher.Definition(),
			Handler:    r.delegateHandler,
		}
		if err := r.register(delegate, true); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Router) register(t Registration, isDelegate bool) error {
	if t.Definition.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Definition.Name)
	}
	if _, dup := r.regs[t.Definition.Name]; dup {
		return fmt.Errorf("tool %q registered twice", t.Definition.Name)
	}
	validator, err := tools.CompileSchema(t.Definition.Schema)
	if err != nil {
		return fmt.Errorf("tool %q schema: %w", t.Definition.Name, err)
	}
	r.regs[t.Definition.Name] = &registration{
		def:        t.Definition,
		validator:  validator,
		handler:    t.Handler,
		hooks:      t.Hooks,
		isDelegate: isDelegate,
	}
	r.order = append(r.order, t.Definition.Name)
	return nil
}

// HasTools reports whether any tool is registered.
func (r *Router) HasTools() bool {
	return len(r.order) > 0
}

// ToolDefinitions returns the public, handler-free shape of every registered
// tool, including the synthesized delegate tool, in registration order.
func (r *Router) ToolDefinitions() []tools.Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tools.Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.regs[name].def)
	}
	return out
}

// Snapshot returns the tool list in the schema-snapshot form stored on the
// agent state.
func (r *Router) Snapshot() []state.ToolSnapshot {
	return tools.Snapshots(r.ToolDefinitions())
}

// RewriteToolDescription replaces the named tool's description. Each tool's
// description may be rewritten at most once per session; later calls and
// unknown names return false.
func (r *Router) RewriteToolDescription(name, description string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[name]
	if !ok || r.rewritten[name] {
		return false
	}
	reg.def.Description = description
	r.rewritten[name] = true
	return true
}

// ParseToolCall validates a raw call against the registered tool's schema.
// It fails with UnknownToolError when the name is not registered,
// UseLimitError when the tool's per-session cap is exhausted, and
// InvalidArgumentsError when validation fails. On success it returns a
// ParsedCall with a synthesized id if the model supplied none.
func (r *Router) ParseToolCall(raw thread.RawToolCall) (*tools.ParsedCall, error) {
	reg, ok := r.regs[raw.Name]
	if !ok {
		return nil, &UnknownToolError{Name: raw.Name}
	}
	if max := reg.def.MaxUses; max > 0 {
		r.mu.Lock()
		used := r.uses[raw.Name]
		r.mu.Unlock()
		if used >= max {
			return nil, &UseLimitError{Name: raw.Name, Limit: max}
		}
	}
	if err := reg.validator.Validate(raw.Args); err != nil {
		return nil, &InvalidArgumentsError{Name: raw.Name, Cause: err}
	}
	id := raw.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &tools.ParsedCall{ID: id, Name: raw.Name, Args: raw.Args}, nil
}

// ProcessToolCalls runs the execution pipeline for each call, concurrently
// or strictly in array order per the router's mode. Skipped calls are
// filtered from the returned results. An empty batch returns immediately
// without touching hooks or the thread store.
//
// On an unrecovered handler failure the batch aborts: the error is returned
// together with the results of calls that settled before (sequential) or
// despite (parallel) the failure, so callers never lose completed work.
func (r *Router) ProcessToolCalls(ctx context.Context, calls []*tools.ParsedCall, opts ProcessOptions) ([]*tools.CallResult, error) {
	if len(calls) == 0 {
		return []*tools.CallResult{}, nil
	}
	hctx := opts.Handler
	if hctx == nil {
		hctx = &HandlerContext{}
	}
	hctx.Turn = opts.Turn

	if !r.parallel {
		results := make([]*tools.CallResult, 0, len(calls))
		for _, call := range calls {
			res, err := r.executeCall(ctx, call, hctx)
			if err != nil {
				return results, err
			}
			if res != nil {
				results = append(results, res)
			}
		}
		return results, nil
	}

	settled := make([]*tools.CallResult, len(calls))
	errs := make([]error, len(calls))
	if err := r.fanOut(ctx, calls, hctx, settled, errs); err != nil {
		return nil, err
	}

	results := make([]*tools.CallResult, 0, len(calls))
	var firstErr error
	for i := range calls {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		if settled[i] != nil {
			results = append(results, settled[i])
		}
	}
	return results, firstErr
}

// fanOut executes the batch concurrently and blocks until every call has
// settled into the i-th slot. Inside a workflow the tasks go through the
// workflow scheduler: handlers reach activities and child workflows, and
// those APIs are illegal from native goroutines. Outside a workflow plain
// goroutines serve.
func (r *Router) fanOut(ctx context.Context, calls []*tools.ParsedCall, hctx *HandlerContext, settled []*tools.CallResult, errs []error) error {
	if wf := hctx.Workflow; wf != nil {
		var mu sync.Mutex
		remaining := len(calls)
		for i, call := range calls {
			wf.Go(func() {
				res, err := r.executeCall(ctx, call, hctx)
				mu.Lock()
				settled[i], errs[i] = res, err
				remaining--
				mu.Unlock()
			})
		}
		return wf.Await(ctx, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return remaining == 0
		})
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			settled[i], errs[i] = r.executeCall(ctx, call, hctx)
		}()
	}
	wg.Wait()
	return nil
}

// executeCall runs the fixed per-call pipeline. It returns (nil, nil) for
// skipped calls so callers can filter them out.
func (r *Router) executeCall(ctx context.Context, call *tools.ParsedCall, hctx *HandlerContext) (*tools.CallResult, error) {
	reg, ok := r.regs[call.Name]
	if !ok {
		return nil, &UnknownToolError{Name: call.Name}
	}

	use := &hooks.ToolUse{
		RunID:      hctx.RunID,
		ThreadID:   hctx.ThreadID,
		Turn:       hctx.Turn,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Args:       call.Args,
	}
	toolHooks := r.resolveToolHooks(reg, call)

	// Pre hooks run global first, then per-tool, each layering on any
	// argument modification from the previous stage.
	for _, h := range []hooks.HookSet{r.global, toolHooks} {
		dec, err := h.OnPreToolUse(ctx, use)
		if err != nil {
			return nil, err
		}
		if dec == nil {
			continue
		}
		if dec.Skip {
			if err := r.append(ctx, hctx.ThreadID, call.ID, skippedContent); err != nil {
				return nil, err
			}
			r.publish(ctx, hooks.NewToolCallSkippedEvent(hctx.RunID, hctx.AgentName, hctx.Turn, call.ID, call.Name))
			return nil, nil
		}
		if dec.ModifiedArgs != nil {
			use.Args = dec.ModifiedArgs
		}
	}

	r.mu.Lock()
	r.uses[call.Name]++
	r.mu.Unlock()

	r.publish(ctx, hooks.NewToolCallStartedEvent(hctx.RunID, hctx.AgentName, hctx.Turn, call.ID, call.Name, use.Args))

	execCall := &tools.ParsedCall{ID: call.ID, Name: call.Name, Args: use.Args}
	start := r.now(hctx)
	res, handlerErr := reg.handler(ctx, hctx, execCall)
	elapsed := r.now(hctx).Sub(start)

	var responseContent string
	var data json.RawMessage
	recovered := false
	if handlerErr != nil {
		if isHardFailure(handlerErr) {
			r.publish(ctx, hooks.NewToolCallFailedEvent(hctx.RunID, hctx.AgentName, hctx.Turn, call.ID, call.Name, handlerErr))
			return nil, handlerErr
		}
		// Failure hooks run per-tool first, then global; the first recovery
		// decision wins.
		for _, h := range []hooks.HookSet{toolHooks, r.global} {
			dec, err := h.OnPostToolUseFailure(ctx, use, handlerErr)
			if err != nil {
				return nil, err
			}
			if dec == nil {
				continue
			}
			if dec.FallbackContent != "" {
				responseContent = dec.FallbackContent
				recovered = true
				break
			}
			if dec.Suppress {
				responseContent = errorMarker(handlerErr)
				recovered = true
				break
			}
		}
		if !recovered {
			r.publish(ctx, hooks.NewToolCallFailedEvent(hctx.RunID, hctx.AgentName, hctx.Turn, call.ID, call.Name, handlerErr))
			return nil, &HandlerFailureError{Name: call.Name, Cause: handlerErr}
		}
		r.logger.Warn(ctx, "tool failure recovered by hook", "tool", call.Name, "tool_call_id", call.ID, "err", handlerErr)
	} else if res != nil {
		responseContent = res.ResponseContent
		data = res.Data
	}

	// The append is unconditional and happens exactly once per non-skipped
	// call, before post hooks observe the result.
	if err := r.append(ctx, hctx.ThreadID, call.ID, responseContent); err != nil {
		return nil, err
	}

	result := &hooks.ToolUseResult{ResponseContent: responseContent, Data: data, Duration: elapsed}
	for _, h := range []hooks.HookSet{toolHooks, r.global} {
		if err := h.OnPostToolUse(ctx, use, result); err != nil {
			return nil, err
		}
	}

	r.publish(ctx, hooks.NewToolCallCompletedEvent(hctx.RunID, hctx.AgentName, hctx.Turn, call.ID, call.Name, data, elapsed, recovered))
	return &tools.CallResult{ToolCallID: call.ID, Name: call.Name, Data: data}, nil
}

// resolveToolHooks returns the per-tool hook set. Delegate calls resolve to
// the named subagent's hooks rather than the tool's own.
func (r *Router) resolveToolHooks(reg *registration, call *tools.ParsedCall) hooks.HookSet {
	if !reg.isDelegate || r.dispatcher == nil {
		return reg.hooks
	}
	var args subagent.Args
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return hooks.HookSet{}
	}
	hs, _ := r.dispatcher.Hooks(args.Subagent)
	return hs
}

// delegateHandler adapts the subagent dispatcher to the Handler contract.
func (r *Router) delegateHandler(ctx context.Context, hctx *HandlerContext, call *tools.ParsedCall) (*HandlerResult, error) {
	var args subagent.Args
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, fmt.Errorf("decode delegate arguments: %w", err)
	}
	if hctx.Workflow == nil {
		return nil, errors.New("delegate requires a workflow context")
	}
	r.publish(ctx, hooks.NewSubagentStartedEvent(hctx.RunID, hctx.AgentName, hctx.Turn, call.ID, args.Subagent, ""))
	res, err := r.dispatcher.Dispatch(ctx, hctx.Workflow, call.ID, args)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, hooks.NewSubagentCompletedEvent(hctx.RunID, hctx.AgentName, hctx.Turn, call.ID, args.Subagent, res.ChildID, res.ExitReason))
	return &HandlerResult{ResponseContent: res.ResponseContent, Data: res.Data}, nil
}

// now uses workflow time when available so durations stay replay-safe.
func (r *Router) now(hctx *HandlerContext) time.Time {
	if hctx.Workflow != nil {
		return hctx.Workflow.Now()
	}
	return time.Now()
}

func (r *Router) publish(ctx context.Context, event hooks.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, event); err != nil {
		r.logger.Warn(ctx, "event publish failed", "event", string(event.Type()), "err", err)
	}
}

// errorMarker renders a suppressed failure as the JSON marker the model sees.
func errorMarker(err error) string {
	encoded, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return `{"error":"tool execution failed"}`
	}
	return string(encoded)
}

// Package hooks defines the caller-supplied interception surface for the
// session runtime. A HookSet bundles the lifecycle and tool interception
// points (session start/end, pre/post/failure around tool execution) with
// every field defaulting to a no-op. Hook sets exist at three granularities:
// global (per session), per tool, and per subagent; the router composes them
// in a fixed order so behavior never depends on presence checks scattered
// through the pipeline.
package hooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loopwork/agentloop/api"
)

type (
	// ToolUse carries the call and turn context passed to tool hooks.
	ToolUse struct {
		// RunID identifies the session run.
		RunID string
		// ThreadID identifies the conversation thread.
		ThreadID string
		// Turn is the 1-based turn number that produced the call.
		Turn int
		// ToolCallID identifies the call.
		ToolCallID string
		// ToolName is the registered tool name.
		ToolName string
		// Args holds the call arguments as seen at this pipeline stage,
		// including any modification applied by an earlier pre hook.
		Args json.RawMessage
	}

	// PreToolUseDecision is returned by pre-execution hooks. Zero value means
	// proceed unchanged.
	PreToolUseDecision struct {
		// Skip abandons the call. A skipped result is appended to the thread
		// and the handler never runs.
		Skip bool
		// ModifiedArgs replaces the arguments used downstream when non-nil.
		ModifiedArgs json.RawMessage
	}

	// ToolUseResult carries the outcome passed to post-execution hooks.
	ToolUseResult struct {
		// ResponseContent is the model-visible result content.
		ResponseContent string
		// Data is the structured result payload. Nil for recovered failures
		// that substituted fallback content.
		Data json.RawMessage
		// Duration is the elapsed handler execution time.
		Duration time.Duration
	}

	// FailureDecision is returned by failure hooks to recover a failed call.
	// Zero value means the failure is not recovered.
	FailureDecision struct {
		// FallbackContent, when non-empty, becomes the model-visible response
		// and the call is treated as recovered.
		FallbackContent string
		// Suppress records the error but treats the call as recovered with a
		// JSON error marker as the response content.
		Suppress bool
	}

	// SessionInfo identifies the session passed to lifecycle hooks.
	SessionInfo struct {
		// RunID identifies the session run.
		RunID string
		// ThreadID identifies the conversation thread.
		ThreadID string
		// AgentName names the agent profile driving the session.
		AgentName string
	}

	// SessionEndInfo is passed to the session-end hook, which fires exactly
	// once per session regardless of exit path.
	SessionEndInfo struct {
		SessionInfo
		// ExitReason records why the session ended.
		ExitReason api.ExitReason
		// Turns is the number of turns executed.
		Turns int
	}

	// HookSet bundles the interception points. Nil fields are no-ops. Errors
	// returned by hooks propagate to the caller and abort the enclosing
	// operation; hooks that want to observe without interfering must return
	// nil.
	HookSet struct {
		// SessionStart fires before the first turn.
		SessionStart func(ctx context.Context, info *SessionInfo) error
		// SessionEnd fires exactly once when the session ends.
		SessionEnd func(ctx context.Context, info *SessionEndInfo) error
		// PreToolUse fires before a tool handler executes. May skip the call
		// or rewrite its arguments.
		PreToolUse func(ctx context.Context, use *ToolUse) (*PreToolUseDecision, error)
		// PostToolUse fires after a successful or recovered call.
		PostToolUse func(ctx context.Context, use *ToolUse, result *ToolUseResult) error
		// PostToolUseFailure fires when a handler fails. Returning a recovery
		// decision prevents the failure from aborting the batch.
		PostToolUseFailure func(ctx context.Context, use *ToolUse, failure error) (*FailureDecision, error)
	}
)

// OnSessionStart invokes the session-start hook if set.
func (h HookSet) OnSessionStart(ctx context.Context, info *SessionInfo) error {
	if h.SessionStart == nil {
		return nil
	}
	return h.SessionStart(ctx, info)
}

// OnSessionEnd invokes the session-end hook if set.
func (h HookSet) OnSessionEnd(ctx context.Context, info *SessionEndInfo) error {
	if h.SessionEnd == nil {
		return nil
	}
	return h.SessionEnd(ctx, info)
}

// OnPreToolUse invokes the pre-execution hook if set. A nil decision means
// proceed unchanged.
func (h HookSet) OnPreToolUse(ctx context.Context, use *ToolUse) (*PreToolUseDecision, error) {
	if h.PreToolUse == nil {
		return nil, nil
	}
	return h.PreToolUse(ctx, use)
}

// OnPostToolUse invokes the post-execution hook if set.
func (h HookSet) OnPostToolUse(ctx context.Context, use *ToolUse, result *ToolUseResult) error {
	if h.PostToolUse == nil {
		return nil
	}
	return h.PostToolUse(ctx, use, result)
}

// OnPostToolUseFailure invokes the failure hook if set. A nil decision means
// the failure is not recovered.
func (h HookSet) OnPostToolUseFailure(ctx context.Context, use *ToolUse, failure error) (*FailureDecision, error) {
	if h.PostToolUseFailure == nil {
		return nil, nil
	}
	return h.PostToolUseFailure(ctx, use, failure)
}

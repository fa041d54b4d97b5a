// Package api defines the types that cross workflow, activity and query
// boundaries in the session runtime. Everything here must be representable as
// plain JSON: no function values, no cyclic references, raw JSON payloads
// instead of decoded `any` trees, so values survive host serialization intact.
package api

import (
	"encoding/json"

	"github.com/loopwork/agentloop/thread"
)

// ExitReason classifies how a session run ended. Set exactly once per run and
// passed to the session-end notification.
type ExitReason string

const (
	// ExitCompleted indicates the model signalled completion.
	ExitCompleted ExitReason = "completed"
	// ExitMaxTurns indicates the turn budget was exhausted while still running.
	ExitMaxTurns ExitReason = "max_turns"
	// ExitWaitingForInput indicates the loop parked waiting on external input.
	ExitWaitingForInput ExitReason = "waiting_for_input"
	// ExitFailed indicates an unrecovered error aborted the run.
	ExitFailed ExitReason = "failed"
	// ExitCancelled indicates the run was cancelled externally.
	ExitCancelled ExitReason = "cancelled"
)

// Stop reasons reported by model invocations.
const (
	// StopEndTurn indicates the model produced a final answer.
	StopEndTurn = "end_turn"
	// StopToolUse indicates the model requested tool calls.
	StopToolUse = "tool_use"
	// StopMaxTokens indicates the completion was truncated by the token cap.
	StopMaxTokens = "max_tokens"
)

type (
	// SessionInput carries everything a session workflow needs to start.
	SessionInput struct {
		// AgentName identifies the agent profile processing the session.
		AgentName string `json:"agent_name"`

		// ThreadID is the durable conversation thread identifier.
		ThreadID string `json:"thread_id"`

		// Prompt is the initial human message. May be empty when the thread
		// already carries conversation history.
		Prompt string `json:"prompt,omitempty"`

		// Context carries optional structured input forwarded to nested
		// executions alongside the prompt.
		Context map[string]any `json:"context,omitempty"`

		// MaxTurns bounds the number of model-invocation cycles. Zero means the
		// configured session default applies.
		MaxTurns int `json:"max_turns,omitempty"`

		// Custom seeds caller-supplied agent state fields.
		Custom map[string]any `json:"custom,omitempty"`

		// Metadata holds caller-provided labels forwarded to model invocations.
		Metadata map[string]string `json:"metadata,omitempty"`

		// ParentRunID identifies the run that spawned this nested execution.
		// Empty for top-level sessions.
		ParentRunID string `json:"parent_run_id,omitempty"`

		// ParentToolCallID identifies the delegate tool call that spawned this
		// nested execution. Empty for top-level sessions.
		ParentToolCallID string `json:"parent_tool_call_id,omitempty"`
	}

	// SessionOutput is the terminal result of a session workflow.
	SessionOutput struct {
		// RunID echoes the workflow execution identifier.
		RunID string `json:"run_id"`

		// ExitReason records how the run ended.
		ExitReason ExitReason `json:"exit_reason"`

		// Turns is the number of turns executed.
		Turns int `json:"turns"`

		// Final is the concluding assistant message when the run completed.
		Final *thread.Message `json:"final,omitempty"`

		// Result is the canonical JSON result payload for nested executions.
		// Parents validate it against the subagent's result schema when one is
		// configured.
		Result json.RawMessage `json:"result,omitempty"`

		// Usage aggregates model-reported token usage when available.
		Usage *TokenUsage `json:"usage,omitempty"`
	}

	// TokenUsage aggregates provider-reported token counts.
	TokenUsage struct {
		// InputTokens counts prompt tokens consumed.
		InputTokens int `json:"input_tokens"`
		// OutputTokens counts completion tokens produced.
		OutputTokens int `json:"output_tokens"`
	}

	// InvokeInput is the payload for the model invocation activity.
	InvokeInput struct {
		// ThreadID identifies the conversation thread to build the prompt from.
		ThreadID string `json:"thread_id"`
		// AgentName selects the agent profile (system prompt, model choice).
		AgentName string `json:"agent_name"`
		// Tools is the schema snapshot of the tools offered to the model.
		Tools json.RawMessage `json:"tools,omitempty"`
		// Metadata carries caller labels for the provider call.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// InvokeOutput is the result of a model invocation activity.
	InvokeOutput struct {
		// Message is the assistant message produced by the model.
		Message *thread.Message `json:"message"`
		// StopReason is the provider stop condition (end_turn, tool_use, ...).
		StopReason string `json:"stop_reason"`
		// Usage is the token usage reported by the provider when available.
		Usage *TokenUsage `json:"usage,omitempty"`
	}

	// AppendKind selects the thread store operation performed by the append
	// activity.
	AppendKind string

	// AppendInput is the payload for the thread append activity. Appends run
	// with bounded retry; exhausting retries surfaces as a hard failure to the
	// enclosing pipeline step.
	AppendInput struct {
		// Kind selects the store operation.
		Kind AppendKind `json:"kind"`
		// ThreadID identifies the conversation thread.
		ThreadID string `json:"thread_id"`
		// ToolCallID keys tool_result appends.
		ToolCallID string `json:"tool_call_id,omitempty"`
		// Content is the message or result body.
		Content string `json:"content,omitempty"`
	}

	// ToolInput is the payload passed to the tool execution activity.
	ToolInput struct {
		// RunID identifies the run that owns this tool call.
		RunID string `json:"run_id"`
		// ThreadID identifies the conversation thread.
		ThreadID string `json:"thread_id"`
		// ToolName is the registered tool identifier.
		ToolName string `json:"tool_name"`
		// ToolCallID uniquely identifies the invocation for correlation.
		ToolCallID string `json:"tool_call_id"`
		// Payload is the validated JSON argument payload.
		Payload json.RawMessage `json:"payload,omitempty"`
		// Turn is the session turn that issued the call.
		Turn int `json:"turn"`
	}

	// ToolOutput is returned by the tool execution activity.
	ToolOutput struct {
		// ResponseContent is the model-visible result text.
		ResponseContent string `json:"response_content"`
		// Data is the structured result as canonical JSON for hook consumption.
		Data json.RawMessage `json:"data,omitempty"`
		// Error is the plain-text failure message when execution failed.
		Error string `json:"error,omitempty"`
	}

	// InputRequest is the signal payload that delivers external input to a
	// session parked in WAITING_FOR_INPUT.
	InputRequest struct {
		// Content is the human message to append before resuming.
		Content string `json:"content"`
		// RequestedBy identifies the actor providing the input.
		RequestedBy string `json:"requested_by,omitempty"`
		// Metadata carries optional structured context.
		Metadata map[string]any `json:"metadata,omitempty"`
	}
)

// Append kinds understood by the append activity.
const (
	// AppendInitialize creates the thread if it does not exist.
	AppendInitialize AppendKind = "initialize"
	// AppendHuman appends a user text message.
	AppendHuman AppendKind = "human"
	// AppendToolResult appends a tool result keyed by tool call id.
	AppendToolResult AppendKind = "tool_result"
)

const (
	// SignalProvideInput delivers an InputRequest to a waiting session.
	SignalProvideInput = "agentloop.provide.input"

	// QueryAgentState is the query handler name exposing the AgentState
	// snapshot of a running session.
	QueryAgentState = "agentloop.query.state"
)

// Add accumulates usage from another report. Nil receivers and arguments are
// tolerated so call sites can chain without nil checks.
func (u *TokenUsage) Add(other *TokenUsage) *TokenUsage {
	if other == nil {
		return u
	}
	if u == nil {
		cp := *other
		return &cp
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	return u
}

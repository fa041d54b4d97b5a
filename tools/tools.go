// Package tools exposes the tool metadata, argument validation, and call
// result types shared by the router and the session runtime.
package tools

import (
	"encoding/json"

	"github.com/loopwork/agentloop/state"
)

type (
	// Definition describes a tool the model may request. Definitions are
	// immutable once registered for a session, except that one well-known
	// tool may have its description rewritten once per session (see
	// Router.RewriteToolDescription).
	Definition struct {
		// Name is the unique tool identifier presented to the model.
		Name string `json:"name"`
		// Description provides human-readable context for the model.
		Description string `json:"description"`
		// Schema is the JSON schema for the tool's arguments. Empty means the
		// tool accepts any arguments.
		Schema json.RawMessage `json:"schema,omitempty"`
		// Strict requests strict schema adherence from providers that support it.
		Strict bool `json:"strict,omitempty"`
		// MaxUses caps how many times the tool may execute within one session.
		// Zero means unlimited.
		MaxUses int `json:"max_uses,omitempty"`
	}

	// ParsedCall is a tool call whose arguments passed schema validation.
	// A call that fails validation is never handed to a handler.
	ParsedCall struct {
		// ID identifies the call. Synthesized when the model omits one.
		ID string `json:"id"`
		// Name is the registered tool name.
		Name string `json:"name"`
		// Args holds the validated argument payload.
		Args json.RawMessage `json:"args,omitempty"`
	}

	// CallResult is the outcome of one routed tool call. Data is nil when the
	// call was skipped by a pre-execution hook.
	CallResult struct {
		// ToolCallID identifies the originating call.
		ToolCallID string `json:"tool_call_id"`
		// Name is the tool that produced the result.
		Name string `json:"name"`
		// Data is the structured result payload for hook consumption.
		Data json.RawMessage `json:"data,omitempty"`
	}
)

// Snapshot converts the definition into the schema-snapshot form stored on
// the agent state and included in model invocations.
func (d Definition) Snapshot() state.ToolSnapshot {
	return state.ToolSnapshot{
		Name:        d.Name,
		Description: d.Description,
		Schema:      d.Schema,
		Strict:      d.Strict,
		MaxUses:     d.MaxUses,
	}
}

// Snapshots converts a definition list into its state snapshot form.
func Snapshots(defs []Definition) []state.ToolSnapshot {
	out := make([]state.ToolSnapshot, len(defs))
	for i, d := range defs {
		out[i] = d.Snapshot()
	}
	return out
}

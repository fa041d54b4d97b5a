package hooks

import (
	"encoding/json"
	"time"

	"github.com/loopwork/agentloop/api"
)

// EventType enumerates well-known session events broadcast on the bus.
type EventType string

const (
	// SessionStarted fires when a session run begins execution.
	SessionStarted EventType = "session_started"
	// SessionEnded fires exactly once when a session run ends.
	SessionEnded EventType = "session_ended"
	// TurnStarted fires at the top of each turn before the model invocation.
	TurnStarted EventType = "turn_started"
	// ToolCallStarted fires when a parsed tool call enters the execution
	// pipeline.
	ToolCallStarted EventType = "tool_call_started"
	// ToolCallCompleted fires after a successful or recovered tool call.
	ToolCallCompleted EventType = "tool_call_completed"
	// ToolCallSkipped fires when a pre-execution hook skips a call.
	ToolCallSkipped EventType = "tool_call_skipped"
	// ToolCallFailed fires when a handler failure is not recovered.
	ToolCallFailed EventType = "tool_call_failed"
	// SubagentStarted fires in the parent run when a delegate call starts a
	// nested execution.
	SubagentStarted EventType = "subagent_started"
	// SubagentCompleted fires when a nested execution returns.
	SubagentCompleted EventType = "subagent_completed"
	// StateChanged fires when the agent state version advances.
	StateChanged EventType = "state_changed"
)

type (
	// Event is the interface all session events implement. Subscribers use
	// type switches to access event-specific fields:
	//
	//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *ToolCallCompletedEvent:
	//	        log.Printf("tool %s took %v", e.ToolName, e.Duration)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// RunID returns the session run that produced this event.
		RunID() string
		// AgentName returns the agent profile driving the run.
		AgentName() string
		// Timestamp returns the Unix timestamp in milliseconds when the event
		// was created.
		Timestamp() int64
		// Turn returns the turn number the event belongs to, zero for
		// lifecycle events outside any turn.
		Turn() int
	}

	baseEvent struct {
		runID     string
		agentName string
		timestamp int64
		turn      int
	}

	// SessionStartedEvent fires when a session run begins.
	SessionStartedEvent struct {
		baseEvent
		// ThreadID identifies the conversation thread.
		ThreadID string
		// Prompt is the initial user prompt, empty when resuming a thread.
		Prompt string
	}

	// SessionEndedEvent fires exactly once when a session run ends.
	SessionEndedEvent struct {
		baseEvent
		// ExitReason records why the session ended.
		ExitReason api.ExitReason
		// Err contains the terminal error when the exit reason is failed.
		Err error
	}

	// TurnStartedEvent fires before each model invocation.
	TurnStartedEvent struct {
		baseEvent
	}

	// ToolCallStartedEvent fires when a parsed call enters the pipeline.
	ToolCallStartedEvent struct {
		baseEvent
		// ToolCallID identifies the call.
		ToolCallID string
		// ToolName is the registered tool name.
		ToolName string
		// Args holds the call arguments after any pre-hook modification.
		Args json.RawMessage
	}

	// ToolCallCompletedEvent fires after a successful or recovered call.
	ToolCallCompletedEvent struct {
		baseEvent
		// ToolCallID identifies the call.
		ToolCallID string
		// ToolName is the registered tool name.
		ToolName string
		// Data is the structured result payload, nil for recovered failures.
		Data json.RawMessage
		// Duration is the elapsed handler execution time.
		Duration time.Duration
		// Recovered reports whether the call succeeded only through a failure
		// hook.
		Recovered bool
	}

	// ToolCallSkippedEvent fires when a pre-execution hook skips a call.
	ToolCallSkippedEvent struct {
		baseEvent
		// ToolCallID identifies the call.
		ToolCallID string
		// ToolName is the registered tool name.
		ToolName string
	}

	// ToolCallFailedEvent fires when a handler failure is not recovered.
	ToolCallFailedEvent struct {
		baseEvent
		// ToolCallID identifies the call.
		ToolCallID string
		// ToolName is the registered tool name.
		ToolName string
		// Err is the handler failure.
		Err error
	}

	// SubagentStartedEvent links a delegate call to its nested execution.
	SubagentStartedEvent struct {
		baseEvent
		// ToolCallID is the delegate call identifier in the parent.
		ToolCallID string
		// Subagent names the dispatched profile.
		Subagent string
		// ChildID is the nested execution's workflow identifier.
		ChildID string
	}

	// SubagentCompletedEvent fires when a nested execution returns.
	SubagentCompletedEvent struct {
		baseEvent
		// ToolCallID is the delegate call identifier in the parent.
		ToolCallID string
		// Subagent names the dispatched profile.
		Subagent string
		// ChildID is the nested execution's workflow identifier.
		ChildID string
		// ExitReason is the child's exit reason.
		ExitReason api.ExitReason
	}

	// StateChangedEvent fires when the agent state version advances.
	StateChangedEvent struct {
		baseEvent
		// Version is the new state version.
		Version uint64
		// Status is the agent status after the change.
		Status string
	}
)

func newBaseEvent(runID, agentName string, turn int) baseEvent {
	return baseEvent{
		runID:     runID,
		agentName: agentName,
		timestamp: time.Now().UnixMilli(),
		turn:      turn,
	}
}

func (e baseEvent) RunID() string     { return e.runID }
func (e baseEvent) AgentName() string { return e.agentName }
func (e baseEvent) Timestamp() int64  { return e.timestamp }
func (e baseEvent) Turn() int         { return e.turn }

func (e *SessionStartedEvent) Type() EventType    { return SessionStarted }
func (e *SessionEndedEvent) Type() EventType      { return SessionEnded }
func (e *TurnStartedEvent) Type() EventType       { return TurnStarted }
func (e *ToolCallStartedEvent) Type() EventType   { return ToolCallStarted }
func (e *ToolCallCompletedEvent) Type() EventType { return ToolCallCompleted }
func (e *ToolCallSkippedEvent) Type() EventType   { return ToolCallSkipped }
func (e *ToolCallFailedEvent) Type() EventType    { return ToolCallFailed }
func (e *SubagentStartedEvent) Type() EventType   { return SubagentStarted }
func (e *SubagentCompletedEvent) Type() EventType { return SubagentCompleted }
func (e *StateChangedEvent) Type() EventType      { return StateChanged }

// NewSessionStartedEvent constructs a SessionStarted event.
func NewSessionStartedEvent(runID, agentName, threadID, prompt string) *SessionStartedEvent {
	return &SessionStartedEvent{
		baseEvent: newBaseEvent(runID, agentName, 0),
		ThreadID:  threadID,
		Prompt:    prompt,
	}
}

// NewSessionEndedEvent constructs a SessionEnded event.
func NewSessionEndedEvent(runID, agentName string, turn int, reason api.ExitReason, err error) *SessionEndedEvent {
	return &SessionEndedEvent{
		baseEvent:  newBaseEvent(runID, agentName, turn),
		ExitReason: reason,
		Err:        err,
	}
}

// NewTurnStartedEvent constructs a TurnStarted event.
func NewTurnStartedEvent(runID, agentName string, turn int) *TurnStartedEvent {
	return &TurnStartedEvent{baseEvent: newBaseEvent(runID, agentName, turn)}
}

// NewToolCallStartedEvent constructs a ToolCallStarted event.
func NewToolCallStartedEvent(runID, agentName string, turn int, callID, tool string, args json.RawMessage) *ToolCallStartedEvent {
	return &ToolCallStartedEvent{
		baseEvent:  newBaseEvent(runID, agentName, turn),
		ToolCallID: callID,
		ToolName:   tool,
		Args:       args,
	}
}

// NewToolCallCompletedEvent constructs a ToolCallCompleted event.
func NewToolCallCompletedEvent(runID, agentName string, turn int, callID, tool string, data json.RawMessage, d time.Duration, recovered bool) *ToolCallCompletedEvent {
	return &ToolCallCompletedEvent{
		baseEvent:  newBaseEvent(runID, agentName, turn),
		ToolCallID: callID,
		ToolName:   tool,
		Data:       data,
		Duration:   d,
		Recovered:  recovered,
	}
}

// NewToolCallSkippedEvent constructs a ToolCallSkipped event.
func NewToolCallSkippedEvent(runID, agentName string, turn int, callID, tool string) *ToolCallSkippedEvent {
	return &ToolCallSkippedEvent{
		baseEvent:  newBaseEvent(runID, agentName, turn),
		ToolCallID: callID,
		ToolName:   tool,
	}
}

// NewToolCallFailedEvent constructs a ToolCallFailed event.
func NewToolCallFailedEvent(runID, agentName string, turn int, callID, tool string, err error) *ToolCallFailedEvent {
	return &ToolCallFailedEvent{
		baseEvent:  newBaseEvent(runID, agentName, turn),
		ToolCallID: callID,
		ToolName:   tool,
		Err:        err,
	}
}

// NewSubagentStartedEvent constructs a SubagentStarted event.
func NewSubagentStartedEvent(runID, agentName string, turn int, callID, subagent, childID string) *SubagentStartedEvent {
	return &SubagentStartedEvent{
		baseEvent:  newBaseEvent(runID, agentName, turn),
		ToolCallID: callID,
		Subagent:   subagent,
		ChildID:    childID,
	}
}

// NewSubagentCompletedEvent constructs a SubagentCompleted event.
func NewSubagentCompletedEvent(runID, agentName string, turn int, callID, subagent, childID string, reason api.ExitReason) *SubagentCompletedEvent {
	return &SubagentCompletedEvent{
		baseEvent:  newBaseEvent(runID, agentName, turn),
		ToolCallID: callID,
		Subagent:   subagent,
		ChildID:    childID,
		ExitReason: reason,
	}
}

// NewStateChangedEvent constructs a StateChanged event.
func NewStateChangedEvent(runID, agentName string, turn int, version uint64, status string) *StateChangedEvent {
	return &StateChangedEvent{
		baseEvent: newBaseEvent(runID, agentName, turn),
		Version:   version,
		Status:    status,
	}
}

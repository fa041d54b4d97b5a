// Package state implements the versioned agent state owned by a session. The
// Manager is the single mutator of AgentState: every mutation goes through its
// methods and bumps a monotonic version counter that external observers use
// for optimistic "has anything changed" checks.
package state

import (
	"encoding/json"
	"maps"
	"slices"
)

// Status is the lifecycle state of a session's agent.
type Status string

const (
	// StatusRunning indicates the session loop is actively executing turns.
	StatusRunning Status = "RUNNING"
	// StatusWaitingForInput indicates the loop is parked until external input arrives.
	StatusWaitingForInput Status = "WAITING_FOR_INPUT"
	// StatusCompleted indicates the session finished successfully. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the session failed permanently. Terminal.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the session was cancelled externally. Terminal.
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a workflow task.
type TaskStatus string

const (
	// TaskPending indicates the task has not been started.
	TaskPending TaskStatus = "pending"
	// TaskInProgress indicates the task is being worked on.
	TaskInProgress TaskStatus = "in_progress"
	// TaskCompleted indicates the task is done.
	TaskCompleted TaskStatus = "completed"
)

type (
	// Task is a dependency-linked work item tracked in agent state.
	//
	// Contract:
	// - The BlockedBy/Blocks relation is bidirectional at rest: whenever task B
	//   appears in A.BlockedBy, task A appears in B.Blocks, and symmetrically.
	//   The task tool handlers issue the paired updates; the Manager stores what
	//   it is given and bumps the version.
	Task struct {
		// ID is the generated task identifier.
		ID string `json:"id"`
		// Subject is the short imperative summary of the task.
		Subject string `json:"subject"`
		// Description elaborates on the work to be done.
		Description string `json:"description,omitempty"`
		// ActiveForm is the present-continuous label shown while the task is in progress.
		ActiveForm string `json:"active_form,omitempty"`
		// Status is the task lifecycle state.
		Status TaskStatus `json:"status"`
		// Metadata holds caller-supplied string annotations.
		Metadata map[string]string `json:"metadata,omitempty"`
		// BlockedBy lists ids of tasks that must complete before this one.
		BlockedBy []string `json:"blocked_by"`
		// Blocks lists ids of tasks waiting on this one.
		Blocks []string `json:"blocks"`
	}

	// ToolSnapshot is the schema-level view of a registered tool stored in
	// agent state and included in model invocations.
	ToolSnapshot struct {
		// Name is the tool identifier.
		Name string `json:"name"`
		// Description is the model-visible tool description.
		Description string `json:"description"`
		// Schema is the JSON schema for the tool arguments.
		Schema json.RawMessage `json:"schema"`
		// Strict requests strict schema adherence from the provider when supported.
		Strict bool `json:"strict,omitempty"`
		// MaxUses caps how many times the tool may run per session. Zero means unlimited.
		MaxUses int `json:"max_uses,omitempty"`
	}

	// AgentState is the externally visible session state. It is JSON-safe so
	// it can cross the host query boundary; caller-supplied custom fields are
	// flattened alongside the fixed fields when marshaled.
	AgentState struct {
		// Status is the session lifecycle state.
		Status Status `json:"status"`
		// Version increases strictly on every mutation.
		Version uint64 `json:"version"`
		// Turns counts completed model-invocation cycles.
		Turns int `json:"turns"`
		// Tools is the schema snapshot of the registered tool set.
		Tools []ToolSnapshot `json:"tools"`
		// Tasks is the dependency-aware task list keyed by task id.
		Tasks map[string]*Task `json:"tasks"`
		// Custom holds caller-supplied fields. Flattened into the top level by
		// MarshalJSON; see reserved field names below.
		Custom map[string]any `json:"-"`
	}
)

// reservedFields are AgentState keys that custom fields may not shadow.
var reservedFields = map[string]struct{}{
	"status":  {},
	"version": {},
	"turns":   {},
	"tools":   {},
	"tasks":   {},
}

// MarshalJSON flattens custom fields into the top-level object so external
// consumers see the documented {status, version, turns, tools, tasks, ...}
// shape. Custom keys colliding with fixed fields are dropped.
func (s AgentState) MarshalJSON() ([]byte, error) {
	type fixed AgentState
	raw, err := json.Marshal(fixed(s))
	if err != nil {
		return nil, err
	}
	if len(s.Custom) == 0 {
		return raw, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Custom {
		if _, reserved := reservedFields[k]; reserved {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy of the task, including relation slices.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Metadata = maps.Clone(t.Metadata)
	cp.BlockedBy = slices.Clone(t.BlockedBy)
	cp.Blocks = slices.Clone(t.Blocks)
	return &cp
}

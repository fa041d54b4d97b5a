// Package tasks provides the dependency-aware task list tools. The four
// handlers operate purely against the agent state manager: create, get,
// list, and update. Updates that add blockedBy/blocks relations persist both
// sides of the relation in a single state mutation so the bidirectional
// invariant never observably breaks.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loopwork/agentloop/router"
	"github.com/loopwork/agentloop/state"
	"github.com/loopwork/agentloop/tools"
)

// Tool names registered by this package.
const (
	CreateToolName = "task_create"
	GetToolName    = "task_get"
	ListToolName   = "task_list"
	UpdateToolName = "task_update"
)

type (
	createArgs struct {
		Subject     string            `json:"subject"`
		Description string            `json:"description,omitempty"`
		ActiveForm  string            `json:"active_form,omitempty"`
		Metadata    map[string]string `json:"metadata,omitempty"`
	}

	getArgs struct {
		ID string `json:"id"`
	}

	updateArgs struct {
		ID           string            `json:"id"`
		Status       *state.TaskStatus `json:"status,omitempty"`
		Subject      *string           `json:"subject,omitempty"`
		Description  *string           `json:"description,omitempty"`
		ActiveForm   *string           `json:"active_form,omitempty"`
		Metadata     map[string]string `json:"metadata,omitempty"`
		AddBlockedBy []string          `json:"add_blocked_by,omitempty"`
		AddBlocks    []string          `json:"add_blocks,omitempty"`
	}

	getResult struct {
		Found bool        `json:"found"`
		Task  *state.Task `json:"task,omitempty"`
	}

	listResult struct {
		Tasks []*state.Task `json:"tasks"`
	}
)

var createSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"subject": {"type": "string", "description": "Short imperative summary of the task."},
		"description": {"type": "string", "description": "Longer task description."},
		"active_form": {"type": "string", "description": "Present-continuous form shown while the task is in progress."},
		"metadata": {"type": "object", "additionalProperties": {"type": "string"}}
	},
	"required": ["subject"],
	"additionalProperties": false
}`)

var getSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"id": {"type": "string", "description": "Task identifier."}
	},
	"required": ["id"],
	"additionalProperties": false
}`)

var listSchema = json.RawMessage(`{
	"type": "object",
	"properties": {},
	"additionalProperties": false
}`)

var updateSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"id": {"type": "string", "description": "Task identifier."},
		"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]},
		"subject": {"type": "string"},
		"description": {"type": "string"},
		"active_form": {"type": "string"},
		"metadata": {"type": "object", "additionalProperties": {"type": "string"}},
		"add_blocked_by": {"type": "array", "items": {"type": "string"}, "description": "Task ids that must complete before this one."},
		"add_blocks": {"type": "array", "items": {"type": "string"}, "description": "Task ids that cannot start until this one completes."}
	},
	"required": ["id"],
	"additionalProperties": false
}`)

// Registrations returns the task tool registrations in presentation order.
func Registrations() []router.Registration {
	return []router.Registration{
		{
			Definition: tools.Definition{
				Name:        CreateToolName,
				Description: "Create a task in the session task list. Returns the new task with its generated id.",
				Schema:      createSchema,
			},
			Handler: createHandler,
		},
		{
			Definition: tools.Definition{
				Name:        GetToolName,
				Description: "Look up a task by id. Returns found=false for unknown ids.",
				Schema:      getSchema,
			},
			Handler: getHandler,
		},
		{
			Definition: tools.Definition{
				Name:        ListToolName,
				Description: "List every task in the session task list.",
				Schema:      listSchema,
			},
			Handler: listHandler,
		},
		{
			Definition: tools.Definition{
				Name:        UpdateToolName,
				Description: "Update a task's fields or add blockedBy/blocks dependencies. Dependency updates maintain both sides of the relation.",
				Schema:      updateSchema,
			},
			Handler: updateHandler,
		},
	}
}

func createHandler(ctx context.Context, hctx *router.HandlerContext, call *tools.ParsedCall) (*router.HandlerResult, error) {
	var args createArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, fmt.Errorf("decode create arguments: %w", err)
	}
	task := &state.Task{
		ID:          uuid.NewString(),
		Subject:     args.Subject,
		Description: args.Description,
		ActiveForm:  args.ActiveForm,
		Status:      state.TaskPending,
		Metadata:    args.Metadata,
		BlockedBy:   []string{},
		Blocks:      []string{},
	}
	hctx.State.SetTask(task)
	return marshalResult(task)
}

func getHandler(ctx context.Context, hctx *router.HandlerContext, call *tools.ParsedCall) (*router.HandlerResult, error) {
	var args getArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, fmt.Errorf("decode get arguments: %w", err)
	}
	task, ok := hctx.State.Task(args.ID)
	if !ok {
		return marshalResult(getResult{Found: false})
	}
	return marshalResult(getResult{Found: true, Task: task})
}

func listHandler(ctx context.Context, hctx *router.HandlerContext, call *tools.ParsedCall) (*router.HandlerResult, error) {
	return marshalResult(listResult{Tasks: hctx.State.Tasks()})
}

func updateHandler(ctx context.Context, hctx *router.HandlerContext, call *tools.ParsedCall) (*router.HandlerResult, error) {
	var args updateArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, fmt.Errorf("decode update arguments: %w", err)
	}
	task, ok := hctx.State.Task(args.ID)
	if !ok {
		return marshalResult(getResult{Found: false})
	}

	if args.Status != nil {
		task.Status = *args.Status
	}
	if args.Subject != nil {
		task.Subject = *args.Subject
	}
	if args.Description != nil {
		task.Description = *args.Description
	}
	if args.ActiveForm != nil {
		task.ActiveForm = *args.ActiveForm
	}
	if len(args.Metadata) > 0 {
		if task.Metadata == nil {
			task.Metadata = make(map[string]string, len(args.Metadata))
		}
		for k, v := range args.Metadata {
			task.Metadata[k] = v
		}
	}

	// Relation updates touch two tasks. Both sides are collected and stored
	// through one SetTasks call so no intermediate state is observable.
	changed := map[string]*state.Task{task.ID: task}
	other := func(id string) (*state.Task, bool) {
		if t, ok := changed[id]; ok {
			return t, true
		}
		t, ok := hctx.State.Task(id)
		if ok {
			changed[id] = t
		}
		return t, ok
	}
	for _, id := range args.AddBlockedBy {
		blocker, ok := other(id)
		if !ok {
			return nil, fmt.Errorf("unknown task %q in add_blocked_by", id)
		}
		task.BlockedBy = appendUnique(task.BlockedBy, id)
		blocker.Blocks = appendUnique(blocker.Blocks, task.ID)
	}
	for _, id := range args.AddBlocks {
		blocked, ok := other(id)
		if !ok {
			return nil, fmt.Errorf("unknown task %q in add_blocks", id)
		}
		task.Blocks = appendUnique(task.Blocks, id)
		blocked.BlockedBy = appendUnique(blocked.BlockedBy, task.ID)
	}

	updated := make([]*state.Task, 0, len(changed))
	for _, t := range changed {
		updated = append(updated, t)
	}
	hctx.State.SetTasks(updated...)

	return marshalResult(getResult{Found: true, Task: task})
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func marshalResult(v any) (*router.HandlerResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal task result: %w", err)
	}
	return &router.HandlerResult{ResponseContent: string(data), Data: data}, nil
}

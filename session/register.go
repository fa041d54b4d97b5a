package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/engine"
	"github.com/loopwork/agentloop/invoke"
	"github.com/loopwork/agentloop/state"
	"github.com/loopwork/agentloop/thread"
)

// ThreadStore combines the append surface the workflow depends on with the
// read surface the invoke activity needs for prompt construction. Every
// store implementation in this repository satisfies both.
type ThreadStore interface {
	thread.Store
	thread.Reader
}

// Register wires the session workflow and its three activities on the
// engine: model invocation, thread append, and tool execution. The store and
// invoker run on the activity side of the host boundary so the workflow
// stays deterministic.
func Register(ctx context.Context, eng engine.Engine, s *Session, store ThreadStore, inv invoke.Invoker) error {
	if store == nil {
		return fmt.Errorf("register %s: thread store is required", s.name)
	}
	if inv == nil {
		return fmt.Errorf("register %s: invoker is required", s.name)
	}

	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      s.workflowName,
		TaskQueue: s.taskQueue,
		Handler:   s.Workflow,
	}); err != nil {
		return fmt.Errorf("register workflow %s: %w", s.workflowName, err)
	}

	invokeFn := func(ctx context.Context, in *api.InvokeInput) (*api.InvokeOutput, error) {
		messages, err := store.Messages(ctx, in.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("load thread %s: %w", in.ThreadID, err)
		}
		var snaps []state.ToolSnapshot
		if len(in.Tools) > 0 {
			if err := json.Unmarshal(in.Tools, &snaps); err != nil {
				return nil, fmt.Errorf("decode tool snapshot: %w", err)
			}
		}
		resp, err := inv.RunAgent(ctx, &invoke.Request{
			ThreadID:  in.ThreadID,
			AgentName: in.AgentName,
			Messages:  messages,
			Tools:     snaps,
			Metadata:  in.Metadata,
		})
		if err != nil {
			return nil, err
		}
		return &api.InvokeOutput{Message: resp.Message, StopReason: resp.StopReason, Usage: resp.Usage}, nil
	}
	if err := eng.RegisterInvokeActivity(ctx, s.invokeActivity, s.activityOpts, invokeFn); err != nil {
		return fmt.Errorf("register invoke activity: %w", err)
	}

	appendFn := func(ctx context.Context, in *api.AppendInput) error {
		switch in.Kind {
		case api.AppendInitialize:
			return store.InitializeThread(ctx, in.ThreadID)
		case api.AppendHuman:
			return store.AppendHumanMessage(ctx, in.ThreadID, in.Content)
		case api.AppendToolResult:
			return store.AppendToolResult(ctx, in.ThreadID, in.ToolCallID, in.Content)
		default:
			return fmt.Errorf("unknown append kind %q", in.Kind)
		}
	}
	if err := eng.RegisterAppendActivity(ctx, s.appendActivity, s.activityOpts, appendFn); err != nil {
		return fmt.Errorf("register append activity: %w", err)
	}

	toolFn := func(ctx context.Context, in *api.ToolInput) (*api.ToolOutput, error) {
		fn, ok := s.activityTools[in.ToolName]
		if !ok {
			return &api.ToolOutput{Error: fmt.Sprintf("no activity handler for tool %q", in.ToolName)}, nil
		}
		return fn(ctx, in)
	}
	if err := eng.RegisterToolActivity(ctx, s.toolActivity, s.activityOpts, toolFn); err != nil {
		return fmt.Errorf("register tool activity: %w", err)
	}

	return nil
}

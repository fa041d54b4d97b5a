package router

import (
	"context"
	"errors"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/engine"
	"github.com/loopwork/agentloop/toolerrors"
	"github.com/loopwork/agentloop/tools"
)

// ActivityHandler returns a Handler that executes the call through the named
// tool activity on the durable execution host. Use it for tools whose
// implementations perform I/O: the work runs outside deterministic workflow
// code under the activity's bounded retry policy, while the router pipeline
// (hooks, append, events) stays in the workflow.
func ActivityHandler(activityName string, opts engine.ActivityOptions) Handler {
	return func(ctx context.Context, hctx *HandlerContext, call *tools.ParsedCall) (*HandlerResult, error) {
		if hctx == nil || hctx.Workflow == nil {
			return nil, errors.New("activity handler requires a workflow context")
		}
		out, err := hctx.Workflow.ExecuteToolActivity(ctx, engine.ToolActivityCall{
			Name: activityName,
			Input: &api.ToolInput{
				RunID:      hctx.RunID,
				ThreadID:   hctx.ThreadID,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Payload:    call.Args,
				Turn:       hctx.Turn,
			},
			Options: opts,
		})
		if err != nil {
			return nil, err
		}
		if out.Error != "" {
			return nil, toolerrors.New(out.Error)
		}
		return &HandlerResult{ResponseContent: out.ResponseContent, Data: out.Data}, nil
	}
}

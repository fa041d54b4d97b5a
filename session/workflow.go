package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/engine"
	"github.com/loopwork/agentloop/hooks"
	"github.com/loopwork/agentloop/router"
	"github.com/loopwork/agentloop/state"
	"github.com/loopwork/agentloop/thread"
	"github.com/loopwork/agentloop/tools"
)

// Workflow is the session workflow entry point. It drives the turn loop:
// invoke the model, interpret the response, route tool calls, repeat until a
// stop condition, the turn budget, or a status transition ends the run. The
// session-end notification fires exactly once on every exit path, including
// failures, and an unrecovered routing error is returned to the host after
// the notification has run.
func (s *Session) Workflow(wctx engine.WorkflowContext, input *api.SessionInput) (*api.SessionOutput, error) {
	ctx := wctx.Context()

	maxTurns := input.MaxTurns
	if maxTurns <= 0 {
		maxTurns = s.maxTurns
	}

	mgr := state.NewManager(input.Custom)
	if err := wctx.SetQueryHandler(api.QueryAgentState, func() (*state.AgentState, error) {
		snap := mgr.Snapshot()
		return &snap, nil
	}); err != nil {
		return nil, fmt.Errorf("register state query: %w", err)
	}

	appendFn := func(ctx context.Context, threadID, toolCallID, content string) error {
		return wctx.ExecuteAppendActivity(ctx, engine.AppendActivityCall{
			Name: s.appendActivity,
			Input: &api.AppendInput{
				Kind:       api.AppendToolResult,
				ThreadID:   threadID,
				ToolCallID: toolCallID,
				Content:    content,
			},
			Options: s.activityOpts,
		})
	}
	rt, err := router.New(router.Options{
		Tools:      s.registrations,
		Append:     appendFn,
		Hooks:      s.hooks,
		Dispatcher: s.dispatcher,
		Parallel:   s.parallel,
		Logger:     s.logger,
		Bus:        s.bus,
	})
	if err != nil {
		return nil, fmt.Errorf("construct router: %w", err)
	}
	// Description rewrites fire before the snapshot so the rewritten text
	// reaches every model invocation of the run.
	for _, rw := range s.rewrites {
		desc, rerr := rw.render(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("render %s description: %w", rw.tool, rerr)
		}
		if !rt.RewriteToolDescription(rw.tool, desc) {
			return nil, fmt.Errorf("rewrite %s description: no such tool", rw.tool)
		}
	}
	mgr.SetTools(rt.Snapshot())
	toolsJSON, err := json.Marshal(rt.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("marshal tool snapshot: %w", err)
	}

	if err := wctx.ExecuteAppendActivity(ctx, engine.AppendActivityCall{
		Name:    s.appendActivity,
		Input:   &api.AppendInput{Kind: api.AppendInitialize, ThreadID: input.ThreadID},
		Options: s.activityOpts,
	}); err != nil {
		return nil, fmt.Errorf("initialize thread: %w", err)
	}
	if input.Prompt != "" {
		if err := wctx.ExecuteAppendActivity(ctx, engine.AppendActivityCall{
			Name:    s.appendActivity,
			Input:   &api.AppendInput{Kind: api.AppendHuman, ThreadID: input.ThreadID, Content: input.Prompt},
			Options: s.activityOpts,
		}); err != nil {
			return nil, fmt.Errorf("append prompt: %w", err)
		}
	}

	info := &hooks.SessionInfo{RunID: wctx.RunID(), ThreadID: input.ThreadID, AgentName: s.name}
	if err := s.hooks.OnSessionStart(ctx, info); err != nil {
		return nil, fmt.Errorf("session start hook: %w", err)
	}
	s.publish(ctx, hooks.NewSessionStartedEvent(wctx.RunID(), s.name, input.ThreadID, input.Prompt))
	s.logger.Info(ctx, "session started", "run_id", wctx.RunID(), "agent", s.name, "thread_id", input.ThreadID)

	final, usage, loopErr := s.runLoop(ctx, wctx, input, mgr, rt, toolsJSON, maxTurns)

	reason := exitReason(mgr, loopErr, maxTurns)
	out := &api.SessionOutput{
		RunID:      wctx.RunID(),
		ExitReason: reason,
		Turns:      mgr.Turns(),
		Usage:      usage,
	}
	if reason == api.ExitCompleted {
		out.Final = final
	}

	// The end notification always fires exactly once, regardless of exit
	// path. Hook errors here are logged, not propagated: a failed
	// notification must not mask the run's own outcome.
	endInfo := &hooks.SessionEndInfo{SessionInfo: *info, ExitReason: reason, Turns: mgr.Turns()}
	if err := s.hooks.OnSessionEnd(ctx, endInfo); err != nil {
		s.logger.Error(ctx, "session end hook failed", "run_id", wctx.RunID(), "err", err)
	}
	s.publish(ctx, hooks.NewSessionEndedEvent(wctx.RunID(), s.name, mgr.Turns(), reason, loopErr))
	if s.metrics != nil {
		s.metrics.IncCounter("session.completed", 1, "agent", s.name, "exit_reason", string(reason))
	}
	s.logger.Info(ctx, "session ended", "run_id", wctx.RunID(), "exit_reason", string(reason), "turns", mgr.Turns())

	if loopErr != nil {
		return out, fmt.Errorf("session %s: %w", wctx.RunID(), loopErr)
	}
	return out, nil
}

// runLoop executes turns until a stop condition holds. It returns the last
// assistant message, the aggregated usage, and the unrecovered error that
// aborted the loop, if any.
func (s *Session) runLoop(
	ctx context.Context,
	wctx engine.WorkflowContext,
	input *api.SessionInput,
	mgr *state.Manager,
	rt *router.Router,
	toolsJSON json.RawMessage,
	maxTurns int,
) (*thread.Message, *api.TokenUsage, error) {
	var (
		final *thread.Message
		usage *api.TokenUsage
	)

	for mgr.IsRunning() && !mgr.IsTerminal() && mgr.Turns() < maxTurns {
		mgr.IncrementTurns()
		turn := mgr.Turns()
		s.publish(ctx, hooks.NewTurnStartedEvent(wctx.RunID(), s.name, turn))

		out, err := wctx.ExecuteInvokeActivity(ctx, engine.InvokeActivityCall{
			Name: s.invokeActivity,
			Input: &api.InvokeInput{
				ThreadID:  input.ThreadID,
				AgentName: s.name,
				Tools:     toolsJSON,
				Metadata:  input.Metadata,
			},
			Options: s.activityOpts,
		})
		if err != nil {
			if canceled(ctx, err) {
				mgr.Cancel()
				return final, usage, nil
			}
			mgr.Fail()
			return final, usage, fmt.Errorf("invoke model: %w", err)
		}
		usage = usage.Add(out.Usage)
		final = out.Message

		if out.StopReason == api.StopEndTurn || !rt.HasTools() {
			mgr.Complete()
			return final, usage, nil
		}

		raws := thread.ParseToolCalls(out.Message)
		if len(raws) == 0 {
			mgr.Complete()
			return final, usage, nil
		}

		parsed := make([]*tools.ParsedCall, 0, len(raws))
		var abort error
		for _, raw := range raws {
			call, err := rt.ParseToolCall(raw)
			if err != nil {
				// Validation failures feed back to the model as inline
				// error results rather than aborting the turn.
				if router.IsParseError(err) {
					s.logger.Warn(ctx, "tool call rejected", "tool", raw.Name, "err", err)
					if aerr := s.appendInlineError(ctx, wctx, input.ThreadID, raw, err); aerr != nil {
						abort = aerr
						break
					}
					continue
				}
				abort = err
				break
			}
			parsed = append(parsed, call)
		}
		if abort != nil {
			mgr.Fail()
			return final, usage, abort
		}

		hctx := &router.HandlerContext{
			RunID:     wctx.RunID(),
			ThreadID:  input.ThreadID,
			AgentName: s.name,
			State:     mgr,
			Workflow:  wctx,
		}
		if _, err := rt.ProcessToolCalls(ctx, parsed, router.ProcessOptions{Turn: turn, Handler: hctx}); err != nil {
			if canceled(ctx, err) {
				mgr.Cancel()
				return final, usage, nil
			}
			mgr.Fail()
			return final, usage, err
		}

		if mgr.Status() == state.StatusWaitingForInput {
			if !s.resumeOnInput {
				return final, usage, nil
			}
			req, err := wctx.InputRequests().Receive(ctx)
			if err != nil {
				if canceled(ctx, err) {
					mgr.Cancel()
					return final, usage, nil
				}
				mgr.Fail()
				return final, usage, fmt.Errorf("receive input: %w", err)
			}
			if err := wctx.ExecuteAppendActivity(ctx, engine.AppendActivityCall{
				Name:    s.appendActivity,
				Input:   &api.AppendInput{Kind: api.AppendHuman, ThreadID: input.ThreadID, Content: req.Content},
				Options: s.activityOpts,
			}); err != nil {
				mgr.Fail()
				return final, usage, fmt.Errorf("append input: %w", err)
			}
			mgr.Run()
		}
	}
	return final, usage, nil
}

// appendInlineError records a rejected tool call on the thread so the model
// can observe and correct it on the next turn.
func (s *Session) appendInlineError(ctx context.Context, wctx engine.WorkflowContext, threadID string, raw thread.RawToolCall, cause error) error {
	content, merr := json.Marshal(map[string]string{"error": cause.Error()})
	if merr != nil {
		content = []byte(`{"error":"invalid tool call"}`)
	}
	id := raw.ID
	if id == "" {
		id = raw.Name
	}
	return wctx.ExecuteAppendActivity(ctx, engine.AppendActivityCall{
		Name: s.appendActivity,
		Input: &api.AppendInput{
			Kind:       api.AppendToolResult,
			ThreadID:   threadID,
			ToolCallID: id,
			Content:    string(content),
		},
		Options: s.activityOpts,
	})
}

// exitReason maps the final manager status and loop error to the session
// exit reason. The reason is computed exactly once per run.
func exitReason(mgr *state.Manager, loopErr error, maxTurns int) api.ExitReason {
	if loopErr != nil {
		return api.ExitFailed
	}
	switch mgr.Status() {
	case state.StatusCompleted:
		return api.ExitCompleted
	case state.StatusWaitingForInput:
		return api.ExitWaitingForInput
	case state.StatusCancelled:
		return api.ExitCancelled
	case state.StatusFailed:
		return api.ExitFailed
	}
	if mgr.Turns() >= maxTurns {
		return api.ExitMaxTurns
	}
	return api.ExitCompleted
}

func canceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || ctx.Err() != nil
}

func (s *Session) publish(ctx context.Context, event hooks.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warn(ctx, "event publish failed", "event", string(event.Type()), "err", err)
	}
}

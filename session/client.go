package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/engine"
	"github.com/loopwork/agentloop/state"
)

type (
	// Client is the external control surface for session workflows: start,
	// observe, feed, and cancel runs through the engine without touching
	// workflow internals.
	Client struct {
		eng      engine.Engine
		workflow string
		queue    string
	}

	// StartOptions tunes one Start call.
	StartOptions struct {
		// WorkflowID pins the workflow identifier. Empty generates
		// "<workflow>-<uuid>".
		WorkflowID string
		// RunTimeout bounds the total execution time. Zero uses the engine
		// default.
		RunTimeout time.Duration
	}
)

// NewClient creates a client for the given session definition.
func NewClient(eng engine.Engine, s *Session) *Client {
	return &Client{eng: eng, workflow: s.workflowName, queue: s.taskQueue}
}

// Start launches a session workflow and returns its handle together with the
// workflow id external observers use for queries and signals. ThreadID
// defaults to the workflow id so each run gets its own conversation unless
// the caller pins one.
func (c *Client) Start(ctx context.Context, input *api.SessionInput, opts StartOptions) (engine.WorkflowHandle, string, error) {
	id := opts.WorkflowID
	if id == "" {
		id = fmt.Sprintf("%s-%s", c.workflow, uuid.NewString())
	}
	in := *input
	if in.ThreadID == "" {
		in.ThreadID = id
	}
	handle, err := c.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:         id,
		Workflow:   c.workflow,
		TaskQueue:  c.queue,
		Input:      &in,
		RunTimeout: opts.RunTimeout,
	})
	if err != nil {
		return nil, "", fmt.Errorf("start session %s: %w", id, err)
	}
	return handle, id, nil
}

// State returns the current agent state snapshot of a running session.
func (c *Client) State(ctx context.Context, workflowID string) (*state.AgentState, error) {
	return c.eng.QueryAgentState(ctx, workflowID)
}

// WaitForChange blocks until the session's state version advances past
// lastKnown or the wait window elapses, returning the snapshot either way.
func (c *Client) WaitForChange(ctx context.Context, workflowID string, lastKnown uint64) (*state.AgentState, error) {
	return c.eng.WaitForStateChange(ctx, workflowID, lastKnown)
}

// ProvideInput delivers external input to a session parked in
// WAITING_FOR_INPUT.
func (c *Client) ProvideInput(ctx context.Context, workflowID string, req api.InputRequest) error {
	return c.eng.SignalByID(ctx, workflowID, api.SignalProvideInput, req)
}

// RunStatus returns the host-level lifecycle status of a session workflow.
func (c *Client) RunStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	return c.eng.QueryRunStatus(ctx, workflowID)
}

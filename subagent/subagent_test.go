package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/engine"
	"github.com/loopwork/agentloop/thread"
)

type fakeChildHandle struct {
	out *api.SessionOutput
	err error
}

func (h *fakeChildHandle) Get(ctx context.Context) (*api.SessionOutput, error) { return h.out, h.err }
func (h *fakeChildHandle) IsReady() bool                                       { return true }
func (h *fakeChildHandle) Cancel(ctx context.Context) error                    { return nil }
func (h *fakeChildHandle) RunID() string                                       { return "child-run" }

// fakeWorkflowContext records the child workflow requests a dispatch makes.
// Only StartChildWorkflow is exercised; the remaining methods satisfy the
// interface.
type fakeWorkflowContext struct {
	workflowID string
	started    []engine.ChildWorkflowRequest
	childOut   *api.SessionOutput
	childErr   error
	startErr   error
}

func (f *fakeWorkflowContext) Context() context.Context { return context.Background() }
func (f *fakeWorkflowContext) WorkflowID() string       { return f.workflowID }
func (f *fakeWorkflowContext) RunID() string            { return "run-1" }
func (f *fakeWorkflowContext) SetQueryHandler(name string, handler any) error {
	return nil
}
func (f *fakeWorkflowContext) ExecuteInvokeActivity(ctx context.Context, call engine.InvokeActivityCall) (*api.InvokeOutput, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeWorkflowContext) ExecuteAppendActivity(ctx context.Context, call engine.AppendActivityCall) error {
	return errors.New("not implemented")
}
func (f *fakeWorkflowContext) ExecuteToolActivity(ctx context.Context, call engine.ToolActivityCall) (*api.ToolOutput, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeWorkflowContext) ExecuteToolActivityAsync(ctx context.Context, call engine.ToolActivityCall) (engine.Future[*api.ToolOutput], error) {
	return nil, errors.New("not implemented")
}
func (f *fakeWorkflowContext) StartChildWorkflow(ctx context.Context, req engine.ChildWorkflowRequest) (engine.ChildWorkflowHandle, error) {
	f.started = append(f.started, req)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &fakeChildHandle{out: f.childOut, err: f.childErr}, nil
}
func (f *fakeWorkflowContext) InputRequests() engine.Receiver[api.InputRequest] { return nil }
func (f *fakeWorkflowContext) Go(fn func())                                     { fn() }
func (f *fakeWorkflowContext) Now() time.Time                                   { return time.Unix(0, 0) }
func (f *fakeWorkflowContext) NewTimer(ctx context.Context, d time.Duration) (engine.Future[time.Time], error) {
	return nil, errors.New("not implemented")
}
func (f *fakeWorkflowContext) Await(ctx context.Context, condition func() bool) error { return nil }

func newTestDispatcher(t *testing.T, profiles []Profile) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(profiles, WithDefaultWorkflow("child.session"), WithDefaultTaskQueue("child-queue"))
	require.NoError(t, err)
	return d
}

func TestNewDispatcherValidation(t *testing.T) {
	_, err := NewDispatcher(nil)
	assert.Error(t, err)

	_, err = NewDispatcher([]Profile{{Name: ""}})
	assert.Error(t, err)

	_, err = NewDispatcher([]Profile{{Name: "coder"}, {Name: "coder"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configured twice")

	_, err = NewDispatcher([]Profile{{Name: "coder", ResultSchema: json.RawMessage(`{"type":`)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "result schema")
}

func TestNamesPreservesOrder(t *testing.T) {
	d := newTestDispatcher(t, []Profile{{Name: "zeta"}, {Name: "alpha"}})
	assert.Equal(t, []string{"zeta", "alpha"}, d.Names())
}

func TestHooksLookup(t *testing.T) {
	d := newTestDispatcher(t, []Profile{{Name: "coder"}})

	_, ok := d.Hooks("coder")
	assert.True(t, ok)

	_, ok = d.Hooks("missing")
	assert.False(t, ok)
}

func TestDefinitionEnumeratesProfiles(t *testing.T) {
	d := newTestDispatcher(t, []Profile{
		{Name: "coder", Description: "writes code"},
		{Name: "reviewer", Description: "reviews code"},
	})

	def := d.Definition()
	assert.Equal(t, DelegateToolName, def.Name)
	assert.Contains(t, def.Description, "coder: writes code")
	assert.Contains(t, def.Description, "reviewer: reviews code")

	var schema struct {
		Properties struct {
			Subagent struct {
				Enum []string `json:"enum"`
			} `json:"subagent"`
		} `json:"properties"`
		Required             []string `json:"required"`
		AdditionalProperties bool     `json:"additionalProperties"`
	}
	require.NoError(t, json.Unmarshal(def.Schema, &schema))
	assert.Equal(t, []string{"coder", "reviewer"}, schema.Properties.Subagent.Enum)
	assert.Equal(t, []string{"subagent", "prompt"}, schema.Required)
	assert.False(t, schema.AdditionalProperties)
}

func TestDispatchUnconfiguredFailsBeforeStart(t *testing.T) {
	d := newTestDispatcher(t, []Profile{{Name: "coder"}})
	wctx := &fakeWorkflowContext{workflowID: "parent-1"}

	_, err := d.Dispatch(context.Background(), wctx, "call-1", Args{Subagent: "ghost", Prompt: "go"})
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Empty(t, wctx.started)
}

func TestDispatchStartsChildWithDerivedID(t *testing.T) {
	d := newTestDispatcher(t, []Profile{{Name: "coder", MaxTurns: 7}})
	wctx := &fakeWorkflowContext{
		workflowID: "parent-1",
		childOut: &api.SessionOutput{
			ExitReason: api.ExitCompleted,
			Result:     json.RawMessage(`{"answer":42}`),
		},
	}

	res, err := d.Dispatch(context.Background(), wctx, "call-1", Args{Subagent: "coder", Prompt: "build it"})
	require.NoError(t, err)
	require.Len(t, wctx.started, 1)

	req := wctx.started[0]
	assert.True(t, strings.HasPrefix(req.ID, "parent-1-coder-"))
	assert.Equal(t, "child.session", req.Workflow)
	assert.Equal(t, "child-queue", req.TaskQueue)
	require.NotNil(t, req.Input)
	assert.Equal(t, "coder", req.Input.AgentName)
	assert.Equal(t, req.ID, req.Input.ThreadID)
	assert.Equal(t, "build it", req.Input.Prompt)
	assert.Equal(t, 7, req.Input.MaxTurns)
	assert.Equal(t, "parent-1", req.Input.ParentRunID)
	assert.Equal(t, "call-1", req.Input.ParentToolCallID)

	assert.Equal(t, req.ID, res.ChildID)
	assert.Equal(t, api.ExitCompleted, res.ExitReason)
	assert.JSONEq(t, `{"answer":42}`, res.ResponseContent)
}

func TestDispatchProfileOverridesDefaults(t *testing.T) {
	d := newTestDispatcher(t, []Profile{{Name: "coder", Workflow: "special.session", TaskQueue: "special-queue"}})
	wctx := &fakeWorkflowContext{workflowID: "parent-1", childOut: &api.SessionOutput{ExitReason: api.ExitCompleted}}

	_, err := d.Dispatch(context.Background(), wctx, "call-1", Args{Subagent: "coder", Prompt: "go"})
	require.NoError(t, err)
	require.Len(t, wctx.started, 1)
	assert.Equal(t, "special.session", wctx.started[0].Workflow)
	assert.Equal(t, "special-queue", wctx.started[0].TaskQueue)
}

func TestDispatchNoWorkflowTarget(t *testing.T) {
	d, err := NewDispatcher([]Profile{{Name: "coder"}})
	require.NoError(t, err)
	wctx := &fakeWorkflowContext{workflowID: "parent-1"}

	_, err = d.Dispatch(context.Background(), wctx, "call-1", Args{Subagent: "coder", Prompt: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no workflow target")
	assert.Empty(t, wctx.started)
}

func TestDispatchChildFailure(t *testing.T) {
	d := newTestDispatcher(t, []Profile{{Name: "coder"}})
	childErr := errors.New("child exploded")
	wctx := &fakeWorkflowContext{workflowID: "parent-1", childErr: childErr}

	_, err := d.Dispatch(context.Background(), wctx, "call-1", Args{Subagent: "coder", Prompt: "go"})
	require.ErrorIs(t, err, childErr)
}

func TestDispatchSchemaMismatch(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"answer":{"type":"number"}},"required":["answer"]}`)
	d := newTestDispatcher(t, []Profile{{Name: "coder", ResultSchema: schema}})
	wctx := &fakeWorkflowContext{
		workflowID: "parent-1",
		childOut: &api.SessionOutput{
			ExitReason: api.ExitCompleted,
			Result:     json.RawMessage(`{"wrong":"shape"}`),
		},
	}

	_, err := d.Dispatch(context.Background(), wctx, "call-1", Args{Subagent: "coder", Prompt: "go"})
	var mismatch *SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "coder", mismatch.Subagent)
	assert.NotNil(t, mismatch.Cause)
}

func TestDispatchValidResultPassesSchema(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"answer":{"type":"number"}},"required":["answer"]}`)
	d := newTestDispatcher(t, []Profile{{Name: "coder", ResultSchema: schema}})
	wctx := &fakeWorkflowContext{
		workflowID: "parent-1",
		childOut: &api.SessionOutput{
			ExitReason: api.ExitCompleted,
			Result:     json.RawMessage(`{"answer":7}`),
		},
	}

	res, err := d.Dispatch(context.Background(), wctx, "call-1", Args{Subagent: "coder", Prompt: "go"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":7}`, string(res.Data))
}

func TestDispatchFallsBackToFinalText(t *testing.T) {
	d := newTestDispatcher(t, []Profile{{Name: "coder"}})
	wctx := &fakeWorkflowContext{
		workflowID: "parent-1",
		childOut: &api.SessionOutput{
			ExitReason: api.ExitCompleted,
			Final: &thread.Message{
				Role: thread.RoleAssistant,
				Content: []*thread.ContentBlock{
					{Type: thread.BlockText, Text: "all "},
					{Type: thread.BlockText, Text: "done"},
				},
			},
		},
	}

	res, err := d.Dispatch(context.Background(), wctx, "call-1", Args{Subagent: "coder", Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, `"all done"`, res.ResponseContent)
}

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwork/agentloop/engine"
	"github.com/loopwork/agentloop/hooks"
	"github.com/loopwork/agentloop/thread"
	"github.com/loopwork/agentloop/tools"
)

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"value": {"type": "string"}},
	"required": ["value"],
	"additionalProperties": false
}`)

type appendRecorder struct {
	mu      sync.Mutex
	entries []appendEntry
}

type appendEntry struct {
	toolCallID string
	content    string
}

func (r *appendRecorder) fn(ctx context.Context, threadID, toolCallID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, appendEntry{toolCallID: toolCallID, content: content})
	return nil
}

func echoRegistration(hs hooks.HookSet) Registration {
	return Registration{
		Definition: tools.Definition{Name: "echo", Description: "echoes its value", Schema: echoSchema},
		Handler: func(ctx context.Context, hctx *HandlerContext, call *tools.ParsedCall) (*HandlerResult, error) {
			return &HandlerResult{ResponseContent: string(call.Args), Data: call.Args}, nil
		},
		Hooks: hs,
	}
}

func failingRegistration(name string, err error) Registration {
	return Registration{
		Definition: tools.Definition{Name: name, Description: "always fails", Schema: echoSchema},
		Handler: func(ctx context.Context, hctx *HandlerContext, call *tools.ParsedCall) (*HandlerResult, error) {
			return nil, err
		},
	}
}

func newRouter(t *testing.T, rec *appendRecorder, opts Options) *Router {
	t.Helper()
	opts.Append = rec.fn
	r, err := New(opts)
	require.NoError(t, err)
	return r
}

func TestNewRequiresAppend(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestNewRejectsDuplicateTools(t *testing.T) {
	rec := &appendRecorder{}
	_, err := New(Options{
		Append: rec.fn,
		Tools:  []Registration{echoRegistration(hooks.HookSet{}), echoRegistration(hooks.HookSet{})},
	})
	require.Error(t, err)
}

func TestParseToolCall(t *testing.T) {
	rec := &appendRecorder{}
	r := newRouter(t, rec, Options{Tools: []Registration{echoRegistration(hooks.HookSet{})}})

	t.Run("valid call", func(t *testing.T) {
		call, err := r.ParseToolCall(thread.RawToolCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"value":"hi"}`)})
		require.NoError(t, err)
		assert.Equal(t, "c1", call.ID)
		assert.Equal(t, "echo", call.Name)
	})

	t.Run("synthesizes missing id", func(t *testing.T) {
		call, err := r.ParseToolCall(thread.RawToolCall{Name: "echo", Args: json.RawMessage(`{"value":"hi"}`)})
		require.NoError(t, err)
		assert.NotEmpty(t, call.ID)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := r.ParseToolCall(thread.RawToolCall{Name: "nope", Args: json.RawMessage(`{}`)})
		var unknown *UnknownToolError
		require.ErrorAs(t, err, &unknown)
		assert.True(t, IsParseError(err))
	})

	t.Run("invalid arguments", func(t *testing.T) {
		_, err := r.ParseToolCall(thread.RawToolCall{Name: "echo", Args: json.RawMessage(`{"wrong":1}`)})
		var invalid *InvalidArgumentsError
		require.ErrorAs(t, err, &invalid)
		assert.True(t, IsParseError(err))
	})
}

func TestParseToolCallUseLimit(t *testing.T) {
	rec := &appendRecorder{}
	reg := echoRegistration(hooks.HookSet{})
	reg.Definition.MaxUses = 1
	r := newRouter(t, rec, Options{Tools: []Registration{reg}})

	call, err := r.ParseToolCall(thread.RawToolCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"value":"hi"}`)})
	require.NoError(t, err)
	_, err = r.ProcessToolCalls(context.Background(), []*tools.ParsedCall{call}, ProcessOptions{Turn: 1})
	require.NoError(t, err)

	_, err = r.ParseToolCall(thread.RawToolCall{ID: "c2", Name: "echo", Args: json.RawMessage(`{"value":"hi"}`)})
	var limit *UseLimitError
	require.ErrorAs(t, err, &limit)
	assert.True(t, IsParseError(err))
}

func TestProcessEmptyBatch(t *testing.T) {
	rec := &appendRecorder{}
	r := newRouter(t, rec, Options{Tools: []Registration{echoRegistration(hooks.HookSet{})}})

	results, err := r.ProcessToolCalls(context.Background(), nil, ProcessOptions{Turn: 1})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, rec.entries)
}

func TestProcessAppendsExactlyOnce(t *testing.T) {
	rec := &appendRecorder{}
	r := newRouter(t, rec, Options{Tools: []Registration{echoRegistration(hooks.HookSet{})}})

	call := &tools.ParsedCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"value":"hi"}`)}
	results, err := r.ProcessToolCalls(context.Background(), []*tools.ParsedCall{call}, ProcessOptions{Turn: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ToolCallID)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "c1", rec.entries[0].toolCallID)
	assert.JSONEq(t, `{"value":"hi"}`, rec.entries[0].content)
}

func TestSequentialOrderPreserved(t *testing.T) {
	rec := &appendRecorder{}
	r := newRouter(t, rec, Options{Tools: []Registration{echoRegistration(hooks.HookSet{})}})

	calls := []*tools.ParsedCall{
		{ID: "c1", Name: "echo", Args: json.RawMessage(`{"value":"a"}`)},
		{ID: "c2", Name: "echo", Args: json.RawMessage(`{"value":"b"}`)},
		{ID: "c3", Name: "echo", Args: json.RawMessage(`{"value":"c"}`)},
	}
	results, err := r.ProcessToolCalls(context.Background(), calls, ProcessOptions{Turn: 1})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, id := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, id, results[i].ToolCallID)
		assert.Equal(t, id, rec.entries[i].toolCallID)
	}
}

func TestPreHookSkipFiltersResult(t *testing.T) {
	rec := &appendRecorder{}
	r := newRouter(t, rec, Options{
		Tools: []Registration{echoRegistration(hooks.HookSet{})},
		Hooks: hooks.HookSet{
			PreToolUse: func(ctx context.Context, use *hooks.ToolUse) (*hooks.PreToolUseDecision, error) {
				return &hooks.PreToolUseDecision{Skip: true}, nil
			},
		},
	})

	call := &tools.ParsedCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"value":"hi"}`)}
	results, err := r.ProcessToolCalls(context.Background(), []*tools.ParsedCall{call}, ProcessOptions{Turn: 1})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Skipped calls still append a marker to the thread.
	require.Len(t, rec.entries, 1)
	assert.JSONEq(t, `{"skipped":true}`, rec.entries[0].content)
}

func TestPreHookModifiedArgsLayering(t *testing.T) {
	rec := &appendRecorder{}
	var handlerArgs json.RawMessage
	reg := Registration{
		Definition: tools.Definition{Name: "echo", Description: "echo", Schema: echoSchema},
		Handler: func(ctx context.Context, hctx *HandlerContext, call *tools.ParsedCall) (*HandlerResult, error) {
			handlerArgs = call.Args
			return &HandlerResult{ResponseContent: "ok"}, nil
		},
		Hooks: hooks.HookSet{
			PreToolUse: func(ctx context.Context, use *hooks.ToolUse) (*hooks.PreToolUseDecision, error) {
				// Per-tool hook sees the global hook's modification.
				var m map[string]string
				if err := json.Unmarshal(use.Args, &m); err != nil {
					return nil, err
				}
				m["value"] += "+tool"
				data, _ := json.Marshal(m)
				return &hooks.PreToolUseDecision{ModifiedArgs: data}, nil
			},
		},
	}
	r := newRouter(t, rec, Options{
		Tools: []Registration{reg},
		Hooks: hooks.HookSet{
			PreToolUse: func(ctx context.Context, use *hooks.ToolUse) (*hooks.PreToolUseDecision, error) {
				return &hooks.PreToolUseDecision{ModifiedArgs: json.RawMessage(`{"value":"global"}`)}, nil
			},
		},
	})

	call := &tools.ParsedCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"value":"orig"}`)}
	_, err := r.ProcessToolCalls(context.Background(), []*tools.ParsedCall{call}, ProcessOptions{Turn: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"global+tool"}`, string(handlerArgs))
}

func TestFailureHookOrderToolFirst(t *testing.T) {
	rec := &appendRecorder{}
	var order []string
	reg := failingRegistration("boom", errors.New("handler exploded"))
	reg.Hooks = hooks.HookSet{
		PostToolUseFailure: func(ctx context.Context, use *hooks.ToolUse, failure error) (*hooks.FailureDecision, error) {
			order = append(order, "tool")
			return &hooks.FailureDecision{FallbackContent: "tool fallback"}, nil
		},
	}
	r := newRouter(t, rec, Options{
		Tools: []Registration{reg},
		Hooks: hooks.HookSet{
			PostToolUseFailure: func(ctx context.Context, use *hooks.ToolUse, failure error) (*hooks.FailureDecision, error) {
				order = append(order, "global")
				return &hooks.FailureDecision{FallbackContent: "global fallback"}, nil
			},
		},
	})

	call := &tools.ParsedCall{ID: "c1", Name: "boom", Args: json.RawMessage(`{"value":"x"}`)}
	results, err := r.ProcessToolCalls(context.Background(), []*tools.ParsedCall{call}, ProcessOptions{Turn: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Per-tool failure hook runs first; its recovery wins.
	assert.Equal(t, []string{"tool"}, order)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "tool fallback", rec.entries[0].content)
}

func TestFailureSuppressAppendsErrorMarker(t *testing.T) {
	rec := &appendRecorder{}
	reg := failingRegistration("boom", errors.New("handler exploded"))
	r := newRouter(t, rec, Options{
		Tools: []Registration{reg},
		Hooks: hooks.HookSet{
			PostToolUseFailure: func(ctx context.Context, use *hooks.ToolUse, failure error) (*hooks.FailureDecision, error) {
				return &hooks.FailureDecision{Suppress: true}, nil
			},
		},
	})

	call := &tools.ParsedCall{ID: "c1", Name: "boom", Args: json.RawMessage(`{"value":"x"}`)}
	_, err := r.ProcessToolCalls(context.Background(), []*tools.ParsedCall{call}, ProcessOptions{Turn: 1})
	require.NoError(t, err)
	require.Len(t, rec.entries, 1)
	assert.JSONEq(t, `{"error":"handler exploded"}`, rec.entries[0].content)
}

func TestUnrecoveredFailureWrapsCause(t *testing.T) {
	rec := &appendRecorder{}
	cause := errors.New("handler exploded")
	r := newRouter(t, rec, Options{Tools: []Registration{failingRegistration("boom", cause)}})

	call := &tools.ParsedCall{ID: "c1", Name: "boom", Args: json.RawMessage(`{"value":"x"}`)}
	_, err := r.ProcessToolCalls(context.Background(), []*tools.ParsedCall{call}, ProcessOptions{Turn: 1})
	var hf *HandlerFailureError
	require.ErrorAs(t, err, &hf)
	assert.ErrorIs(t, err, cause)

	// No thread append for unrecovered failures.
	assert.Empty(t, rec.entries)
}

func TestSequentialAbortKeepsSettledResults(t *testing.T) {
	rec := &appendRecorder{}
	r := newRouter(t, rec, Options{
		Tools: []Registration{
			echoRegistration(hooks.HookSet{}),
			failingRegistration("boom", errors.New("handler exploded")),
		},
	})

	calls := []*tools.ParsedCall{
		{ID: "c1", Name: "echo", Args: json.RawMessage(`{"value":"a"}`)},
		{ID: "c2", Name: "boom", Args: json.RawMessage(`{"value":"b"}`)},
		{ID: "c3", Name: "echo", Args: json.RawMessage(`{"value":"c"}`)},
	}
	results, err := r.ProcessToolCalls(context.Background(), calls, ProcessOptions{Turn: 1})
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ToolCallID)
}

func TestParallelAbortKeepsSettledResults(t *testing.T) {
	rec := &appendRecorder{}
	r := newRouter(t, rec, Options{
		Parallel: true,
		Tools: []Registration{
			echoRegistration(hooks.HookSet{}),
			failingRegistration("boom", errors.New("handler exploded")),
		},
	})

	calls := []*tools.ParsedCall{
		{ID: "c1", Name: "echo", Args: json.RawMessage(`{"value":"a"}`)},
		{ID: "c2", Name: "boom", Args: json.RawMessage(`{"value":"b"}`)},
		{ID: "c3", Name: "echo", Args: json.RawMessage(`{"value":"c"}`)},
	}
	results, err := r.ProcessToolCalls(context.Background(), calls, ProcessOptions{Turn: 1})
	var hf *HandlerFailureError
	require.ErrorAs(t, err, &hf)

	// Calls that completed despite the failure are preserved in array order.
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "c3", results[1].ToolCallID)
}

// schedulerContext is a workflow context double covering the concurrency
// surface the router uses during fan-out. Everything else is left to the
// embedded interface so an unexpected workflow call fails loudly.
type schedulerContext struct {
	engine.WorkflowContext
	mu    sync.Mutex
	tasks int
}

func (s *schedulerContext) Go(fn func()) {
	s.mu.Lock()
	s.tasks++
	s.mu.Unlock()
	go fn()
}

func (s *schedulerContext) Await(ctx context.Context, condition func() bool) error {
	for !condition() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func (s *schedulerContext) Now() time.Time { return time.Now() }

func (s *schedulerContext) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks
}

func TestParallelFanOutRunsOnWorkflowScheduler(t *testing.T) {
	rec := &appendRecorder{}
	r := newRouter(t, rec, Options{Parallel: true, Tools: []Registration{echoRegistration(hooks.HookSet{})}})

	wf := &schedulerContext{}
	calls := []*tools.ParsedCall{
		{ID: "c1", Name: "echo", Args: json.RawMessage(`{"value":"a"}`)},
		{ID: "c2", Name: "echo", Args: json.RawMessage(`{"value":"b"}`)},
		{ID: "c3", Name: "echo", Args: json.RawMessage(`{"value":"c"}`)},
	}
	results, err := r.ProcessToolCalls(context.Background(), calls, ProcessOptions{Turn: 1, Handler: &HandlerContext{Workflow: wf}})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, id := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, id, results[i].ToolCallID)
	}

	// Every call in the batch ran as a scheduler task, and the batch joined
	// them all before returning.
	assert.Equal(t, 3, wf.taskCount())
	assert.Len(t, rec.entries, 3)
}

func TestPostHookObservesResult(t *testing.T) {
	rec := &appendRecorder{}
	var observed *hooks.ToolUseResult
	r := newRouter(t, rec, Options{
		Tools: []Registration{echoRegistration(hooks.HookSet{})},
		Hooks: hooks.HookSet{
			PostToolUse: func(ctx context.Context, use *hooks.ToolUse, result *hooks.ToolUseResult) error {
				observed = result
				return nil
			},
		},
	})

	call := &tools.ParsedCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"value":"hi"}`)}
	_, err := r.ProcessToolCalls(context.Background(), []*tools.ParsedCall{call}, ProcessOptions{Turn: 1})
	require.NoError(t, err)
	require.NotNil(t, observed)
	assert.JSONEq(t, `{"value":"hi"}`, observed.ResponseContent)
}

func TestRewriteToolDescriptionOnce(t *testing.T) {
	rec := &appendRecorder{}
	r := newRouter(t, rec, Options{Tools: []Registration{echoRegistration(hooks.HookSet{})}})

	require.True(t, r.RewriteToolDescription("echo", "first rewrite"))
	assert.False(t, r.RewriteToolDescription("echo", "second rewrite"))
	assert.False(t, r.RewriteToolDescription("missing", "whatever"))

	defs := r.ToolDefinitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "first rewrite", defs[0].Description)
}

func TestProcessOptionsTurnPropagates(t *testing.T) {
	rec := &appendRecorder{}
	var seenTurn int
	reg := Registration{
		Definition: tools.Definition{Name: "echo", Description: "echo", Schema: echoSchema},
		Handler: func(ctx context.Context, hctx *HandlerContext, call *tools.ParsedCall) (*HandlerResult, error) {
			seenTurn = hctx.Turn
			return &HandlerResult{ResponseContent: "ok"}, nil
		},
	}
	r := newRouter(t, rec, Options{Tools: []Registration{reg}})

	call := &tools.ParsedCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"value":"x"}`)}
	_, err := r.ProcessToolCalls(context.Background(), []*tools.ParsedCall{call}, ProcessOptions{Turn: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, seenTurn)
}

func TestHookErrorAborts(t *testing.T) {
	rec := &appendRecorder{}
	hookErr := fmt.Errorf("pre hook vetoed")
	r := newRouter(t, rec, Options{
		Tools: []Registration{echoRegistration(hooks.HookSet{})},
		Hooks: hooks.HookSet{
			PreToolUse: func(ctx context.Context, use *hooks.ToolUse) (*hooks.PreToolUseDecision, error) {
				return nil, hookErr
			},
		},
	})

	call := &tools.ParsedCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"value":"x"}`)}
	_, err := r.ProcessToolCalls(context.Background(), []*tools.ParsedCall{call}, ProcessOptions{Turn: 1})
	assert.ErrorIs(t, err, hookErr)
	assert.Empty(t, rec.entries)
}

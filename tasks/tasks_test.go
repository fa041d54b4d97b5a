package tasks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwork/agentloop/router"
	"github.com/loopwork/agentloop/state"
	"github.com/loopwork/agentloop/tools"
)

func newHandlerContext() *router.HandlerContext {
	return &router.HandlerContext{
		RunID:    "run-1",
		ThreadID: "thread-1",
		State:    state.NewManager(nil),
	}
}

func call(t *testing.T, args any) *tools.ParsedCall {
	t.Helper()
	data, err := json.Marshal(args)
	require.NoError(t, err)
	return &tools.ParsedCall{ID: "call-1", Name: "test", Args: data}
}

func createTask(t *testing.T, hctx *router.HandlerContext, subject string) *state.Task {
	t.Helper()
	res, err := createHandler(context.Background(), hctx, call(t, map[string]any{"subject": subject}))
	require.NoError(t, err)
	var task state.Task
	require.NoError(t, json.Unmarshal(res.Data, &task))
	return &task
}

func TestCreateDefaults(t *testing.T) {
	hctx := newHandlerContext()
	task := createTask(t, hctx, "index docs")

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "index docs", task.Subject)
	assert.Equal(t, state.TaskPending, task.Status)
	assert.NotNil(t, task.BlockedBy)
	assert.Empty(t, task.BlockedBy)
	assert.NotNil(t, task.Blocks)
	assert.Empty(t, task.Blocks)

	stored, ok := hctx.State.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, task.Subject, stored.Subject)
}

func TestGetNotFoundMarker(t *testing.T) {
	hctx := newHandlerContext()
	res, err := getHandler(context.Background(), hctx, call(t, map[string]any{"id": "missing"}))
	require.NoError(t, err)

	var got getResult
	require.NoError(t, json.Unmarshal(res.Data, &got))
	assert.False(t, got.Found)
	assert.Nil(t, got.Task)
}

func TestGetFound(t *testing.T) {
	hctx := newHandlerContext()
	task := createTask(t, hctx, "index docs")

	res, err := getHandler(context.Background(), hctx, call(t, map[string]any{"id": task.ID}))
	require.NoError(t, err)

	var got getResult
	require.NoError(t, json.Unmarshal(res.Data, &got))
	require.True(t, got.Found)
	assert.Equal(t, task.ID, got.Task.ID)
}

func TestListSnapshot(t *testing.T) {
	hctx := newHandlerContext()
	createTask(t, hctx, "one")
	createTask(t, hctx, "two")

	res, err := listHandler(context.Background(), hctx, call(t, map[string]any{}))
	require.NoError(t, err)

	var got listResult
	require.NoError(t, json.Unmarshal(res.Data, &got))
	assert.Len(t, got.Tasks, 2)
}

func TestUpdateStatus(t *testing.T) {
	hctx := newHandlerContext()
	task := createTask(t, hctx, "index docs")

	res, err := updateHandler(context.Background(), hctx, call(t, map[string]any{
		"id":     task.ID,
		"status": "in_progress",
	}))
	require.NoError(t, err)

	var got getResult
	require.NoError(t, json.Unmarshal(res.Data, &got))
	require.True(t, got.Found)
	assert.Equal(t, state.TaskInProgress, got.Task.Status)
}

func TestUpdateUnknownIDReturnsMarker(t *testing.T) {
	hctx := newHandlerContext()
	res, err := updateHandler(context.Background(), hctx, call(t, map[string]any{
		"id":     "missing",
		"status": "completed",
	}))
	require.NoError(t, err)

	var got getResult
	require.NoError(t, json.Unmarshal(res.Data, &got))
	assert.False(t, got.Found)
}

func TestAddBlockedByPersistsBothSides(t *testing.T) {
	hctx := newHandlerContext()
	t1 := createTask(t, hctx, "first")
	t2 := createTask(t, hctx, "second")

	before := hctx.State.Version()
	_, err := updateHandler(context.Background(), hctx, call(t, map[string]any{
		"id":             t2.ID,
		"add_blocked_by": []string{t1.ID},
	}))
	require.NoError(t, err)

	// Both sides of the relation are stored in one state mutation.
	assert.Equal(t, before+1, hctx.State.Version())

	stored2, ok := hctx.State.Task(t2.ID)
	require.True(t, ok)
	assert.Contains(t, stored2.BlockedBy, t1.ID)

	stored1, ok := hctx.State.Task(t1.ID)
	require.True(t, ok)
	assert.Contains(t, stored1.Blocks, t2.ID)
}

func TestAddBlocksPersistsBothSides(t *testing.T) {
	hctx := newHandlerContext()
	t1 := createTask(t, hctx, "first")
	t2 := createTask(t, hctx, "second")

	_, err := updateHandler(context.Background(), hctx, call(t, map[string]any{
		"id":         t1.ID,
		"add_blocks": []string{t2.ID},
	}))
	require.NoError(t, err)

	stored1, ok := hctx.State.Task(t1.ID)
	require.True(t, ok)
	assert.Contains(t, stored1.Blocks, t2.ID)

	stored2, ok := hctx.State.Task(t2.ID)
	require.True(t, ok)
	assert.Contains(t, stored2.BlockedBy, t1.ID)
}

func TestAddRelationUnknownTargetFails(t *testing.T) {
	hctx := newHandlerContext()
	t1 := createTask(t, hctx, "first")

	_, err := updateHandler(context.Background(), hctx, call(t, map[string]any{
		"id":             t1.ID,
		"add_blocked_by": []string{"missing"},
	}))
	require.Error(t, err)
}

func TestRelationIdempotent(t *testing.T) {
	hctx := newHandlerContext()
	t1 := createTask(t, hctx, "first")
	t2 := createTask(t, hctx, "second")

	for i := 0; i < 2; i++ {
		_, err := updateHandler(context.Background(), hctx, call(t, map[string]any{
			"id":             t2.ID,
			"add_blocked_by": []string{t1.ID},
		}))
		require.NoError(t, err)
	}

	stored2, _ := hctx.State.Task(t2.ID)
	assert.Len(t, stored2.BlockedBy, 1)
	stored1, _ := hctx.State.Task(t1.ID)
	assert.Len(t, stored1.Blocks, 1)
}

func TestRelationSymmetryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("blockedBy and blocks stay symmetric under arbitrary edge additions", prop.ForAll(
		func(edges []int) bool {
			hctx := newHandlerContext()
			ids := make([]string, 5)
			for i := range ids {
				ids[i] = createTask(t, hctx, "task").ID
			}
			for _, e := range edges {
				from := ids[e%len(ids)]
				to := ids[(e/len(ids))%len(ids)]
				if from == to {
					continue
				}
				if _, err := updateHandler(context.Background(), hctx, call(t, map[string]any{
					"id":             from,
					"add_blocked_by": []string{to},
				})); err != nil {
					return false
				}
			}
			byID := make(map[string]*state.Task)
			for _, task := range hctx.State.Tasks() {
				byID[task.ID] = task
			}
			for _, task := range byID {
				for _, blocker := range task.BlockedBy {
					other, ok := byID[blocker]
					if !ok || !contains(other.Blocks, task.ID) {
						return false
					}
				}
				for _, blocked := range task.Blocks {
					other, ok := byID[blocked]
					if !ok || !contains(other.BlockedBy, task.ID) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 24)),
	))

	properties.TestingRun(t)
}

func contains(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

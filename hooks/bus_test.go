package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwork/agentloop/api"
)

type recordingSubscriber struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSubscriber) HandleEvent(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBusPublishFansOut(t *testing.T) {
	b := NewBus()
	a := &recordingSubscriber{}
	c := &recordingSubscriber{}
	_, err := b.Register(a)
	require.NoError(t, err)
	_, err = b.Register(c)
	require.NoError(t, err)

	evt := NewSessionStartedEvent("run-1", "tester", "thread-1", "hello")
	require.NoError(t, b.Publish(context.Background(), evt))

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, c.count())
	assert.Equal(t, SessionStarted, a.events[0].Type())
	assert.Equal(t, "run-1", a.events[0].RunID())
}

func TestBusRejectsNilSubscriber(t *testing.T) {
	b := NewBus()
	_, err := b.Register(nil)
	assert.Error(t, err)
}

func TestBusSubscriberErrorStopsDelivery(t *testing.T) {
	b := NewBus()
	boom := errors.New("subscriber failed")
	_, err := b.Register(&recordingSubscriber{err: boom})
	require.NoError(t, err)

	err = b.Publish(context.Background(), NewTurnStartedEvent("run-1", "tester", 1))
	assert.ErrorIs(t, err, boom)
}

func TestBusCloseUnregisters(t *testing.T) {
	b := NewBus()
	sub := &recordingSubscriber{}
	s, err := b.Register(sub)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), NewTurnStartedEvent("run-1", "tester", 1)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // idempotent
	require.NoError(t, b.Publish(context.Background(), NewTurnStartedEvent("run-1", "tester", 2)))

	assert.Equal(t, 1, sub.count())
}

func TestBusPublishWithNoSubscribers(t *testing.T) {
	b := NewBus()
	assert.NoError(t, b.Publish(context.Background(), NewTurnStartedEvent("run-1", "tester", 1)))
}

func TestSubscriberFuncAdapter(t *testing.T) {
	b := NewBus()
	var got Event
	_, err := b.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		got = event
		return nil
	}))
	require.NoError(t, err)

	evt := NewSessionEndedEvent("run-1", "tester", 3, api.ExitCompleted, nil)
	require.NoError(t, b.Publish(context.Background(), evt))
	require.NotNil(t, got)

	ended, ok := got.(*SessionEndedEvent)
	require.True(t, ok)
	assert.Equal(t, api.ExitCompleted, ended.ExitReason)
	assert.Equal(t, 3, ended.Turn())
}

func TestEventTypeSwitch(t *testing.T) {
	events := []Event{
		NewSessionStartedEvent("r", "a", "t", "p"),
		NewSessionEndedEvent("r", "a", 1, api.ExitFailed, errors.New("x")),
		NewTurnStartedEvent("r", "a", 1),
		NewToolCallStartedEvent("r", "a", 1, "c", "echo", nil),
		NewToolCallCompletedEvent("r", "a", 1, "c", "echo", nil, 0, false),
		NewToolCallSkippedEvent("r", "a", 1, "c", "echo"),
		NewToolCallFailedEvent("r", "a", 1, "c", "echo", errors.New("x")),
		NewSubagentStartedEvent("r", "a", 1, "c", "coder", "child"),
		NewSubagentCompletedEvent("r", "a", 1, "c", "coder", "child", api.ExitCompleted),
		NewStateChangedEvent("r", "a", 1, 5, "RUNNING"),
	}
	want := []EventType{
		SessionStarted, SessionEnded, TurnStarted,
		ToolCallStarted, ToolCallCompleted, ToolCallSkipped, ToolCallFailed,
		SubagentStarted, SubagentCompleted, StateChanged,
	}
	for i, evt := range events {
		assert.Equal(t, want[i], evt.Type())
		assert.Equal(t, "r", evt.RunID())
		assert.Equal(t, "a", evt.AgentName())
		assert.NotZero(t, evt.Timestamp())
	}
}

func TestHookSetNilFieldsAreNoOps(t *testing.T) {
	var hs HookSet
	ctx := context.Background()

	assert.NoError(t, hs.OnSessionStart(ctx, &SessionInfo{}))
	assert.NoError(t, hs.OnSessionEnd(ctx, &SessionEndInfo{}))

	decision, err := hs.OnPreToolUse(ctx, &ToolUse{})
	assert.NoError(t, err)
	assert.Nil(t, decision)

	assert.NoError(t, hs.OnPostToolUse(ctx, &ToolUse{}, &ToolUseResult{}))

	recovery, err := hs.OnPostToolUseFailure(ctx, &ToolUse{}, errors.New("x"))
	assert.NoError(t, err)
	assert.Nil(t, recovery)
}

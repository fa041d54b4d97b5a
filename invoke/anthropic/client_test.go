package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/invoke"
	"github.com/loopwork/agentloop/state"
	"github.com/loopwork/agentloop/thread"
)

type fakeMessages struct {
	params sdk.MessageNewParams
	resp   *sdk.Message
	err    error
}

func (f *fakeMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	f.params = body
	return f.resp, f.err
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{Model: "claude-sonnet-4-5"})
	assert.Error(t, err)

	_, err = New(&fakeMessages{}, Options{})
	assert.Error(t, err)

	_, err = NewFromAPIKey("", Options{Model: "claude-sonnet-4-5"})
	assert.Error(t, err)
}

func TestRunAgentEncodesConversation(t *testing.T) {
	fake := &fakeMessages{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "done"}},
		StopReason: "end_turn",
		Usage:      sdk.Usage{InputTokens: 12, OutputTokens: 3},
	}}
	c, err := New(fake, Options{Model: "claude-sonnet-4-5", System: "be brief", MaxTokens: 256, Temperature: 0.2})
	require.NoError(t, err)

	req := &invoke.Request{
		Messages: []*thread.Message{
			{Role: thread.RoleUser, Content: []*thread.ContentBlock{{Type: thread.BlockText, Text: "hi"}}},
			{Role: thread.RoleAssistant, Content: []*thread.ContentBlock{
				{Type: thread.BlockToolUse, ToolCallID: "call-1", ToolName: "echo", Input: json.RawMessage(`{"value":"x"}`)},
			}},
			{Role: thread.RoleTool, Content: []*thread.ContentBlock{
				{Type: thread.BlockToolResult, ToolCallID: "call-1", Content: `{"ok":true}`},
			}},
		},
		Tools: []state.ToolSnapshot{
			{Name: "echo", Description: "Echoes input.", Schema: json.RawMessage(`{"type":"object"}`)},
		},
	}

	resp, err := c.RunAgent(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), fake.params.Model)
	assert.Equal(t, int64(256), fake.params.MaxTokens)
	require.Len(t, fake.params.System, 1)
	assert.Equal(t, "be brief", fake.params.System[0].Text)
	require.Len(t, fake.params.Messages, 3)
	require.Len(t, fake.params.Tools, 1)

	assert.Equal(t, api.StopEndTurn, resp.StopReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	require.Len(t, resp.Message.Content, 1)
	assert.Equal(t, "done", resp.Message.Content[0].Text)
}

func TestRunAgentTranslatesToolUse(t *testing.T) {
	fake := &fakeMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "calling"},
			{Type: "tool_use", ID: "call-9", Name: "fetch", Input: json.RawMessage(`{"url":"x"}`)},
		},
		StopReason: "tool_use",
	}}
	c, err := New(fake, Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	resp, err := c.RunAgent(context.Background(), &invoke.Request{
		Messages: []*thread.Message{thread.NewHumanMessage("go")},
	})
	require.NoError(t, err)

	assert.Equal(t, api.StopToolUse, resp.StopReason)
	require.Len(t, resp.Message.Content, 2)
	use := resp.Message.Content[1]
	assert.Equal(t, thread.BlockToolUse, use.Type)
	assert.Equal(t, "call-9", use.ToolCallID)
	assert.Equal(t, "fetch", use.ToolName)
	assert.JSONEq(t, `{"url":"x"}`, string(use.Input))
}

func TestRunAgentRequiresMessages(t *testing.T) {
	c, err := New(&fakeMessages{}, Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = c.RunAgent(context.Background(), &invoke.Request{})
	assert.Error(t, err)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, api.StopEndTurn, mapStopReason("end_turn"))
	assert.Equal(t, api.StopEndTurn, mapStopReason("stop_sequence"))
	assert.Equal(t, api.StopToolUse, mapStopReason("tool_use"))
	assert.Equal(t, api.StopMaxTokens, mapStopReason("max_tokens"))
	assert.Equal(t, "refusal", mapStopReason("refusal"))
}

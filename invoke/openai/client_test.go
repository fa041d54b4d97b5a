package openai

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/invoke"
	"github.com/loopwork/agentloop/state"
	"github.com/loopwork/agentloop/thread"
)

type fakeChat struct {
	params sdk.ChatCompletionNewParams
	resp   *sdk.ChatCompletion
	err    error
}

func (f *fakeChat) New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error) {
	f.params = body
	return f.resp, f.err
}

func textCompletion(content, finishReason string) *sdk.ChatCompletion {
	return &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{
			{
				Message:      sdk.ChatCompletionMessage{Role: "assistant", Content: content},
				FinishReason: finishReason,
			},
		},
		Usage: sdk.CompletionUsage{PromptTokens: 20, CompletionTokens: 8},
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{Model: "gpt-4o"})
	assert.Error(t, err)

	_, err = New(&fakeChat{}, Options{})
	assert.Error(t, err)

	_, err = NewFromAPIKey("", Options{Model: "gpt-4o"})
	assert.Error(t, err)
}

func TestRunAgentEncodesConversation(t *testing.T) {
	fake := &fakeChat{resp: textCompletion("done", "stop")}
	c, err := New(fake, Options{Model: "gpt-4o", System: "be brief", MaxTokens: 100, Temperature: 0.5})
	require.NoError(t, err)

	req := &invoke.Request{
		Messages: []*thread.Message{
			{Role: thread.RoleUser, Content: []*thread.ContentBlock{{Type: thread.BlockText, Text: "hi"}}},
			{Role: thread.RoleAssistant, Content: []*thread.ContentBlock{
				{Type: thread.BlockText, Text: "calling"},
				{Type: thread.BlockToolUse, ToolCallID: "call-1", ToolName: "echo", Input: json.RawMessage(`{"value":"x"}`)},
			}},
			{Role: thread.RoleTool, Content: []*thread.ContentBlock{
				{Type: thread.BlockToolResult, ToolCallID: "call-1", Content: `{"ok":true}`},
			}},
		},
		Tools: []state.ToolSnapshot{
			{Name: "echo", Description: "Echoes input.", Schema: json.RawMessage(`{"type":"object"}`), Strict: true},
		},
	}

	resp, err := c.RunAgent(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, sdk.ChatModel("gpt-4o"), fake.params.Model)
	// system + user + assistant-with-tool-calls + tool result
	require.Len(t, fake.params.Messages, 4)
	require.Len(t, fake.params.Tools, 1)
	assert.Equal(t, "echo", fake.params.Tools[0].Function.Name)

	assert.Equal(t, api.StopEndTurn, resp.StopReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 20, resp.Usage.InputTokens)
	assert.Equal(t, 8, resp.Usage.OutputTokens)
}

func TestRunAgentTranslatesToolCalls(t *testing.T) {
	fake := &fakeChat{resp: &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{
			{
				Message: sdk.ChatCompletionMessage{
					Role: "assistant",
					ToolCalls: []sdk.ChatCompletionMessageToolCall{
						{
							ID:   "call-9",
							Type: "function",
							Function: sdk.ChatCompletionMessageToolCallFunction{
								Name:      "fetch",
								Arguments: `{"url":"x"}`,
							},
						},
					},
				},
				FinishReason: "tool_calls",
			},
		},
	}}
	c, err := New(fake, Options{Model: "gpt-4o"})
	require.NoError(t, err)

	resp, err := c.RunAgent(context.Background(), &invoke.Request{
		Messages: []*thread.Message{thread.NewHumanMessage("go")},
	})
	require.NoError(t, err)

	assert.Equal(t, api.StopToolUse, resp.StopReason)
	require.Len(t, resp.Message.Content, 1)
	use := resp.Message.Content[0]
	assert.Equal(t, thread.BlockToolUse, use.Type)
	assert.Equal(t, "call-9", use.ToolCallID)
	assert.Equal(t, "fetch", use.ToolName)
	assert.JSONEq(t, `{"url":"x"}`, string(use.Input))
}

func TestRunAgentNoChoices(t *testing.T) {
	fake := &fakeChat{resp: &sdk.ChatCompletion{}}
	c, err := New(fake, Options{Model: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.RunAgent(context.Background(), &invoke.Request{
		Messages: []*thread.Message{thread.NewHumanMessage("go")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response choices")
}

func TestRunAgentRequiresMessages(t *testing.T) {
	c, err := New(&fakeChat{}, Options{Model: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.RunAgent(context.Background(), &invoke.Request{})
	assert.Error(t, err)
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, api.StopEndTurn, mapFinishReason("stop"))
	assert.Equal(t, api.StopToolUse, mapFinishReason("tool_calls"))
	assert.Equal(t, api.StopToolUse, mapFinishReason("function_call"))
	assert.Equal(t, api.StopMaxTokens, mapFinishReason("length"))
	assert.Equal(t, "content_filter", mapFinishReason("content_filter"))
}

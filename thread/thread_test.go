package thread

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHumanMessage(t *testing.T) {
	msg := NewHumanMessage("hello")
	assert.Equal(t, RoleUser, msg.Role)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, BlockText, msg.Content[0].Type)
	assert.Equal(t, "hello", msg.Content[0].Text)
}

func TestNewToolResultMessage(t *testing.T) {
	msg := NewToolResultMessage("call-1", `{"ok":true}`)
	assert.Equal(t, RoleTool, msg.Role)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, BlockToolResult, msg.Content[0].Type)
	assert.Equal(t, "call-1", msg.Content[0].ToolCallID)
	assert.Equal(t, `{"ok":true}`, msg.Content[0].Content)
}

func TestParseToolCalls(t *testing.T) {
	msg := &Message{
		Role: RoleAssistant,
		Content: []*ContentBlock{
			{Type: BlockText, Text: "on it"},
			{Type: BlockToolUse, ToolCallID: "call-1", ToolName: "echo", Input: json.RawMessage(`{"value":"a"}`)},
			nil,
			{Type: BlockToolUse, ToolCallID: "call-2", ToolName: "fetch", Input: json.RawMessage(`{"url":"x"}`)},
		},
	}

	calls := ParseToolCalls(msg)
	require.Len(t, calls, 2)
	assert.Equal(t, "call-1", calls[0].ID)
	assert.Equal(t, "echo", calls[0].Name)
	assert.JSONEq(t, `{"value":"a"}`, string(calls[0].Args))
	assert.Equal(t, "call-2", calls[1].ID)
}

func TestParseToolCallsNoToolUse(t *testing.T) {
	assert.Empty(t, ParseToolCalls(nil))
	assert.Empty(t, ParseToolCalls(&Message{Role: RoleAssistant, Content: []*ContentBlock{{Type: BlockText, Text: "done"}}}))
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := &Message{
		Role: RoleAssistant,
		Content: []*ContentBlock{
			{Type: BlockToolUse, ToolCallID: "call-1", ToolName: "echo", Input: json.RawMessage(`{"v":1}`)},
		},
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Content, 1)
	assert.Equal(t, "echo", decoded.Content[0].ToolName)
	assert.JSONEq(t, `{"v":1}`, string(decoded.Content[0].Input))
}

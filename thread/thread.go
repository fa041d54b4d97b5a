// Package thread defines the conversation thread surface the session runtime
// depends on. The session loop and tool router only use the narrow Store
// interface; concrete persistence (in-memory, Redis, Mongo) lives in
// subpackages.
package thread

import (
	"context"
	"encoding/json"
	"errors"
)

// Conversation roles used by thread messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content block kinds carried by thread messages.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

var (
	// ErrThreadNotFound indicates the thread has not been initialized.
	ErrThreadNotFound = errors.New("thread not found")
)

type (
	// Message is a single conversation entry. Messages are JSON-safe so they
	// can cross workflow and store boundaries without loss.
	Message struct {
		// Role identifies the speaker (user, assistant or tool).
		Role string `json:"role"`
		// Content holds the ordered content blocks of the message.
		Content []*ContentBlock `json:"content"`
	}

	// ContentBlock is one unit of message content. Exactly one of the
	// type-specific fields is meaningful depending on Type.
	ContentBlock struct {
		// Type is the block kind (text, tool_use or tool_result).
		Type string `json:"type"`
		// Text carries the text for text blocks.
		Text string `json:"text,omitempty"`
		// ToolCallID correlates tool_use and tool_result blocks.
		ToolCallID string `json:"tool_call_id,omitempty"`
		// ToolName is the requested tool for tool_use blocks.
		ToolName string `json:"tool_name,omitempty"`
		// Input is the raw JSON arguments for tool_use blocks.
		Input json.RawMessage `json:"input,omitempty"`
		// Content is the serialized result for tool_result blocks.
		Content string `json:"content,omitempty"`
	}

	// RawToolCall is a tool invocation extracted from an assistant message
	// before any schema validation has run.
	RawToolCall struct {
		// ID is the provider-assigned correlation identifier. May be empty; the
		// router synthesizes one in that case.
		ID string `json:"id"`
		// Name is the requested tool name.
		Name string `json:"name"`
		// Args is the raw JSON argument payload.
		Args json.RawMessage `json:"args"`
	}

	// Store persists conversation threads. The session loop and tool router
	// depend only on this surface; implementations must be safe for use from
	// activity handlers (they are invoked with bounded retry by the host).
	Store interface {
		// InitializeThread creates the thread if it does not exist. Idempotent.
		InitializeThread(ctx context.Context, threadID string) error
		// AppendHumanMessage appends a user text message to the thread.
		AppendHumanMessage(ctx context.Context, threadID, content string) error
		// AppendToolResult appends a tool result keyed by the originating call id.
		AppendToolResult(ctx context.Context, threadID, toolCallID, content string) error
		// ParseToolCalls extracts the raw tool calls requested by an assistant
		// message. Returns an empty slice when the message requests none.
		ParseToolCalls(message *Message) []RawToolCall
	}

	// Reader exposes thread contents for prompt construction and inspection.
	// Store implementations in this repository also satisfy Reader.
	Reader interface {
		// Messages returns the thread messages in append order.
		// Returns ErrThreadNotFound when the thread does not exist.
		Messages(ctx context.Context, threadID string) ([]*Message, error)
	}
)

// NewHumanMessage builds a user message holding a single text block.
func NewHumanMessage(content string) *Message {
	return &Message{
		Role:    RoleUser,
		Content: []*ContentBlock{{Type: BlockText, Text: content}},
	}
}

// NewToolResultMessage builds a tool message holding a single tool_result
// block keyed by the originating call id.
func NewToolResultMessage(toolCallID, content string) *Message {
	return &Message{
		Role:    RoleTool,
		Content: []*ContentBlock{{Type: BlockToolResult, ToolCallID: toolCallID, Content: content}},
	}
}

// ParseToolCalls extracts tool_use blocks from an assistant message. The
// returned calls preserve block order. Nil messages and messages without
// tool_use blocks yield an empty slice.
func ParseToolCalls(message *Message) []RawToolCall {
	if message == nil {
		return nil
	}
	var calls []RawToolCall
	for _, block := range message.Content {
		if block == nil || block.Type != BlockToolUse {
			continue
		}
		calls = append(calls, RawToolCall{
			ID:   block.ToolCallID,
			Name: block.ToolName,
			Args: block.Input,
		})
	}
	return calls
}

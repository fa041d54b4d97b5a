// Package openai provides an invoke.Invoker backed by the OpenAI Chat
// Completions API. Thread messages map onto chat messages, tool snapshots
// onto function tools, and finish reasons onto the normalized stop reasons.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/invoke"
	"github.com/loopwork/agentloop/state"
	"github.com/loopwork/agentloop/thread"
)

type (
	// ChatClient captures the subset of the OpenAI SDK used by the adapter.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the adapter.
	Options struct {
		// Model is the chat model identifier. Required.
		Model string
		// System is the system prompt prepended to every invocation.
		System string
		// MaxTokens caps completion length when positive.
		MaxTokens int
		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Client implements invoke.Invoker via Chat Completions.
	Client struct {
		chat   ChatClient
		model  string
		system string
		maxTok int
		temp   float64
	}
)

// New builds an OpenAI-backed invoker from the provided chat client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Client{
		chat:   chat,
		model:  opts.Model,
		system: opts.System,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, opts)
}

// RunAgent issues a chat completion for the conversation and translates the
// first choice.
func (c *Client) RunAgent(ctx context.Context, req *invoke.Request) (*invoke.Response, error) {
	messages, err := encodeMessages(c.system, req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.model),
		Messages: messages,
	}
	if c.maxTok > 0 {
		params.MaxTokens = sdk.Int(int64(c.maxTok))
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	toolParams, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: no response choices returned")
	}
	return translateChoice(resp.Choices[0], resp.Usage), nil
}

func encodeMessages(system string, msgs []*thread.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case thread.RoleUser:
			out = append(out, sdk.UserMessage(messageText(m)))
		case thread.RoleAssistant:
			calls := toolCallParams(m)
			if len(calls) == 0 {
				out = append(out, sdk.AssistantMessage(messageText(m)))
				continue
			}
			assistant := sdk.ChatCompletionMessage{
				Role:      "assistant",
				Content:   messageText(m),
				ToolCalls: calls,
			}
			out = append(out, assistant.ToParam())
		case thread.RoleTool:
			for _, block := range m.Content {
				if block == nil || block.Type != thread.BlockToolResult {
					continue
				}
				out = append(out, sdk.ToolMessage(block.Content, block.ToolCallID))
			}
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func messageText(m *thread.Message) string {
	var parts []string
	for _, block := range m.Content {
		if block != nil && block.Type == thread.BlockText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func toolCallParams(m *thread.Message) []sdk.ChatCompletionMessageToolCall {
	var calls []sdk.ChatCompletionMessageToolCall
	for _, block := range m.Content {
		if block == nil || block.Type != thread.BlockToolUse {
			continue
		}
		calls = append(calls, sdk.ChatCompletionMessageToolCall{
			ID:   block.ToolCallID,
			Type: "function",
			Function: sdk.ChatCompletionMessageToolCallFunction{
				Name:      block.ToolName,
				Arguments: string(block.Input),
			},
		})
	}
	return calls
}

func encodeTools(snaps []state.ToolSnapshot) ([]sdk.ChatCompletionToolParam, error) {
	if len(snaps) == 0 {
		return nil, nil
	}
	out := make([]sdk.ChatCompletionToolParam, 0, len(snaps))
	for _, snap := range snaps {
		if snap.Name == "" {
			continue
		}
		var schema map[string]any
		if len(snap.Schema) > 0 {
			if err := json.Unmarshal(snap.Schema, &schema); err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", snap.Name, err)
			}
		}
		fn := sdk.FunctionDefinitionParam{Name: snap.Name}
		if snap.Description != "" {
			fn.Description = sdk.String(snap.Description)
		}
		if schema != nil {
			fn.Parameters = sdk.FunctionParameters(schema)
		}
		if snap.Strict {
			fn.Strict = sdk.Bool(true)
		}
		out = append(out, sdk.ChatCompletionToolParam{Type: "function", Function: fn})
	}
	return out, nil
}

func translateChoice(choice sdk.ChatCompletionChoice, usage sdk.CompletionUsage) *invoke.Response {
	msg := &thread.Message{Role: thread.RoleAssistant}
	if choice.Message.Content != "" {
		msg.Content = append(msg.Content, &thread.ContentBlock{Type: thread.BlockText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.Content = append(msg.Content, &thread.ContentBlock{
			Type:       thread.BlockToolUse,
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Input:      json.RawMessage(tc.Function.Arguments),
		})
	}
	resp := &invoke.Response{
		Message:    msg,
		StopReason: mapFinishReason(choice.FinishReason),
	}
	if usage.PromptTokens != 0 || usage.CompletionTokens != 0 {
		resp.Usage = &api.TokenUsage{
			InputTokens:  int(usage.PromptTokens),
			OutputTokens: int(usage.CompletionTokens),
		}
	}
	return resp
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return api.StopEndTurn
	case "tool_calls", "function_call":
		return api.StopToolUse
	case "length":
		return api.StopMaxTokens
	}
	return reason
}

// Package anthropic provides an invoke.Invoker backed by the Anthropic
// Claude Messages API. It translates thread messages and tool snapshots into
// anthropic.Message calls and maps responses (text, tool use, usage) back
// into the generic thread structures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/invoke"
	"github.com/loopwork/agentloop/state"
	"github.com/loopwork/agentloop/thread"
)

const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// adapter. Satisfied by *sdk.MessageService so tests can pass a mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adapter.
	Options struct {
		// Model is the Claude model identifier. Required. Use the typed
		// constants from github.com/anthropics/anthropic-sdk-go.
		Model string
		// System is the system prompt prepended to every invocation.
		System string
		// MaxTokens caps completion length. Defaults to 4096.
		MaxTokens int
		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Client implements invoke.Invoker on top of Claude Messages.
	Client struct {
		msg    MessagesClient
		model  string
		system string
		maxTok int
		temp   float64
	}
)

// New builds an Anthropic-backed invoker from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{
		msg:    msg,
		model:  opts.Model,
		system: opts.System,
		maxTok: maxTok,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// RunAgent issues a Messages.New request for the conversation and translates
// the response.
func (c *Client) RunAgent(ctx context.Context, req *invoke.Request) (*invoke.Response, error) {
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(c.maxTok),
		Messages:  msgs,
	}
	if c.system != "" {
		params.System = []sdk.TextBlockParam{{Text: c.system}}
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
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

func encodeMessages(msgs []*thread.Message) ([]sdk.MessageParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, block := range m.Content {
			if block == nil {
				continue
			}
			switch block.Type {
			case thread.BlockText:
				if block.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(block.Text))
				}
			case thread.BlockToolUse:
				var input any
				if len(block.Input) > 0 {
					if err := json.Unmarshal(block.Input, &input); err != nil {
						return nil, fmt.Errorf("anthropic: decode tool_use input: %w", err)
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(block.ToolCallID, input, block.ToolName))
			case thread.BlockToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(block.ToolCallID, block.Content, false))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case thread.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case thread.RoleUser, thread.RoleTool:
			// Tool results travel as user-role content blocks on this API.
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	return conversation, nil
}

func encodeTools(snaps []state.ToolSnapshot) ([]sdk.ToolUnionParam, error) {
	if len(snaps) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(snaps))
	for _, snap := range snaps {
		if snap.Name == "" {
			continue
		}
		var schema map[string]any
		if len(snap.Schema) > 0 {
			if err := json.Unmarshal(snap.Schema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: tool %q schema: %w", snap.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, snap.Name)
		if u.OfTool != nil && snap.Description != "" {
			u.OfTool.Description = sdk.String(snap.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func translateResponse(msg *sdk.Message) (*invoke.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	out := &thread.Message{Role: thread.RoleAssistant}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			out.Content = append(out.Content, &thread.ContentBlock{Type: thread.BlockText, Text: block.Text})
		case "tool_use":
			out.Content = append(out.Content, &thread.ContentBlock{
				Type:       thread.BlockToolUse,
				ToolCallID: block.ID,
				ToolName:   block.Name,
				Input:      json.RawMessage(block.Input),
			})
		}
	}
	resp := &invoke.Response{
		Message:    out,
		StopReason: mapStopReason(string(msg.StopReason)),
	}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage = &api.TokenUsage{
			InputTokens:  int(u.InputTokens),
			OutputTokens: int(u.OutputTokens),
		}
	}
	return resp, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return api.StopEndTurn
	case "tool_use":
		return api.StopToolUse
	case "max_tokens":
		return api.StopMaxTokens
	}
	return reason
}

// Package bedrock provides an invoke.Invoker backed by the AWS Bedrock
// Converse API. Thread messages are split into system and conversational
// content, tool snapshots become Bedrock tool specifications, and Converse
// responses (text + tool_use blocks) translate back into thread structures.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/invoke"
	"github.com/loopwork/agentloop/state"
	"github.com/loopwork/agentloop/thread"
)

type (
	// RuntimeClient mirrors the subset of the Bedrock runtime client the
	// adapter needs. Matched by *bedrockruntime.Client.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the adapter.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient
		// Model is the Bedrock model identifier. Required.
		Model string
		// System is the system prompt prepended to every invocation.
		System string
		// MaxTokens caps completion length when positive; zero lets Bedrock
		// use its own default.
		MaxTokens int
		// Temperature is forwarded when positive.
		Temperature float32
	}

	// Client implements invoke.Invoker on top of Bedrock Converse.
	Client struct {
		runtime RuntimeClient
		model   string
		system  string
		maxTok  int
		temp    float32
	}
)

// New builds a Bedrock-backed invoker.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Client{
		runtime: opts.Runtime,
		model:   opts.Model,
		system:  opts.System,
		maxTok:  opts.MaxTokens,
		temp:    opts.Temperature,
	}, nil
}

// RunAgent issues a Converse request for the conversation and translates the
// response.
func (c *Client) RunAgent(ctx context.Context, req *invoke.Request) (*invoke.Response, error) {
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.model),
		Messages: messages,
	}
	if c.system != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: c.system},
		}
	}
	if cfg := c.inferenceConfig(); cfg != nil {
		input.InferenceConfig = cfg
	}
	toolConfig, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isThrottled(err) {
			return nil, fmt.Errorf("%w: %w", invoke.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output)
}

func (c *Client) inferenceConfig() *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	set := false
	if c.maxTok > 0 {
		cfg.MaxTokens = aws.Int32(int32(c.maxTok))
		set = true
	}
	if c.temp > 0 {
		cfg.Temperature = aws.Float32(c.temp)
		set = true
	}
	if !set {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []*thread.Message) ([]brtypes.Message, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		blocks := make([]brtypes.ContentBlock, 0, len(m.Content))
		for _, block := range m.Content {
			if block == nil {
				continue
			}
			switch block.Type {
			case thread.BlockText:
				if block.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: block.Text})
				}
			case thread.BlockToolUse:
				tb := brtypes.ToolUseBlock{
					ToolUseId: aws.String(block.ToolCallID),
					Name:      aws.String(block.ToolName),
					Input:     toDocument(block.Input),
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			case thread.BlockToolResult:
				// Tool results ride in user messages, correlated to the prior
				// tool_use block.
				tr := brtypes.ToolResultBlock{
					ToolUseId: aws.String(block.ToolCallID),
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: block.Content},
					},
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == thread.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, errors.New("bedrock: at least one message is required")
	}
	return conversation, nil
}

func encodeTools(snaps []state.ToolSnapshot) (*brtypes.ToolConfiguration, error) {
	if len(snaps) == 0 {
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(snaps))
	for _, snap := range snaps {
		if snap.Name == "" {
			continue
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(snap.Name),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(snap.Schema)},
		}
		if snap.Description != "" {
			spec.Description = aws.String(snap.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput) (*invoke.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	msg := &thread.Message{Role: thread.RoleAssistant}
	if member, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range member.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				msg.Content = append(msg.Content, &thread.ContentBlock{Type: thread.BlockText, Text: v.Value})
			case *brtypes.ContentBlockMemberToolUse:
				msg.Content = append(msg.Content, &thread.ContentBlock{
					Type:       thread.BlockToolUse,
					ToolCallID: aws.ToString(v.Value.ToolUseId),
					ToolName:   aws.ToString(v.Value.Name),
					Input:      decodeDocument(v.Value.Input),
				})
			}
		}
	}
	resp := &invoke.Response{
		Message:    msg,
		StopReason: mapStopReason(string(output.StopReason)),
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = &api.TokenUsage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
		}
	}
	return resp, nil
}

func mapStopReason(reason string) string {
	switch brtypes.StopReason(reason) {
	case brtypes.StopReasonEndTurn, brtypes.StopReasonStopSequence:
		return api.StopEndTurn
	case brtypes.StopReasonToolUse:
		return api.StopToolUse
	case brtypes.StopReasonMaxTokens:
		return api.StopMaxTokens
	}
	return reason
}

func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
		return true
	}
	return false
}

func toDocument(raw json.RawMessage) document.Interface {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return document.NewLazyDocument(v)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

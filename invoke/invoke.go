// Package invoke defines the model invocation surface the session runtime
// depends on. The runtime hands an Invoker the full conversation and the tool
// snapshot and gets back the assistant message plus the provider stop reason;
// prompt construction and provider SDK details live in the subpackages.
package invoke

import (
	"context"
	"errors"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/state"
	"github.com/loopwork/agentloop/thread"
)

// ErrRateLimited marks provider throttling. Adapters wrap it so middleware
// and retry policies can match with errors.Is and back off.
var ErrRateLimited = errors.New("model rate limited")

type (
	// Request carries one model invocation. The runtime builds it inside the
	// invoke activity so providers never touch the thread store directly.
	Request struct {
		// ThreadID identifies the conversation thread.
		ThreadID string
		// AgentName selects the agent profile (system prompt, model choice).
		AgentName string
		// Messages is the conversation history in append order.
		Messages []*thread.Message
		// Tools is the schema snapshot of the tools offered to the model.
		Tools []state.ToolSnapshot
		// Metadata carries caller labels forwarded to the provider.
		Metadata map[string]string
	}

	// Response is the provider result of one invocation.
	Response struct {
		// Message is the assistant message produced by the model.
		Message *thread.Message
		// StopReason is the normalized stop condition (end_turn, tool_use,
		// max_tokens).
		StopReason string
		// Usage reports token consumption when the provider supplies it.
		Usage *api.TokenUsage
	}

	// Invoker runs one model turn. Implementations must be safe to retry:
	// the host re-invokes the activity on transient failure with the same
	// request.
	Invoker interface {
		RunAgent(ctx context.Context, req *Request) (*Response, error)
	}

	// InvokerFunc adapts a function to the Invoker interface.
	InvokerFunc func(ctx context.Context, req *Request) (*Response, error)
)

// RunAgent implements Invoker.
func (f InvokerFunc) RunAgent(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

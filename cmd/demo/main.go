// Command demo runs a single agent session end to end on the in-memory
// engine. With an ANTHROPIC_API_KEY it calls the live Messages API; without
// one it falls back to a canned invoker so the demo works offline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"goa.design/clue/log"

	"github.com/loopwork/agentloop/api"
	"github.com/loopwork/agentloop/engine/inmem"
	"github.com/loopwork/agentloop/hooks"
	"github.com/loopwork/agentloop/invoke"
	"github.com/loopwork/agentloop/invoke/anthropic"
	"github.com/loopwork/agentloop/session"
	"github.com/loopwork/agentloop/tasks"
	"github.com/loopwork/agentloop/telemetry"
	"github.com/loopwork/agentloop/thread"
	threadinmem "github.com/loopwork/agentloop/thread/inmem"
	"github.com/loopwork/agentloop/tools"
)

func main() {
	var (
		prompt   = flag.String("prompt", "Plan the work as tasks, then say hello.", "initial user prompt")
		model    = flag.String("model", "claude-sonnet-4-5", "Anthropic model identifier")
		maxTurns = flag.Int("max-turns", 10, "turn budget")
	)
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	inv, err := buildInvoker(*model)
	if err != nil {
		log.Fatalf(ctx, err, "build invoker")
	}

	echoDef := tools.Definition{
		Name:        "echo",
		Description: "Echoes its arguments back to the model.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"value":{"type":"string"}},"required":["value"]}`),
	}
	echoFn := func(ctx context.Context, in *api.ToolInput) (*api.ToolOutput, error) {
		return &api.ToolOutput{ResponseContent: string(in.Payload)}, nil
	}

	s, err := session.New("demo",
		session.WithMaxTurns(*maxTurns),
		session.WithTools(tasks.Registrations()...),
		session.WithActivityTool(echoDef, echoFn, hooks.HookSet{}),
		session.WithLogger(telemetry.NewClueLogger()),
	)
	if err != nil {
		log.Fatalf(ctx, err, "build session")
	}

	eng := inmem.New()
	if err := session.Register(ctx, eng, s, threadinmem.New(), inv); err != nil {
		log.Fatalf(ctx, err, "register session")
	}

	client := session.NewClient(eng, s)
	handle, id, err := client.Start(ctx, &api.SessionInput{Prompt: *prompt}, session.StartOptions{})
	if err != nil {
		log.Fatalf(ctx, err, "start session")
	}
	log.Infof(ctx, "session started: %s", id)

	out, err := handle.Wait(ctx)
	if err != nil {
		log.Fatalf(ctx, err, "session failed")
	}

	fmt.Println("RunID:", out.RunID)
	fmt.Println("ExitReason:", out.ExitReason)
	fmt.Println("Turns:", out.Turns)
	if out.Final != nil {
		for _, block := range out.Final.Content {
			if block.Type == thread.BlockText {
				fmt.Println("Assistant:", block.Text)
			}
		}
	}
}

// buildInvoker prefers the live Anthropic API and falls back to a canned
// single-turn invoker when no key is configured.
func buildInvoker(model string) (invoke.Invoker, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return anthropic.NewFromAPIKey(key, anthropic.Options{Model: model})
	}
	return invoke.InvokerFunc(func(ctx context.Context, req *invoke.Request) (*invoke.Response, error) {
		return &invoke.Response{
			Message: &thread.Message{
				Role:    thread.RoleAssistant,
				Content: []*thread.ContentBlock{{Type: thread.BlockText, Text: "Hello from agentloop (offline mode)."}},
			},
			StopReason: api.StopEndTurn,
		}, nil
	}), nil
}

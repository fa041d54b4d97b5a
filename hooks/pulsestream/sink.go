// Package pulsestream publishes session events to goa.design/pulse streams.
// It mirrors the layering used by existing Pulse deployments: services build
// a Redis client, pass it to NewSink, and register the resulting sink as a
// bus subscriber.
package pulsestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/loopwork/agentloop/hooks"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Redis is the Redis connection used to back Pulse streams. Required.
		Redis *redis.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// "run/<RunID>".
		StreamID func(hooks.Event) (string, error)
		// StreamMaxLen bounds the number of entries kept per stream. Zero uses
		// Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Sink publishes session events into Pulse streams. It implements
	// hooks.Subscriber so it can be registered on a hooks.Bus. Thread-safe
	// for concurrent HandleEvent calls.
	Sink struct {
		rdb      *redis.Client
		streamID func(hooks.Event) (string, error)
		maxLen   int
		timeout  time.Duration

		mu      sync.Mutex
		streams map[string]*streaming.Stream
	}

	// envelope wraps session events for transmission over Pulse streams.
	envelope struct {
		// Type identifies the event kind (e.g., "tool_call_completed").
		Type string `json:"type"`
		// RunID links the event to a specific session run.
		RunID string `json:"run_id"`
		// AgentName names the agent profile driving the run.
		AgentName string `json:"agent_name"`
		// Turn is the turn number the event belongs to.
		Turn int `json:"turn"`
		// Timestamp records when the event was created (Unix milliseconds).
		Timestamp int64 `json:"timestamp"`
		// Payload contains the event-specific data.
		Payload any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed event sink. The Redis field in opts is
// required; StreamID defaults to the built-in run-scoped derivation.
func NewSink(opts Options) (*Sink, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{
		rdb:      opts.Redis,
		streamID: streamID,
		maxLen:   opts.StreamMaxLen,
		timeout:  opts.OperationTimeout,
		streams:  make(map[string]*streaming.Stream),
	}, nil
}

// HandleEvent implements hooks.Subscriber. It derives the stream ID, wraps
// the event in an envelope, and publishes it via Pulse. Publish failures are
// returned to the bus, which stops delivery for the current event.
func (s *Sink) HandleEvent(ctx context.Context, event hooks.Event) error {
	name, err := s.streamID(event)
	if err != nil {
		return err
	}
	str, err := s.stream(name)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(event.Type()),
		RunID:     event.RunID(),
		AgentName: event.AgentName(),
		Turn:      event.Turn(),
		Timestamp: event.Timestamp(),
		Payload:   event,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := str.Add(ctx, env.Type, payload); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}

// Close destroys nothing; the caller owns the Redis connection lifecycle.
func (s *Sink) Close(ctx context.Context) error {
	return nil
}

func (s *Sink) stream(name string) (*streaming.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if str, ok := s.streams[name]; ok {
		return str, nil
	}
	var opts []streamopts.Stream
	if s.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(s.maxLen))
	}
	str, err := streaming.NewStream(name, s.rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	s.streams[name] = str
	return str, nil
}

func defaultStreamID(event hooks.Event) (string, error) {
	if event.RunID() == "" {
		return "", errors.New("stream event missing run id")
	}
	return fmt.Sprintf("run/%s", event.RunID()), nil
}

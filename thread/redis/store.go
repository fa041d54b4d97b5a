// Package redis implements a Redis-backed thread store. Each thread is a
// Redis list of JSON-encoded messages plus a marker key that records thread
// existence, so appends to uninitialized threads fail instead of silently
// creating lists.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopwork/agentloop/thread"
)

const (
	defaultKeyPrefix = "agentloop:thread:"
	defaultOpTimeout = 5 * time.Second
)

type (
	// Options configures the Redis thread store.
	Options struct {
		// Client is the Redis client. Required.
		Client *redis.Client
		// KeyPrefix namespaces thread keys. Defaults to "agentloop:thread:".
		KeyPrefix string
		// Timeout bounds each store operation. Defaults to 5s.
		Timeout time.Duration
		// TTL expires threads after inactivity. Zero keeps them forever.
		TTL time.Duration
	}

	// Store is a Redis-backed thread store.
	Store struct {
		rdb     *redis.Client
		prefix  string
		timeout time.Duration
		ttl     time.Duration
	}
)

// New returns a Store backed by the provided Redis client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{rdb: opts.Client, prefix: prefix, timeout: timeout, ttl: opts.TTL}, nil
}

// Ping verifies connectivity to Redis.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// InitializeThread creates the thread marker if it does not exist. Idempotent.
func (s *Store) InitializeThread(ctx context.Context, threadID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.rdb.SetNX(ctx, s.metaKey(threadID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("initialize thread %s: %w", threadID, err)
	}
	return nil
}

// AppendHumanMessage appends a user text message.
func (s *Store) AppendHumanMessage(ctx context.Context, threadID, content string) error {
	return s.append(ctx, threadID, thread.NewHumanMessage(content))
}

// AppendToolResult appends a tool result keyed by the originating call id.
func (s *Store) AppendToolResult(ctx context.Context, threadID, toolCallID, content string) error {
	return s.append(ctx, threadID, thread.NewToolResultMessage(toolCallID, content))
}

// AppendMessage appends an arbitrary message, typically an assistant turn.
func (s *Store) AppendMessage(ctx context.Context, threadID string, msg *thread.Message) error {
	return s.append(ctx, threadID, msg)
}

func (s *Store) append(ctx context.Context, threadID string, msg *thread.Message) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	exists, err := s.rdb.Exists(ctx, s.metaKey(threadID)).Result()
	if err != nil {
		return fmt.Errorf("check thread %s: %w", threadID, err)
	}
	if exists == 0 {
		return thread.ErrThreadNotFound
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	key := s.listKey(threadID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, encoded)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
		pipe.Expire(ctx, s.metaKey(threadID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append to thread %s: %w", threadID, err)
	}
	return nil
}

// ParseToolCalls extracts the raw tool calls requested by an assistant
// message.
func (s *Store) ParseToolCalls(message *thread.Message) []thread.RawToolCall {
	return thread.ParseToolCalls(message)
}

// Messages returns the thread messages in append order.
func (s *Store) Messages(ctx context.Context, threadID string) ([]*thread.Message, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	exists, err := s.rdb.Exists(ctx, s.metaKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check thread %s: %w", threadID, err)
	}
	if exists == 0 {
		return nil, thread.ErrThreadNotFound
	}
	raw, err := s.rdb.LRange(ctx, s.listKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	msgs := make([]*thread.Message, 0, len(raw))
	for _, item := range raw {
		var msg thread.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode message in thread %s: %w", threadID, err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

func (s *Store) listKey(threadID string) string {
	return s.prefix + threadID
}

func (s *Store) metaKey(threadID string) string {
	return s.prefix + threadID + ":meta"
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

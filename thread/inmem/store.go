// Package inmem provides a process-local thread store used by tests and the
// in-memory engine. Threads live in a mutex-guarded map; contents do not
// survive process restarts.
package inmem

import (
	"context"
	"sync"

	"github.com/loopwork/agentloop/thread"
)

// Store is an in-memory thread store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	threads map[string][]*thread.Message
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{threads: make(map[string][]*thread.Message)}
}

// InitializeThread creates the thread if it does not exist. Idempotent.
func (s *Store) InitializeThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		s.threads[threadID] = []*thread.Message{}
	}
	return nil
}

// AppendHumanMessage appends a user text message.
func (s *Store) AppendHumanMessage(ctx context.Context, threadID, content string) error {
	return s.append(threadID, thread.NewHumanMessage(content))
}

// AppendToolResult appends a tool result keyed by the originating call id.
func (s *Store) AppendToolResult(ctx context.Context, threadID, toolCallID, content string) error {
	return s.append(threadID, thread.NewToolResultMessage(toolCallID, content))
}

// AppendMessage appends an arbitrary message. Used by tests to seed
// assistant turns.
func (s *Store) AppendMessage(ctx context.Context, threadID string, msg *thread.Message) error {
	return s.append(threadID, msg)
}

func (s *Store) append(threadID string, msg *thread.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.threads[threadID]
	if !ok {
		return thread.ErrThreadNotFound
	}
	s.threads[threadID] = append(msgs, msg)
	return nil
}

// ParseToolCalls extracts the raw tool calls requested by an assistant
// message.
func (s *Store) ParseToolCalls(message *thread.Message) []thread.RawToolCall {
	return thread.ParseToolCalls(message)
}

// Messages returns the thread messages in append order.
func (s *Store) Messages(ctx context.Context, threadID string) ([]*thread.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.threads[threadID]
	if !ok {
		return nil, thread.ErrThreadNotFound
	}
	out := make([]*thread.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Package mongo implements a MongoDB-backed thread store. Each thread is one
// document keyed by thread id holding the ordered message array, so a single
// read reconstructs the full conversation.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/loopwork/agentloop/thread"
)

const (
	defaultCollection = "agent_threads"
	defaultOpTimeout  = 5 * time.Second
)

type (
	// Options configures the Mongo thread store.
	Options struct {
		// Client is the Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the thread collection name.
		Collection string
		// Timeout bounds each store operation. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is a MongoDB-backed thread store.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	threadDoc struct {
		ID        string            `bson:"_id"`
		Messages  []*thread.Message `bson:"messages"`
		CreatedAt time.Time         `bson:"created_at"`
		UpdatedAt time.Time         `bson:"updated_at"`
	}
)

// New returns a Store backed by the provided Mongo client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}, nil
}

// Ping verifies connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// InitializeThread creates the thread document if it does not exist.
// Idempotent.
func (s *Store) InitializeThread(ctx context.Context, threadID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	now := time.Now().UTC()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": threadID},
		bson.M{"$setOnInsert": bson.M{
			"messages":   []*thread.Message{},
			"created_at": now,
			"updated_at": now,
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
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
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": threadID},
		bson.M{
			"$push": bson.M{"messages": msg},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return fmt.Errorf("append to thread %s: %w", threadID, err)
	}
	if res.MatchedCount == 0 {
		return thread.ErrThreadNotFound
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
	var doc threadDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": threadID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, thread.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	return doc.Messages, nil
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

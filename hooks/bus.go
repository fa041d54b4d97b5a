package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes session events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Register, and subscription Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine and
	// iteration stops at the first subscriber error, so critical subscribers
	// can halt execution if they encounter unrecoverable errors.
	Bus interface {
		// Publish delivers the event to every currently registered subscriber.
		// Iteration stops at the first error returned by any subscriber.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber to the bus and returns a Subscription
		// that can be closed to unregister. Register returns an error if sub
		// is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published session events. Implementations must be
	// thread-safe if the same instance is registered with multiple buses.
	//
	// HandleEvent should return an error only if processing fails in a way
	// that should halt the session; non-critical failures should be logged
	// and ignored to avoid blocking other subscribers.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts an ordinary function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Close removes
	// the subscriber; subsequent Close calls are no-ops.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// HandleEvent implements Subscriber by invoking the function.
func (fn SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return fn(ctx, event)
}

// NewBus constructs a new in-memory event bus. The returned bus is
// thread-safe and ready for immediate use.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish delivers the event to every currently registered subscriber. The
// subscriber snapshot is captured before iteration begins, so registrations
// and unregistrations during Publish do not affect the current delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber to the bus and returns a Subscription handle
// that can be closed to unregister.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Idempotent and thread-safe.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}

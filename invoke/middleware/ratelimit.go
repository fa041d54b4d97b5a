// Package middleware provides reusable invoke.Invoker middlewares such as
// adaptive rate limiting.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/loopwork/agentloop/invoke"
	"github.com/loopwork/agentloop/thread"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top
	// of an invoke.Invoker. It estimates the token cost of each request,
	// blocks callers until capacity is available, and adjusts its effective
	// tokens-per-minute budget in response to rate limiting signals from the
	// provider: throttled calls halve the budget, successful calls recover it
	// additively toward the configured maximum.
	//
	// The limiter is process-local and sits at the provider client boundary:
	// construct one instance per process and wrap the invoker with Middleware.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64
	}

	limitedInvoker struct {
		next    invoke.Invoker
		limiter *AdaptiveRateLimiter
	}
)

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with an initial
// tokens-per-minute budget and an upper bound. When maxTPM is zero or below
// initialTPM it is clamped to initialTPM; a non-positive initialTPM falls
// back to a conservative default.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns an invoke.Invoker middleware that enforces the adaptive
// tokens-per-minute limit.
func (l *AdaptiveRateLimiter) Middleware() func(invoke.Invoker) invoke.Invoker {
	return func(next invoke.Invoker) invoke.Invoker {
		if next == nil {
			return nil
		}
		return &limitedInvoker{next: next, limiter: l}
	}
}

// RunAgent enforces the limiter before delegating to the underlying invoker.
func (m *limitedInvoker) RunAgent(ctx context.Context, req *invoke.Request) (*invoke.Response, error) {
	if err := m.limiter.limiter.WaitN(ctx, estimateTokens(req)); err != nil {
		return nil, err
	}
	resp, err := m.next.RunAgent(ctx, req)
	m.limiter.observe(err)
	return resp, err
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, invoke.ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setTPM(newTPM)
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setTPM(newTPM)
}

// setTPM assumes l.mu is held.
func (l *AdaptiveRateLimiter) setTPM(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens computes a cheap heuristic for the token count of a request:
// characters of text and tool results at a fixed ratio plus a buffer for
// system prompts and provider framing.
func estimateTokens(req *invoke.Request) int {
	charCount := 0
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		for _, block := range m.Content {
			if block == nil {
				continue
			}
			switch block.Type {
			case thread.BlockText:
				charCount += len(block.Text)
			case thread.BlockToolResult:
				charCount += len(block.Content)
			}
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/clock"
)

// ErrCircuitOpen is returned without calling the model while the breaker is open.
var ErrCircuitOpen = errors.New("model circuit breaker open")

// Circuit breaker states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// CircuitBreaker implements a simple state machine for failure detection.
type CircuitBreaker struct {
	mu           sync.Mutex
	clock        clock.Clock
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
	probing      bool
}

func NewCircuitBreaker(clk clock.Clock, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if clk == nil {
		clk = clock.Wall{}
	}
	return &CircuitBreaker{
		clock:        clk,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        StateClosed,
	}
}

// Allow reports whether a call may proceed. Once the reset timeout has passed
// an open breaker lets a single trial call through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock.Now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.probing = true
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.probing = false
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock.Now()
	cb.probing = false
	if cb.state == StateHalfOpen || (cb.threshold > 0 && cb.failureCount >= cb.threshold) {
		cb.state = StateOpen
	}
}

// Release ends a trial call without recording an outcome.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Breaker guards a Model with a CircuitBreaker.
type Breaker struct {
	next Model
	cb   *CircuitBreaker
}

func NewBreaker(next Model, cb *CircuitBreaker) *Breaker {
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Generate(ctx context.Context, req Request) (*Generated, error) {
	if !b.cb.Allow() {
		return nil, ErrCircuitOpen
	}
	g, err := b.next.Generate(ctx, req)
	switch {
	case err == nil:
		b.cb.Success()
		return g, nil
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Caller cancellation is not a model failure.
		b.cb.Release()
		return nil, err
	default:
		b.cb.Failure()
		return nil, fmt.Errorf("breaker: %w", err)
	}
}

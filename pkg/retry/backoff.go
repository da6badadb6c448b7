// Package retry computes bounded exponential backoff for model calls.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds the retries of one generation unit.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// Key identifies the attempt being delayed. It seeds the jitter, so two
// units of the same batch back off on different schedules while a replay of
// the same unit backs off identically.
type Key struct {
	BatchID      string
	Unit         int
	AttemptIndex int
}

// ComputeBackoff returns the delay before the attempt after key.AttemptIndex:
// Base * 2^attempt, capped at Max, plus deterministic jitter.
func ComputeBackoff(key Key, policy Policy) time.Duration {
	// 1. Exponential Backoff
	factor := int64(1)
	if key.AttemptIndex > 0 {
		if key.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << key.AttemptIndex
		}
	}

	delay := time.Duration(int64(policy.Base) * factor)
	if delay < 0 || (policy.Max > 0 && delay > policy.Max) {
		delay = policy.Max
	}

	// 2. Deterministic Jitter
	return delay + ComputeDeterministicJitter(key, policy)
}

// ComputeDeterministicJitter derives a jitter in [0, MaxJitter) from the key.
func ComputeDeterministicJitter(key Key, policy Policy) time.Duration {
	if policy.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d:%d", key.BatchID, key.Unit, key.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(policy.MaxJitter)) //nolint:gosec // MaxJitter is positive
}

// Sleep waits for d on after, or returns ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, after func(time.Duration) <-chan time.Time, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-after(d):
		return nil
	}
}

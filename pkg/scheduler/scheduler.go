// Package scheduler fires one generation batch per cadence slot. Slot keys are
// the batch idempotency keys, so restarts and extra replicas never double-fire.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/clock"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/orchestrator"
)

// Store creates batches idempotently.
type Store interface {
	CreateBatch(ctx context.Context, nb challenge.NewBatch) (*challenge.Batch, bool, error)
}

// Runner executes a created batch.
type Runner interface {
	RunBatch(ctx context.Context, batchID string, target int, deadline time.Time, difficulties ...string) (*orchestrator.BatchResult, error)
}

// Config controls scheduled batches.
type Config struct {
	Cadence       Cadence
	TargetCount   int
	BatchDeadline time.Duration
}

// TickResult reports what a tick did.
type TickResult struct {
	Slot    time.Time
	SlotKey string
	// Fired is false when the slot's batch already existed.
	Fired  bool
	Batch  *challenge.Batch
	Result *orchestrator.BatchResult
}

type Scheduler struct {
	store  Store
	runner Runner
	clock  clock.Clock
	cfg    Config
	logger *slog.Logger
}

func New(s Store, r Runner, clk clock.Clock, cfg Config) *Scheduler {
	if clk == nil {
		clk = clock.Wall{}
	}
	return &Scheduler{
		store:  s,
		runner: r,
		clock:  clk,
		cfg:    cfg,
		logger: slog.Default().With("component", "scheduler"),
	}
}

// Tick claims the current slot and, if this call created its batch, runs it.
// Only the current slot is considered, so after downtime at most one
// catch-up batch fires.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	now := s.clock.Now()
	slot := s.cfg.Cadence.SlotFor(now)
	res := &TickResult{Slot: slot, SlotKey: s.cfg.Cadence.Key(slot)}

	b, created, err := s.store.CreateBatch(ctx, challenge.NewBatch{
		SlotKey:     res.SlotKey,
		Kind:        challenge.KindScheduled,
		TargetCount: s.cfg.TargetCount,
	})
	if err != nil {
		return nil, fmt.Errorf("create batch for %s: %w", res.SlotKey, err)
	}
	res.Batch = b
	if !created {
		s.logger.DebugContext(ctx, "slot already claimed", "slot", res.SlotKey, "batch_id", b.ID, "status", b.Status)
		return res, nil
	}

	res.Fired = true
	deadline := s.deadline(now)
	s.logger.InfoContext(ctx, "scheduled batch fired", "slot", res.SlotKey, "batch_id", b.ID, "deadline", deadline)

	result, err := s.runner.RunBatch(ctx, b.ID, b.TargetCount, deadline)
	if err != nil {
		return res, fmt.Errorf("run batch %s: %w", b.ID, err)
	}
	res.Result = result
	return res, nil
}

// deadline allows BatchDeadline from now but never runs into the next slot.
func (s *Scheduler) deadline(now time.Time) time.Time {
	deadline := now.Add(s.cfg.BatchDeadline)
	if next := s.cfg.Cadence.Next(now); s.cfg.BatchDeadline <= 0 || deadline.After(next) {
		deadline = next
	}
	return deadline
}

// Run ticks immediately and then at every slot start until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started", "cadence", s.cfg.Cadence.String(), "target", s.cfg.TargetCount)
	for {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		}

		now := s.clock.Now()
		wait := s.cfg.Cadence.Next(now).Sub(now)
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(wait):
		}
	}
}

// Package monitor watches the available pool and fires an emergency batch
// when it drops below the low watermark.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/clock"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/observability"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/orchestrator"
)

// Store is what the monitor reads and the batch it creates.
type Store interface {
	AvailableCount(ctx context.Context, filter challenge.Filter) (int, error)
	LatestBatch(ctx context.Context, kind challenge.BatchKind) (*challenge.Batch, error)
	CreateBatch(ctx context.Context, nb challenge.NewBatch) (*challenge.Batch, bool, error)
}

// Runner executes an emergency batch.
type Runner interface {
	RunBatch(ctx context.Context, batchID string, target int, deadline time.Time, difficulties ...string) (*orchestrator.BatchResult, error)
}

// Config controls replenishment.
type Config struct {
	WatermarkRatio     float64
	DefaultTarget      int
	EmergencyBatchSize int
	Cooldown           time.Duration
	Interval           time.Duration
	BatchDeadline      time.Duration
}

// Decision explains one evaluation.
type Decision struct {
	Available    int
	LowWatermark int
	Triggered    bool
	Reason       string
	BatchID      string
}

const (
	reasonAboveWatermark = "above watermark"
	reasonInFlight       = "emergency batch in flight"
	reasonCoolingDown    = "cooling down"
	reasonTriggered      = "below watermark"
	reasonDisabled       = "emergency batches disabled"
	reasonStopping       = "monitor stopping"
)

// DefaultBatchDeadline applies when Config.BatchDeadline is not positive.
const DefaultBatchDeadline = 2 * time.Hour

type Monitor struct {
	store    Store
	runner   Runner
	gate     Gate
	clock    clock.Clock
	cfg      Config
	metrics  *observability.Metrics
	logger   *slog.Logger
	sf       singleflight.Group
	inFlight atomic.Bool

	// mu orders background batch registration against Stop.
	mu       sync.Mutex
	stopped  bool
	wg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// Option customises a Monitor.
type Option func(*Monitor)

func WithMetrics(m *observability.Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

func New(s Store, r Runner, gate Gate, clk clock.Clock, cfg Config, opts ...Option) *Monitor {
	if clk == nil {
		clk = clock.Wall{}
	}
	if gate == nil {
		gate = NewMemoryGate(clk)
	}
	if cfg.BatchDeadline <= 0 {
		cfg.BatchDeadline = DefaultBatchDeadline
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		store:    s,
		runner:   r,
		gate:     gate,
		clock:    clk,
		cfg:      cfg,
		logger:   slog.Default().With("component", "monitor"),
		bgCtx:    bgCtx,
		bgCancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LowWatermark is ceil(ratio * lastTarget).
func LowWatermark(ratio float64, lastTarget int) int {
	return int(math.Ceil(ratio * float64(lastTarget)))
}

// Tick evaluates the pool once. Concurrent calls share a single evaluation.
func (m *Monitor) Tick(ctx context.Context) (*Decision, error) {
	v, err, _ := m.sf.Do("tick", func() (any, error) {
		return m.evaluate(ctx)
	})
	if err != nil {
		return nil, err
	}
	d := *v.(*Decision)
	return &d, nil
}

// Nudge evaluates the pool in the background.
func (m *Monitor) Nudge() {
	m.sf.DoChan("tick", func() (any, error) {
		return m.evaluate(m.bgCtx)
	})
}

func (m *Monitor) evaluate(ctx context.Context) (*Decision, error) {
	available, err := m.store.AvailableCount(ctx, challenge.Filter{})
	if err != nil {
		return nil, fmt.Errorf("count available: %w", err)
	}

	lastTarget := m.cfg.DefaultTarget
	latest, err := m.store.LatestBatch(ctx, challenge.KindScheduled)
	switch {
	case err == nil:
		lastTarget = latest.TargetCount
	case !errors.Is(err, challenge.ErrBatchNotFound):
		return nil, fmt.Errorf("latest scheduled batch: %w", err)
	}

	d := &Decision{Available: available, LowWatermark: LowWatermark(m.cfg.WatermarkRatio, lastTarget)}
	switch {
	case available >= d.LowWatermark:
		d.Reason = reasonAboveWatermark
		return d, nil
	case m.cfg.EmergencyBatchSize <= 0:
		d.Reason = reasonDisabled
		return d, nil
	case m.inFlight.Load():
		d.Reason = reasonInFlight
		return d, nil
	}

	now := m.clock.Now()
	recent, err := m.store.LatestBatch(ctx, challenge.KindEmergency)
	switch {
	case err == nil:
		if m.withinCooldown(recent, now) {
			d.Reason = reasonCoolingDown
			return d, nil
		}
	case !errors.Is(err, challenge.ErrBatchNotFound):
		return nil, fmt.Errorf("latest emergency batch: %w", err)
	}

	if m.stopping() {
		d.Reason = reasonStopping
		return d, nil
	}
	ok, err := m.gate.TryAcquire(ctx, m.cfg.Cooldown)
	if err != nil {
		return nil, err
	}
	if !ok {
		d.Reason = reasonCoolingDown
		return d, nil
	}

	if !m.register() {
		d.Reason = reasonStopping
		return d, nil
	}
	b, _, err := m.store.CreateBatch(ctx, challenge.NewBatch{
		SlotKey:     fmt.Sprintf("emergency:%d", now.UnixMilli()),
		Kind:        challenge.KindEmergency,
		TargetCount: m.cfg.EmergencyBatchSize,
	})
	if err != nil {
		m.inFlight.Store(false)
		m.wg.Done()
		return nil, fmt.Errorf("create emergency batch: %w", err)
	}

	d.Triggered = true
	d.Reason = reasonTriggered
	d.BatchID = b.ID
	m.metrics.RecordEmergency(ctx)
	m.logger.WarnContext(ctx, "pool below low watermark, emergency batch triggered",
		"available", available, "low_watermark", d.LowWatermark, "batch_id", b.ID, "target", b.TargetCount)

	go func() {
		defer m.wg.Done()
		defer m.inFlight.Store(false)
		deadline := m.clock.Now().Add(m.cfg.BatchDeadline)
		if _, err := m.runner.RunBatch(m.bgCtx, b.ID, b.TargetCount, deadline); err != nil {
			m.logger.ErrorContext(m.bgCtx, "emergency batch failed", "batch_id", b.ID, "error", err)
		}
	}()
	return d, nil
}

// register reserves a background batch slot. It fails once Stop has begun,
// so Stop never waits on a batch it cannot cancel.
func (m *Monitor) register() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.inFlight.Store(true)
	m.wg.Add(1)
	return true
}

func (m *Monitor) stopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// withinCooldown reports whether an emergency batch started or finished
// less than one cool-down ago.
func (m *Monitor) withinCooldown(b *challenge.Batch, now time.Time) bool {
	ref := b.CreatedAt
	if b.FinishedAt != nil {
		ref = *b.FinishedAt
	}
	return now.Sub(ref) < m.cfg.Cooldown
}

// Run ticks every Interval until ctx is done, then cancels and waits for any
// background batch.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.Stop()
	for {
		d, err := m.Tick(ctx)
		if err != nil {
			m.logger.ErrorContext(ctx, "monitor tick failed", "error", err)
		} else if !d.Triggered {
			m.logger.DebugContext(ctx, "monitor tick", "available", d.Available, "low_watermark", d.LowWatermark, "reason", d.Reason)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(m.cfg.Interval):
		}
	}
}

// Wait blocks until background emergency batches have finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Stop cancels background batches and waits for them. Evaluations after
// Stop never start a batch.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.bgCancel()
	m.wg.Wait()
}

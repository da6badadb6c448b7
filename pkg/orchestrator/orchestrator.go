// Package orchestrator runs generation batches against the model with bounded
// concurrency. Individual unit failures never fail a batch run; only store
// failures are returned as errors.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/blob"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/clock"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/model"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/observability"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/retry"
)

// Store is the part of the challenge store the orchestrator writes to.
type Store interface {
	StartBatch(ctx context.Context, batchID string) error
	FinalizeBatch(ctx context.Context, batchID, errSummary string) (*challenge.Batch, error)
	Insert(ctx context.Context, nc challenge.NewChallenge) (string, error)
	RecordFailure(ctx context.Context, batchID, difficulty, reason string) error
}

// Config bounds a batch run.
type Config struct {
	Workers      int
	CallTimeout  time.Duration
	Retry        retry.Policy
	Difficulties []string
}

// BatchResult summarises one finished run.
type BatchResult struct {
	BatchID   string
	Target    int
	Generated int
	Failed    int
	// Cancelled counts units cut off by the deadline. They are also part of Failed.
	Cancelled int
	Status    challenge.BatchStatus
	Duration  time.Duration
}

// Orchestrator turns model output into stored challenges.
type Orchestrator struct {
	store   Store
	model   model.Model
	media   blob.Store
	clock   clock.Clock
	cfg     Config
	metrics *observability.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records unit results and batch durations.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(s Store, m model.Model, media blob.Store, clk clock.Clock, cfg Config, opts ...Option) *Orchestrator {
	if clk == nil {
		clk = clock.Wall{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if len(cfg.Difficulties) == 0 {
		cfg.Difficulties = []string{"normal"}
	}
	o := &Orchestrator{
		store:  s,
		model:  m,
		media:  media,
		clock:  clk,
		cfg:    cfg,
		tracer: observability.Tracer("orchestrator"),
		logger: slog.Default().With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type unitResult int

const (
	unitGenerated unitResult = iota
	unitFailed
	unitCancelled
)

var errDeadline = errors.New("batch deadline reached")

// RunBatch generates target units into batchID until done or deadline. When
// difficulties is empty the configured mix is used, assigned round-robin.
func (o *Orchestrator) RunBatch(ctx context.Context, batchID string, target int, deadline time.Time, difficulties ...string) (*BatchResult, error) {
	start := o.clock.Now()
	if len(difficulties) == 0 {
		difficulties = o.cfg.Difficulties
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.RunBatch", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.target", target),
	))
	defer span.End()

	if err := o.store.StartBatch(ctx, batchID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("start batch %s: %w", batchID, err)
	}
	o.logger.InfoContext(ctx, "batch started", "batch_id", batchID, "target", target, "deadline", deadline)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopTimer := make(chan struct{})
	defer close(stopTimer)
	go func() {
		select {
		case <-o.clock.After(deadline.Sub(o.clock.Now())):
			cancel(errDeadline)
		case <-stopTimer:
		case <-runCtx.Done():
		}
	}()

	var (
		generated, failed, cancelled atomic.Int64
		lastErrMu                    sync.Mutex
		lastErr                      error
	)

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	dispatched := 0
	for i := 0; i < target; i++ {
		if runCtx.Err() != nil {
			break
		}
		dispatched++
		g.Go(func() error {
			res, err := o.runUnit(runCtx, batchID, i, difficulties[i%len(difficulties)])
			switch res {
			case unitGenerated:
				generated.Add(1)
			case unitFailed:
				failed.Add(1)
				lastErrMu.Lock()
				lastErr = err
				lastErrMu.Unlock()
			case unitCancelled:
				cancelled.Add(1)
			}
			o.metrics.RecordUnit(ctx, res.String())
			return nil
		})
	}
	_ = g.Wait()
	cancelled.Add(int64(target - dispatched))

	summary := errorSummary(int(failed.Load()), int(cancelled.Load()), lastErr, context.Cause(runCtx))
	b, err := o.store.FinalizeBatch(context.WithoutCancel(ctx), batchID, summary)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("finalize batch %s: %w", batchID, err)
	}

	res := &BatchResult{
		BatchID:   batchID,
		Target:    target,
		Generated: b.GeneratedCount,
		Failed:    b.FailedCount,
		Cancelled: int(cancelled.Load()),
		Status:    b.Status,
		Duration:  o.clock.Now().Sub(start),
	}
	o.metrics.RecordBatch(ctx, string(b.Kind), string(b.Status), res.Duration)
	span.SetAttributes(
		attribute.Int("batch.generated", res.Generated),
		attribute.Int("batch.failed", res.Failed),
		attribute.String("batch.status", string(res.Status)),
	)
	o.logger.InfoContext(ctx, "batch finished",
		"batch_id", batchID,
		"status", res.Status,
		"generated", res.Generated,
		"failed", res.Failed,
		"cancelled", res.Cancelled,
		"duration", res.Duration,
	)
	return res, nil
}

func errorSummary(failed, cancelled int, lastErr, cause error) string {
	var s string
	if failed > 0 && lastErr != nil {
		s = fmt.Sprintf("%d units failed, last error: %v", failed, lastErr)
	}
	if cancelled > 0 {
		reason := "context cancelled"
		if errors.Is(cause, errDeadline) {
			reason = "deadline reached"
		}
		if s != "" {
			s += "; "
		}
		s += fmt.Sprintf("%d units not generated: %s", cancelled, reason)
	}
	return s
}

// GenerateOne produces a single challenge into batchID outside any batch run.
func (o *Orchestrator) GenerateOne(ctx context.Context, batchID, difficulty string) (string, error) {
	id, res, err := o.generate(ctx, batchID, 0, difficulty, UnitSeed(batchID+":"+strconv.FormatInt(o.clock.Now().UnixNano(), 10), 0))
	o.metrics.RecordUnit(ctx, res.String())
	if res != unitGenerated {
		if err == nil {
			err = ctx.Err()
		}
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return id, nil
}

func (o *Orchestrator) runUnit(ctx context.Context, batchID string, index int, difficulty string) (unitResult, error) {
	_, res, err := o.generate(ctx, batchID, index, difficulty, UnitSeed(batchID, index))
	return res, err
}

func (o *Orchestrator) generate(ctx context.Context, batchID string, index int, difficulty string, seed uint64) (string, unitResult, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.Retry.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return "", unitCancelled, nil
		}

		id, err := o.attempt(ctx, batchID, difficulty, seed)
		if err == nil {
			return id, unitGenerated, nil
		}
		if ctx.Err() != nil {
			// Output obtained after the deadline is discarded.
			return "", unitCancelled, nil
		}
		lastErr = err
		o.logger.WarnContext(ctx, "generation attempt failed",
			"batch_id", batchID, "unit", index, "attempt", attempt+1, "error", err)

		if attempt+1 < o.cfg.Retry.MaxAttempts {
			delay := retry.ComputeBackoff(retry.Key{BatchID: batchID, Unit: index, AttemptIndex: attempt}, o.cfg.Retry)
			if err := retry.Sleep(ctx, o.clock.After, delay); err != nil {
				return "", unitCancelled, nil
			}
		}
	}

	if err := o.store.RecordFailure(context.WithoutCancel(ctx), batchID, difficulty, lastErr.Error()); err != nil {
		o.logger.ErrorContext(ctx, "record failure", "batch_id", batchID, "unit", index, "error", err)
	}
	return "", unitFailed, lastErr
}

// attempt makes one model call and, on success, persists the result. The
// persist step ignores ctx cancellation but keeps its own timeout.
func (o *Orchestrator) attempt(ctx context.Context, batchID, difficulty string, seed uint64) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	g, err := o.model.Generate(callCtx, model.Request{Difficulty: difficulty, Seed: seed})
	cancel()
	if err != nil {
		return "", err
	}
	if err := model.Validate(g); err != nil {
		return "", err
	}

	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CallTimeout)
	defer cancelPersist()

	key, err := blob.PutMedia(persistCtx, o.media, g.Media, g.MediaType)
	if err != nil {
		return "", fmt.Errorf("store media: %w", err)
	}
	id, err := o.store.Insert(persistCtx, challenge.NewChallenge{
		BatchID:    batchID,
		Difficulty: difficulty,
		Payload: challenge.Payload{
			MediaKey:   key,
			MediaType:  g.MediaType,
			Prompt:     g.Prompt,
			Options:    g.Options,
			TargetPath: g.TargetPath,
		},
		Answer:       g.Answer,
		ModelVersion: g.ModelVersion,
	})
	if err != nil {
		return "", fmt.Errorf("insert challenge: %w", err)
	}
	return id, nil
}

// UnitSeed derives the model seed for unit index of a batch.
func UnitSeed(batchID string, index int) uint64 {
	sum := sha256.Sum256([]byte(batchID + ":" + strconv.Itoa(index)))
	return binary.BigEndian.Uint64(sum[:8])
}

func (r unitResult) String() string {
	switch r {
	case unitGenerated:
		return "generated"
	case unitFailed:
		return "failed"
	default:
		return "cancelled"
	}
}

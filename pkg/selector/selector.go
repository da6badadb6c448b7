// Package selector serves challenges from the pool and verifies solutions.
// Serving never calls the model unless the synchronous fallback is enabled.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/clock"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/observability"
)

// Store is the serving side of the challenge store.
type Store interface {
	Claim(ctx context.Context, filter challenge.Filter, leaseTTL time.Duration) (*challenge.Reservation, error)
	Consume(ctx context.Context, token, solution string) (bool, error)
	CreateBatch(ctx context.Context, nb challenge.NewBatch) (*challenge.Batch, bool, error)
	StartBatch(ctx context.Context, batchID string) error
	FinalizeBatch(ctx context.Context, batchID, errSummary string) (*challenge.Batch, error)
}

// Generator produces one challenge on demand.
type Generator interface {
	GenerateOne(ctx context.Context, batchID, difficulty string) (string, error)
}

// Config controls serving.
type Config struct {
	LeaseTTL        time.Duration
	MediaBaseURL    string
	SyncFallback    bool
	SyncFallbackMax int
	// SyncFallbackTimeout bounds one synchronous generation, retries included.
	SyncFallbackTimeout time.Duration
	DefaultDifficulty   string
	Location            *time.Location
}

// DefaultSyncFallbackTimeout applies when Config.SyncFallbackTimeout is not positive.
const DefaultSyncFallbackTimeout = 10 * time.Second

// Assignment is what a client receives for one challenge. It never carries the answer.
type Assignment struct {
	ChallengeID    string            `json:"challenge_id"`
	Token          string            `json:"token"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at"`
	Difficulty     string            `json:"difficulty"`
	Prompt         string            `json:"prompt"`
	Options        []string          `json:"options"`
	ImageURL       string            `json:"image_url"`
	TargetPath     []challenge.Point `json:"target_path,omitempty"`
}

// Outcome is the result of a verification.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeInvalid Outcome = "invalid"
)

// Reasons attached to an invalid outcome.
const (
	ReasonUnknown  = "unknown"
	ReasonConsumed = "consumed"
	ReasonExpired  = "expired"
)

// Verdict is an Outcome plus, for invalid tokens, why.
type Verdict struct {
	Result Outcome `json:"result"`
	Reason string  `json:"reason,omitempty"`
}

type Selector struct {
	store     Store
	generator Generator
	clock     clock.Clock
	cfg       Config
	fallback  *semaphore.Weighted
	onEmpty   func()
	metrics   *observability.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// Option customises a Selector.
type Option func(*Selector)

// WithGenerator enables the synchronous fallback path.
func WithGenerator(g Generator) Option {
	return func(s *Selector) { s.generator = g }
}

// OnExhausted registers a hook called, without blocking, whenever a claim finds nothing.
func OnExhausted(fn func()) Option {
	return func(s *Selector) { s.onEmpty = fn }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Selector) { s.metrics = m }
}

func New(st Store, clk clock.Clock, cfg Config, opts ...Option) *Selector {
	if clk == nil {
		clk = clock.Wall{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DefaultDifficulty == "" {
		cfg.DefaultDifficulty = "normal"
	}
	if cfg.SyncFallbackTimeout <= 0 {
		cfg.SyncFallbackTimeout = DefaultSyncFallbackTimeout
	}
	s := &Selector{
		store:  st,
		clock:  clk,
		cfg:    cfg,
		tracer: observability.Tracer("selector"),
		logger: slog.Default().With("component", "selector"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.SyncFallback && s.generator != nil && cfg.SyncFallbackMax > 0 {
		s.fallback = semaphore.NewWeighted(int64(cfg.SyncFallbackMax))
	}
	return s
}

// Next claims one challenge. An empty pool yields challenge.ErrPoolExhausted.
func (s *Selector) Next(ctx context.Context, filter challenge.Filter) (*Assignment, error) {
	ctx, span := s.tracer.Start(ctx, "selector.Next", trace.WithAttributes(attribute.String("difficulty", filter.Difficulty)))
	defer span.End()

	r, err := s.store.Claim(ctx, filter, s.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if r != nil {
		s.metrics.RecordClaim(ctx, "claimed")
		return s.assignment(r), nil
	}

	if s.onEmpty != nil {
		s.onEmpty()
	}
	if r, err = s.claimWithFallback(ctx, filter); err != nil {
		s.metrics.RecordClaim(ctx, "exhausted")
		return nil, err
	}
	s.metrics.RecordClaim(ctx, "fallback")
	return s.assignment(r), nil
}

func (s *Selector) claimWithFallback(ctx context.Context, filter challenge.Filter) (*challenge.Reservation, error) {
	if s.fallback == nil || !s.fallback.TryAcquire(1) {
		return nil, challenge.ErrPoolExhausted
	}
	defer s.fallback.Release(1)

	difficulty := filter.Difficulty
	if difficulty == "" {
		difficulty = s.cfg.DefaultDifficulty
	}

	now := s.clock.Now()
	b, created, err := s.store.CreateBatch(ctx, challenge.NewBatch{
		SlotKey: "fallback:" + now.In(s.cfg.Location).Format("2006-01-02"),
		Kind:    challenge.KindFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("fallback batch: %w", err)
	}
	if created {
		if err := s.store.StartBatch(ctx, b.ID); err != nil && !errors.Is(err, challenge.ErrBatchState) {
			return nil, fmt.Errorf("start fallback batch: %w", err)
		}
	}

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncFallbackTimeout)
	_, err = s.generator.GenerateOne(genCtx, b.ID, difficulty)
	cancel()
	if err != nil {
		s.logger.WarnContext(ctx, "synchronous fallback generation failed",
			"batch_id", b.ID, "timeout", s.cfg.SyncFallbackTimeout, "error", err)
		return nil, challenge.ErrPoolExhausted
	}
	if _, err := s.store.FinalizeBatch(ctx, b.ID, ""); err != nil {
		s.logger.WarnContext(ctx, "fallback batch counters not refreshed", "batch_id", b.ID, "error", err)
	}

	r, err := s.store.Claim(ctx, filter, s.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if r == nil {
		return nil, challenge.ErrPoolExhausted
	}
	return r, nil
}

func (s *Selector) assignment(r *challenge.Reservation) *Assignment {
	// The store may share the slice with its own copy.
	options := append([]string(nil), r.Challenge.Payload.Options...)
	rand.Shuffle(len(options), func(i, j int) { options[i], options[j] = options[j], options[i] })

	return &Assignment{
		ChallengeID:    r.Challenge.ID,
		Token:          r.Token,
		LeaseExpiresAt: r.LeaseExpiresAt,
		Difficulty:     r.Challenge.Difficulty,
		Prompt:         r.Challenge.Payload.Prompt,
		Options:        options,
		ImageURL:       s.imageURL(r.Challenge.Payload.MediaKey),
		TargetPath:     r.Challenge.Payload.TargetPath,
	}
}

func (s *Selector) imageURL(key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimRight(s.cfg.MediaBaseURL, "/") + "/" + key
}

// Verify checks a solution. Unknown, consumed and expired tokens are reported
// as OutcomeInvalid, distinct from a wrong answer; only store failures are errors.
func (s *Selector) Verify(ctx context.Context, token, solution string) (Verdict, error) {
	ctx, span := s.tracer.Start(ctx, "selector.Verify")
	defer span.End()

	v, err := s.verify(ctx, token, solution)
	if err != nil {
		return Verdict{}, err
	}
	s.metrics.RecordVerification(ctx, string(v.Result))
	span.SetAttributes(attribute.String("outcome", string(v.Result)))
	return v, nil
}

func (s *Selector) verify(ctx context.Context, token, solution string) (Verdict, error) {
	if strings.TrimSpace(token) == "" {
		return Verdict{Result: OutcomeInvalid, Reason: ReasonUnknown}, nil
	}

	ok, err := s.store.Consume(ctx, token, solution)
	switch {
	case err == nil && ok:
		return Verdict{Result: OutcomePass}, nil
	case err == nil:
		return Verdict{Result: OutcomeFail}, nil
	case errors.Is(err, challenge.ErrLeaseExpired):
		return Verdict{Result: OutcomeInvalid, Reason: ReasonExpired}, nil
	case errors.Is(err, challenge.ErrTokenConsumed):
		return Verdict{Result: OutcomeInvalid, Reason: ReasonConsumed}, nil
	case errors.Is(err, challenge.ErrInvalidToken):
		return Verdict{Result: OutcomeInvalid, Reason: ReasonUnknown}, nil
	}
	return Verdict{}, fmt.Errorf("consume: %w", err)
}

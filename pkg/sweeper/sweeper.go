// Package sweeper runs the periodic pool cleanup: lease reclaim, stale and
// retired-model expiry, abandoned batch finalisation and retention purge.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/clock"
)

// Store is the maintenance side of the challenge store.
type Store interface {
	ReclaimExpired(ctx context.Context) (int, error)
	ExpireStale(ctx context.Context, generatedBefore time.Time, retiredVersions []string) (int, error)
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
	ModelVersions(ctx context.Context) ([]string, error)
	AbandonedBatches(ctx context.Context, createdBefore time.Time) ([]string, error)
	FinalizeBatch(ctx context.Context, batchID, errSummary string) (*challenge.Batch, error)
}

// Config controls the sweep. A zero ChallengeTTL, Retention or AbandonAfter
// disables that step.
type Config struct {
	Interval               time.Duration
	Retention              time.Duration
	ChallengeTTL           time.Duration
	ModelVersionConstraint string
	// AbandonAfter finalises batches still SCHEDULED or RUNNING this long
	// after creation. It must exceed the batch deadline.
	AbandonAfter time.Duration
}

// Report counts what one sweep changed.
type Report struct {
	Reclaimed int
	Expired   int
	Purged    int
	Abandoned int
	Retired   []string
}

type Sweeper struct {
	store      Store
	clock      clock.Clock
	cfg        Config
	constraint *semver.Constraints
	logger     *slog.Logger
}

// New validates the model version constraint up front.
func New(s Store, clk clock.Clock, cfg Config) (*Sweeper, error) {
	if clk == nil {
		clk = clock.Wall{}
	}
	sw := &Sweeper{
		store:  s,
		clock:  clk,
		cfg:    cfg,
		logger: slog.Default().With("component", "sweeper"),
	}
	if cfg.ModelVersionConstraint != "" {
		c, err := semver.NewConstraint(cfg.ModelVersionConstraint)
		if err != nil {
			return nil, fmt.Errorf("invalid model version constraint %q: %w", cfg.ModelVersionConstraint, err)
		}
		sw.constraint = c
	}
	return sw, nil
}

// RetiredVersions returns the versions that do not satisfy c. Versions that
// are not semver are never retired.
func RetiredVersions(versions []string, c *semver.Constraints) []string {
	if c == nil {
		return nil
	}
	var retired []string
	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if !c.Check(v) {
			retired = append(retired, raw)
		}
	}
	return retired
}

// Sweep runs every step once. A failing step does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	now := s.clock.Now()
	rep := &Report{}
	var errs []error

	n, err := s.store.ReclaimExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("reclaim: %w", err))
	}
	rep.Reclaimed = n

	if s.constraint != nil {
		versions, err := s.store.ModelVersions(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("model versions: %w", err))
		}
		rep.Retired = RetiredVersions(versions, s.constraint)
	}
	if s.cfg.ChallengeTTL > 0 || len(rep.Retired) > 0 {
		cutoff := time.Time{}
		if s.cfg.ChallengeTTL > 0 {
			cutoff = now.Add(-s.cfg.ChallengeTTL)
		}
		n, err := s.store.ExpireStale(ctx, cutoff, rep.Retired)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire: %w", err))
		}
		rep.Expired = n
	}

	if s.cfg.AbandonAfter > 0 {
		n, err := s.finalizeAbandoned(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("abandoned batches: %w", err))
		}
		rep.Abandoned = n
	}

	if s.cfg.Retention > 0 {
		n, err := s.store.PurgeTerminal(ctx, now.Add(-s.cfg.Retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge: %w", err))
		}
		rep.Purged = n
	}

	if rep.Reclaimed+rep.Expired+rep.Purged+rep.Abandoned > 0 {
		s.logger.InfoContext(ctx, "sweep finished",
			"reclaimed", rep.Reclaimed, "expired", rep.Expired, "purged", rep.Purged,
			"abandoned", rep.Abandoned, "retired_versions", rep.Retired)
	}
	return rep, errors.Join(errs...)
}

// finalizeAbandoned closes batches whose runner died before finalising them,
// so they stop counting as in flight. Units that never reported count as failed.
func (s *Sweeper) finalizeAbandoned(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.AbandonedBatches(ctx, now.Add(-s.cfg.AbandonAfter))
	if err != nil {
		return 0, err
	}
	summary := fmt.Sprintf("abandoned: not finished within %s", s.cfg.AbandonAfter)
	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		b, err := s.store.FinalizeBatch(ctx, id, summary)
		if err != nil {
			errs = append(errs, fmt.Errorf("finalize %s: %w", id, err))
			continue
		}
		n++
		s.logger.WarnContext(ctx, "finalised abandoned batch",
			"batch_id", b.ID, "slot_key", b.SlotKey, "status", b.Status, "generated", b.GeneratedCount)
	}
	return n, errors.Join(errs...)
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.cfg.Interval):
		}
	}
}

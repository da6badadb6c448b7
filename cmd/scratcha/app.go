package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/blob"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/clock"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/config"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/model"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/monitor"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/observability"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/orchestrator"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/retry"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/scheduler"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/selector"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/store"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/sweeper"
)

// app holds every wired component. Subcommands use the parts they need.
type app struct {
	cfg      *config.Config
	clock    clock.Clock
	db       *sql.DB
	store    store.Store
	media    blob.Store
	model    model.Model
	obs      *observability.Provider
	metrics  *observability.Metrics
	redis    *redis.Client
	orch     *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
	monitor  *monitor.Monitor
	sweeper  *sweeper.Sweeper
	selector *selector.Selector
}

// openStore connects the configured database: Postgres when DATABASE_URL is
// set, otherwise SQLite under the data directory.
func openStore(ctx context.Context, cfg *config.Config, clk clock.Clock) (*sql.DB, *store.SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	if cfg.LiteMode() {
		log.Printf("[scratcha] lite mode: sqlite at %s", cfg.SQLitePath())
		db, err = store.OpenSQLite(ctx, cfg.SQLitePath())
	} else {
		db, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
	}
	if err != nil {
		return nil, nil, err
	}
	st := store.NewSQLStore(db, clk, cfg.Serving.ClaimWindow)
	if err := st.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return db, st, nil
}

func newModel(cfg *config.Config, clk clock.Clock) (model.Model, error) {
	if cfg.ModelServiceURL == "" {
		log.Printf("[scratcha] MODEL_SERVICE_URL not set, using synthetic generator")
		return model.Synthetic{}, nil
	}
	httpModel, err := model.NewHTTPModel(cfg.ModelServiceURL, cfg.ModelAPIKey)
	if err != nil {
		return nil, err
	}
	cb := model.NewCircuitBreaker(clk, cfg.Generation.BreakerThreshold, cfg.Generation.BreakerReset)
	return model.NewBreaker(httpModel, cb), nil
}

func telemetryConfig(cfg *config.Config) *observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.Enabled = cfg.Telemetry.Enabled
	oc.OTLPEndpoint = cfg.Telemetry.Endpoint
	oc.Insecure = cfg.Telemetry.Insecure
	oc.SampleRate = cfg.Telemetry.SampleRate
	oc.Environment = cfg.Telemetry.Environment
	return oc
}

// buildApp wires the full service from persistent infrastructure.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, clock: clock.Wall{}}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	db, st, err := openStore(ctx, cfg, a.clock)
	if err != nil {
		return nil, err
	}
	a.db, a.store = db, st

	if a.media, err = blob.NewStore(ctx, cfg.Media, cfg.DataDir); err != nil {
		a.close(ctx)
		return nil, err
	}
	if a.model, err = newModel(cfg, a.clock); err != nil {
		a.close(ctx)
		return nil, err
	}

	if a.obs, err = observability.New(ctx, telemetryConfig(cfg)); err != nil {
		a.close(ctx)
		return nil, err
	}
	if a.metrics, err = a.obs.Metrics(); err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.metrics.ObservePool(poolCounts(a.store)); err != nil {
		a.close(ctx)
		return nil, err
	}

	var gate monitor.Gate = monitor.NewMemoryGate(a.clock)
	if cfg.RedisURL != "" {
		if a.redis, err = monitor.NewRedisClient(cfg.RedisURL); err != nil {
			a.close(ctx)
			return nil, err
		}
		host, _ := os.Hostname()
		gate = monitor.NewRedisGate(a.redis, cfg.Telemetry.Environment, host+":"+strconv.Itoa(os.Getpid()))
		log.Printf("[scratcha] replenishment gate: redis")
	}

	if err := a.wire(gate, loc); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

// wire builds the pool components over the already opened infrastructure.
func (a *app) wire(gate monitor.Gate, loc *time.Location) error {
	cfg := a.cfg
	a.orch = orchestrator.New(a.store, a.model, a.media, a.clock, orchestrator.Config{
		Workers:     cfg.Generation.WorkerConcurrency,
		CallTimeout: cfg.Generation.CallTimeout,
		Retry: retry.Policy{
			Base:        cfg.Generation.RetryBase,
			Max:         cfg.Generation.RetryMax,
			MaxJitter:   cfg.Generation.RetryJitter,
			MaxAttempts: cfg.Generation.RetryMaxAttempts,
		},
		Difficulties: cfg.Pool.Difficulties,
	}, orchestrator.WithMetrics(a.metrics))

	cadence, err := scheduler.ParseCadence(cfg.Pool.Cadence, loc)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(a.store, a.orch, a.clock, scheduler.Config{
		Cadence:       cadence,
		TargetCount:   cfg.Pool.TargetCount,
		BatchDeadline: cfg.Pool.BatchDeadline,
	})

	a.monitor = monitor.New(a.store, a.orch, gate, a.clock, monitor.Config{
		WatermarkRatio:     cfg.Replenish.WatermarkRatio,
		DefaultTarget:      cfg.Pool.TargetCount,
		EmergencyBatchSize: cfg.Replenish.EmergencyBatchSize,
		Cooldown:           cfg.Replenish.Cooldown,
		Interval:           cfg.Replenish.Interval,
		BatchDeadline:      cfg.Pool.BatchDeadline,
	}, monitor.WithMetrics(a.metrics))

	if a.sweeper, err = sweeper.New(a.store, a.clock, sweeper.Config{
		Interval:               cfg.Sweep.Interval,
		Retention:              cfg.Sweep.Retention,
		ChallengeTTL:           cfg.Sweep.ChallengeTTL,
		ModelVersionConstraint: cfg.Sweep.ModelVersionConstraint,
		AbandonAfter:           cfg.Sweep.AbandonAfter,
	}); err != nil {
		return err
	}

	var defaultDifficulty string
	if len(cfg.Pool.Difficulties) > 0 {
		defaultDifficulty = cfg.Pool.Difficulties[0]
	}
	opts := []selector.Option{
		selector.OnExhausted(a.monitor.Nudge),
		selector.WithMetrics(a.metrics),
	}
	if cfg.Serving.SyncFallback {
		opts = append(opts, selector.WithGenerator(a.orch))
	}
	a.selector = selector.New(a.store, a.clock, selector.Config{
		LeaseTTL:            cfg.Serving.LeaseTTL,
		MediaBaseURL:        cfg.MediaBaseURL,
		SyncFallback:        cfg.Serving.SyncFallback,
		SyncFallbackMax:     cfg.Serving.SyncFallbackMax,
		SyncFallbackTimeout: cfg.Serving.SyncFallbackTimeout,
		DefaultDifficulty:   defaultDifficulty,
		Location:            loc,
	}, opts...)
	return nil
}

func (a *app) ping(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.PingContext(ctx)
}

func (a *app) close(ctx context.Context) {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.obs != nil {
		if err := a.obs.Shutdown(ctx); err != nil {
			log.Printf("[scratcha] telemetry shutdown: %v", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func poolCounts(s store.Store) func(ctx context.Context) (map[string]int64, error) {
	return func(ctx context.Context) (map[string]int64, error) {
		stats, err := s.PoolStats(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]int64, len(stats))
		for status, n := range stats {
			out[string(status)] = int64(n)
		}
		return out, nil
	}
}

// batchCounts is the short human summary printed by the CLI.
func batchCounts(b *challenge.Batch) string {
	return fmt.Sprintf("%s %s target=%d generated=%d failed=%d",
		b.ID, b.Status, b.TargetCount, b.GeneratedCount, b.FailedCount)
}

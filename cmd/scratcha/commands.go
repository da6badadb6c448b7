package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/blob"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/clock"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/config"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/model"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/monitor"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/store"
)

// dryRunApp wires the pool over an in-memory store, a temporary media
// directory and the synthetic model. Nothing outlives the process.
func dryRunApp(cfg *config.Config) (*app, func(), error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	dir, err := os.MkdirTemp("", "scratcha-dry-run-")
	if err != nil {
		return nil, nil, err
	}
	media, err := blob.NewFileStore(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, nil, err
	}
	a := &app{cfg: cfg, clock: clock.Wall{}, model: model.Synthetic{}, media: media}
	a.store = store.NewMemoryStore(a.clock)
	if err := a.wire(monitor.NewMemoryGate(a.clock), loc); err != nil {
		_ = os.RemoveAll(dir)
		return nil, nil, err
	}
	return a, func() { _ = os.RemoveAll(dir) }, nil
}

func loadCLIConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(io.Discard, cfg.LogLevel)
	return cfg, nil
}

// withApp loads the configuration, wires the service and runs fn.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return fn(ctx, a)
}

func newGenerateCommand(stdout io.Writer) *cobra.Command {
	var (
		count      int
		difficulty string
		dryRun     bool
		deadline   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run a manual generation batch and wait for it to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			run := func(ctx context.Context, a *app) error {
				var difficulties []string
				if difficulty != "" {
					difficulties = []string{difficulty}
				}
				now := a.clock.Now()
				b, _, err := a.store.CreateBatch(ctx, challenge.NewBatch{
					SlotKey:     fmt.Sprintf("manual:%d", now.UnixMilli()),
					Kind:        challenge.KindManual,
					TargetCount: count,
				})
				if err != nil {
					return err
				}
				res, err := a.orch.RunBatch(ctx, b.ID, count, now.Add(deadline), difficulties...)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "batch %s %s generated=%d failed=%d in %s\n",
					res.BatchID, res.Status, res.Generated, res.Failed, res.Duration.Round(time.Millisecond))
				return nil
			}

			if !dryRun {
				return withApp(cmd.Context(), run)
			}
			cfg, err := loadCLIConfig()
			if err != nil {
				return err
			}
			a, cleanup, err := dryRunApp(cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			return run(cmd.Context(), a)
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of challenges to generate")
	cmd.Flags().StringVar(&difficulty, "difficulty", "", "generate only this difficulty")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "generate into a throwaway in-memory pool")
	cmd.Flags().DurationVar(&deadline, "deadline", time.Hour, "batch deadline")
	return cmd
}

func newStatusCommand(stdout io.Writer) *cobra.Command {
	var batchID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pool counts, or one batch with --batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if batchID != "" {
					b, err := a.store.BatchStatus(ctx, batchID)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(stdout, batchCounts(b))
					return nil
				}
				counts, err := poolCounts(a.store)(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(counts)
			})
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id")
	return cmd
}

func newReclaimCommand(stdout io.Writer) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return lease-expired reservations to the pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if full {
					r, err := a.sweeper.Sweep(ctx)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(stdout, "reclaimed %d expired %d purged %d abandoned %d retired %v\n",
						r.Reclaimed, r.Expired, r.Purged, r.Abandoned, r.Retired)
					return nil
				}
				n, err := a.store.ReclaimExpired(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "reclaimed %d\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "sweep", false, "run the full cleanup sweep")
	return cmd
}

func newHealthCommand(stdout io.Writer) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check failed: status %d", resp.StatusCode)
			}
			_, _ = fmt.Fprintln(stdout, "OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/healthz", "health endpoint")
	return cmd
}

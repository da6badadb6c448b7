// Package config loads the service configuration. Defaults are overlaid by an
// optional YAML file and then by environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port            string `yaml:"port"`
	LogLevel        string `yaml:"log_level"`
	DatabaseURL     string `yaml:"database_url"`
	DataDir         string `yaml:"data_dir"`
	RedisURL        string `yaml:"redis_url"`
	ModelServiceURL string `yaml:"model_service_url"`
	ModelAPIKey     string `yaml:"-"`
	MediaBaseURL    string `yaml:"media_base_url"`
	Timezone        string `yaml:"timezone"`

	Pool       PoolConfig       `yaml:"pool"`
	Generation GenerationConfig `yaml:"generation"`
	Serving    ServingConfig    `yaml:"serving"`
	Replenish  ReplenishConfig  `yaml:"replenish"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Media      MediaConfig      `yaml:"media"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// PoolConfig controls scheduled batches.
type PoolConfig struct {
	Cadence       string        `yaml:"cadence"`
	TargetCount   int           `yaml:"target_count"`
	BatchDeadline time.Duration `yaml:"batch_deadline"`
	Difficulties  []string      `yaml:"difficulties"`
}

// GenerationConfig controls how the orchestrator calls the model.
type GenerationConfig struct {
	WorkerConcurrency int           `yaml:"worker_concurrency"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	RetryMaxAttempts  int           `yaml:"retry_max_attempts"`
	RetryBase         time.Duration `yaml:"retry_base"`
	RetryMax          time.Duration `yaml:"retry_max"`
	RetryJitter       time.Duration `yaml:"retry_jitter"`
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerReset      time.Duration `yaml:"breaker_reset"`
}

// ServingConfig controls request-time behaviour.
type ServingConfig struct {
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	ClaimWindow     int           `yaml:"claim_window"`
	SyncFallback    bool          `yaml:"sync_fallback"`
	SyncFallbackMax int           `yaml:"sync_fallback_max"`
	// SyncFallbackTimeout bounds one synchronous generation.
	SyncFallbackTimeout time.Duration `yaml:"sync_fallback_timeout"`
	RateLimitRPS        int           `yaml:"rate_limit_rps"`
	RateLimitBurst      int           `yaml:"rate_limit_burst"`
}

// ReplenishConfig controls the watermark monitor.
type ReplenishConfig struct {
	WatermarkRatio     float64       `yaml:"watermark_ratio"`
	EmergencyBatchSize int           `yaml:"emergency_batch_size"`
	Cooldown           time.Duration `yaml:"cooldown"`
	Interval           time.Duration `yaml:"interval"`
}

// SweepConfig controls the periodic cleanup.
type SweepConfig struct {
	Interval               time.Duration `yaml:"interval"`
	Retention              time.Duration `yaml:"retention"`
	ChallengeTTL           time.Duration `yaml:"challenge_ttl"`
	ModelVersionConstraint string        `yaml:"model_version_constraint"`
	AbandonAfter           time.Duration `yaml:"abandon_after"`
}

// MediaConfig selects the blob store for challenge media.
type MediaConfig struct {
	StorageType string `yaml:"storage_type"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Prefix    string `yaml:"s3_prefix"`
	GCSBucket   string `yaml:"gcs_bucket"`
	GCSPrefix   string `yaml:"gcs_prefix"`
}

// TelemetryConfig controls the OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	Environment string  `yaml:"environment"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:     "8080",
		LogLevel: "INFO",
		DataDir:  "data",
		Timezone: "Asia/Seoul",
		Pool: PoolConfig{
			Cadence:       "daily@03:00",
			TargetCount:   1000,
			BatchDeadline: 2 * time.Hour,
			Difficulties:  []string{"normal"},
		},
		Generation: GenerationConfig{
			WorkerConcurrency: 16,
			CallTimeout:       20 * time.Second,
			RetryMaxAttempts:  3,
			RetryBase:         500 * time.Millisecond,
			RetryMax:          10 * time.Second,
			RetryJitter:       250 * time.Millisecond,
			BreakerThreshold:  20,
			BreakerReset:      30 * time.Second,
		},
		Serving: ServingConfig{
			LeaseTTL:            3 * time.Minute,
			ClaimWindow:         32,
			SyncFallbackMax:     2,
			SyncFallbackTimeout: 10 * time.Second,
			RateLimitRPS:        20,
			RateLimitBurst:      40,
		},
		Replenish: ReplenishConfig{
			WatermarkRatio:     0.1,
			EmergencyBatchSize: 200,
			Cooldown:           30 * time.Minute,
			Interval:           time.Minute,
		},
		Sweep: SweepConfig{
			Interval:     time.Minute,
			Retention:    30 * 24 * time.Hour,
			ChallengeTTL: 7 * 24 * time.Hour,
			AbandonAfter: 4 * time.Hour,
		},
		Media: MediaConfig{
			StorageType: "fs",
			S3Region:    "us-east-1",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			Environment: "development",
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if any) and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays every recognised environment variable that is set.
func (c *Config) ApplyEnv() error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_URL", &c.DatabaseURL)
	str("DATA_DIR", &c.DataDir)
	str("REDIS_URL", &c.RedisURL)
	str("MODEL_SERVICE_URL", &c.ModelServiceURL)
	str("MODEL_API_KEY", &c.ModelAPIKey)
	str("MEDIA_BASE_URL", &c.MediaBaseURL)
	str("TIMEZONE", &c.Timezone)

	str("CADENCE", &c.Pool.Cadence)
	integer("TARGET_COUNT", &c.Pool.TargetCount)
	duration("BATCH_DEADLINE", &c.Pool.BatchDeadline)
	if v := os.Getenv("DIFFICULTIES"); v != "" {
		c.Pool.Difficulties = splitList(v)
	}

	integer("WORKER_CONCURRENCY", &c.Generation.WorkerConcurrency)
	duration("MODEL_CALL_TIMEOUT", &c.Generation.CallTimeout)
	integer("RETRY_MAX_ATTEMPTS", &c.Generation.RetryMaxAttempts)
	duration("RETRY_BASE", &c.Generation.RetryBase)
	duration("RETRY_MAX", &c.Generation.RetryMax)
	duration("RETRY_JITTER", &c.Generation.RetryJitter)

	duration("LEASE_TTL", &c.Serving.LeaseTTL)
	integer("CLAIM_WINDOW", &c.Serving.ClaimWindow)
	boolean("SYNC_FALLBACK", &c.Serving.SyncFallback)
	integer("SYNC_FALLBACK_MAX", &c.Serving.SyncFallbackMax)
	duration("SYNC_FALLBACK_TIMEOUT", &c.Serving.SyncFallbackTimeout)
	integer("RATE_LIMIT_RPS", &c.Serving.RateLimitRPS)
	integer("RATE_LIMIT_BURST", &c.Serving.RateLimitBurst)

	float("WATERMARK_RATIO", &c.Replenish.WatermarkRatio)
	integer("EMERGENCY_BATCH_SIZE", &c.Replenish.EmergencyBatchSize)
	duration("COOLDOWN", &c.Replenish.Cooldown)
	duration("MONITOR_INTERVAL", &c.Replenish.Interval)

	duration("SWEEP_INTERVAL", &c.Sweep.Interval)
	duration("RETENTION", &c.Sweep.Retention)
	duration("CHALLENGE_TTL", &c.Sweep.ChallengeTTL)
	str("MODEL_VERSION_CONSTRAINT", &c.Sweep.ModelVersionConstraint)
	duration("ABANDON_AFTER", &c.Sweep.AbandonAfter)

	str("MEDIA_STORAGE_TYPE", &c.Media.StorageType)
	str("MEDIA_S3_BUCKET", &c.Media.S3Bucket)
	str("MEDIA_S3_REGION", &c.Media.S3Region)
	str("MEDIA_S3_ENDPOINT", &c.Media.S3Endpoint)
	str("MEDIA_S3_PREFIX", &c.Media.S3Prefix)
	str("MEDIA_GCS_BUCKET", &c.Media.GCSBucket)
	str("MEDIA_GCS_PREFIX", &c.Media.GCSPrefix)

	boolean("OTEL_ENABLED", &c.Telemetry.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	boolean("OTEL_INSECURE", &c.Telemetry.Insecure)
	float("OTEL_SAMPLE_RATE", &c.Telemetry.SampleRate)
	str("ENVIRONMENT", &c.Telemetry.Environment)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Pool.TargetCount < 0:
		return fmt.Errorf("target_count must not be negative")
	case c.Generation.WorkerConcurrency < 1:
		return fmt.Errorf("worker_concurrency must be at least 1")
	case c.Generation.RetryMaxAttempts < 1:
		return fmt.Errorf("retry_max_attempts must be at least 1")
	case c.Generation.CallTimeout <= 0:
		return fmt.Errorf("call_timeout must be positive")
	case c.Pool.BatchDeadline <= 0:
		return fmt.Errorf("batch_deadline must be positive")
	case c.Serving.LeaseTTL <= 0:
		return fmt.Errorf("lease_ttl must be positive")
	case c.Replenish.WatermarkRatio < 0 || c.Replenish.WatermarkRatio > 1:
		return fmt.Errorf("watermark_ratio must be within [0, 1]")
	case c.Replenish.EmergencyBatchSize < 0:
		return fmt.Errorf("emergency_batch_size must not be negative")
	case c.Replenish.Interval <= 0 || c.Sweep.Interval <= 0:
		return fmt.Errorf("monitor and sweep intervals must be positive")
	case len(c.Pool.Difficulties) == 0:
		return fmt.Errorf("at least one difficulty is required")
	}
	if c.Serving.SyncFallback && c.Serving.SyncFallbackMax < 1 {
		return fmt.Errorf("sync_fallback_max must be at least 1 when sync_fallback is enabled")
	}
	if c.Serving.SyncFallback && c.Serving.SyncFallbackTimeout <= 0 {
		return fmt.Errorf("sync_fallback_timeout must be positive when sync_fallback is enabled")
	}
	if c.Sweep.AbandonAfter < 0 {
		return fmt.Errorf("abandon_after must not be negative")
	}
	if c.Sweep.AbandonAfter > 0 && c.Sweep.AbandonAfter <= c.Pool.BatchDeadline {
		return fmt.Errorf("abandon_after (%s) must exceed batch_deadline (%s)", c.Sweep.AbandonAfter, c.Pool.BatchDeadline)
	}
	return nil
}

// LiteMode reports whether the service runs on the embedded SQLite database.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// SQLitePath is the database file used in lite mode.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "scratcha.db")
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

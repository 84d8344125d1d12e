package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env  string `env:"ENV" default:"dev"`
	Port string `env:"PORT" default:"8080"`

	StateBackend string `env:"STATE_BACKEND" default:"memory"` // memory | mysql | postgres | sqlite
	DSN          string `env:"DB_DSN" default:""`              // required unless STATE_BACKEND=memory

	// Optional: run migrations at startup (dev convenience)
	RunMigrations bool `env:"RUN_MIGRATIONS" default:"false"`

	SitesFile string `env:"SITES_FILE" default:""`
	Sites     Sites

	Upstream UpstreamConfig
	Retry    RetryConfig
	Diff     DiffConfig
	Worker   WorkerConfig

	// cmd/api consumes the event queue in-process when set.
	APIRunWorker bool `env:"API_RUN_WORKER" default:"false"`

	JWTPublicKeyPEM string `env:"JWT_PUBLIC_KEY_PEM"`
}

type UpstreamConfig struct {
	Timeout time.Duration `env:"UPSTREAM_TIMEOUT" default:"20s"`
	RPS     float64       `env:"UPSTREAM_RPS" default:"5"`
}

type RetryConfig struct {
	MaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" default:"3"`
	BaseDelay   time.Duration `env:"RETRY_BASE_DELAY" default:"1s"`
	MaxDelay    time.Duration `env:"RETRY_MAX_DELAY" default:"5s"`
}

type DiffConfig struct {
	Interval            time.Duration `env:"DIFF_INTERVAL" default:"0"`
	PageSize            int           `env:"DIFF_PAGE_SIZE" default:"100"`
	PageDelay           time.Duration `env:"DIFF_PAGE_DELAY" default:"500ms"`
	Concurrency         int           `env:"DIFF_CONCURRENCY" default:"5"`
	BatchSize           int           `env:"DIFF_BATCH_SIZE" default:"300"`
	ProgressEvery       int           `env:"DIFF_PROGRESS_EVERY" default:"50"`
	BackfillConcurrency int           `env:"BACKFILL_CONCURRENCY" default:"5"`
}

type WorkerConfig struct {
	PollEvery   time.Duration `env:"WORKER_POLL_EVERY" default:"1s"`
	MaxPerClaim int           `env:"WORKER_MAX_PER_CLAIM" default:"10"`
	Concurrency int           `env:"WORKER_CONCURRENCY" default:"4"`
	EventLease  time.Duration `env:"WORKER_EVENT_LEASE" default:"5m"`
	RunLease    time.Duration `env:"WORKER_RUN_LEASE" default:"10m"`
}

// Load reads .env (if present), the environment and the sites file.
func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := Config{
		Env:           getenv("ENV", "dev"),
		Port:          getenv("PORT", "8080"),
		StateBackend:  strings.ToLower(getenv("STATE_BACKEND", "memory")),
		DSN:           getenv("DB_DSN", ""),
		RunMigrations: getenvBool("RUN_MIGRATIONS", false),
		SitesFile:     getenv("SITES_FILE", ""),
		Upstream: UpstreamConfig{
			Timeout: getenvDuration("UPSTREAM_TIMEOUT", 20*time.Second),
			RPS:     getenvFloat("UPSTREAM_RPS", 5),
		},
		Retry: RetryConfig{
			MaxAttempts: getenvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getenvDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:    getenvDuration("RETRY_MAX_DELAY", 5*time.Second),
		},
		Diff: DiffConfig{
			Interval:            getenvDuration("DIFF_INTERVAL", 0),
			PageSize:            getenvInt("DIFF_PAGE_SIZE", 100),
			PageDelay:           getenvDuration("DIFF_PAGE_DELAY", 500*time.Millisecond),
			Concurrency:         getenvInt("DIFF_CONCURRENCY", 5),
			BatchSize:           getenvInt("DIFF_BATCH_SIZE", 300),
			ProgressEvery:       getenvInt("DIFF_PROGRESS_EVERY", 50),
			BackfillConcurrency: getenvInt("BACKFILL_CONCURRENCY", 5),
		},
		Worker: WorkerConfig{
			PollEvery:   getenvDuration("WORKER_POLL_EVERY", time.Second),
			MaxPerClaim: getenvInt("WORKER_MAX_PER_CLAIM", 10),
			Concurrency: getenvInt("WORKER_CONCURRENCY", 4),
			EventLease:  getenvDuration("WORKER_EVENT_LEASE", 5*time.Minute),
			RunLease:    getenvDuration("WORKER_RUN_LEASE", 10*time.Minute),
		},
		APIRunWorker:    getenvBool("API_RUN_WORKER", false),
		JWTPublicKeyPEM: os.Getenv("JWT_PUBLIC_KEY_PEM"),
	}

	sites, err := LoadSites(cfg.SitesFile)
	if err != nil {
		return cfg, err
	}
	cfg.Sites = sites
	return cfg, nil
}

func getenv(key string, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getenvFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return v
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

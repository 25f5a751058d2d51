// Package config parses process configuration from an explicit argument
// slice, never from the environment or the process's working directory.
//
// This mirrors the deterministic-boundary idiom this codebase already uses
// for its own CLI entrypoint: a flag.FlagSet with flag.ContinueOnError,
// parsed from args the caller supplies, so the same args always produce the
// same Config regardless of what shell or environment invoked the process.
// No third-party config-loading library appears anywhere in the retrieved
// reference corpus; see DESIGN.md for why this one ambient concern stays on
// the standard library rather than reaching for one.
package config

import (
	"flag"
	"fmt"
	"time"
)

// Config holds every tunable the orchestrator reads from its command-line
// arguments.
type Config struct {
	ListenAddr    string
	DatabaseURL   string
	LogLevel      string
	WorkerCount   int

	MaxRetries             int
	BackoffBaseSeconds     int
	BackoffMultiplier      float64
	BackoffCapSeconds      int
	OrphanStalenessSeconds int
	WorkerIdleSleepMS      int
	CompletedRetentionDays int
	ProgressSubscriberBuf  int

	BreakerMaxConsecutiveFailures int
}

// Defaults holds the documented default values.
var Defaults = Config{
	ListenAddr:                    ":8080",
	DatabaseURL:                   "",
	LogLevel:                      "info",
	WorkerCount:                   1,
	MaxRetries:                    3,
	BackoffBaseSeconds:            5,
	BackoffMultiplier:             6,
	BackoffCapSeconds:             600,
	OrphanStalenessSeconds:        300,
	WorkerIdleSleepMS:             1000,
	CompletedRetentionDays:        7,
	ProgressSubscriberBuf:         16,
	BreakerMaxConsecutiveFailures: 0,
}

// InvocationError reports a flag.ContinueOnError parse failure with a
// process-appropriate exit code, mirroring this codebase's own CLI error
// type.
type InvocationError struct {
	Message  string
	ExitCode int
}

func (e *InvocationError) Error() string { return e.Message }

// Parse builds a Config from args (typically os.Args[1:], supplied by the
// caller — this function never reads os.Args itself).
func Parse(args []string) (*Config, error) {
	cfg := Defaults

	fs := flag.NewFlagSet("orchestratord", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection string; empty uses an in-memory store")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zap log level: debug, info, warn, error")
	fs.IntVar(&cfg.WorkerCount, "worker-count", cfg.WorkerCount, "number of concurrent worker loops")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "default max retry count for new tasks")
	fs.IntVar(&cfg.BackoffBaseSeconds, "backoff-base-seconds", cfg.BackoffBaseSeconds, "nominal first retry delay, in seconds")
	fs.Float64Var(&cfg.BackoffMultiplier, "backoff-multiplier", cfg.BackoffMultiplier, "exponential backoff multiplier")
	fs.IntVar(&cfg.BackoffCapSeconds, "backoff-cap-seconds", cfg.BackoffCapSeconds, "maximum backoff delay, in seconds")
	fs.IntVar(&cfg.OrphanStalenessSeconds, "orphan-staleness-seconds", cfg.OrphanStalenessSeconds, "age after which a processing task is reclaimed")
	fs.IntVar(&cfg.WorkerIdleSleepMS, "worker-idle-sleep-ms", cfg.WorkerIdleSleepMS, "worker idle poll interval, in milliseconds")
	fs.IntVar(&cfg.CompletedRetentionDays, "completed-retention-days", cfg.CompletedRetentionDays, "days to retain terminal tasks before sweep")
	fs.IntVar(&cfg.ProgressSubscriberBuf, "progress-subscriber-buffer", cfg.ProgressSubscriberBuf, "per-subscriber progress channel buffer size")
	fs.IntVar(&cfg.BreakerMaxConsecutiveFailures, "breaker-max-consecutive-failures", cfg.BreakerMaxConsecutiveFailures, "0 disables the per-stage circuit breaker")

	if err := fs.Parse(args); err != nil {
		return nil, &InvocationError{Message: err.Error(), ExitCode: 2}
	}
	if cfg.WorkerCount < 1 {
		return nil, &InvocationError{Message: "worker-count must be >= 1", ExitCode: 2}
	}
	return &cfg, nil
}

// BackoffBase returns BackoffBaseSeconds as a time.Duration.
func (c *Config) BackoffBase() time.Duration { return time.Duration(c.BackoffBaseSeconds) * time.Second }

// BackoffCap returns BackoffCapSeconds as a time.Duration.
func (c *Config) BackoffCap() time.Duration { return time.Duration(c.BackoffCapSeconds) * time.Second }

// OrphanStaleness returns OrphanStalenessSeconds as a time.Duration.
func (c *Config) OrphanStaleness() time.Duration {
	return time.Duration(c.OrphanStalenessSeconds) * time.Second
}

// WorkerIdleSleep returns WorkerIdleSleepMS as a time.Duration.
func (c *Config) WorkerIdleSleep() time.Duration {
	return time.Duration(c.WorkerIdleSleepMS) * time.Millisecond
}

// String renders the config for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("listen=%s db=%t workers=%d max_retries=%d", c.ListenAddr, c.DatabaseURL != "", c.WorkerCount, c.MaxRetries)
}

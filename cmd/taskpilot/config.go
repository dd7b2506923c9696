package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/rendis/taskpilot/internal/safety"
	"github.com/rendis/taskpilot/internal/scheduler"
	"github.com/rendis/taskpilot/pkg/schema"
)

// Config holds all taskpilot configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	PoolSize  int    `json:"pool_size"`

	RecordsPerSecond float64                 `json:"records_per_second"`
	Threshold        float64                 `json:"threshold"`
	MinSample        int                     `json:"min_sample"`
	Scope            schema.IdempotencyScope `json:"scope"`

	ListenAddr      string `json:"listen_addr"`
	BaseURL         string `json:"base_url"`
	ScheduleSeconds int    `json:"schedule_interval_seconds"`
}

func defaultConfig() Config {
	breaker := safety.DefaultBreakerConfig()
	return Config{
		DBPath:          filepath.Join(taskpilotDir(), "taskpilot.db"),
		LogLevel:        "info",
		LogFormat:       "text",
		PoolSize:        4,
		Threshold:       breaker.Threshold,
		MinSample:       breaker.MinSample,
		Scope:           schema.ScopeRun,
		ListenAddr:      ":4200",
		ScheduleSeconds: int(scheduler.DefaultInterval.Seconds()),
	}
}

func taskpilotDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskpilot"
	}
	return filepath.Join(home, ".taskpilot")
}

func settingsPath() string {
	return filepath.Join(taskpilotDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TASKPILOT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TASKPILOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKPILOT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("TASKPILOT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("TASKPILOT_RECORDS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RecordsPerSecond = f
		}
	}
	if v := os.Getenv("TASKPILOT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Threshold = f
		}
	}
	if v := os.Getenv("TASKPILOT_MIN_SAMPLE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinSample = n
		}
	}
	if v := os.Getenv("TASKPILOT_SCOPE"); v != "" {
		cfg.Scope = schema.IdempotencyScope(v)
	}
	if v := os.Getenv("TASKPILOT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TASKPILOT_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	return cfg, nil
}

// globalFlags are the persistent flags that override configuration.
type globalFlags struct {
	dbPath    string
	logLevel  string
	poolSize  int
	rps       float64
	threshold float64
	minSample int
	scope     string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&g.dbPath, "db", "", "database path (default: ~/.taskpilot/taskpilot.db)")
	fs.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.IntVar(&g.poolSize, "pool-size", 0, "records processed concurrently")
	fs.Float64Var(&g.rps, "records-per-second", 0, "record admission rate (0: unpaced)")
	fs.Float64Var(&g.threshold, "threshold", 0, "safe-stop failure rate between 0 and 1")
	fs.IntVar(&g.minSample, "min-sample", 0, "smallest denominator for the failure rate")
	fs.StringVar(&g.scope, "scope", "", "idempotency scope: run or target")
}

// apply is layer 4: flags set on the command line win.
func (g *globalFlags) apply(fs *pflag.FlagSet, cfg *Config) {
	if fs.Changed("db") {
		cfg.DBPath = g.dbPath
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if fs.Changed("pool-size") {
		cfg.PoolSize = g.poolSize
	}
	if fs.Changed("records-per-second") {
		cfg.RecordsPerSecond = g.rps
	}
	if fs.Changed("threshold") {
		cfg.Threshold = g.threshold
	}
	if fs.Changed("min-sample") {
		cfg.MinSample = g.minSample
	}
	if fs.Changed("scope") {
		cfg.Scope = schema.IdempotencyScope(g.scope)
	}
}

// normalize clamps the threshold and rejects values the engine cannot use.
func (c *Config) normalize() error {
	switch {
	case c.Threshold < 0:
		c.Threshold = 0
	case c.Threshold > 1:
		c.Threshold = 1
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.MinSample < 0 {
		return fmt.Errorf("min_sample must not be negative, got %d", c.MinSample)
	}
	if c.RecordsPerSecond < 0 {
		return fmt.Errorf("records_per_second must not be negative, got %g", c.RecordsPerSecond)
	}
	if c.Scope != schema.ScopeRun && c.Scope != schema.ScopeTarget {
		return fmt.Errorf("scope must be %q or %q, got %q", schema.ScopeRun, schema.ScopeTarget, c.Scope)
	}
	if c.ScheduleSeconds <= 0 {
		c.ScheduleSeconds = int(scheduler.DefaultInterval.Seconds())
	}
	// Derive base_url from listen_addr if empty.
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost" + c.ListenAddr
	}
	return nil
}

// Package config loads process configuration from CODERUN_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Sandbox providers.
const (
	ProviderDocker      = "docker"
	ProviderFirecracker = "firecracker"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "coderun.db"
	defaultRedisAddr       = "localhost:6379"
	defaultResultTTL       = 24 * time.Hour
	defaultWorkers         = 5
	defaultRateLimit       = 10
	defaultRateBurst       = 5
	defaultMaxAttempts     = 3
	defaultBackoffBase     = time.Second
	defaultBackoffMax      = 30 * time.Second
	defaultExecTimeout     = 5 * time.Second
	defaultMaxExecTimeout  = 30 * time.Second
	defaultPollInterval    = 250 * time.Millisecond
	defaultMemoryLimit     = "100m"
	defaultCPUQuota        = 100000
	defaultCPUPeriod       = 100000
	defaultPidsLimit       = 50
	defaultMaxOutput       = "64k"
	defaultCacheSize       = 1024
	defaultCacheTTL        = 10 * time.Minute
	defaultImagePrefix     = "code-engine-"
	defaultSubmitRPS       = 20
	defaultSubmitBurst     = 10
	defaultShutdownTimeout = 10 * time.Second
	defaultClaimGrace      = 2 * time.Minute
	defaultRecoverInterval = 30 * time.Second
	defaultMaxFlightAge    = 15 * time.Minute

	envListenAddr      = "CODERUN_LISTEN_ADDR"
	envDBPath          = "CODERUN_DB_PATH"
	envLogLevel        = "CODERUN_LOG_LEVEL"
	envStore           = "CODERUN_STORE"
	envRedisAddr       = "CODERUN_REDIS_ADDR"
	envRedisPassword   = "CODERUN_REDIS_PASSWORD"
	envRedisDB         = "CODERUN_REDIS_DB"
	envResultTTL       = "CODERUN_RESULT_TTL"
	envProvider        = "CODERUN_PROVIDER"
	envWorkers         = "CODERUN_WORKERS"
	envRateLimit       = "CODERUN_RATE_LIMIT"
	envRateBurst       = "CODERUN_RATE_BURST"
	envMaxAttempts     = "CODERUN_MAX_ATTEMPTS"
	envBackoffBase     = "CODERUN_BACKOFF_BASE"
	envBackoffMax      = "CODERUN_BACKOFF_MAX"
	envExecTimeout     = "CODERUN_EXEC_TIMEOUT"
	envMaxExecTimeout  = "CODERUN_MAX_EXEC_TIMEOUT"
	envPollInterval    = "CODERUN_POLL_INTERVAL"
	envMemoryLimit     = "CODERUN_MEMORY_LIMIT"
	envCPUQuota        = "CODERUN_CPU_QUOTA"
	envPidsLimit       = "CODERUN_PIDS_LIMIT"
	envMaxOutput       = "CODERUN_MAX_OUTPUT"
	envCacheSize       = "CODERUN_CACHE_SIZE"
	envCacheTTL        = "CODERUN_CACHE_TTL"
	envImagePrefix     = "CODERUN_IMAGE_PREFIX"
	envWorkDir         = "CODERUN_WORK_DIR"
	envSubmitRPS       = "CODERUN_SUBMIT_RPS"
	envSubmitBurst     = "CODERUN_SUBMIT_BURST"
	envShutdownTimeout = "CODERUN_SHUTDOWN_TIMEOUT"
	envClaimGrace      = "CODERUN_CLAIM_GRACE"
	envRecoverInterval = "CODERUN_RECOVER_INTERVAL"
	envMaxFlightAge    = "CODERUN_MAX_FLIGHT_AGE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level

	// Store selects the job store: StoreSQLite or StoreRedis.
	Store         string
	DBPath        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ResultTTL     time.Duration

	// Provider selects the sandbox provider.
	Provider    string
	ImagePrefix string
	WorkDir     string

	Workers      int
	RateLimit    float64
	RateBurst    int
	PollInterval time.Duration

	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	ExecTimeout    time.Duration
	MaxExecTimeout time.Duration

	// ClaimGrace is how long past its timeout a claimed job may go silent
	// before any process may take it back. RecoverInterval is how often
	// each worker pool looks for such jobs.
	ClaimGrace      time.Duration
	RecoverInterval time.Duration

	MemoryBytes    int64
	CPUQuota       int64
	CPUPeriod      int64
	PidsLimit      int64
	MaxOutputBytes int

	CacheSize    int
	CacheTTL     time.Duration
	MaxFlightAge time.Duration

	SubmitRPS       float64
	SubmitBurst     int
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; variables already set win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads configuration from environment variables with sensible
// defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		LogLevel:        slog.LevelInfo,
		Store:           StoreSQLite,
		DBPath:          defaultDBPath,
		RedisAddr:       defaultRedisAddr,
		ResultTTL:       defaultResultTTL,
		Provider:        ProviderDocker,
		ImagePrefix:     defaultImagePrefix,
		Workers:         defaultWorkers,
		RateLimit:       defaultRateLimit,
		RateBurst:       defaultRateBurst,
		PollInterval:    defaultPollInterval,
		MaxAttempts:     defaultMaxAttempts,
		BackoffBase:     defaultBackoffBase,
		BackoffMax:      defaultBackoffMax,
		ExecTimeout:     defaultExecTimeout,
		MaxExecTimeout:  defaultMaxExecTimeout,
		CPUQuota:        defaultCPUQuota,
		CPUPeriod:       defaultCPUPeriod,
		PidsLimit:       defaultPidsLimit,
		CacheSize:       defaultCacheSize,
		CacheTTL:        defaultCacheTTL,
		SubmitRPS:       defaultSubmitRPS,
		SubmitBurst:     defaultSubmitBurst,
		ShutdownTimeout: defaultShutdownTimeout,
		ClaimGrace:      defaultClaimGrace,
		RecoverInterval: defaultRecoverInterval,
		MaxFlightAge:    defaultMaxFlightAge,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		cfg.RedisAddr = v
	}
	cfg.RedisPassword = os.Getenv(envRedisPassword)
	if v := os.Getenv(envImagePrefix); v != "" {
		cfg.ImagePrefix = v
	}
	cfg.WorkDir = os.Getenv(envWorkDir)

	p := parser{}
	cfg.Store = p.choice(envStore, cfg.Store, StoreSQLite, StoreRedis)
	cfg.Provider = p.choice(envProvider, cfg.Provider, ProviderDocker, ProviderFirecracker)
	cfg.RedisDB = p.integer(envRedisDB, cfg.RedisDB)
	cfg.Workers = p.positiveInt(envWorkers, cfg.Workers)
	cfg.RateLimit = p.number(envRateLimit, cfg.RateLimit)
	cfg.RateBurst = p.positiveInt(envRateBurst, cfg.RateBurst)
	cfg.MaxAttempts = p.positiveInt(envMaxAttempts, cfg.MaxAttempts)
	cfg.CacheSize = p.positiveInt(envCacheSize, cfg.CacheSize)
	cfg.SubmitRPS = p.number(envSubmitRPS, cfg.SubmitRPS)
	cfg.SubmitBurst = p.positiveInt(envSubmitBurst, cfg.SubmitBurst)
	cfg.CPUQuota = int64(p.positiveInt(envCPUQuota, int(cfg.CPUQuota)))
	cfg.PidsLimit = int64(p.positiveInt(envPidsLimit, int(cfg.PidsLimit)))

	cfg.ResultTTL = p.duration(envResultTTL, cfg.ResultTTL)
	cfg.PollInterval = p.duration(envPollInterval, cfg.PollInterval)
	cfg.BackoffBase = p.duration(envBackoffBase, cfg.BackoffBase)
	cfg.BackoffMax = p.duration(envBackoffMax, cfg.BackoffMax)
	cfg.ExecTimeout = p.duration(envExecTimeout, cfg.ExecTimeout)
	cfg.MaxExecTimeout = p.duration(envMaxExecTimeout, cfg.MaxExecTimeout)
	cfg.CacheTTL = p.duration(envCacheTTL, cfg.CacheTTL)
	cfg.ShutdownTimeout = p.duration(envShutdownTimeout, cfg.ShutdownTimeout)
	cfg.ClaimGrace = p.duration(envClaimGrace, cfg.ClaimGrace)
	cfg.RecoverInterval = p.duration(envRecoverInterval, cfg.RecoverInterval)
	cfg.MaxFlightAge = p.duration(envMaxFlightAge, cfg.MaxFlightAge)

	cfg.MemoryBytes = p.size(envMemoryLimit, defaultMemoryLimit)
	cfg.MaxOutputBytes = int(p.size(envMaxOutput, defaultMaxOutput))

	if p.err == nil && cfg.MaxExecTimeout < cfg.ExecTimeout {
		p.err = fmt.Errorf("%s (%s) is below %s (%s)",
			envMaxExecTimeout, cfg.MaxExecTimeout, envExecTimeout, cfg.ExecTimeout)
	}
	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, nil
}

// parser reads typed values and remembers the first error.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}

func (p *parser) choice(key, def string, allowed ...string) string {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	p.fail(key, v, fmt.Errorf("want one of %s", strings.Join(allowed, ", ")))
	return def
}

func (p *parser) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) positiveInt(key string, def int) int {
	n := p.integer(key, def)
	if n <= 0 {
		p.fail(key, os.Getenv(key), errors.New("must be positive"))
		return def
	}
	return n
}

func (p *parser) number(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		if err == nil {
			err = errors.New("must not be negative")
		}
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		if err == nil {
			err = errors.New("must not be negative")
		}
		p.fail(key, v, err)
		return def
	}
	return d
}

// size parses a human-readable byte size such as "100m" or "64k" using
// binary multiples.
func (p *parser) size(key, def string) int64 {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	n, err := units.RAMInBytes(v)
	if err != nil || n <= 0 {
		if err == nil {
			err = errors.New("must be positive")
		}
		p.fail(key, v, err)
		n, _ = units.RAMInBytes(def)
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Package config builds the Kestrel configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Prefix is prepended to every environment variable name.
const Prefix = "KESTREL_"

// Load reads the optional .env files (".env" when none are named), then
// overlays KESTREL_* environment variables on the tier defaults. Variables
// already set in the process environment win over .env entries.
func Load(envFiles ...string) (*domain.Config, error) {
	explicit := len(envFiles) > 0
	if !explicit {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			if !explicit && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(Prefix+"TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	e := &env{}

	// Server
	e.setString("HOST", &cfg.Server.Host)
	e.setInt("PORT", &cfg.Server.Port)
	e.setInt("READ_TIMEOUT", &cfg.Server.ReadTimeout)
	e.setInt("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	e.setInt64("MAX_BODY_BYTES", &cfg.Server.MaxBodyBytes)

	// Repository
	e.setString("DB_DRIVER", &cfg.Repository.Driver)
	e.setString("SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.setString("DATABASE_URL", &cfg.Repository.PostgresDSN)
	e.setString("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.setInt("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.setString("POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.setString("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.setString("POSTGRES_DB", &cfg.Repository.PostgresDB)
	e.setString("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	// Cache
	e.setString("CACHE", &cfg.Cache.Type)
	e.setInt("CACHE_MAX_ENTRIES", &cfg.Cache.LocalMaxSize)
	e.setInt64("CACHE_MAX_BYTES", &cfg.Cache.LocalMaxBytes)
	e.setDuration("CACHE_TTL", &cfg.Cache.LocalTTL)
	e.setDuration("SNAPSHOT_TTL", &cfg.Cache.SnapshotTTL)
	e.setString("REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.setString("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.setInt("REDIS_DB", &cfg.Cache.RedisDB)
	e.setBool("CACHE_TWO_PHASE", &cfg.Cache.EnableTwoPhase)

	// Event bus
	e.setString("BUS", &cfg.EventBus.Type)
	e.setInt("BUS_BUFFER", &cfg.EventBus.ChannelBufferSize)
	e.setString("NATS_URL", &cfg.EventBus.NATSUrl)
	e.setString("NATS_TOKEN", &cfg.EventBus.NATSToken)
	e.setInt("NATS_MAX_RECONNECTS", &cfg.EventBus.NATSMaxReconnects)
	e.setInt("NATS_RECONNECT_WAIT", &cfg.EventBus.NATSReconnectWait)

	// Replay
	e.setString("INPUT", &cfg.Replay.InputPath)
	e.setString("OUTPUT", &cfg.Replay.OutputPath)
	e.setBool("SORT_INPUT", &cfg.Replay.SortInput)
	e.setBool("STRICT", &cfg.Replay.Strict)
	e.setInt("PERSIST_BATCH", &cfg.Replay.PersistBatchSize)

	// Logging
	e.setString("LOG_LEVEL", &cfg.Logging.Level)
	e.setString("LOG_FORMAT", &cfg.Logging.Format)
	var debug bool
	e.setBool("DEBUG", &debug)
	if debug {
		cfg.Logging.Level = "debug"
	}

	e.setBool("ASYNC_WORKER", &cfg.AsyncWorker)

	// Rule thresholds
	r := &cfg.Rules
	e.setFloat("RULE_AMOUNT_LIMIT", &r.AmountLimit)
	e.setDuration("RULE_AMOUNT_WINDOW", &r.AmountWindow)
	e.setFloat("RULE_HIGH_VALUE", &r.HighValue)
	e.setInt("RULE_OFF_HOURS_START", &r.OffHoursStart)
	e.setInt("RULE_OFF_HOURS_END", &r.OffHoursEnd)
	e.setDuration("RULE_VELOCITY_WINDOW", &r.VelocityWindow)
	e.setInt("RULE_VELOCITY_LIMIT", &r.VelocityLimit)
	e.setDuration("RULE_RECENT_CBK_WINDOW", &r.RecentCBKWindow)
	e.setInt("RULE_RECENT_CBK_LIMIT", &r.RecentCBKLimit)
	e.setInt("RULE_LIFETIME_CBK_LIMIT", &r.LifetimeCBKLimit)
	e.setDuration("RULE_ROTATION_WINDOW", &r.RotationWindow)
	e.setInt("RULE_MAX_COMPONENTS", &r.MaxComponents)
	e.setInt("RULE_ROTATION_CBK_LIMIT", &r.RotationCBKLimit)
	e.setDuration("RULE_CBK_DELAY", &r.CBKDelay)
	e.setBool("RULE_CONSECUTIVE_CBK", &r.EnableConsecutiveCBK)

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule parameters: %w", err)
	}
	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds the process logger from the logging settings.
func NewLogger(cfg domain.LoggingConfig) *slog.Logger {
	level, _ := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day "d"
// suffix, e.g. "7d".
func ParseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// env collects parse errors while overlaying variables.
type env struct {
	errs []error
}

func (e *env) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(Prefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *env) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s=%q: %w", Prefix, key, value, err))
}

func (e *env) setString(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *env) setInt(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *env) setInt64(key string, dst *int64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *env) setFloat(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *env) setBool(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *env) setDuration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

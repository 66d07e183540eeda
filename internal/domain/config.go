package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Rule chain thresholds
	Rules RuleParams `json:"rules"`

	// Batch replay settings
	Replay ReplayConfig `json:"replay"`

	// Observability
	Logging LoggingConfig `json:"logging"`

	// AsyncWorker enables the bus-driven ad-hoc evaluation worker.
	AsyncWorker bool `json:"asyncWorker"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
	MaxBodyBytes int64  `json:"maxBodyBytes"`
}

// ReplayConfig holds batch replay settings.
type ReplayConfig struct {
	InputPath  string `json:"inputPath"`
	OutputPath string `json:"outputPath"`

	// SortInput sorts loaded rows by transaction_date before replay.
	SortInput bool `json:"sortInput"`

	// Strict aborts the batch on the first malformed row instead of
	// skipping and reporting it.
	Strict bool `json:"strict"`

	// PersistBatchSize is the number of records buffered per repository write.
	PersistBatchSize int `json:"persistBatchSize"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity uses SQLite + channels + in-process cache
	TierCommunity Tier = "community"

	// TierPro uses PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 60,
			MaxBodyBytes: 64 << 20,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:          "memory",
			LocalMaxSize:  64,
			LocalMaxBytes: 512 << 20,
			LocalTTL:      5 * time.Minute,
			SnapshotTTL:   time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Rules: DefaultRuleParams(),
		Replay: ReplayConfig{
			InputPath:        "./data/transactional-sample.csv",
			OutputPath:       "./data/transactional-result.csv",
			SortInput:        true,
			PersistBatchSize: 500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   16,
		LocalMaxBytes:  256 << 20,
		LocalTTL:       5 * time.Minute,
		SnapshotTTL:    time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.AsyncWorker = true
	return cfg
}

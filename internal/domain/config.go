package domain

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete TrustMate configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are wired
	Tier Tier `json:"tier"`

	// Component configurations
	Repository   RepositoryConfig   `json:"repository"`
	Cache        CacheConfig        `json:"cache"`
	EventBus     EventBusConfig     `json:"eventBus"`
	Verification VerificationConfig `json:"verification"`
	Auth         AuthConfig         `json:"auth"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// VerificationConfig tunes the verification pipeline.
type VerificationConfig struct {
	// OCRTimeout is the deadline for a single text extraction.
	OCRTimeout time.Duration `json:"ocrTimeout"`

	// OCREndpoint is the OCR sidecar URL. Empty disables image evidence.
	OCREndpoint string `json:"ocrEndpoint"`

	// Unusual hours, inclusive, in Location.
	UnusualHourStart int    `json:"unusualHourStart"`
	UnusualHourEnd   int    `json:"unusualHourEnd"`
	Location         string `json:"location"`

	StatusCacheTTL     time.Duration `json:"statusCacheTtl"`
	ResubmissionWindow time.Duration `json:"resubmissionWindow"`

	// Async worker settings
	AsyncWorker bool `json:"asyncWorker"`
	WorkerCount int  `json:"workerCount"`
}

// AuthConfig holds JWT settings for the HTTP surface.
type AuthConfig struct {
	JWTSecret string `json:"-"`
	Issuer    string `json:"issuer"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-memory cache + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + Redis + NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./trustmate.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			LockTTL:      30 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Verification: VerificationConfig{
			OCRTimeout:         10 * time.Second,
			UnusualHourStart:   0,
			UnusualHourEnd:     5,
			Location:           "Asia/Kolkata",
			StatusCacheTTL:     5 * time.Minute,
			ResubmissionWindow: time.Hour,
			WorkerCount:        4,
		},
		Auth: AuthConfig{
			Issuer: "trustmate",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "trustmate",
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
		PostgresDB:   "trustmate",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       30 * time.Second,
		LockTTL:        30 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Verification.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}

// ConfigFromEnv picks the tier from TRUSTMATE_TIER and overlays
// TRUSTMATE_* variables on top of its defaults.
func ConfigFromEnv() *Config {
	return configFromLookup(os.LookupEnv)
}

func configFromLookup(lookup func(string) (string, bool)) *Config {
	cfg := DefaultConfig()
	if v, _ := lookup("TRUSTMATE_TIER"); Tier(v) == TierPro {
		cfg = ProConfig()
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("TRUSTMATE_HOST", &cfg.Server.Host)
	num("TRUSTMATE_PORT", &cfg.Server.Port)

	str("TRUSTMATE_DB_DRIVER", &cfg.Repository.Driver)
	str("TRUSTMATE_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("TRUSTMATE_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	num("TRUSTMATE_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("TRUSTMATE_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("TRUSTMATE_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("TRUSTMATE_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("TRUSTMATE_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)
	str("TRUSTMATE_MONGO_URI", &cfg.Repository.MongoURI)
	str("TRUSTMATE_MONGO_DATABASE", &cfg.Repository.MongoDatabase)

	str("TRUSTMATE_CACHE", &cfg.Cache.Type)
	str("TRUSTMATE_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("TRUSTMATE_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	num("TRUSTMATE_REDIS_DB", &cfg.Cache.RedisDB)

	str("TRUSTMATE_BUS", &cfg.EventBus.Type)
	str("TRUSTMATE_NATS_URL", &cfg.EventBus.NATSUrl)
	str("TRUSTMATE_NATS_TOKEN", &cfg.EventBus.NATSToken)

	dur("TRUSTMATE_OCR_TIMEOUT", &cfg.Verification.OCRTimeout)
	str("TRUSTMATE_OCR_ENDPOINT", &cfg.Verification.OCREndpoint)
	num("TRUSTMATE_UNUSUAL_HOUR_START", &cfg.Verification.UnusualHourStart)
	num("TRUSTMATE_UNUSUAL_HOUR_END", &cfg.Verification.UnusualHourEnd)
	str("TRUSTMATE_TIMEZONE", &cfg.Verification.Location)
	flag("TRUSTMATE_ASYNC_WORKER", &cfg.Verification.AsyncWorker)
	num("TRUSTMATE_WORKER_COUNT", &cfg.Verification.WorkerCount)

	str("TRUSTMATE_JWT_SECRET", &cfg.Auth.JWTSecret)
	str("TRUSTMATE_JWT_ISSUER", &cfg.Auth.Issuer)

	str("TRUSTMATE_LOG_LEVEL", &cfg.Logging.Level)
	if debug, _ := lookup("TRUSTMATE_DEBUG"); strings.EqualFold(debug, "true") {
		cfg.Logging.Level = "debug"
	}
	flag("TRUSTMATE_TRACING", &cfg.Tracing.Enabled)

	return cfg
}

// Package config loads examd settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	NATS    NATSConfig    `yaml:"nats"`
	Engine  EngineConfig  `yaml:"engine"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format"`
}

type StorageConfig struct {
	Driver   string `yaml:"driver"`
	Migrate  bool   `yaml:"migrate"`
	// SeedFile loads a JSON question bank into the memory catalog.
	SeedFile string `yaml:"seed_file"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	TabSubject    string `yaml:"tab_subject"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type EngineConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	DriftThreshold     time.Duration `yaml:"drift_threshold"`
	EarlyGuard         time.Duration `yaml:"early_guard"`
	MaxClockSkew       time.Duration `yaml:"max_clock_skew"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	LeaseTTL           time.Duration `yaml:"lease_ttl"`
	FocusDebounce      time.Duration `yaml:"focus_debounce"`
	FinalizeTimeout    time.Duration `yaml:"finalize_timeout"`
	NotificationBuffer int           `yaml:"notification_buffer"`
	OutboxPoll         time.Duration `yaml:"outbox_poll"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Log:     LogConfig{Level: "info", Format: "console"},
		Storage: StorageConfig{Driver: DriverMemory},
		Redis:   RedisConfig{Addr: "localhost:6379", KeyPrefix: "exam:leader:"},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			TabSubject:    "exam.tabs",
			Stream:        "EXAM_EVENTS",
			SubjectPrefix: "exam.events",
		},
		Engine: EngineConfig{
			TickInterval:       time.Second,
			DriftThreshold:     2 * time.Second,
			EarlyGuard:         3 * time.Second,
			MaxClockSkew:       5 * time.Second,
			RetryAttempts:      3,
			RetryDelay:         200 * time.Millisecond,
			LeaseTTL:           10 * time.Second,
			FocusDebounce:      500 * time.Millisecond,
			FinalizeTimeout:    30 * time.Second,
			NotificationBuffer: 64,
			OutboxPoll:         30 * time.Second,
		},
	}
}

// Load reads .env (if present), then path (if non-empty and present), then
// applies environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	if origins := os.Getenv("EXAM_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	cfg.Log.Level = getEnv("EXAM_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("EXAM_LOG_FORMAT", cfg.Log.Format)
	cfg.Storage.Driver = getEnv("EXAM_STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.Migrate = getEnvAsBool("EXAM_STORAGE_MIGRATE", cfg.Storage.Migrate)
	cfg.Storage.SeedFile = getEnv("EXAM_SEED_FILE", cfg.Storage.SeedFile)

	cfg.Redis.Enabled = getEnvAsBool("EXAM_REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)

	cfg.NATS.Enabled = getEnvAsBool("EXAM_NATS_ENABLED", cfg.NATS.Enabled)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)

	cfg.Engine.TickInterval = getEnvAsDuration("EXAM_TICK_INTERVAL", cfg.Engine.TickInterval)
	cfg.Engine.EarlyGuard = getEnvAsDuration("EXAM_EARLY_GUARD", cfg.Engine.EarlyGuard)
	cfg.Engine.LeaseTTL = getEnvAsDuration("EXAM_LEASE_TTL", cfg.Engine.LeaseTTL)
	cfg.Engine.RetryAttempts = getEnvAsInt("EXAM_RETRY_ATTEMPTS", cfg.Engine.RetryAttempts)
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverPostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Engine.TickInterval <= 0 {
		return errors.New("engine.tick_interval must be positive")
	}
	if c.Engine.RetryAttempts < 1 {
		return errors.New("engine.retry_attempts must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

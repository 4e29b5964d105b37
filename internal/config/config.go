// Package config provides configuration loading and management for FleetGuard.
// It supports loading configuration from YAML files, a .env file, and
// FLEETGUARD_* environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StorageMode represents the storage backend mode.
type StorageMode string

const (
	// StorageModeMemory uses in-memory implementations for all storage.
	StorageModeMemory StorageMode = "memory"
	// StorageModeStorage uses real storage backends (Kafka, Redis, PostgreSQL).
	StorageModeStorage StorageMode = "storage"
)

// IsValid returns true if the storage mode is valid.
func (m StorageMode) IsValid() bool {
	return m == StorageModeMemory || m == StorageModeStorage
}

// Flood detection scopes.
const (
	FloodScopeGlobal  = "global"
	FloodScopePerType = "per_type"
	FloodScopeBoth    = "both"
)

// MinReconnectDelay is the tightest retry delay the push channel may use.
const MinReconnectDelay = time.Second

// Config represents the complete application configuration.
type Config struct {
	Storage      StorageConfig      `yaml:"storage"`
	Server       ServerConfig       `yaml:"server"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Redis        RedisConfig        `yaml:"redis"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Logger       LoggerConfig       `yaml:"logger"`
	Engine       EngineConfig       `yaml:"engine"`
	Escalation   EscalationConfig   `yaml:"escalation"`
	Sources      SourcesConfig      `yaml:"sources"`
	Notification NotificationConfig `yaml:"notification"`
	Report       ReportConfig       `yaml:"report"`
}

// StorageConfig holds the storage mode configuration.
type StorageConfig struct {
	Mode StorageMode `yaml:"mode"`
}

// UseMemory returns true if in-memory storage should be used.
func (c *StorageConfig) UseMemory() bool {
	return c.Mode == StorageModeMemory
}

// UseStorage returns true if real storage backends should be used.
func (c *StorageConfig) UseStorage() bool {
	return c.Mode == StorageModeStorage
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// KafkaConfig holds Kafka connection and topic settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	EventTopic    string   `yaml:"event_topic"`
	ReportTopic   string   `yaml:"report_topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int32  `yaml:"max_open_conns"`
	MaxIdleConns int32  `yaml:"max_idle_conns"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// EngineConfig holds the alert lifecycle policy: SLA table, flood and
// violation thresholds, and deduplication bounds.
type EngineConfig struct {
	// SLAMinutesByPriority maps a priority name to its response time.
	SLAMinutesByPriority map[string]int `yaml:"sla_minutes_by_priority"`

	FloodWindowMinutes  int    `yaml:"flood_window_minutes"`
	FloodThresholdCount int    `yaml:"flood_threshold_count"`
	FloodScope          string `yaml:"flood_scope"`
	FloodBuckets        int    `yaml:"flood_buckets"`

	ViolationBatchSize  int      `yaml:"violation_batch_size"`
	ViolationWindowDays int      `yaml:"violation_window_days"`
	ViolationAlertTypes []string `yaml:"violation_alert_types"`

	DedupTTL      time.Duration `yaml:"dedup_ttl"`
	DedupCapacity int           `yaml:"dedup_capacity"`
}

// SLA returns the SLA table as durations keyed by priority name.
func (c *EngineConfig) SLA() map[string]time.Duration {
	sla := make(map[string]time.Duration, len(c.SLAMinutesByPriority))
	for p, m := range c.SLAMinutesByPriority {
		sla[p] = time.Duration(m) * time.Minute
	}
	return sla
}

// FloodWindow returns the flood detection window as a duration.
func (c *EngineConfig) FloodWindow() time.Duration {
	return time.Duration(c.FloodWindowMinutes) * time.Minute
}

// ViolationWindow returns the rolling violation window as a duration.
func (c *EngineConfig) ViolationWindow() time.Duration {
	return time.Duration(c.ViolationWindowDays) * 24 * time.Hour
}

// EscalationConfig holds escalation monitor settings.
type EscalationConfig struct {
	// Interval is the monitor tick period.
	Interval time.Duration `yaml:"interval"`

	// DefaultTarget is the assignee used when no priority-specific target exists.
	DefaultTarget string `yaml:"default_target"`

	// Targets maps a priority name to an escalation assignee.
	Targets map[string]string `yaml:"targets"`
}

// SourcesConfig holds the inbound event transports.
type SourcesConfig struct {
	WebSocket WebSocketSourceConfig `yaml:"websocket"`
	Poll      PollSourceConfig      `yaml:"poll"`
	Kafka     KafkaSourceConfig     `yaml:"kafka"`
}

// WebSocketSourceConfig configures the push channel. An empty URL disables it.
type WebSocketSourceConfig struct {
	URL        string        `yaml:"url"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// PollSourceConfig configures the pull channel. An empty URL disables it.
type PollSourceConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
}

// KafkaSourceConfig enables consuming events from the event topic.
type KafkaSourceConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NotificationConfig holds fan-out settings.
type NotificationConfig struct {
	// Buffer is the per-subscriber channel size.
	Buffer int `yaml:"buffer"`

	// RedisChannel is the pub/sub channel used in storage mode.
	RedisChannel string `yaml:"redis_channel"`
}

// ReportConfig holds report dispatch settings.
type ReportConfig struct {
	Buffer         int           `yaml:"buffer"`
	RecentOutcomes int           `yaml:"recent_outcomes"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds the report generator circuit breaker settings.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// Load reads configuration from the specified YAML file path.
// A .env file in the working directory is loaded first, if present, so that
// FLEETGUARD_* overrides can be kept out of the YAML file.
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	// Clean the path to prevent path traversal attacks
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from YAML bytes, applying environment
// overrides and defaults before validating the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(cfg)

	// Apply defaults for any unset values
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyEnv overrides addresses and secrets from FLEETGUARD_* variables.
func applyEnv(cfg *Config) {
	cfg.Storage.Mode = StorageMode(getEnv("FLEETGUARD_STORAGE_MODE", string(cfg.Storage.Mode)))
	cfg.Server.Port = getEnvInt("FLEETGUARD_SERVER_PORT", cfg.Server.Port)
	cfg.Logger.Level = getEnv("FLEETGUARD_LOG_LEVEL", cfg.Logger.Level)

	if brokers := getEnv("FLEETGUARD_KAFKA_BROKERS", ""); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}

	cfg.Redis.Host = getEnv("FLEETGUARD_REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnvInt("FLEETGUARD_REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("FLEETGUARD_REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Postgres.Host = getEnv("FLEETGUARD_POSTGRES_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = getEnvInt("FLEETGUARD_POSTGRES_PORT", cfg.Postgres.Port)
	cfg.Postgres.User = getEnv("FLEETGUARD_POSTGRES_USER", cfg.Postgres.User)
	cfg.Postgres.Password = getEnv("FLEETGUARD_POSTGRES_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.Database = getEnv("FLEETGUARD_POSTGRES_DATABASE", cfg.Postgres.Database)

	cfg.Sources.WebSocket.URL = getEnv("FLEETGUARD_WEBSOCKET_URL", cfg.Sources.WebSocket.URL)
	cfg.Sources.Poll.URL = getEnv("FLEETGUARD_POLL_URL", cfg.Sources.Poll.URL)
}

// applyDefaults sets sensible default values for configuration fields
// that are not explicitly set in the config file.
func applyDefaults(cfg *Config) {
	// Storage defaults
	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = StorageModeMemory
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}

	// Kafka defaults
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.EventTopic == "" {
		cfg.Kafka.EventTopic = "fleetguard-events"
	}
	if cfg.Kafka.ReportTopic == "" {
		cfg.Kafka.ReportTopic = "fleetguard-report-requests"
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "fleetguard-engine"
	}

	// Redis defaults
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	// Postgres defaults
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 25
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}

	// Logger defaults
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}

	// Engine defaults
	defaultSLA := map[string]int{"critical": 10, "high": 20, "medium": 45, "low": 90}
	if cfg.Engine.SLAMinutesByPriority == nil {
		cfg.Engine.SLAMinutesByPriority = make(map[string]int, len(defaultSLA))
	}
	for p, m := range defaultSLA {
		if _, ok := cfg.Engine.SLAMinutesByPriority[p]; !ok {
			cfg.Engine.SLAMinutesByPriority[p] = m
		}
	}
	if cfg.Engine.FloodWindowMinutes == 0 {
		cfg.Engine.FloodWindowMinutes = 15
	}
	if cfg.Engine.FloodThresholdCount == 0 {
		cfg.Engine.FloodThresholdCount = 50
	}
	if cfg.Engine.FloodScope == "" {
		cfg.Engine.FloodScope = FloodScopeBoth
	}
	if cfg.Engine.FloodBuckets == 0 {
		cfg.Engine.FloodBuckets = 60
	}
	if cfg.Engine.ViolationBatchSize == 0 {
		cfg.Engine.ViolationBatchSize = 3
	}
	if cfg.Engine.ViolationWindowDays == 0 {
		cfg.Engine.ViolationWindowDays = 30
	}
	if len(cfg.Engine.ViolationAlertTypes) == 0 {
		cfg.Engine.ViolationAlertTypes = []string{"speeding"}
	}
	if cfg.Engine.DedupTTL == 0 {
		cfg.Engine.DedupTTL = 10 * time.Minute
	}
	if cfg.Engine.DedupCapacity == 0 {
		cfg.Engine.DedupCapacity = 100_000
	}

	// Escalation defaults
	if cfg.Escalation.Interval == 0 {
		cfg.Escalation.Interval = 30 * time.Second
	}
	if cfg.Escalation.DefaultTarget == "" {
		cfg.Escalation.DefaultTarget = "fleet-supervisor"
	}

	// Source defaults
	if cfg.Sources.WebSocket.MaxBackoff == 0 {
		cfg.Sources.WebSocket.MaxBackoff = 5 * time.Second
	}
	if cfg.Sources.WebSocket.MaxBackoff < MinReconnectDelay {
		cfg.Sources.WebSocket.MaxBackoff = MinReconnectDelay
	}
	if cfg.Sources.Poll.Interval == 0 {
		cfg.Sources.Poll.Interval = 30 * time.Second
	}

	// Notification defaults
	if cfg.Notification.Buffer == 0 {
		cfg.Notification.Buffer = 256
	}
	if cfg.Notification.RedisChannel == "" {
		cfg.Notification.RedisChannel = "fleetguard:notifications"
	}

	// Report defaults
	if cfg.Report.Buffer == 0 {
		cfg.Report.Buffer = 64
	}
	if cfg.Report.RecentOutcomes == 0 {
		cfg.Report.RecentOutcomes = 100
	}
	if cfg.Report.Breaker.MaxFailures == 0 {
		cfg.Report.Breaker.MaxFailures = 5
	}
	if cfg.Report.Breaker.OpenTimeout == 0 {
		cfg.Report.Breaker.OpenTimeout = 30 * time.Second
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if !c.Storage.Mode.IsValid() {
		return fmt.Errorf("storage.mode %q must be %q or %q", c.Storage.Mode, StorageModeMemory, StorageModeStorage)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	for p, m := range c.Engine.SLAMinutesByPriority {
		switch p {
		case "critical", "high", "medium", "low":
		default:
			return fmt.Errorf("engine.sla_minutes_by_priority: unknown priority %q", p)
		}
		if m <= 0 {
			return fmt.Errorf("engine.sla_minutes_by_priority.%s must be positive", p)
		}
	}
	if c.Engine.FloodWindowMinutes <= 0 {
		return errors.New("engine.flood_window_minutes must be positive")
	}
	if c.Engine.FloodThresholdCount <= 0 {
		return errors.New("engine.flood_threshold_count must be positive")
	}
	if c.Engine.FloodBuckets <= 0 {
		return errors.New("engine.flood_buckets must be positive")
	}
	switch c.Engine.FloodScope {
	case FloodScopeGlobal, FloodScopePerType, FloodScopeBoth:
	default:
		return fmt.Errorf("engine.flood_scope %q must be global, per_type or both", c.Engine.FloodScope)
	}
	if c.Engine.ViolationBatchSize <= 0 {
		return errors.New("engine.violation_batch_size must be positive")
	}
	if c.Engine.ViolationWindowDays <= 0 {
		return errors.New("engine.violation_window_days must be positive")
	}
	if c.Engine.DedupTTL < 0 {
		return errors.New("engine.dedup_ttl must not be negative")
	}
	if c.Escalation.Interval < time.Second {
		return errors.New("escalation.interval must be at least 1s")
	}
	if c.Sources.Poll.Interval < time.Second {
		return errors.New("sources.poll.interval must be at least 1s")
	}
	return nil
}

// Address returns the full server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address in host:port format.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

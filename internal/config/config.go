package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Routing  RoutingConfig  `yaml:"routing"`
	Queues   QueuesConfig   `yaml:"queues"`
	Decay    DecayConfig    `yaml:"decay"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                 int    `yaml:"port"`
	Host                 string `yaml:"host"`
	ShutdownGraceSeconds int    `yaml:"shutdown_grace_seconds"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// ShutdownGrace returns the drain window for graceful shutdown.
func (c ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL                string `yaml:"url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the configured connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMin) * time.Minute
}

// RedisConfig holds the job broker connection settings
type RedisConfig struct {
	URL string `yaml:"url"`
}

// IngestConfig holds authentication and validation settings for the
// event ingestion endpoint.
type IngestConfig struct {
	// APIKeys maps source name → SHA-256 hex of that source's static key.
	APIKeys map[string]string `yaml:"api_keys"`
	// HMACSecrets maps source name → shared secret for X-Webhook-Signature.
	HMACSecrets map[string]string `yaml:"hmac_secrets"`
	// Clock-skew bounds for occurred_at.
	MaxPastSkewHours int `yaml:"max_past_skew_hours"`
	MaxFutureSkewMin int `yaml:"max_future_skew_minutes"`
}

// MaxPastSkew returns the oldest accepted occurred_at offset.
func (c IngestConfig) MaxPastSkew() time.Duration {
	return time.Duration(c.MaxPastSkewHours) * time.Hour
}

// MaxFutureSkew returns the furthest-future accepted occurred_at offset.
func (c IngestConfig) MaxFutureSkew() time.Duration {
	return time.Duration(c.MaxFutureSkewMin) * time.Minute
}

// ScoringConfig holds the fixed score tier cutoffs
type ScoringConfig struct {
	WarmThreshold    int `yaml:"warm_threshold"`
	HotThreshold     int `yaml:"hot_threshold"`
	VeryHotThreshold int `yaml:"very_hot_threshold"`
}

// RoutingConfig holds the thresholds that gate automatic routing and the
// per-intent pipeline mapping.
type RoutingConfig struct {
	MinScore       int `yaml:"min_score"`
	MinIntent      int `yaml:"min_intent"`
	ConflictMargin int `yaml:"conflict_margin"`
	// PipelineSlugs maps intent → pipeline slug. Overridable per install.
	PipelineSlugs map[string]string `yaml:"pipeline_slugs"`
	SlackChannel  string            `yaml:"slack_channel"`
}

// QueueSettings holds per-queue consumer tuning
type QueueSettings struct {
	Concurrency        int `yaml:"concurrency"`
	RateMax            int `yaml:"rate_max"`
	RateWindowSeconds  int `yaml:"rate_window_seconds"`
	MaxAttempts        int `yaml:"max_attempts"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`
	JobTimeoutSeconds  int `yaml:"job_timeout_seconds"`
}

// RateWindow returns the rate-limit window as a duration
func (q QueueSettings) RateWindow() time.Duration {
	return time.Duration(q.RateWindowSeconds) * time.Second
}

// BackoffBase returns the first retry delay
func (q QueueSettings) BackoffBase() time.Duration {
	return time.Duration(q.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the retry delay ceiling
func (q QueueSettings) BackoffCap() time.Duration {
	return time.Duration(q.BackoffCapSeconds) * time.Second
}

// JobTimeout returns the per-job wall-clock timeout
func (q QueueSettings) JobTimeout() time.Duration {
	return time.Duration(q.JobTimeoutSeconds) * time.Second
}

// QueuesConfig holds settings for the two consumed queues. The sync queue
// is produce-only; its consumer lives outside this service.
type QueuesConfig struct {
	Events  QueueSettings `yaml:"events"`
	Routing QueueSettings `yaml:"routing"`
}

// DecayConfig holds the scheduled decay job settings
type DecayConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	IntentDecayDays int `yaml:"intent_decay_days"`
}

// Interval returns the decay sweep interval as a duration
func (c DecayConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ShutdownGraceSeconds == 0 {
		cfg.Server.ShutdownGraceSeconds = 30
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetimeMin == 0 {
		cfg.Database.ConnMaxLifetimeMin = 5
	}
	if cfg.Ingest.MaxPastSkewHours == 0 {
		cfg.Ingest.MaxPastSkewHours = 168 // 7 days
	}
	if cfg.Ingest.MaxFutureSkewMin == 0 {
		cfg.Ingest.MaxFutureSkewMin = 60
	}
	if cfg.Scoring.WarmThreshold == 0 {
		cfg.Scoring.WarmThreshold = 40
	}
	if cfg.Scoring.HotThreshold == 0 {
		cfg.Scoring.HotThreshold = 70
	}
	if cfg.Scoring.VeryHotThreshold == 0 {
		cfg.Scoring.VeryHotThreshold = 90
	}
	if cfg.Routing.MinScore == 0 {
		cfg.Routing.MinScore = 40
	}
	if cfg.Routing.MinIntent == 0 {
		cfg.Routing.MinIntent = 60
	}
	if cfg.Routing.ConflictMargin == 0 {
		cfg.Routing.ConflictMargin = 10
	}
	if cfg.Routing.PipelineSlugs == nil {
		cfg.Routing.PipelineSlugs = map[string]string{
			"research":    "research-lab",
			"b2b":         "b2b-lab-enablement",
			"co_creation": "panel-co-creation",
		}
	}
	if cfg.Routing.SlackChannel == "" {
		cfg.Routing.SlackChannel = "#sales-routing"
	}
	applyQueueDefaults(&cfg.Queues.Events, 10, 50, 60)
	applyQueueDefaults(&cfg.Queues.Routing, 3, 20, 120)
	if cfg.Decay.IntervalMinutes == 0 {
		cfg.Decay.IntervalMinutes = 60
	}
	if cfg.Decay.IntentDecayDays == 0 {
		cfg.Decay.IntentDecayDays = 90
	}

	return &cfg, nil
}

func applyQueueDefaults(q *QueueSettings, concurrency, rateMax, timeoutSec int) {
	if q.Concurrency == 0 {
		q.Concurrency = concurrency
	}
	if q.RateMax == 0 {
		q.RateMax = rateMax
	}
	if q.RateWindowSeconds == 0 {
		q.RateWindowSeconds = 1
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = 5
	}
	if q.BackoffBaseSeconds == 0 {
		q.BackoffBaseSeconds = 1
	}
	if q.BackoffCapSeconds == 0 {
		q.BackoffCapSeconds = 300
	}
	if q.JobTimeoutSeconds == 0 {
		q.JobTimeoutSeconds = timeoutSec
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if v, ok := envInt("ROUTE_MIN_SCORE"); ok {
		cfg.Routing.MinScore = v
	}
	if v, ok := envInt("ROUTE_MIN_INTENT"); ok {
		cfg.Routing.MinIntent = v
	}
	if v, ok := envInt("CONFLICT_MARGIN"); ok {
		cfg.Routing.ConflictMargin = v
	}
	if v, ok := envInt("EVENTS_CONCURRENCY"); ok {
		cfg.Queues.Events.Concurrency = v
	}
	if v, ok := envInt("ROUTING_CONCURRENCY"); ok {
		cfg.Queues.Routing.Concurrency = v
	}

	return cfg, nil
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

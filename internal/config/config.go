package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Quota    QuotaConfig    `yaml:"quota"`
	Receipts ReceiptConfig  `yaml:"receipts"`
	SMS      SMSConfig      `yaml:"sms"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Email    EmailConfig    `yaml:"email"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings for quota counters and locks.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// DispatchConfig holds queue and worker pool settings.
type DispatchConfig struct {
	MaxAttempts            int `yaml:"max_attempts"`
	QueueCapacity          int `yaml:"queue_capacity"`
	EnqueueTimeoutSeconds  int `yaml:"enqueue_timeout_seconds"`
	SMSConcurrency         int `yaml:"sms_concurrency"`
	WebhookConcurrency     int `yaml:"webhook_concurrency"`
	EmailConcurrency       int `yaml:"email_concurrency"`
	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds"`
	RetryTickSeconds       int `yaml:"retry_tick_seconds"`
	RecoveryStaleSeconds   int `yaml:"recovery_stale_seconds"`
}

// EnqueueTimeout returns the configured enqueue timeout as a duration.
func (c DispatchConfig) EnqueueTimeout() time.Duration {
	return time.Duration(c.EnqueueTimeoutSeconds) * time.Second
}

// ProviderTimeout returns the per-call provider timeout as a duration.
func (c DispatchConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// RetryTick returns the retry scheduler interval as a duration.
func (c DispatchConfig) RetryTick() time.Duration {
	return time.Duration(c.RetryTickSeconds) * time.Second
}

// RecoveryStale returns the cutoff after which a queued attempt is
// considered orphaned by a crashed worker.
func (c DispatchConfig) RecoveryStale() time.Duration {
	return time.Duration(c.RecoveryStaleSeconds) * time.Second
}

// DedupConfig holds the optional time-bounded dedup window. Zero disables
// the window; the permanent (event_id, trigger_id) unique rule always holds.
type DedupConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
}

// Window returns the dedup window as a duration.
func (c DedupConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// QuotaConfig holds tenant quota and per-destination rate settings.
type QuotaConfig struct {
	DefaultMonthlyLimit  int64            `yaml:"default_monthly_limit"`
	PlanLimits           map[string]int64 `yaml:"plan_limits"`
	DestinationPerMinute int              `yaml:"destination_per_minute"`
}

// MonthlyLimit returns the monthly send cap for a plan name.
func (c QuotaConfig) MonthlyLimit(plan string) int64 {
	if limit, ok := c.PlanLimits[plan]; ok {
		return limit
	}
	return c.DefaultMonthlyLimit
}

// ReceiptConfig holds delivery-receipt webhook settings.
type ReceiptConfig struct {
	SigningSecret string `yaml:"signing_secret"`
}

// SMSConfig holds the SMS provider API configuration.
type SMSConfig struct {
	BaseURL        string `yaml:"base_url"`
	AccountID      string `yaml:"account_id"`
	APIKey         string `yaml:"api_key"`
	FromNumber     string `yaml:"from_number"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (c SMSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WebhookConfig holds outbound webhook delivery settings.
type WebhookConfig struct {
	SigningSecret  string `yaml:"signing_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (c WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EmailConfig holds AWS SES configuration for the email channel.
type EmailConfig struct {
	Region      string `yaml:"region"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	FromAddress string `yaml:"from_address"`
	Enabled     bool   `yaml:"enabled"`
}

// Load reads and parses the configuration file. A missing file is not an
// error: defaults plus env overrides are enough to run.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 3
	}
	if cfg.Dispatch.QueueCapacity == 0 {
		cfg.Dispatch.QueueCapacity = 1000
	}
	if cfg.Dispatch.EnqueueTimeoutSeconds == 0 {
		cfg.Dispatch.EnqueueTimeoutSeconds = 5
	}
	if cfg.Dispatch.SMSConcurrency == 0 {
		cfg.Dispatch.SMSConcurrency = 10
	}
	if cfg.Dispatch.WebhookConcurrency == 0 {
		cfg.Dispatch.WebhookConcurrency = 20
	}
	if cfg.Dispatch.EmailConcurrency == 0 {
		cfg.Dispatch.EmailConcurrency = 10
	}
	if cfg.Dispatch.ProviderTimeoutSeconds == 0 {
		cfg.Dispatch.ProviderTimeoutSeconds = 10
	}
	if cfg.Dispatch.RetryTickSeconds == 0 {
		cfg.Dispatch.RetryTickSeconds = 1
	}
	if cfg.Dispatch.RecoveryStaleSeconds == 0 {
		cfg.Dispatch.RecoveryStaleSeconds = 300
	}
	if cfg.Quota.DefaultMonthlyLimit == 0 {
		cfg.Quota.DefaultMonthlyLimit = 500
	}
	if cfg.Quota.DestinationPerMinute == 0 {
		cfg.Quota.DestinationPerMinute = 10
	}
	if cfg.SMS.TimeoutSeconds == 0 {
		cfg.SMS.TimeoutSeconds = 10
	}
	if cfg.Webhook.TimeoutSeconds == 0 {
		cfg.Webhook.TimeoutSeconds = 10
	}
	if cfg.Email.Region == "" {
		cfg.Email.Region = "us-west-2"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
		cfg.Redis.Enabled = true
	}
	if v := envInt("MAX_DISPATCH_ATTEMPTS"); v > 0 {
		cfg.Dispatch.MaxAttempts = v
	}
	if v := envInt("DISPATCH_QUEUE_CAPACITY"); v > 0 {
		cfg.Dispatch.QueueCapacity = v
	}
	if v := envInt("WORKER_CONCURRENCY_SMS"); v > 0 {
		cfg.Dispatch.SMSConcurrency = v
	}
	if v := envInt("WORKER_CONCURRENCY_WEBHOOK"); v > 0 {
		cfg.Dispatch.WebhookConcurrency = v
	}
	if v := envInt("WORKER_CONCURRENCY_EMAIL"); v > 0 {
		cfg.Dispatch.EmailConcurrency = v
	}
	if v := envInt("DEDUP_WINDOW"); v > 0 {
		cfg.Dedup.WindowSeconds = v
	}
	if secret := os.Getenv("RECEIPT_SIGNING_SECRET"); secret != "" {
		cfg.Receipts.SigningSecret = secret
	}
	if key := os.Getenv("SMS_API_KEY"); key != "" {
		cfg.SMS.APIKey = key
	}
	if baseURL := os.Getenv("SMS_BASE_URL"); baseURL != "" {
		cfg.SMS.BaseURL = baseURL
	}
	if secret := os.Getenv("WEBHOOK_SIGNING_SECRET"); secret != "" {
		cfg.Webhook.SigningSecret = secret
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.Email.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.Email.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.Email.Region = region
	}

	return cfg, nil
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

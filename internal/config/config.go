// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// Origins allowed to call the operator routes from a browser
	CORSAllowedOrigins []string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string

	// Channel gateway receiving outbound replies over HTTP
	GatewayURL     string
	GatewayToken   string
	GatewayTimeout time.Duration

	// Edge throttling on the webhook, per client IP
	WebhookRequests int
	WebhookWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool

	Resilience Resilience
}

// Resilience holds the policy knobs of the inbound message core.
type Resilience struct {
	RateLimit    RateLimit    `yaml:"rate_limit"`
	Breaker      Breaker      `yaml:"breaker"`
	Cache        Cache        `yaml:"cache"`
	Batch        Batch        `yaml:"batch"`
	Conversation Conversation `yaml:"conversation"`
	RetryQueue   RetryQueue   `yaml:"retry_queue"`
}

// RateLimit configures the per-user quota gate.
type RateLimit struct {
	Enabled                bool          `yaml:"enabled"`
	MaxPerDay              int           `yaml:"max_per_day"`
	Cooldown               time.Duration `yaml:"cooldown"`
	AutoBlacklistThreshold int           `yaml:"auto_blacklist_threshold"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
	TimeZone               string        `yaml:"time_zone"`
}

// Breaker configures every circuit breaker built by the host.
type Breaker struct {
	Timeout                  time.Duration `yaml:"timeout"`
	ErrorThresholdPercentage int           `yaml:"error_threshold_percentage"`
	VolumeThreshold          int           `yaml:"volume_threshold"`
	ResetTimeout             time.Duration `yaml:"reset_timeout"`
	RollingWindow            time.Duration `yaml:"rolling_window"`
	RollingBuckets           int           `yaml:"rolling_buckets"`
	HalfOpenSuccesses        int           `yaml:"half_open_successes"`
}

// Cache configures the response cache.
type Cache struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// Batch configures the message batching coalescer.
type Batch struct {
	Window      time.Duration `yaml:"window"`
	MaxMessages int           `yaml:"max_messages"`
}

// Conversation configures the conversation state tracker.
type Conversation struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// RetryQueue configures the failed-message retry queue.
type RetryQueue struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	WorkerInterval  time.Duration `yaml:"worker_interval"`
	RetriesPerSec   float64       `yaml:"retries_per_second"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// Load reads configuration from environment variables. When CONFIG_FILE is set,
// the resilience section of that YAML file overlays the environment values.
func Load() (*Config, error) {
	cfg := &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", nil),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),

		// Gateway
		GatewayURL:     getEnv("GATEWAY_URL", ""),
		GatewayToken:   getEnv("GATEWAY_TOKEN", ""),
		GatewayTimeout: getDurationEnv("GATEWAY_TIMEOUT", 10*time.Second),

		WebhookRequests: getIntEnv("WEBHOOK_RATE_REQUESTS", 120),
		WebhookWindow:   getDurationEnv("WEBHOOK_RATE_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),

		Resilience: Resilience{
			RateLimit: RateLimit{
				Enabled:                getBoolEnv("RATE_LIMIT_ENABLED", true),
				MaxPerDay:              getIntEnv("RATE_LIMIT_MAX_PER_DAY", 20),
				Cooldown:               getDurationEnv("RATE_LIMIT_COOLDOWN", 3*time.Second),
				AutoBlacklistThreshold: getIntEnv("RATE_LIMIT_BLACKLIST_THRESHOLD", 10),
				SweepInterval:          getDurationEnv("RATE_LIMIT_SWEEP_INTERVAL", time.Hour),
				TimeZone:               getEnv("RATE_LIMIT_TIME_ZONE", "Asia/Jakarta"),
			},
			Breaker: Breaker{
				Timeout:                  getDurationEnv("BREAKER_TIMEOUT", 30*time.Second),
				ErrorThresholdPercentage: getIntEnv("BREAKER_ERROR_THRESHOLD", 50),
				VolumeThreshold:          getIntEnv("BREAKER_VOLUME_THRESHOLD", 5),
				ResetTimeout:             getDurationEnv("BREAKER_RESET_TIMEOUT", 30*time.Second),
				RollingWindow:            getDurationEnv("BREAKER_ROLLING_WINDOW", 10*time.Second),
				RollingBuckets:           getIntEnv("BREAKER_ROLLING_BUCKETS", 10),
				HalfOpenSuccesses:        getIntEnv("BREAKER_HALF_OPEN_SUCCESSES", 1),
			},
			Cache: Cache{
				Enabled:    getBoolEnv("CACHE_ENABLED", true),
				MaxEntries: getIntEnv("CACHE_MAX_ENTRIES", 1000),
				TTL:        getDurationEnv("CACHE_TTL", time.Hour),
			},
			Batch: Batch{
				Window:      getDurationEnv("BATCH_WINDOW", 3*time.Second),
				MaxMessages: getIntEnv("BATCH_MAX_MESSAGES", 10),
			},
			Conversation: Conversation{
				InactivityTimeout: getDurationEnv("CONVERSATION_INACTIVITY_TIMEOUT", 30*time.Minute),
				SweepInterval:     getDurationEnv("CONVERSATION_SWEEP_INTERVAL", 5*time.Minute),
			},
			RetryQueue: RetryQueue{
				MaxAttempts:     getIntEnv("RETRY_MAX_ATTEMPTS", 10),
				WorkerInterval:  getDurationEnv("RETRY_WORKER_INTERVAL", time.Minute),
				RetriesPerSec:   getFloatEnv("RETRY_PER_SECOND", 2),
				InitialInterval: getDurationEnv("RETRY_INITIAL_INTERVAL", 30*time.Second),
				MaxInterval:     getDurationEnv("RETRY_MAX_INTERVAL", 30*time.Minute),
			},
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values that would make a component misbehave.
func (c *Config) Validate() error {
	var errs []error

	r := c.Resilience
	if r.RateLimit.MaxPerDay <= 0 {
		errs = append(errs, errors.New("rate_limit.max_per_day must be positive"))
	}
	if r.RateLimit.Cooldown < 0 {
		errs = append(errs, errors.New("rate_limit.cooldown must not be negative"))
	}
	if r.RateLimit.AutoBlacklistThreshold <= 0 {
		errs = append(errs, errors.New("rate_limit.auto_blacklist_threshold must be positive"))
	}
	if _, err := time.LoadLocation(r.RateLimit.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit.time_zone: %w", err))
	}
	if r.Breaker.ErrorThresholdPercentage <= 0 || r.Breaker.ErrorThresholdPercentage > 100 {
		errs = append(errs, errors.New("breaker.error_threshold_percentage must be in (0, 100]"))
	}
	if r.Breaker.Timeout <= 0 || r.Breaker.ResetTimeout <= 0 {
		errs = append(errs, errors.New("breaker timeouts must be positive"))
	}
	if r.Breaker.RollingBuckets <= 0 || r.Breaker.RollingWindow < time.Duration(r.Breaker.RollingBuckets) {
		errs = append(errs, errors.New("breaker.rolling_window must cover every bucket"))
	}
	if r.Cache.MaxEntries <= 0 {
		errs = append(errs, errors.New("cache.max_entries must be positive"))
	}
	if r.Batch.Window <= 0 {
		errs = append(errs, errors.New("batch.window must be positive"))
	}
	if r.Conversation.InactivityTimeout <= 0 {
		errs = append(errs, errors.New("conversation.inactivity_timeout must be positive"))
	}
	if r.RetryQueue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry_queue.max_attempts must be positive"))
	}

	return errors.Join(errs...)
}

// Location returns the time zone used for calendar-day quotas.
func (r RateLimit) Location() *time.Location {
	loc, err := time.LoadLocation(r.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Supported relay provider backends.
const (
	ProviderWuzapi    = "wuzapi"
	ProviderEvolution = "evolution"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port       string
	LogLevel   string
	LogFormat  string
	AdminToken string

	DatabaseURL string

	WebhookSecret string
	WebhookPath   string // Path for incoming relay webhooks
	PublicBaseURL string // Externally reachable base URL used when registering webhooks

	Provider          string
	WuzapiBaseURL     string
	WuzapiAPIKey      string
	EvolutionBaseURL  string
	EvolutionAPIKey   string
	RequestTimeout    time.Duration
	KeepAliveInterval time.Duration

	MaxSessionsPerUser   int
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	SendRetryAttempts    int
	SendRetryBaseDelay   time.Duration

	MonitorInterval time.Duration
	CleanupInterval time.Duration

	CompletionURL    string
	CompletionAPIKey string
	DefaultModel     string
	EnableWebSearch  bool
	EnableTools      bool
	MaxMessageLength int

	RabbitMQURL         string
	RabbitMQQueuePrefix string

	S3 S3Config

	QRTerminal bool
}

// S3Config holds the media archive bucket settings.
type S3Config struct {
	Enabled   bool
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("provider", cfg.Provider).
		Str("webhookPath", cfg.WebhookPath).
		Int("maxSessionsPerUser", cfg.MaxSessionsPerUser).
		Dur("requestTimeout", cfg.RequestTimeout).
		Msg("Configuration loading complete")
	return cfg, nil
}

// FromEnv builds a Config from the current environment, applying defaults.
func FromEnv() *Config {
	return &Config{
		Port:       envString("PORT", "8080"),
		LogLevel:   envString("LOG_LEVEL", "info"),
		LogFormat:  envString("LOG_FORMAT", "console"),
		AdminToken: envString("ADMIN_TOKEN", ""),

		DatabaseURL: envString("DATABASE_URL", "gateway.db"),

		WebhookSecret: envString("WEBHOOK_SECRET", ""),
		WebhookPath:   envString("WEBHOOK_PATH", "/webhooks/relay"),
		PublicBaseURL: strings.TrimRight(envString("PUBLIC_BASE_URL", ""), "/"),

		Provider:          strings.ToLower(envString("PROVIDER", ProviderWuzapi)),
		WuzapiBaseURL:     envString("WUZAPI_BASE_URL", ""),
		WuzapiAPIKey:      envString("WUZAPI_API_KEY", ""),
		EvolutionBaseURL:  envString("EVOLUTION_BASE_URL", ""),
		EvolutionAPIKey:   envString("EVOLUTION_API_KEY", ""),
		RequestTimeout:    envDuration("REQUEST_TIMEOUT", 30*time.Second),
		KeepAliveInterval: envDuration("KEEPALIVE_INTERVAL", 10*time.Second),

		MaxSessionsPerUser:   envInt("MAX_SESSIONS_PER_USER", 1),
		MaxReconnectAttempts: envInt("MAX_RECONNECT_ATTEMPTS", 5),
		ReconnectBaseDelay:   envDuration("RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:    envDuration("RECONNECT_MAX_DELAY", 30*time.Second),
		SendRetryAttempts:    envInt("SEND_RETRY_ATTEMPTS", 3),
		SendRetryBaseDelay:   envDuration("SEND_RETRY_BASE_DELAY", 5*time.Second),

		MonitorInterval: envDuration("MONITOR_INTERVAL", 10*time.Second),
		CleanupInterval: envDuration("CLEANUP_INTERVAL", time.Hour),

		CompletionURL:    envString("COMPLETION_URL", ""),
		CompletionAPIKey: envString("COMPLETION_API_KEY", ""),
		DefaultModel:     envString("DEFAULT_MODEL", "gpt-4o-mini"),
		EnableWebSearch:  envBool("ENABLE_WEB_SEARCH", false),
		EnableTools:      envBool("ENABLE_TOOLS", false),
		MaxMessageLength: envInt("MAX_MESSAGE_LENGTH", 4096),

		RabbitMQURL:         envString("RABBITMQ_URL", ""),
		RabbitMQQueuePrefix: envString("RABBITMQ_QUEUE_PREFIX", "gateway"),

		S3: S3Config{
			Enabled:   envBool("S3_ENABLED", false),
			Bucket:    envString("S3_BUCKET", ""),
			Region:    envString("S3_REGION", "us-east-1"),
			Endpoint:  envString("S3_ENDPOINT", ""),
			AccessKey: envString("S3_ACCESS_KEY", ""),
			SecretKey: envString("S3_SECRET_KEY", ""),
			PathStyle: envBool("S3_PATH_STYLE", false),
			PublicURL: envString("S3_PUBLIC_URL", ""),
		},

		QRTerminal: envBool("QR_TERMINAL", false),
	}
}

// Validate reports configuration that would leave the gateway unusable.
func (c *Config) Validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	switch c.Provider {
	case ProviderWuzapi:
		if c.WuzapiBaseURL == "" {
			return fmt.Errorf("WUZAPI_BASE_URL is required when PROVIDER=%s", c.Provider)
		}
	case ProviderEvolution:
		if c.EvolutionBaseURL == "" {
			return fmt.Errorf("EVOLUTION_BASE_URL is required when PROVIDER=%s", c.Provider)
		}
	default:
		return fmt.Errorf("unknown PROVIDER %q", c.Provider)
	}
	if c.CompletionURL == "" {
		return fmt.Errorf("COMPLETION_URL is required")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when S3_ENABLED=true")
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY (%s) must not be below RECONNECT_BASE_DELAY (%s)", c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	return nil
}

// WebhookURL is the absolute URL the relay provider should push events to.
// Empty when PUBLIC_BASE_URL is not configured.
func (c *Config) WebhookURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + c.WebhookPath
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envInt reads a positive int; zero, negative or malformed values fall back to def.
func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

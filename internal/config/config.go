package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// MinPollInterval bounds the platform call rate of the polling engine.
const MinPollInterval = 500 * time.Millisecond

// Config application configuration
type Config struct {
	// HTTP server
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8000"`
	CORSOrigins string `env:"CORS_ORIGINS"` // comma-separated, empty disables CORS

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/gateway.db"`

	// Platform bridge
	PlatformURL     string        `env:"PLATFORM_URL,required"`
	PlatformAPIKey  string        `env:"PLATFORM_API_KEY"`
	PlatformTimeout time.Duration `env:"PLATFORM_TIMEOUT" envDefault:"30s"`

	// Polling
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`

	// Login retry
	LoginAttempts int           `env:"LOGIN_ATTEMPTS" envDefault:"3"`
	LoginBackoff  time.Duration `env:"LOGIN_BACKOFF" envDefault:"5s"`

	// Outbound calls
	WebhookTimeout    time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	MediaFetchTimeout time.Duration `env:"MEDIA_FETCH_TIMEOUT" envDefault:"30s"`

	// App sessions
	JWTSecret  string        `env:"JWT_SECRET" envDefault:"dev-secret"`
	JWTExpires time.Duration `env:"JWT_EXPIRES" envDefault:"24h"`

	// Operator bootstrap; the user is seeded at startup when a password is set
	AppUsername string `env:"APP_USERNAME" envDefault:"admin"`
	AppPassword string `env:"APP_PASSWORD"`

	// Uploads
	MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES" envDefault:"3000000"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Clamp the poll interval to keep the platform call rate bounded
	if cfg.PollInterval < MinPollInterval {
		cfg.PollInterval = MinPollInterval
	}

	if cfg.LoginAttempts < 1 {
		return nil, fmt.Errorf("LOGIN_ATTEMPTS must be at least 1, got %d", cfg.LoginAttempts)
	}

	return cfg, nil
}

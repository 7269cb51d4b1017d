package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/engine.db"`

	// Webhook server
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Sync engine
	SyncWorkers  int           `env:"SYNC_WORKERS" envDefault:"4"`
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"` // poll fallback between pushes
	SyncTimeout  time.Duration `env:"SYNC_TIMEOUT" envDefault:"2m"`

	// Watch renewal
	RenewalWindow        time.Duration `env:"RENEWAL_WINDOW" envDefault:"12h"`
	RenewalSweepInterval time.Duration `env:"RENEWAL_SWEEP_INTERVAL" envDefault:"15m"`
	RenewalMaxAttempts   int           `env:"RENEWAL_MAX_ATTEMPTS" envDefault:"5"`

	// Outbound sends
	SendMaxAttempts    int           `env:"SEND_MAX_ATTEMPTS" envDefault:"5"`
	RetrySweepInterval time.Duration `env:"RETRY_SWEEP_INTERVAL" envDefault:"1m"`

	// Backoff for renewals and send retries
	BackoffBase time.Duration `env:"BACKOFF_BASE" envDefault:"30s"`
	BackoffCap  time.Duration `env:"BACKOFF_CAP" envDefault:"10m"`

	// Providers
	ProviderTimeout        time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	ProviderRPS            float64       `env:"PROVIDER_RPS" envDefault:"5"`
	GmailBaseURL           string        `env:"GMAIL_BASE_URL" envDefault:"https://gmail.googleapis.com/gmail/v1"`
	GraphBaseURL           string        `env:"GRAPH_BASE_URL" envDefault:"https://graph.microsoft.com/v1.0"`
	OutlookNotificationURL string        `env:"OUTLOOK_NOTIFICATION_URL"`
	TokenServiceURL        string        `env:"TOKEN_SERVICE_URL,required"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// Operator alerts via Telegram (optional)
	TelegramAlertToken  string `env:"TELEGRAM_ALERT_TOKEN"`
	TelegramAlertChatID int64  `env:"TELEGRAM_ALERT_CHAT_ID"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// AlertsEnabled returns true if Telegram operator alerts are configured
func (c *Config) AlertsEnabled() bool {
	return c.TelegramAlertToken != "" && c.TelegramAlertChatID != 0
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate encryption key length (32 bytes for AES-256)
	if len(cfg.EncryptionKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(cfg.EncryptionKey))
	}

	if cfg.SyncWorkers < 1 {
		return nil, fmt.Errorf("SYNC_WORKERS must be at least 1")
	}

	return cfg, nil
}

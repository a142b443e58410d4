package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/gptgate/gptgate/pkg/subscription"
)

// AppConfig is loaded from environment variables, with an optional .env
// file for local development.
type AppConfig struct {
	ListenAddr        string `env:"LISTEN_ADDR" envDefault:":8080"`
	MetricsListenAddr string `env:"METRICS_LISTEN_ADDR" envDefault:":9090"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`

	// APIKey is the shared secret API callers present in X-API-Key.
	APIKey string `env:"API_KEY,required"`

	StripeAPIKey        string `env:"STRIPE_API_KEY,required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
	PortalReturnURL     string `env:"PORTAL_RETURN_URL"`

	// ProPriceRef is the Stripe price for the pro plan.
	ProPriceRef  string `env:"PRO_PRICE_REF,required"`
	TrialDays    int64  `env:"TRIAL_DAYS" envDefault:"7"`
	DaysUntilDue int64  `env:"DAYS_UNTIL_DUE" envDefault:"7"`

	// StoreBackend selects the record store: memory, postgres or firestore.
	StoreBackend       string `env:"STORE_BACKEND" envDefault:"memory"`
	PostgresDSN        string `env:"POSTGRES_DSN"`
	FirestoreProjectID string `env:"FIRESTORE_PROJECT_ID"`

	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	// RedisAddr enables the shared Redis rate limiter when set;
	// otherwise the in-memory limiter is used.
	RedisAddr string `env:"REDIS_ADDR"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (AppConfig, error) {
	// The .env file might not exist and that's ok.
	_ = godotenv.Load()

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse environment: %w", err)
	}

	switch cfg.StoreBackend {
	case "memory":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return AppConfig{}, fmt.Errorf("POSTGRES_DSN is required for the postgres backend")
		}
	case "firestore":
		if cfg.FirestoreProjectID == "" {
			return AppConfig{}, fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore backend")
		}
	default:
		return AppConfig{}, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if cfg.DaysUntilDue < 0 {
		return AppConfig{}, fmt.Errorf("DAYS_UNTIL_DUE must be non-negative")
	}
	return cfg, nil
}

// PlanPrices maps plan tags to Stripe price refs.
func (c AppConfig) PlanPrices() map[subscription.Plan]string {
	return map[subscription.Plan]string{
		subscription.PlanPro: c.ProPriceRef,
	}
}

// PricePlans is the reverse mapping, used by the webhook handler to
// resolve an event's price to a plan.
func (c AppConfig) PricePlans() map[string]subscription.Plan {
	return map[string]subscription.Plan{
		c.ProPriceRef: subscription.PlanPro,
	}
}

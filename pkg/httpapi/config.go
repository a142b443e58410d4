// Package httpapi exposes the subscription service over HTTP: access
// checks, checkout and portal session creation, and invoice re-sends.
// All endpoints require the shared-secret API key header.
package httpapi

import (
	"context"
	"fmt"

	"github.com/gptgate/gptgate/pkg/ratelimit"
	"github.com/gptgate/gptgate/pkg/subscription"
)

// Checkout is the slice of the orchestrator the API handlers need.
// *subscription.Orchestrator satisfies it.
type Checkout interface {
	CreateOrReuseSubscription(ctx context.Context, email string, plan subscription.Plan) (*subscription.CheckoutResult, error)
	CreatePortalSession(ctx context.Context, email string) (string, error)
	ResendInvoice(ctx context.Context, email string) error
}

// Config holds configuration for the API handler
type Config struct {
	// Store persists user records (required)
	Store subscription.Store

	// Checkout provisions subscriptions and portal sessions (required)
	Checkout Checkout

	// APIKey is the static shared secret callers must present in the
	// X-API-Key header (required)
	APIKey string

	// Limiter rate-limits requests by client IP (optional)
	Limiter ratelimit.Limiter

	// Logger is used for structured logging (default: NoopLogger)
	Logger subscription.Logger

	// Metrics tracks access checks (default: NoopMetrics)
	Metrics subscription.Metrics
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Checkout == nil {
		return fmt.Errorf("checkout orchestrator is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &subscription.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &subscription.NoopMetrics{}
	}
	return &Handler{
		config: config,
	}, nil
}

package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/gptgate/gptgate/internal/httputil"
	"github.com/gptgate/gptgate/pkg/ratelimit"
	"github.com/gptgate/gptgate/pkg/subscription"
)

const maxWebhookBodyBytes = 256 * 1024

// WebhookConfig holds webhook handler configuration
type WebhookConfig struct {
	// SigningSecret is the endpoint's signing secret from the Stripe
	// dashboard (required)
	SigningSecret string

	// Reconciler applies normalized events to the store (required)
	Reconciler *subscription.Reconciler

	// PricePlans maps Stripe price IDs to plan tags. Events whose price
	// is not listed leave the stored plan unchanged.
	PricePlans map[string]subscription.Plan

	// Limiter rate-limits inbound deliveries by client IP (optional)
	Limiter ratelimit.Limiter

	// Logger is used for structured logging (default: NoopLogger)
	Logger subscription.Logger

	// Metrics tracks webhook processing (default: NoopMetrics)
	Metrics subscription.Metrics
}

// WebhookHandler verifies and dispatches Stripe webhook deliveries.
// Unhandled event types are acknowledged and dropped; handler failures
// return 500 so Stripe retries the delivery.
type WebhookHandler struct {
	secret     []byte
	reconciler *subscription.Reconciler
	pricePlans map[string]subscription.Plan
	limiter    ratelimit.Limiter
	logger     subscription.Logger
	metrics    subscription.Metrics
}

// NewWebhookHandler creates a webhook handler from the given
// configuration.
func NewWebhookHandler(config WebhookConfig) (*WebhookHandler, error) {
	secret := strings.TrimSpace(config.SigningSecret)
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook signing secret is required", subscription.ErrValidation)
	}
	if config.Reconciler == nil {
		return nil, fmt.Errorf("%w: reconciler is required", subscription.ErrValidation)
	}
	logger := config.Logger
	if logger == nil {
		logger = &subscription.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &subscription.NoopMetrics{}
	}
	return &WebhookHandler{
		secret:     []byte(secret),
		reconciler: config.Reconciler,
		pricePlans: config.PricePlans,
		limiter:    config.Limiter,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.limiter != nil {
		ok, err := h.limiter.Allow(r.Context(), httputil.ClientIP(r))
		if err != nil {
			// Limiter backend down. Webhooks are signed, so admit
			// rather than drop deliveries.
			h.logger.Warn("rate limiter unavailable, admitting request",
				subscription.Field{Key: "error", Value: err.Error()},
			)
		} else if !ok {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			h.metrics.RecordWebhookError("rate_limited")
			return
		}
	}

	body, err := httputil.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError("payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			h.metrics.RecordWebhookError("invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := stripe.ConstructEvent(body, sig, string(h.secret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		h.metrics.RecordWebhookError("auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := h.processEvent(r.Context(), &event); err != nil {
		h.logger.Error("webhook processing failed",
			subscription.Field{Key: "event_type", Value: eventType},
			subscription.Field{Key: "event_id", Value: event.ID},
			subscription.Field{Key: "error", Value: err.Error()},
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		h.metrics.RecordWebhookEvent(eventType, "error")
		h.metrics.RecordWebhookError("processing_error")
		h.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})

	h.metrics.RecordWebhookEvent(eventType, "success")
	h.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
}

func (h *WebhookHandler) processEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return h.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return h.handleSubscriptionChanged(ctx, event, false)
	case "customer.subscription.deleted":
		return h.handleSubscriptionChanged(ctx, event, true)
	case "invoice.paid", "invoice.payment_succeeded":
		return h.handleInvoicePaid(ctx, event)
	default:
		// Unknown event type - acknowledge and drop
		h.logger.Debug("ignoring webhook event",
			subscription.Field{Key: "event_type", Value: string(event.Type)},
		)
		return nil
	}
}

func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	if session.Subscription == nil || session.Subscription.ID == "" {
		// Not a subscription checkout - ignore
		return nil
	}
	if session.Customer == nil || session.Customer.ID == "" {
		return fmt.Errorf("checkout session %s has no customer", session.ID)
	}

	return h.reconciler.HandleCheckoutCompleted(ctx, subscription.CheckoutCompleted{
		CustomerRef:     session.Customer.ID,
		SubscriptionRef: session.Subscription.ID,
	})
}

func (h *WebhookHandler) handleSubscriptionChanged(ctx context.Context, event *stripe.Event, deleted bool) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("subscription %s has no customer", sub.ID)
	}

	mapped := toSubscription(&sub)
	ev := subscription.SubscriptionChanged{
		CustomerRef:      mapped.CustomerRef,
		SubscriptionRef:  mapped.Ref,
		RawStatus:        mapped.RawStatus,
		Collection:       mapped.Collection,
		LatestInvoiceRef: mapped.LatestInvoiceRef,
		CurrentPeriodEnd: mapped.CurrentPeriodEnd,
		Plan:             h.pricePlans[mapped.PriceRef],
	}

	if deleted {
		return h.reconciler.HandleSubscriptionDeleted(ctx, ev)
	}
	return h.reconciler.HandleSubscriptionChanged(ctx, ev)
}

func (h *WebhookHandler) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	subscriptionRef := invoiceSubscriptionRef(event.Data.Raw)
	if subscriptionRef == "" {
		// Not a subscription invoice - ignore
		return nil
	}
	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return fmt.Errorf("invoice %s has no customer", invoice.ID)
	}

	return h.reconciler.HandleInvoicePaid(ctx, subscription.InvoicePaid{
		CustomerRef:     invoice.Customer.ID,
		SubscriptionRef: subscriptionRef,
	})
}

// invoiceSubscriptionRef digs the subscription reference out of the raw
// invoice payload. Older API versions carry a top-level "subscription"
// field; newer ones nest it under parent.subscription_details.
func invoiceSubscriptionRef(raw json.RawMessage) string {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}

	switch v := data["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}

	parent, _ := data["parent"].(map[string]interface{})
	details, _ := parent["subscription_details"].(map[string]interface{})
	switch v := details["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

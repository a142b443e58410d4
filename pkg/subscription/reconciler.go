package subscription

import (
	"context"
	"fmt"
	"time"
)

// Gateway is the read-side contract the reconciler needs from the payment
// processor. The reconciler resolves the affected user by the upstream
// customer object's email rather than trusting event payload fields.
type Gateway interface {
	// CustomerEmail retrieves the email of the upstream customer.
	CustomerEmail(ctx context.Context, customerRef string) (string, error)

	// SubscriptionPeriodEnd retrieves the current period end for a
	// subscription from the upstream source of truth. Nil when the
	// subscription carries no period end.
	SubscriptionPeriodEnd(ctx context.Context, subscriptionRef string) (*time.Time, error)

	// InvoiceStatus retrieves the raw status of an invoice (e.g. "paid",
	// "open", "draft").
	InvoiceStatus(ctx context.Context, invoiceRef string) (string, error)
}

// CheckoutCompleted signals that the processor confirmed a checkout: payment
// method attached and initial charge settled. Unconditional access grant.
type CheckoutCompleted struct {
	CustomerRef     string
	SubscriptionRef string
}

// SubscriptionChanged signals that a subscription was created, updated or
// deleted upstream.
type SubscriptionChanged struct {
	CustomerRef      string
	SubscriptionRef  string
	RawStatus        string
	Collection       CollectionMode
	LatestInvoiceRef string
	CurrentPeriodEnd *time.Time
	// Plan is the plan resolved from the subscription's price by the caller.
	// Empty leaves the stored plan unchanged.
	Plan Plan
}

// InvoicePaid signals that a payment landed. This is the authoritative
// "payment landed" signal and overrides any provisional downgrade.
type InvoicePaid struct {
	CustomerRef     string
	SubscriptionRef string
}

// ReconcilerConfig holds the collaborators of a Reconciler.
type ReconcilerConfig struct {
	// Store persists user records (required).
	Store Store

	// Gateway reaches the payment processor (required).
	Gateway Gateway

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks reconciliation operations (default: NoopMetrics).
	Metrics Metrics
}

// Reconciler is the subscription-status state machine. Given an inbound
// processor event and the stored record it computes and persists the new
// record. Every handler is idempotent under event redelivery: the resulting
// state is recomputed in full from immutable external references, so
// applying the same event twice rewrites the same record.
type Reconciler struct {
	store   Store
	gateway Gateway
	logger  Logger
	metrics Metrics
}

// NewReconciler creates a Reconciler from the given configuration.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrValidation)
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("%w: gateway is required", ErrValidation)
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	return &Reconciler{
		store:   cfg.Store,
		gateway: cfg.Gateway,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// HandleCheckoutCompleted applies a confirmed checkout: status active,
// subscription ref recorded, period end fetched from the source of truth.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, ev CheckoutCompleted) error {
	if ev.CustomerRef == "" || ev.SubscriptionRef == "" {
		return fmt.Errorf("%w: checkout event missing customer or subscription ref", ErrValidation)
	}

	email, err := r.gateway.CustomerEmail(ctx, ev.CustomerRef)
	if err != nil {
		return fmt.Errorf("resolve customer email: %w", err)
	}

	periodEnd, err := r.gateway.SubscriptionPeriodEnd(ctx, ev.SubscriptionRef)
	if err != nil {
		return fmt.Errorf("fetch subscription period end: %w", err)
	}

	return r.apply(ctx, email, RecordUpdate{
		CustomerRef:      StringPtr(ev.CustomerRef),
		SubscriptionRef:  StringPtr(ev.SubscriptionRef),
		Status:           StatusPtr(StatusActive),
		CurrentPeriodEnd: periodEnd,
	})
}

// HandleSubscriptionChanged applies a subscription create/update event. The
// raw status is normalized; a nominal "active" under deferred-invoice
// collection is provisional and is downgraded to awaiting_payment unless the
// latest invoice is confirmed paid (the strict check).
func (r *Reconciler) HandleSubscriptionChanged(ctx context.Context, ev SubscriptionChanged) error {
	if ev.CustomerRef == "" || ev.SubscriptionRef == "" {
		return fmt.Errorf("%w: subscription event missing customer or subscription ref", ErrValidation)
	}

	email, err := r.gateway.CustomerEmail(ctx, ev.CustomerRef)
	if err != nil {
		return fmt.Errorf("resolve customer email: %w", err)
	}

	status := r.strictStatus(ctx, ev.RawStatus, ev.Collection, ev.LatestInvoiceRef)

	upd := RecordUpdate{
		CustomerRef:      StringPtr(ev.CustomerRef),
		SubscriptionRef:  StringPtr(ev.SubscriptionRef),
		Status:           StatusPtr(status),
		CurrentPeriodEnd: ev.CurrentPeriodEnd,
	}
	if ev.Plan != "" {
		upd.Plan = PlanPtr(ev.Plan)
	}
	return r.apply(ctx, email, upd)
}

// HandleSubscriptionDeleted applies a subscription termination event. The
// terminal processor status normalizes to canceled.
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, ev SubscriptionChanged) error {
	ev.RawStatus = "canceled"
	return r.HandleSubscriptionChanged(ctx, ev)
}

// HandleInvoicePaid applies a settled invoice: unconditional override to
// active regardless of prior state, period end refreshed from the
// subscription. Invoices with no associated subscription are ignored.
func (r *Reconciler) HandleInvoicePaid(ctx context.Context, ev InvoicePaid) error {
	if ev.SubscriptionRef == "" {
		// Not a subscription invoice.
		return nil
	}
	if ev.CustomerRef == "" {
		return fmt.Errorf("%w: invoice event missing customer ref", ErrValidation)
	}

	email, err := r.gateway.CustomerEmail(ctx, ev.CustomerRef)
	if err != nil {
		return fmt.Errorf("resolve customer email: %w", err)
	}

	periodEnd, err := r.gateway.SubscriptionPeriodEnd(ctx, ev.SubscriptionRef)
	if err != nil {
		return fmt.Errorf("fetch subscription period end: %w", err)
	}

	return r.apply(ctx, email, RecordUpdate{
		CustomerRef:      StringPtr(ev.CustomerRef),
		SubscriptionRef:  StringPtr(ev.SubscriptionRef),
		Status:           StatusPtr(StatusActive),
		CurrentPeriodEnd: periodEnd,
	})
}

// strictStatus normalizes a raw processor status and applies the strict
// deferred-payment check: "active" under deferred-invoice collection only
// counts once the invoice is settled. When the invoice lookup itself fails
// the check fails closed to awaiting_payment; the eventual invoice.paid
// delivery restores active.
func (r *Reconciler) strictStatus(ctx context.Context, raw string, mode CollectionMode, invoiceRef string) Status {
	status := NormalizeStatus(raw)
	if status != StatusActive || mode != CollectionDeferredInvoice {
		return status
	}

	if invoiceRef == "" {
		// Nothing has been invoiced yet, so nothing can have been paid.
		return StatusAwaitingPayment
	}

	invoiceStatus, err := r.gateway.InvoiceStatus(ctx, invoiceRef)
	if err != nil {
		r.logger.Warn("invoice lookup failed during strict check, failing closed",
			Field{Key: "invoice", Value: invoiceRef},
			Field{Key: "error", Value: err.Error()},
		)
		r.metrics.RecordWebhookError("strict_check_invoice_lookup")
		return StatusAwaitingPayment
	}
	if invoiceStatus != "paid" {
		return StatusAwaitingPayment
	}
	return StatusActive
}

// apply persists the computed update with one atomic upsert.
func (r *Reconciler) apply(ctx context.Context, email string, upd RecordUpdate) error {
	prev, err := r.store.FindByEmail(ctx, email)
	if err != nil && err != ErrUserNotFound {
		return fmt.Errorf("load record: %w", err)
	}

	rec, err := r.store.Upsert(ctx, email, upd)
	if err != nil {
		return fmt.Errorf("persist record: %w", err)
	}

	prevStatus := StatusNone
	if prev != nil && prev.Status != "" {
		prevStatus = prev.Status
	}
	if rec.Status != prevStatus {
		r.metrics.RecordStatusChange(prevStatus, rec.Status)
		r.logger.Info("subscription status changed",
			Field{Key: "email", Value: rec.Email},
			Field{Key: "from", Value: string(prevStatus)},
			Field{Key: "to", Value: string(rec.Status)},
		)
	}
	return nil
}

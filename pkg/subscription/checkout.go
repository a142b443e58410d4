package subscription

import (
	"context"
	"fmt"
	"time"
)

// Customer is the processor-side customer object as seen by the orchestrator.
type Customer struct {
	Ref   string
	Email string
}

// Subscription is the processor-side subscription object as seen by the
// orchestrator.
type Subscription struct {
	Ref              string
	CustomerRef      string
	RawStatus        string
	Collection       CollectionMode
	LatestInvoiceRef string
	CurrentPeriodEnd *time.Time
	TrialEnd         *time.Time
	PriceRef         string
}

// CreateSubscriptionRequest describes a subscription to create upstream.
type CreateSubscriptionRequest struct {
	CustomerRef string
	PriceRef    string
	// TrialDays is the trial length in days; zero disables the trial.
	TrialDays int64
	// DaysUntilDue is how long after invoicing payment is due. Must be
	// non-negative and should not undercut the trial, so the first invoice
	// is not due before the trial ends.
	DaysUntilDue int64
}

// ProvisioningGateway is the write-side contract the orchestrator needs from
// the payment processor.
type ProvisioningGateway interface {
	// RetrieveCustomer fetches a customer by reference.
	// Returns ErrCustomerNotFound for stale or deleted references.
	RetrieveCustomer(ctx context.Context, customerRef string) (*Customer, error)

	// FindCustomerByEmail searches for a customer by email.
	// Returns ErrCustomerNotFound when none exists.
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)

	// CreateCustomer creates a new upstream customer for the email.
	CreateCustomer(ctx context.Context, email string) (*Customer, error)

	// ListSubscriptions lists the customer's subscriptions, newest first.
	ListSubscriptions(ctx context.Context, customerRef string) ([]Subscription, error)

	// CreateSubscription creates a new upstream subscription.
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)

	// PortalURL creates a management-portal session for the customer and
	// returns its URL.
	PortalURL(ctx context.Context, customerRef string) (string, error)

	// LatestOpenInvoice returns the ref of the customer's most recent open
	// invoice. Returns ErrInvoiceNotFound when there is none.
	LatestOpenInvoice(ctx context.Context, customerRef string) (string, error)

	// SendInvoice asks the processor to (re)send an invoice to the customer.
	SendInvoice(ctx context.Context, invoiceRef string) error
}

// CheckoutResult is the outcome of CreateOrReuseSubscription.
type CheckoutResult struct {
	SubscriptionRef  string
	RawStatus        string
	Status           Status
	Plan             Plan
	TrialEnd         *time.Time
	CurrentPeriodEnd *time.Time
	// Reused reports whether an existing active or trialing subscription
	// was reused instead of creating a new one.
	Reused bool
}

// OrchestratorConfig holds the collaborators and policy of an Orchestrator.
type OrchestratorConfig struct {
	// Store persists user records (required).
	Store Store

	// Provisioning reaches the processor's write side (required).
	Provisioning ProvisioningGateway

	// Gateway reaches the processor's read side, for the strict
	// deferred-payment check on the initial status (required).
	Gateway Gateway

	// PlanPrices maps plan tags to processor price references (required,
	// non-empty). A checkout for a plan missing here fails with
	// ErrPlanNotConfigured.
	PlanPrices map[Plan]string

	// TrialDays is the trial length for new subscriptions (default 0).
	TrialDays int64

	// DaysUntilDue is the payment-due policy for deferred invoices.
	// Must be non-negative.
	DaysUntilDue int64

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks orchestration operations (default: NoopMetrics).
	Metrics Metrics
}

// Orchestrator idempotently finds or creates the upstream customer and
// subscription for an email, enforcing at most one active subscription per
// customer.
type Orchestrator struct {
	store        Store
	provisioning ProvisioningGateway
	gateway      Gateway
	planPrices   map[Plan]string
	trialDays    int64
	daysUntilDue int64
	logger       Logger
	metrics      Metrics
}

// NewOrchestrator creates an Orchestrator from the given configuration.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrValidation)
	}
	if cfg.Provisioning == nil {
		return nil, fmt.Errorf("%w: provisioning gateway is required", ErrValidation)
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("%w: gateway is required", ErrValidation)
	}
	if len(cfg.PlanPrices) == 0 {
		return nil, fmt.Errorf("%w: no plan prices", ErrPlanNotConfigured)
	}
	if cfg.DaysUntilDue < 0 {
		return nil, fmt.Errorf("%w: days until due must be non-negative", ErrValidation)
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	return &Orchestrator{
		store:        cfg.Store,
		provisioning: cfg.Provisioning,
		gateway:      cfg.Gateway,
		planPrices:   cfg.PlanPrices,
		trialDays:    cfg.TrialDays,
		daysUntilDue: cfg.DaysUntilDue,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}, nil
}

// CreateOrReuseSubscription resolves or creates the upstream customer and
// subscription for the email, derives the initial status through the same
// strict deferred-payment rule the reconciler uses, and persists the record.
// An existing active or trialing subscription is reused rather than
// duplicated; that path is the normal idempotent retry, not an error.
func (o *Orchestrator) CreateOrReuseSubscription(ctx context.Context, email string, plan Plan) (*CheckoutResult, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}

	priceRef, ok := o.planPrices[plan]
	if !ok || priceRef == "" {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotConfigured, plan)
	}

	rec, err := o.store.FindByEmail(ctx, email)
	if err == ErrUserNotFound {
		rec, err = o.store.Create(ctx, email)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve user record: %w", err)
	}

	customer, err := o.resolveCustomer(ctx, rec)
	if err != nil {
		return nil, err
	}

	sub, reused, err := o.resolveSubscription(ctx, customer.Ref, priceRef)
	if err != nil {
		return nil, err
	}

	status := o.initialStatus(ctx, sub)

	if _, err := o.store.Upsert(ctx, email, RecordUpdate{
		CustomerRef:      StringPtr(customer.Ref),
		SubscriptionRef:  StringPtr(sub.Ref),
		Plan:             PlanPtr(plan),
		Status:           StatusPtr(status),
		CurrentPeriodEnd: subscriptionPeriodEnd(sub),
	}); err != nil {
		return nil, fmt.Errorf("persist record: %w", err)
	}

	o.logger.Info("checkout resolved",
		Field{Key: "email", Value: email},
		Field{Key: "subscription", Value: sub.Ref},
		Field{Key: "status", Value: string(status)},
		Field{Key: "reused", Value: reused},
	)

	return &CheckoutResult{
		SubscriptionRef:  sub.Ref,
		RawStatus:        sub.RawStatus,
		Status:           status,
		Plan:             plan,
		TrialEnd:         sub.TrialEnd,
		CurrentPeriodEnd: subscriptionPeriodEnd(sub),
		Reused:           reused,
	}, nil
}

// CreatePortalSession returns an upstream-issued management-portal URL for
// the customer behind the email. Fails with ErrCustomerNotFound if the email
// has no upstream customer.
func (o *Orchestrator) CreatePortalSession(ctx context.Context, email string) (string, error) {
	customer, err := o.lookupCustomer(ctx, email)
	if err != nil {
		return "", err
	}
	return o.provisioning.PortalURL(ctx, customer.Ref)
}

// ResendInvoice asks the processor to re-send the customer's most recent
// open invoice.
func (o *Orchestrator) ResendInvoice(ctx context.Context, email string) error {
	customer, err := o.lookupCustomer(ctx, email)
	if err != nil {
		return err
	}
	invoiceRef, err := o.provisioning.LatestOpenInvoice(ctx, customer.Ref)
	if err != nil {
		return err
	}
	return o.provisioning.SendInvoice(ctx, invoiceRef)
}

// resolveCustomer finds the upstream customer with a three-tier fallback:
// the ref stored on the record, then search by email, then create. This
// avoids duplicate customers while tolerating a stale stored reference.
func (o *Orchestrator) resolveCustomer(ctx context.Context, rec *UserRecord) (*Customer, error) {
	if rec.CustomerRef != "" {
		customer, err := o.provisioning.RetrieveCustomer(ctx, rec.CustomerRef)
		if err == nil {
			return customer, nil
		}
		o.logger.Warn("stored customer ref is stale, falling back to email lookup",
			Field{Key: "email", Value: rec.Email},
			Field{Key: "customer", Value: rec.CustomerRef},
		)
	}

	customer, err := o.provisioning.FindCustomerByEmail(ctx, rec.Email)
	if err == nil {
		return customer, nil
	}
	if err != ErrCustomerNotFound {
		return nil, fmt.Errorf("search customer by email: %w", err)
	}

	customer, err = o.provisioning.CreateCustomer(ctx, rec.Email)
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return customer, nil
}

// resolveSubscription reuses an existing active or trialing subscription or
// creates a new one with the configured trial and deferred-invoice policy.
func (o *Orchestrator) resolveSubscription(ctx context.Context, customerRef, priceRef string) (*Subscription, bool, error) {
	existing, err := o.provisioning.ListSubscriptions(ctx, customerRef)
	if err != nil {
		return nil, false, fmt.Errorf("list subscriptions: %w", err)
	}
	for i := range existing {
		switch NormalizeStatus(existing[i].RawStatus) {
		case StatusActive, StatusTrialing:
			return &existing[i], true, nil
		}
	}

	sub, err := o.provisioning.CreateSubscription(ctx, CreateSubscriptionRequest{
		CustomerRef:  customerRef,
		PriceRef:     priceRef,
		TrialDays:    o.trialDays,
		DaysUntilDue: o.daysUntilDue,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create subscription: %w", err)
	}
	return sub, false, nil
}

// initialStatus derives the record status for a just-resolved subscription,
// applying the same strict deferred-payment rule as the reconciler.
func (o *Orchestrator) initialStatus(ctx context.Context, sub *Subscription) Status {
	status := NormalizeStatus(sub.RawStatus)
	if status != StatusActive || sub.Collection != CollectionDeferredInvoice {
		return status
	}
	if sub.LatestInvoiceRef == "" {
		return StatusAwaitingPayment
	}
	invoiceStatus, err := o.gateway.InvoiceStatus(ctx, sub.LatestInvoiceRef)
	if err != nil {
		o.logger.Warn("invoice lookup failed during strict check, failing closed",
			Field{Key: "invoice", Value: sub.LatestInvoiceRef},
			Field{Key: "error", Value: err.Error()},
		)
		return StatusAwaitingPayment
	}
	if invoiceStatus != "paid" {
		return StatusAwaitingPayment
	}
	return StatusActive
}

// lookupCustomer resolves the upstream customer for an email via the stored
// record first, then an upstream email search.
func (o *Orchestrator) lookupCustomer(ctx context.Context, email string) (*Customer, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}

	rec, err := o.store.FindByEmail(ctx, email)
	if err != nil && err != ErrUserNotFound {
		return nil, fmt.Errorf("load record: %w", err)
	}
	if rec != nil && rec.CustomerRef != "" {
		customer, err := o.provisioning.RetrieveCustomer(ctx, rec.CustomerRef)
		if err == nil {
			return customer, nil
		}
		if err != ErrCustomerNotFound {
			return nil, err
		}
	}
	return o.provisioning.FindCustomerByEmail(ctx, email)
}

func subscriptionPeriodEnd(sub *Subscription) *time.Time {
	if sub.CurrentPeriodEnd != nil {
		return sub.CurrentPeriodEnd
	}
	// Trialing subscriptions bill at trial end; until the first invoice the
	// trial end is the paid-period boundary.
	return sub.TrialEnd
}

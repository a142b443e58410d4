// Package stripe adapts the Stripe API to the subscription package's
// gateway contracts and hosts the webhook ingress handler.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/gptgate/gptgate/pkg/subscription"
)

const invoiceStatusOpen = "open"

// Config holds Stripe gateway configuration
type Config struct {
	// APIKey is the Stripe secret key (required)
	APIKey string

	// PortalReturnURL is where the billing portal sends customers back
	// to (required for portal sessions)
	PortalReturnURL string

	// Logger is used for structured logging (default: NoopLogger)
	Logger subscription.Logger

	// Metrics tracks upstream API calls (default: NoopMetrics)
	Metrics subscription.Metrics
}

// Gateway implements subscription.Gateway and
// subscription.ProvisioningGateway against the Stripe API.
type Gateway struct {
	client          *stripe.Client
	portalReturnURL string
	logger          subscription.Logger
	metrics         subscription.Metrics
}

// New creates a new Stripe gateway.
func New(config Config) (*Gateway, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: stripe API key is required", subscription.ErrValidation)
	}
	logger := config.Logger
	if logger == nil {
		logger = &subscription.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &subscription.NoopMetrics{}
	}
	return &Gateway{
		client:          stripe.NewClient(apiKey),
		portalReturnURL: config.PortalReturnURL,
		logger:          logger,
		metrics:         metrics,
	}, nil
}

// CustomerEmail retrieves the email of the Stripe customer.
func (g *Gateway) CustomerEmail(ctx context.Context, customerRef string) (string, error) {
	cust, err := g.retrieveCustomer(ctx, customerRef)
	if err != nil {
		return "", err
	}
	email := subscription.NormalizeEmail(cust.Email)
	if email == "" {
		return "", fmt.Errorf("%w: customer %s has no email", subscription.ErrUpstream, customerRef)
	}
	return email, nil
}

// SubscriptionPeriodEnd retrieves the current period end for a
// subscription. Nil when no item carries a period end yet.
func (g *Gateway) SubscriptionPeriodEnd(ctx context.Context, subscriptionRef string) (*time.Time, error) {
	start := time.Now()
	sub, err := g.client.V1Subscriptions.Retrieve(ctx, subscriptionRef, nil)
	g.metrics.RecordUpstreamCallDuration("subscriptions.retrieve", time.Since(start))
	if err != nil {
		g.metrics.RecordUpstreamCall("subscriptions.retrieve", "error")
		return nil, g.wrapError("retrieve subscription", err)
	}
	g.metrics.RecordUpstreamCall("subscriptions.retrieve", "success")
	return periodEndOf(sub), nil
}

// InvoiceStatus retrieves the raw status of an invoice.
func (g *Gateway) InvoiceStatus(ctx context.Context, invoiceRef string) (string, error) {
	start := time.Now()
	inv, err := g.client.V1Invoices.Retrieve(ctx, invoiceRef, nil)
	g.metrics.RecordUpstreamCallDuration("invoices.retrieve", time.Since(start))
	if err != nil {
		g.metrics.RecordUpstreamCall("invoices.retrieve", "error")
		if isNotFound(err) {
			return "", subscription.ErrInvoiceNotFound
		}
		return "", g.wrapError("retrieve invoice", err)
	}
	g.metrics.RecordUpstreamCall("invoices.retrieve", "success")
	return string(inv.Status), nil
}

// RetrieveCustomer fetches a customer by reference. Deleted or unknown
// references map to ErrCustomerNotFound so callers can fall back to an
// email search.
func (g *Gateway) RetrieveCustomer(ctx context.Context, customerRef string) (*subscription.Customer, error) {
	cust, err := g.retrieveCustomer(ctx, customerRef)
	if err != nil {
		return nil, err
	}
	return &subscription.Customer{
		Ref:   cust.ID,
		Email: subscription.NormalizeEmail(cust.Email),
	}, nil
}

// FindCustomerByEmail searches for a customer by email, newest match
// first.
func (g *Gateway) FindCustomerByEmail(ctx context.Context, email string) (*subscription.Customer, error) {
	email = subscription.NormalizeEmail(email)

	params := &stripe.CustomerListParams{}
	params.Email = stripe.String(email)
	params.Limit = stripe.Int64(1)

	start := time.Now()
	for cust, err := range g.client.V1Customers.List(ctx, params) {
		if err != nil {
			g.metrics.RecordUpstreamCall("customers.list", "error")
			return nil, g.wrapError("list customers", err)
		}
		g.metrics.RecordUpstreamCall("customers.list", "success")
		g.metrics.RecordUpstreamCallDuration("customers.list", time.Since(start))
		return &subscription.Customer{
			Ref:   cust.ID,
			Email: subscription.NormalizeEmail(cust.Email),
		}, nil
	}

	g.metrics.RecordUpstreamCall("customers.list", "success")
	g.metrics.RecordUpstreamCallDuration("customers.list", time.Since(start))
	return nil, subscription.ErrCustomerNotFound
}

// CreateCustomer creates a new Stripe customer for the email.
func (g *Gateway) CreateCustomer(ctx context.Context, email string) (*subscription.Customer, error) {
	params := &stripe.CustomerCreateParams{
		Email: stripe.String(subscription.NormalizeEmail(email)),
	}

	start := time.Now()
	cust, err := g.client.V1Customers.Create(ctx, params)
	g.metrics.RecordUpstreamCallDuration("customers.create", time.Since(start))
	if err != nil {
		g.metrics.RecordUpstreamCall("customers.create", "error")
		return nil, g.wrapError("create customer", err)
	}
	g.metrics.RecordUpstreamCall("customers.create", "success")

	g.logger.Info("created stripe customer",
		subscription.Field{Key: "customer", Value: cust.ID},
	)
	return &subscription.Customer{
		Ref:   cust.ID,
		Email: subscription.NormalizeEmail(cust.Email),
	}, nil
}

// ListSubscriptions lists the customer's subscriptions across all
// statuses, newest first.
func (g *Gateway) ListSubscriptions(ctx context.Context, customerRef string) ([]subscription.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerRef)
	params.Status = stripe.String("all")

	start := time.Now()
	var subs []subscription.Subscription
	for sub, err := range g.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			g.metrics.RecordUpstreamCall("subscriptions.list", "error")
			return nil, g.wrapError("list subscriptions", err)
		}
		subs = append(subs, toSubscription(sub))
	}
	g.metrics.RecordUpstreamCall("subscriptions.list", "success")
	g.metrics.RecordUpstreamCallDuration("subscriptions.list", time.Since(start))
	return subs, nil
}

// CreateSubscription creates a deferred-invoice subscription with the
// configured trial.
func (g *Gateway) CreateSubscription(ctx context.Context, req subscription.CreateSubscriptionRequest) (*subscription.Subscription, error) {
	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(req.CustomerRef),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(req.PriceRef)},
		},
		CollectionMethod: stripe.String(string(subscription.CollectionDeferredInvoice)),
		DaysUntilDue:     stripe.Int64(req.DaysUntilDue),
	}
	if req.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(req.TrialDays)
	}

	start := time.Now()
	sub, err := g.client.V1Subscriptions.Create(ctx, params)
	g.metrics.RecordUpstreamCallDuration("subscriptions.create", time.Since(start))
	if err != nil {
		g.metrics.RecordUpstreamCall("subscriptions.create", "error")
		return nil, g.wrapError("create subscription", err)
	}
	g.metrics.RecordUpstreamCall("subscriptions.create", "success")

	g.logger.Info("created stripe subscription",
		subscription.Field{Key: "customer", Value: req.CustomerRef},
		subscription.Field{Key: "subscription", Value: sub.ID},
		subscription.Field{Key: "status", Value: string(sub.Status)},
	)
	result := toSubscription(sub)
	return &result, nil
}

// PortalURL creates a billing-portal session for the customer and
// returns its URL.
func (g *Gateway) PortalURL(ctx context.Context, customerRef string) (string, error) {
	params := &stripe.BillingPortalSessionCreateParams{
		Customer: stripe.String(customerRef),
	}
	if g.portalReturnURL != "" {
		params.ReturnURL = stripe.String(g.portalReturnURL)
	}

	start := time.Now()
	session, err := g.client.V1BillingPortalSessions.Create(ctx, params)
	g.metrics.RecordUpstreamCallDuration("billing_portal.sessions.create", time.Since(start))
	if err != nil {
		g.metrics.RecordUpstreamCall("billing_portal.sessions.create", "error")
		return "", g.wrapError("create portal session", err)
	}
	g.metrics.RecordUpstreamCall("billing_portal.sessions.create", "success")
	return session.URL, nil
}

// LatestOpenInvoice returns the ref of the customer's most recent open
// invoice.
func (g *Gateway) LatestOpenInvoice(ctx context.Context, customerRef string) (string, error) {
	params := &stripe.InvoiceListParams{}
	params.Customer = stripe.String(customerRef)
	params.Status = stripe.String(invoiceStatusOpen)
	params.Limit = stripe.Int64(1)

	start := time.Now()
	for inv, err := range g.client.V1Invoices.List(ctx, params) {
		if err != nil {
			g.metrics.RecordUpstreamCall("invoices.list", "error")
			return "", g.wrapError("list invoices", err)
		}
		g.metrics.RecordUpstreamCall("invoices.list", "success")
		g.metrics.RecordUpstreamCallDuration("invoices.list", time.Since(start))
		return inv.ID, nil
	}

	g.metrics.RecordUpstreamCall("invoices.list", "success")
	g.metrics.RecordUpstreamCallDuration("invoices.list", time.Since(start))
	return "", subscription.ErrInvoiceNotFound
}

// SendInvoice asks Stripe to email the invoice to the customer.
func (g *Gateway) SendInvoice(ctx context.Context, invoiceRef string) error {
	start := time.Now()
	_, err := g.client.V1Invoices.SendInvoice(ctx, invoiceRef, &stripe.InvoiceSendInvoiceParams{})
	g.metrics.RecordUpstreamCallDuration("invoices.send", time.Since(start))
	if err != nil {
		g.metrics.RecordUpstreamCall("invoices.send", "error")
		if isNotFound(err) {
			return subscription.ErrInvoiceNotFound
		}
		return g.wrapError("send invoice", err)
	}
	g.metrics.RecordUpstreamCall("invoices.send", "success")
	return nil
}

func (g *Gateway) retrieveCustomer(ctx context.Context, customerRef string) (*stripe.Customer, error) {
	start := time.Now()
	cust, err := g.client.V1Customers.Retrieve(ctx, customerRef, nil)
	g.metrics.RecordUpstreamCallDuration("customers.retrieve", time.Since(start))
	if err != nil {
		g.metrics.RecordUpstreamCall("customers.retrieve", "error")
		if isNotFound(err) {
			return nil, subscription.ErrCustomerNotFound
		}
		return nil, g.wrapError("retrieve customer", err)
	}
	g.metrics.RecordUpstreamCall("customers.retrieve", "success")
	if cust.Deleted {
		return nil, subscription.ErrCustomerNotFound
	}
	return cust, nil
}

// wrapError maps a Stripe API failure into the upstream error taxonomy
// while preserving the underlying detail for logs.
func (g *Gateway) wrapError(op string, err error) error {
	g.logger.Error("stripe call failed",
		subscription.Field{Key: "operation", Value: op},
		subscription.Field{Key: "error", Value: err.Error()},
	)
	return fmt.Errorf("%w: %s: %v", subscription.ErrUpstream, op, err)
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusNotFound ||
			stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}

// toSubscription maps the Stripe subscription object onto the gateway
// contract. Period boundaries live on the items in the current API, so
// the latest item end wins.
func toSubscription(sub *stripe.Subscription) subscription.Subscription {
	out := subscription.Subscription{
		Ref:              sub.ID,
		RawStatus:        string(sub.Status),
		Collection:       subscription.CollectionMode(sub.CollectionMethod),
		CurrentPeriodEnd: periodEndOf(sub),
	}
	if sub.Customer != nil {
		out.CustomerRef = sub.Customer.ID
	}
	if sub.LatestInvoice != nil {
		out.LatestInvoiceRef = sub.LatestInvoice.ID
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		out.TrialEnd = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		out.PriceRef = sub.Items.Data[0].Price.ID
	}
	return out
}

func periodEndOf(sub *stripe.Subscription) *time.Time {
	if sub == nil || sub.Items == nil {
		return nil
	}
	var latest int64
	for _, item := range sub.Items.Data {
		if item != nil && item.CurrentPeriodEnd > latest {
			latest = item.CurrentPeriodEnd
		}
	}
	if latest == 0 {
		return nil
	}
	t := time.Unix(latest, 0).UTC()
	return &t
}

package subscription_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gptgate/gptgate/pkg/subscription"
	"github.com/gptgate/gptgate/storage/memory"
)

const (
	testEmail       = "User@Example.com"
	testCustomerRef = "cus_test123"
	testSubRef      = "sub_test123"
	testInvoiceRef  = "in_test123"
)

// fakeGateway is a test double for the processor's read side.
type fakeGateway struct {
	emails     map[string]string
	periodEnds map[string]*time.Time
	invoices   map[string]string

	emailErr     error
	periodEndErr error
	invoiceErr   error

	invoiceCalls int
}

func (g *fakeGateway) CustomerEmail(_ context.Context, customerRef string) (string, error) {
	if g.emailErr != nil {
		return "", g.emailErr
	}
	email, ok := g.emails[customerRef]
	if !ok {
		return "", subscription.ErrCustomerNotFound
	}
	return email, nil
}

func (g *fakeGateway) SubscriptionPeriodEnd(_ context.Context, subscriptionRef string) (*time.Time, error) {
	if g.periodEndErr != nil {
		return nil, g.periodEndErr
	}
	return g.periodEnds[subscriptionRef], nil
}

func (g *fakeGateway) InvoiceStatus(_ context.Context, invoiceRef string) (string, error) {
	g.invoiceCalls++
	if g.invoiceErr != nil {
		return "", g.invoiceErr
	}
	status, ok := g.invoices[invoiceRef]
	if !ok {
		return "", subscription.ErrInvoiceNotFound
	}
	return status, nil
}

func newTestReconciler(t *testing.T, gw *fakeGateway) (*subscription.Reconciler, *memory.Store) {
	t.Helper()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.New().WithClock(func() time.Time { return fixed })
	rec, err := subscription.NewReconciler(subscription.ReconcilerConfig{
		Store:   store,
		Gateway: gw,
	})
	require.NoError(t, err)
	return rec, store
}

func TestHandleCheckoutCompleted_GrantsAccess(t *testing.T) {
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	gw := &fakeGateway{
		emails:     map[string]string{testCustomerRef: testEmail},
		periodEnds: map[string]*time.Time{testSubRef: &periodEnd},
	}
	r, store := newTestReconciler(t, gw)

	err := r.HandleCheckoutCompleted(context.Background(), subscription.CheckoutCompleted{
		CustomerRef:     testCustomerRef,
		SubscriptionRef: testSubRef,
	})
	require.NoError(t, err)

	rec, err := store.FindByEmail(context.Background(), "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, rec.Status)
	assert.Equal(t, testSubRef, rec.SubscriptionRef)
	require.NotNil(t, rec.CurrentPeriodEnd)
	assert.True(t, rec.CurrentPeriodEnd.Equal(periodEnd))
}

func TestHandleSubscriptionChanged_StatusMapping(t *testing.T) {
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		rawStatus     string
		collection    subscription.CollectionMode
		invoiceStatus string
		want          subscription.Status
	}{
		{"active charged automatically", "active", subscription.CollectionChargeAutomatically, "", subscription.StatusActive},
		{"active deferred and paid", "active", subscription.CollectionDeferredInvoice, "paid", subscription.StatusActive},
		{"active deferred and open", "active", subscription.CollectionDeferredInvoice, "open", subscription.StatusAwaitingPayment},
		{"active deferred and draft", "active", subscription.CollectionDeferredInvoice, "draft", subscription.StatusAwaitingPayment},
		{"trialing deferred", "trialing", subscription.CollectionDeferredInvoice, "open", subscription.StatusTrialing},
		{"past_due", "past_due", subscription.CollectionChargeAutomatically, "", subscription.StatusPastDue},
		{"unpaid maps to past_due", "unpaid", subscription.CollectionChargeAutomatically, "", subscription.StatusPastDue},
		{"unknown future status", "hibernating", subscription.CollectionChargeAutomatically, "", subscription.StatusNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{
				emails:   map[string]string{testCustomerRef: testEmail},
				invoices: map[string]string{testInvoiceRef: tt.invoiceStatus},
			}
			r, store := newTestReconciler(t, gw)

			err := r.HandleSubscriptionChanged(context.Background(), subscription.SubscriptionChanged{
				CustomerRef:      testCustomerRef,
				SubscriptionRef:  testSubRef,
				RawStatus:        tt.rawStatus,
				Collection:       tt.collection,
				LatestInvoiceRef: testInvoiceRef,
				CurrentPeriodEnd: &periodEnd,
				Plan:             subscription.PlanPro,
			})
			require.NoError(t, err)

			rec, err := store.FindByEmail(context.Background(), testEmail)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Status)
			require.NotNil(t, rec.CurrentPeriodEnd)
			assert.True(t, rec.CurrentPeriodEnd.Equal(periodEnd))
		})
	}
}

// The strict check only consults the invoice for a nominal "active" under
// deferred-invoice collection.
func TestHandleSubscriptionChanged_StrictCheckScope(t *testing.T) {
	gw := &fakeGateway{emails: map[string]string{testCustomerRef: testEmail}}
	r, _ := newTestReconciler(t, gw)

	err := r.HandleSubscriptionChanged(context.Background(), subscription.SubscriptionChanged{
		CustomerRef:      testCustomerRef,
		SubscriptionRef:  testSubRef,
		RawStatus:        "active",
		Collection:       subscription.CollectionChargeAutomatically,
		LatestInvoiceRef: testInvoiceRef,
	})
	require.NoError(t, err)
	assert.Zero(t, gw.invoiceCalls)
}

func TestHandleSubscriptionChanged_NoInvoiceYetMeansAwaitingPayment(t *testing.T) {
	gw := &fakeGateway{emails: map[string]string{testCustomerRef: testEmail}}
	r, store := newTestReconciler(t, gw)

	err := r.HandleSubscriptionChanged(context.Background(), subscription.SubscriptionChanged{
		CustomerRef:     testCustomerRef,
		SubscriptionRef: testSubRef,
		RawStatus:       "active",
		Collection:      subscription.CollectionDeferredInvoice,
	})
	require.NoError(t, err)

	rec, err := store.FindByEmail(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusAwaitingPayment, rec.Status)
}

// When the invoice lookup inside the strict check fails, the reconciler
// fails closed: awaiting_payment, never a provisional active.
func TestHandleSubscriptionChanged_InvoiceLookupFailureFailsClosed(t *testing.T) {
	gw := &fakeGateway{
		emails:     map[string]string{testCustomerRef: testEmail},
		invoiceErr: fmt.Errorf("%w: connection refused", subscription.ErrUpstream),
	}
	r, store := newTestReconciler(t, gw)

	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	err := r.HandleSubscriptionChanged(context.Background(), subscription.SubscriptionChanged{
		CustomerRef:      testCustomerRef,
		SubscriptionRef:  testSubRef,
		RawStatus:        "active",
		Collection:       subscription.CollectionDeferredInvoice,
		LatestInvoiceRef: testInvoiceRef,
		CurrentPeriodEnd: &periodEnd,
	})
	require.NoError(t, err)

	rec, err := store.FindByEmail(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusAwaitingPayment, rec.Status)
	// The period end from the event payload is still applied.
	require.NotNil(t, rec.CurrentPeriodEnd)
	assert.True(t, rec.CurrentPeriodEnd.Equal(periodEnd))
}

// An invoice.paid processed after an awaiting_payment downgrade restores
// active: payment landing takes precedence.
func TestHandleInvoicePaid_OverridesAwaitingPayment(t *testing.T) {
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	gw := &fakeGateway{
		emails:     map[string]string{testCustomerRef: testEmail},
		invoices:   map[string]string{testInvoiceRef: "open"},
		periodEnds: map[string]*time.Time{testSubRef: &periodEnd},
	}
	r, store := newTestReconciler(t, gw)
	ctx := context.Background()

	err := r.HandleSubscriptionChanged(ctx, subscription.SubscriptionChanged{
		CustomerRef:      testCustomerRef,
		SubscriptionRef:  testSubRef,
		RawStatus:        "active",
		Collection:       subscription.CollectionDeferredInvoice,
		LatestInvoiceRef: testInvoiceRef,
	})
	require.NoError(t, err)

	rec, err := store.FindByEmail(ctx, testEmail)
	require.NoError(t, err)
	require.Equal(t, subscription.StatusAwaitingPayment, rec.Status)

	err = r.HandleInvoicePaid(ctx, subscription.InvoicePaid{
		CustomerRef:     testCustomerRef,
		SubscriptionRef: testSubRef,
	})
	require.NoError(t, err)

	rec, err = store.FindByEmail(ctx, testEmail)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, rec.Status)
	require.NotNil(t, rec.CurrentPeriodEnd)
	assert.True(t, rec.CurrentPeriodEnd.Equal(periodEnd))
}

func TestHandleInvoicePaid_NoSubscriptionIgnored(t *testing.T) {
	gw := &fakeGateway{emails: map[string]string{testCustomerRef: testEmail}}
	r, store := newTestReconciler(t, gw)

	err := r.HandleInvoicePaid(context.Background(), subscription.InvoicePaid{
		CustomerRef: testCustomerRef,
	})
	require.NoError(t, err)

	_, err = store.FindByEmail(context.Background(), testEmail)
	assert.ErrorIs(t, err, subscription.ErrUserNotFound)
}

func TestHandleSubscriptionDeleted_RevokesAccess(t *testing.T) {
	periodEnd := time.Now().UTC().Add(20 * 24 * time.Hour)
	gw := &fakeGateway{
		emails:     map[string]string{testCustomerRef: testEmail},
		periodEnds: map[string]*time.Time{testSubRef: &periodEnd},
	}
	r, store := newTestReconciler(t, gw)
	ctx := context.Background()

	err := r.HandleCheckoutCompleted(ctx, subscription.CheckoutCompleted{
		CustomerRef:     testCustomerRef,
		SubscriptionRef: testSubRef,
	})
	require.NoError(t, err)

	err = r.HandleSubscriptionDeleted(ctx, subscription.SubscriptionChanged{
		CustomerRef:      testCustomerRef,
		SubscriptionRef:  testSubRef,
		RawStatus:        "canceled",
		CurrentPeriodEnd: &periodEnd,
	})
	require.NoError(t, err)

	rec, err := store.FindByEmail(ctx, testEmail)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, rec.Status)

	// No access even though the period end has not elapsed.
	decision := subscription.EvaluateAccess(rec, time.Now())
	assert.False(t, decision.HasAccess)
}

// Applying the same event twice yields the same resulting record.
func TestHandlers_Idempotent(t *testing.T) {
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	gw := &fakeGateway{
		emails:     map[string]string{testCustomerRef: testEmail},
		invoices:   map[string]string{testInvoiceRef: "open"},
		periodEnds: map[string]*time.Time{testSubRef: &periodEnd},
	}
	r, store := newTestReconciler(t, gw)
	ctx := context.Background()

	changed := subscription.SubscriptionChanged{
		CustomerRef:      testCustomerRef,
		SubscriptionRef:  testSubRef,
		RawStatus:        "active",
		Collection:       subscription.CollectionDeferredInvoice,
		LatestInvoiceRef: testInvoiceRef,
		CurrentPeriodEnd: &periodEnd,
		Plan:             subscription.PlanPro,
	}
	require.NoError(t, r.HandleSubscriptionChanged(ctx, changed))
	once, err := store.FindByEmail(ctx, testEmail)
	require.NoError(t, err)

	require.NoError(t, r.HandleSubscriptionChanged(ctx, changed))
	twice, err := store.FindByEmail(ctx, testEmail)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	paid := subscription.InvoicePaid{CustomerRef: testCustomerRef, SubscriptionRef: testSubRef}
	require.NoError(t, r.HandleInvoicePaid(ctx, paid))
	once, err = store.FindByEmail(ctx, testEmail)
	require.NoError(t, err)

	require.NoError(t, r.HandleInvoicePaid(ctx, paid))
	twice, err = store.FindByEmail(ctx, testEmail)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

// A failing upstream read aborts the handler with no write.
func TestHandleSubscriptionChanged_EmailLookupFailureWritesNothing(t *testing.T) {
	gw := &fakeGateway{
		emailErr: fmt.Errorf("%w: timeout", subscription.ErrUpstream),
	}
	r, store := newTestReconciler(t, gw)

	err := r.HandleSubscriptionChanged(context.Background(), subscription.SubscriptionChanged{
		CustomerRef:     testCustomerRef,
		SubscriptionRef: testSubRef,
		RawStatus:       "active",
	})
	require.ErrorIs(t, err, subscription.ErrUpstream)

	_, err = store.FindByEmail(context.Background(), testEmail)
	assert.ErrorIs(t, err, subscription.ErrUserNotFound)
}

func TestNewReconciler_RequiresCollaborators(t *testing.T) {
	_, err := subscription.NewReconciler(subscription.ReconcilerConfig{Gateway: &fakeGateway{}})
	assert.ErrorIs(t, err, subscription.ErrValidation)

	_, err = subscription.NewReconciler(subscription.ReconcilerConfig{Store: memory.New()})
	assert.ErrorIs(t, err, subscription.ErrValidation)
}

package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gptgate/gptgate/pkg/ratelimit"
	"github.com/gptgate/gptgate/pkg/subscription"
	"github.com/gptgate/gptgate/storage/memory"
)

const (
	testSigningSecret = "whsec_test_secret"
	testEmail         = "user@example.com"
	testCustomerRef   = "cus_webhook1"
	testSubRef        = "sub_webhook1"
)

// fakeGateway satisfies subscription.Gateway without touching the
// network.
type fakeGateway struct {
	emails     map[string]string
	periodEnds map[string]*time.Time
	invoices   map[string]string
	emailErr   error
}

func (f *fakeGateway) CustomerEmail(_ context.Context, customerRef string) (string, error) {
	if f.emailErr != nil {
		return "", f.emailErr
	}
	email, ok := f.emails[customerRef]
	if !ok {
		return "", subscription.ErrCustomerNotFound
	}
	return email, nil
}

func (f *fakeGateway) SubscriptionPeriodEnd(_ context.Context, subscriptionRef string) (*time.Time, error) {
	return f.periodEnds[subscriptionRef], nil
}

func (f *fakeGateway) InvoiceStatus(_ context.Context, invoiceRef string) (string, error) {
	status, ok := f.invoices[invoiceRef]
	if !ok {
		return "", subscription.ErrInvoiceNotFound
	}
	return status, nil
}

func newTestHandler(t *testing.T, gw *fakeGateway, store *memory.Store, limiter ratelimit.Limiter) *WebhookHandler {
	t.Helper()

	reconciler, err := subscription.NewReconciler(subscription.ReconcilerConfig{
		Store:   store,
		Gateway: gw,
	})
	require.NoError(t, err)

	handler, err := NewWebhookHandler(WebhookConfig{
		SigningSecret: testSigningSecret,
		Reconciler:    reconciler,
		PricePlans:    map[string]subscription.Plan{"price_pro": subscription.PlanPro},
		Limiter:       limiter,
	})
	require.NoError(t, err)
	return handler
}

// signedRequest builds a POST with a valid Stripe-Signature header for
// the payload.
func signedRequest(payload string) *http.Request {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testSigningSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	r.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, sig))
	return r
}

func eventPayload(eventType, object string) string {
	return fmt.Sprintf(`{"id":"evt_test1","type":%q,"data":{"object":%s}}`, eventType, object)
}

func subscriptionObject(rawStatus, collection, latestInvoice string, periodEnd int64) string {
	return fmt.Sprintf(`{
		"id": %q,
		"customer": %q,
		"status": %q,
		"collection_method": %q,
		"latest_invoice": %q,
		"items": {"data": [{"id": "si_1", "price": {"id": "price_pro"}, "current_period_end": %d}]}
	}`, testSubRef, testCustomerRef, rawStatus, collection, latestInvoice, periodEnd)
}

func TestWebhookHandler_RejectsInvalidSignature(t *testing.T) {
	store := memory.New()
	handler := newTestHandler(t, &fakeGateway{}, store, nil)

	payload := eventPayload("invoice.paid", `{"id":"in_1"}`)
	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	r.Header.Set("Stripe-Signature", "t=12345,v1=deadbeef")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookHandler_RejectsNonPost(t *testing.T) {
	handler := newTestHandler(t, &fakeGateway{}, memory.New(), nil)

	r := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestWebhookHandler_AcknowledgesUnknownEventType(t *testing.T) {
	handler := newTestHandler(t, &fakeGateway{}, memory.New(), nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(eventPayload("charge.refunded", `{"id":"ch_1"}`)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
}

func TestWebhookHandler_SubscriptionUpdated_GrantsAccess(t *testing.T) {
	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	store := memory.New()
	gw := &fakeGateway{
		emails:   map[string]string{testCustomerRef: testEmail},
		invoices: map[string]string{"in_1": "paid"},
	}
	handler := newTestHandler(t, gw, store, nil)

	payload := eventPayload("customer.subscription.updated",
		subscriptionObject("active", "send_invoice", "in_1", periodEnd))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(payload))

	require.Equal(t, http.StatusOK, w.Code)

	rec, err := store.FindByEmail(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, rec.Status)
	assert.Equal(t, subscription.PlanPro, rec.Plan)
	assert.Equal(t, testSubRef, rec.SubscriptionRef)
	require.NotNil(t, rec.CurrentPeriodEnd)
	assert.Equal(t, periodEnd, rec.CurrentPeriodEnd.Unix())
}

func TestWebhookHandler_SubscriptionUpdated_UnpaidInvoiceDefersAccess(t *testing.T) {
	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	store := memory.New()
	gw := &fakeGateway{
		emails:   map[string]string{testCustomerRef: testEmail},
		invoices: map[string]string{"in_1": "open"},
	}
	handler := newTestHandler(t, gw, store, nil)

	payload := eventPayload("customer.subscription.updated",
		subscriptionObject("active", "send_invoice", "in_1", periodEnd))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(payload))

	require.Equal(t, http.StatusOK, w.Code)

	rec, err := store.FindByEmail(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusAwaitingPayment, rec.Status)
}

func TestWebhookHandler_SubscriptionDeleted_RevokesAccess(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{emails: map[string]string{testCustomerRef: testEmail}}
	handler := newTestHandler(t, gw, store, nil)

	payload := eventPayload("customer.subscription.deleted",
		subscriptionObject("canceled", "charge_automatically", "", 0))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(payload))

	require.Equal(t, http.StatusOK, w.Code)

	rec, err := store.FindByEmail(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, rec.Status)
}

func TestWebhookHandler_InvoicePaidWithoutSubscriptionIsDropped(t *testing.T) {
	store := memory.New()
	handler := newTestHandler(t, &fakeGateway{}, store, nil)

	payload := eventPayload("invoice.paid",
		fmt.Sprintf(`{"id":"in_1","customer":%q}`, testCustomerRef))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(payload))

	assert.Equal(t, http.StatusOK, w.Code)

	_, err := store.FindByEmail(context.Background(), testEmail)
	assert.ErrorIs(t, err, subscription.ErrUserNotFound)
}

func TestWebhookHandler_InvoicePaid_NestedSubscriptionRef(t *testing.T) {
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	store := memory.New()
	gw := &fakeGateway{
		emails:     map[string]string{testCustomerRef: testEmail},
		periodEnds: map[string]*time.Time{testSubRef: &periodEnd},
	}
	handler := newTestHandler(t, gw, store, nil)

	payload := eventPayload("invoice.paid", fmt.Sprintf(
		`{"id":"in_1","customer":%q,"parent":{"subscription_details":{"subscription":%q}}}`,
		testCustomerRef, testSubRef))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(payload))

	require.Equal(t, http.StatusOK, w.Code)

	rec, err := store.FindByEmail(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, rec.Status)
	require.NotNil(t, rec.CurrentPeriodEnd)
	assert.True(t, rec.CurrentPeriodEnd.Equal(periodEnd))
}

func TestWebhookHandler_ProcessingFailureReturns500(t *testing.T) {
	store := memory.New()
	gw := &fakeGateway{emailErr: subscription.ErrUpstream}
	handler := newTestHandler(t, gw, store, nil)

	payload := eventPayload("customer.subscription.updated",
		subscriptionObject("active", "charge_automatically", "", 0))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(payload))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWebhookHandler_RateLimitExceeded(t *testing.T) {
	store := memory.New()
	handler := newTestHandler(t, &fakeGateway{}, store,
		ratelimit.NewMemoryLimiter(1, time.Minute))

	payload := eventPayload("charge.refunded", `{"id":"ch_1"}`)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(payload))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(payload))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestWebhookHandler_OversizedBodyRejected(t *testing.T) {
	handler := newTestHandler(t, &fakeGateway{}, memory.New(), nil)

	payload := strings.Repeat("x", maxWebhookBodyBytes+1)
	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	r.Header.Set("Stripe-Signature", "t=1,v1=abc")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestNewWebhookHandler_Validation(t *testing.T) {
	_, err := NewWebhookHandler(WebhookConfig{})
	assert.ErrorIs(t, err, subscription.ErrValidation)

	_, err = NewWebhookHandler(WebhookConfig{SigningSecret: "whsec_x"})
	assert.ErrorIs(t, err, subscription.ErrValidation)
}

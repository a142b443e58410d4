package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gptgate/gptgate/internal/httputil"
	"github.com/gptgate/gptgate/pkg/subscription"
)

const maxRequestBodyBytes = 64 * 1024

// Handler provides the HTTP endpoints of the subscription service.
type Handler struct {
	config Config
}

// Routes returns the router with all API endpoints mounted behind the
// shared-secret and rate-limit middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.rateLimit)
	r.Use(h.requireAPIKey)

	r.Get("/check-access", h.CheckAccess)
	r.Post("/create-checkout-session", h.CreateCheckoutSession)
	r.Post("/create-portal-session", h.CreatePortalSession)
	r.Post("/resend-invoice", h.ResendInvoice)
	return r
}

type accessResponse struct {
	HasAccess        bool       `json:"has_access"`
	Plan             string     `json:"plan"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end"`
	UserCreated      bool       `json:"user_created"`
}

// CheckAccess reports whether the email currently has access. Unknown
// emails get a record created on the spot and report no access.
func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	email := subscription.NormalizeEmail(r.URL.Query().Get("email"))
	if email == "" {
		h.writeError(w, http.StatusBadRequest, "email query parameter is required")
		return
	}

	created := false
	rec, err := h.config.Store.FindByEmail(ctx, email)
	if errors.Is(err, subscription.ErrUserNotFound) {
		rec, err = h.config.Store.Create(ctx, email)
		created = true
	}
	if err != nil {
		h.handleError(w, err)
		return
	}

	decision := subscription.EvaluateAccess(rec, time.Now())

	result := "denied"
	if decision.HasAccess {
		result = "granted"
	}
	h.config.Metrics.RecordAccessCheck(result)
	h.config.Logger.Debug("access check",
		subscription.Field{Key: "email", Value: email},
		subscription.Field{Key: "result", Value: result},
	)

	_ = httputil.WriteJSON(w, http.StatusOK, accessResponse{
		HasAccess:        decision.HasAccess,
		Plan:             string(decision.Plan),
		Status:           string(decision.Status),
		CurrentPeriodEnd: decision.CurrentPeriodEnd,
		UserCreated:      created,
	})
}

type checkoutRequest struct {
	Email    string `json:"email"`
	PlanTier string `json:"plan_tier"`
}

type checkoutResponse struct {
	SubscriptionRef  string     `json:"subscription_ref"`
	Status           string     `json:"status"`
	Plan             string     `json:"plan"`
	TrialEnd         *time.Time `json:"trial_end,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end"`
	Reused           bool       `json:"reused"`
}

// CreateCheckoutSession finds or creates the upstream subscription for
// the email.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || req.PlanTier == "" {
		h.writeError(w, http.StatusBadRequest, "email and plan_tier are required")
		return
	}

	result, err := h.config.Checkout.CreateOrReuseSubscription(r.Context(), req.Email, subscription.Plan(req.PlanTier))
	if err != nil {
		h.handleError(w, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, checkoutResponse{
		SubscriptionRef:  result.SubscriptionRef,
		Status:           string(result.Status),
		Plan:             string(result.Plan),
		TrialEnd:         result.TrialEnd,
		CurrentPeriodEnd: result.CurrentPeriodEnd,
		Reused:           result.Reused,
	})
}

type emailRequest struct {
	Email string `json:"email"`
}

// CreatePortalSession returns a billing-portal URL for the email's
// customer.
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" {
		h.writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	url, err := h.config.Checkout.CreatePortalSession(r.Context(), req.Email)
	if err != nil {
		h.handleError(w, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

// ResendInvoice asks the processor to re-send the customer's most
// recent open invoice.
func (h *Handler) ResendInvoice(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" {
		h.writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	if err := h.config.Checkout.ResendInvoice(r.Context(), req.Email); err != nil {
		h.handleError(w, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

// requireAPIKey enforces the static shared-secret header with a
// constant-time comparison.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.config.APIKey)) != 1 {
			h.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.Limiter != nil {
			ok, err := h.config.Limiter.Allow(r.Context(), httputil.ClientIP(r))
			if err != nil {
				h.config.Logger.Warn("rate limiter unavailable, admitting request",
					subscription.Field{Key: "error", Value: err.Error()},
				)
			} else if !ok {
				h.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, err := httputil.ReadBodyStrict(w, r, maxRequestBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrPayloadTooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		} else {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// handleError maps the sentinel error taxonomy onto HTTP statuses. The
// response body carries no internal detail.
func (h *Handler) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscription.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, subscription.ErrUserNotFound),
		errors.Is(err, subscription.ErrCustomerNotFound),
		errors.Is(err, subscription.ErrInvoiceNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, subscription.ErrSignature):
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, subscription.ErrPlanNotConfigured):
		h.config.Logger.Error("plan configuration missing",
			subscription.Field{Key: "error", Value: err.Error()},
		)
		h.writeError(w, http.StatusInternalServerError, "service misconfigured")
	case errors.Is(err, subscription.ErrUpstream):
		h.config.Logger.Error("upstream call failed",
			subscription.Field{Key: "error", Value: err.Error()},
		)
		h.writeError(w, http.StatusBadGateway, "payment processor unavailable")
	default:
		h.config.Logger.Error("request failed",
			subscription.Field{Key: "error", Value: err.Error()},
		)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	_ = httputil.WriteJSON(w, code, map[string]string{"error": msg})
}

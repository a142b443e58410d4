package subscription

import (
	"strings"
	"time"
)

// Status is the canonical internal subscription status. External processor
// vocabularies are mapped onto this enum at the boundary (NormalizeStatus,
// store adapters) and never leak into the reconciliation logic.
type Status string

const (
	// StatusNone means no subscription is known for the user.
	StatusNone Status = "none"
	// StatusPending means a subscription exists but setup is incomplete.
	StatusPending Status = "pending"
	// StatusAwaitingPayment means the processor reports the subscription as
	// active under deferred-invoice collection, but the invoice that would
	// prove payment is not settled yet.
	StatusAwaitingPayment Status = "awaiting_payment"
	// StatusTrialing means the subscription is in its trial window.
	StatusTrialing Status = "trialing"
	// StatusActive means payment has been confirmed for the current period.
	StatusActive Status = "active"
	// StatusPastDue means the latest renewal charge failed.
	StatusPastDue Status = "past_due"
	// StatusCanceled means the subscription has been terminated.
	StatusCanceled Status = "canceled"
)

// Plan is an extensible plan tag (e.g. "free", "pro").
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// CollectionMode is how the processor collects payment for a subscription.
type CollectionMode string

const (
	// CollectionChargeAutomatically charges the stored payment method at
	// period start.
	CollectionChargeAutomatically CollectionMode = "charge_automatically"
	// CollectionDeferredInvoice creates the subscription first and invoices
	// the customer afterwards. An "active" status under this mode is not
	// proof of payment.
	CollectionDeferredInvoice CollectionMode = "send_invoice"
)

// UserRecord is the per-email access-control record. There is exactly one
// record per normalized (lower-cased) email.
type UserRecord struct {
	Email            string
	CustomerRef      string
	SubscriptionRef  string
	Plan             Plan
	Status           Status
	CurrentPeriodEnd *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RecordUpdate is the allow-listed set of fields a write may touch. Nil
// pointers leave the stored value unchanged. There is deliberately no
// generic field merge: anything not listed here cannot be written.
type RecordUpdate struct {
	CustomerRef     *string
	SubscriptionRef *string
	Plan            *Plan
	Status          *Status
	// CurrentPeriodEnd replaces the stored period end when non-nil.
	CurrentPeriodEnd *time.Time
}

// NormalizeEmail lower-cases and trims an email so it can serve as the
// case-insensitive natural key of a UserRecord.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// String helpers for building RecordUpdate literals.

func StringPtr(s string) *string     { return &s }
func PlanPtr(p Plan) *Plan           { return &p }
func StatusPtr(s Status) *Status     { return &s }
func TimePtr(t time.Time) *time.Time { return &t }

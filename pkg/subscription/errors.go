package subscription

import "errors"

var (
	// ErrValidation is returned for missing or malformed input.
	ErrValidation = errors.New("invalid input")

	// ErrUserNotFound is returned when no record exists for an email.
	ErrUserNotFound = errors.New("user not found")

	// ErrCustomerNotFound is returned when the processor has no customer
	// for the given reference or email.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrInvoiceNotFound is returned when no matching invoice exists.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrSignature is returned when webhook signature verification fails.
	ErrSignature = errors.New("invalid webhook signature")

	// ErrUpstream is returned when a processor or store call fails. Safe to
	// retry; for webhooks this makes the processor redeliver.
	ErrUpstream = errors.New("upstream call failed")

	// ErrPlanNotConfigured is returned when a plan has no configured price.
	// Fatal configuration error, not retryable.
	ErrPlanNotConfigured = errors.New("plan not configured")
)

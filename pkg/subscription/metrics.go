package subscription

import "time"

// Metrics defines the interface for tracking reconciliation and gateway
// operations. All methods are optional - callers should pass NoopMetrics
// when they do not collect metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the processor.
	// status: "success", "error" or "ignored"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long a webhook took to process.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(errorType string)

	// RecordStatusChange records a user's status transition.
	RecordStatusChange(from, to Status)

	// RecordAccessCheck records the outcome of an access check.
	// result: "granted", "denied" or "created"
	RecordAccessCheck(result string)

	// RecordUpstreamCall records an API call to the payment processor.
	// status: "success" or "error"
	RecordUpstreamCall(operation, status string)

	// RecordUpstreamCallDuration records how long an upstream call took.
	RecordUpstreamCallDuration(operation string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordStatusChange(_, _ Status)                            {}
func (n *NoopMetrics) RecordAccessCheck(_ string)                                {}
func (n *NoopMetrics) RecordUpstreamCall(_, _ string)                            {}
func (n *NoopMetrics) RecordUpstreamCallDuration(_ string, _ time.Duration)      {}

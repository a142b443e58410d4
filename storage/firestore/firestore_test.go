package firestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gptgate/gptgate/pkg/subscription"
)

func TestEncodeDecodeRecord(t *testing.T) {
	periodEnd := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	rec := subscription.UserRecord{
		Email:            "user@example.com",
		CustomerRef:      "cus_1",
		SubscriptionRef:  "sub_1",
		Plan:             subscription.PlanPro,
		Status:           subscription.StatusActive,
		CurrentPeriodEnd: &periodEnd,
		CreatedAt:        time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:        time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC),
	}

	decoded := decodeRecord("user@example.com", encodeRecord(rec))
	assert.Equal(t, rec, decoded)
}

func TestDecodeRecord_MissingOptionalFields(t *testing.T) {
	decoded := decodeRecord("user@example.com", map[string]interface{}{
		"status": "none",
	})
	assert.Equal(t, subscription.StatusNone, decoded.Status)
	assert.Nil(t, decoded.CurrentPeriodEnd)
	assert.Empty(t, decoded.SubscriptionRef)
}

func TestDecodeStatus_LegacyAliases(t *testing.T) {
	tests := []struct {
		stored string
		want   subscription.Status
	}{
		{"active", subscription.StatusActive},
		{"awaiting_payment", subscription.StatusAwaitingPayment},
		{"unpaid", subscription.StatusPastDue},
		{"incomplete", subscription.StatusPending},
		{"incomplete_expired", subscription.StatusNone},
		{"something_new", subscription.StatusNone},
		{"", subscription.StatusNone},
	}
	for _, tt := range tests {
		t.Run(tt.stored, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeStatus(tt.stored))
		})
	}
}

func TestApplyUpdate_SubscriptionRefNeverCleared(t *testing.T) {
	rec := subscription.UserRecord{
		Email:           "user@example.com",
		SubscriptionRef: "sub_1",
	}
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	applyUpdate(&rec, subscription.RecordUpdate{
		SubscriptionRef: subscription.StringPtr(""),
		Status:          subscription.StatusPtr(subscription.StatusCanceled),
	}, now)

	assert.Equal(t, "sub_1", rec.SubscriptionRef)
	assert.Equal(t, subscription.StatusCanceled, rec.Status)
	assert.True(t, rec.UpdatedAt.Equal(now))
}

package subscription

import "time"

// AccessDecision is the answer to an access check.
type AccessDecision struct {
	HasAccess        bool
	Plan             Plan
	Status           Status
	CurrentPeriodEnd *time.Time
}

// EvaluateAccess decides whether a stored record grants access at the given
// instant. Access requires status active or trialing AND a period end in the
// future; a stale "active" flag with no period end, or one whose paid period
// has elapsed, denies access. A nil record denies access.
func EvaluateAccess(rec *UserRecord, now time.Time) AccessDecision {
	if rec == nil {
		return AccessDecision{Status: StatusNone}
	}

	decision := AccessDecision{
		Plan:             rec.Plan,
		Status:           rec.Status,
		CurrentPeriodEnd: rec.CurrentPeriodEnd,
	}
	if rec.Status == "" {
		decision.Status = StatusNone
	}

	switch rec.Status {
	case StatusActive, StatusTrialing:
		decision.HasAccess = rec.CurrentPeriodEnd != nil && rec.CurrentPeriodEnd.After(now)
	}

	return decision
}

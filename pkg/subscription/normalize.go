package subscription

import "strings"

// NormalizeStatus maps a processor status token onto the internal enum.
// Unknown tokens map to StatusNone: a vocabulary the system does not
// recognize must deny access, never grant it.
func NormalizeStatus(external string) Status {
	switch strings.ToLower(strings.TrimSpace(external)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled":
		return StatusCanceled
	case "incomplete":
		return StatusPending
	case "incomplete_expired":
		return StatusNone
	default:
		return StatusNone
	}
}

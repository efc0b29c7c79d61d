package domain

import "time"

// CancellationMode is how a cancel command takes effect.
type CancellationMode string

const (
	// CancellationModeImmediate terminates now, with a refund when a paid
	// invoice exists.
	CancellationModeImmediate CancellationMode = "immediate"
	// CancellationModePeriodEnd flags the subscription to end when the
	// current billing period closes. No refund.
	CancellationModePeriodEnd CancellationMode = "period_end"
)

// CancellationDecision is the outcome of the cooling-period rule.
type CancellationDecision struct {
	Mode              CancellationMode
	DaysSinceCreation int
	Refund            bool
}

// EvaluateCancellation applies the cooling-period rule to a subscription
// created at the given instant. Deterministic: "now" is an input, never read
// from the wall clock. A subscription exactly at the window boundary still
// qualifies for immediate cancellation.
func EvaluateCancellation(createdAt time.Time, now time.Time, coolingPeriodDays int) CancellationDecision {
	days := int(now.Sub(createdAt) / (24 * time.Hour))
	if days <= coolingPeriodDays {
		return CancellationDecision{
			Mode:              CancellationModeImmediate,
			DaysSinceCreation: days,
			Refund:            true,
		}
	}
	return CancellationDecision{
		Mode:              CancellationModePeriodEnd,
		DaysSinceCreation: days,
		Refund:            false,
	}
}

// Package domain defines the tenant-facing subscription command contracts.
package domain

import (
	"context"
	"errors"
	"time"

	licensedomain "github.com/tillworks/licensing/internal/license/domain"
)

var (
	ErrNoActiveSubscription  = errors.New("no_active_subscription")
	ErrNoPendingCancellation = errors.New("no_pending_cancellation")
	ErrAlreadyOnPlan         = errors.New("already_on_plan")
	ErrUnknownPlan           = errors.New("unknown_plan")
)

// CancelResult reports how a cancel command was resolved.
type CancelResult struct {
	Mode           CancellationMode            `json:"mode"`
	RefundIssued   bool                        `json:"refund_issued"`
	RefundAmount   int64                       `json:"refund_amount,omitempty"`
	RefundCurrency string                      `json:"refund_currency,omitempty"`
	Status         licensedomain.LicenseStatus `json:"status"`
}

// ChangePlanResult reports the scheduled plan change.
type ChangePlanResult struct {
	Plan           licensedomain.PlanType `json:"plan"`
	EffectiveAt    time.Time              `json:"effective_at"`
	ProratedAmount int64                  `json:"prorated_amount"`
	Currency       string                 `json:"currency,omitempty"`
}

// ReactivateResult echoes the cleared cancellation flag.
type ReactivateResult struct {
	CancelAtPeriodEnd bool `json:"cancel_at_period_end"`
}

// ScheduleDeletionResult carries the computed deletion date.
type ScheduleDeletionResult struct {
	DeletionScheduledAt time.Time `json:"deletion_scheduled_at"`
}

// Service executes tenant-triggered subscription commands. Every command
// re-reads the live subscription from the provider rather than trusting
// cached local fields.
type Service interface {
	GetLicense(ctx context.Context, email string) (*licensedomain.License, error)
	Cancel(ctx context.Context, email string) (*CancelResult, error)
	ChangePlan(ctx context.Context, email string, targetPlan string) (*ChangePlanResult, error)
	Reactivate(ctx context.Context, email string) (*ReactivateResult, error)
	ScheduleDeletion(ctx context.Context, email string) (*ScheduleDeletionResult, error)
	CancelDeletion(ctx context.Context, email string) (*licensedomain.License, error)
}

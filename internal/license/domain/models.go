// Package domain contains the license entitlement model owned by the
// reconciliation engine. No other component writes status, expiry, or the
// provider linkage fields.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// LicenseStatus represents lifecycle states for a license.
type LicenseStatus string

const (
	// LicenseStatusActive is a paid, unexpired entitlement.
	LicenseStatusActive LicenseStatus = "active"
	// LicenseStatusCancelled is the terminal state after the provider ended
	// the subscription or an in-window cancellation refunded it.
	LicenseStatusCancelled LicenseStatus = "cancelled"
	// LicenseStatusInactive is the state after a failed renewal payment.
	LicenseStatusInactive LicenseStatus = "inactive"
	// LicenseStatusDeletionScheduled marks a tenant-requested account
	// deletion pending its grace period.
	LicenseStatusDeletionScheduled LicenseStatus = "deletion_scheduled"
)

// PlanType is the billing cadence of a license.
type PlanType string

const (
	PlanMonthly PlanType = "monthly"
	PlanAnnual  PlanType = "annual"
)

var (
	ErrLicenseNotFound     = errors.New("license_not_found")
	ErrInvalidEmail        = errors.New("invalid_email")
	ErrInvalidPlan         = errors.New("invalid_plan")
	ErrNoDeletionScheduled = errors.New("no_deletion_scheduled")
	ErrDeletionAlreadySet  = errors.New("deletion_already_scheduled")
)

// License is the local entitlement record for one tenant. It is a cached
// projection of provider truth and is rebuilt from the live subscription
// whenever the two could have diverged.
type License struct {
	ID                   snowflake.ID  `gorm:"primaryKey"`
	LicenseKey           string        `gorm:"type:text;not null;uniqueIndex"`
	Email                string        `gorm:"type:text;not null;uniqueIndex"`
	StripeCustomerID     string        `gorm:"type:text"`
	StripeSubscriptionID *string       `gorm:"type:text;uniqueIndex"`
	Plan                 PlanType      `gorm:"type:text;not null"`
	Status               LicenseStatus `gorm:"type:text;not null"`
	ExpiresAt            *time.Time    `gorm:""`
	DeletionScheduledAt  *time.Time    `gorm:""`
	LastEventAt          *time.Time    `gorm:""`
	CreatedAt            time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (License) TableName() string { return "licenses" }

// ParsePlan validates and normalizes a plan name.
func ParsePlan(value string) (PlanType, error) {
	switch PlanType(strings.ToLower(strings.TrimSpace(value))) {
	case PlanMonthly:
		return PlanMonthly, nil
	case PlanAnnual:
		return PlanAnnual, nil
	default:
		return "", ErrInvalidPlan
	}
}

// NextExpiry returns the expiry for a renewal applied at the given instant.
// Expiry always advances from the application time, not from the previous
// expiry, so late webhook delivery never shortens the paid period.
func (p PlanType) NextExpiry(from time.Time) time.Time {
	switch p {
	case PlanAnnual:
		return from.AddDate(1, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}

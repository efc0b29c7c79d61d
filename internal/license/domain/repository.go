package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository persists licenses. Every method accepts the *gorm.DB the caller
// is operating on so reconciliation can hold row locks across a whole event
// application.
type Repository interface {
	FindByEmail(ctx context.Context, db *gorm.DB, email string) (*License, error)
	FindByLicenseKey(ctx context.Context, db *gorm.DB, key string) (*License, error)
	FindBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID string) (*License, error)

	// FindByEmailForUpdate and FindBySubscriptionIDForUpdate lock the row
	// with SELECT ... FOR UPDATE; db must be inside a transaction.
	FindByEmailForUpdate(ctx context.Context, db *gorm.DB, email string) (*License, error)
	FindBySubscriptionIDForUpdate(ctx context.Context, db *gorm.DB, subscriptionID string) (*License, error)

	Insert(ctx context.Context, db *gorm.DB, license *License) error
	Update(ctx context.Context, db *gorm.DB, license *License) error

	// FindLapsed returns active licenses whose expiry is at or before the
	// cutoff. FindDeletionDue returns licenses whose scheduled deletion
	// time has passed.
	FindLapsed(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]License, error)
	FindDeletionDue(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]License, error)

	Delete(ctx context.Context, db *gorm.DB, id int64) error
}

package repository

import (
	"context"
	"time"

	"github.com/tillworks/licensing/internal/license/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const licenseColumns = `id, license_key, email, stripe_customer_id, stripe_subscription_id,
	plan, status, expires_at, deletion_scheduled_at, last_event_at, created_at, updated_at`

func (r *repo) FindByEmail(ctx context.Context, db *gorm.DB, email string) (*domain.License, error) {
	return r.findOne(ctx, db,
		`SELECT `+licenseColumns+`
		 FROM licenses
		 WHERE email = ?
		 LIMIT 1`,
		email,
	)
}

func (r *repo) FindByLicenseKey(ctx context.Context, db *gorm.DB, key string) (*domain.License, error) {
	return r.findOne(ctx, db,
		`SELECT `+licenseColumns+`
		 FROM licenses
		 WHERE license_key = ?
		 LIMIT 1`,
		key,
	)
}

func (r *repo) FindBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID string) (*domain.License, error) {
	return r.findOne(ctx, db,
		`SELECT `+licenseColumns+`
		 FROM licenses
		 WHERE stripe_subscription_id = ?
		 LIMIT 1`,
		subscriptionID,
	)
}

func (r *repo) FindByEmailForUpdate(ctx context.Context, db *gorm.DB, email string) (*domain.License, error) {
	return r.findOne(ctx, db,
		`SELECT `+licenseColumns+`
		 FROM licenses
		 WHERE email = ?
		 LIMIT 1
		 FOR UPDATE`,
		email,
	)
}

func (r *repo) FindBySubscriptionIDForUpdate(ctx context.Context, db *gorm.DB, subscriptionID string) (*domain.License, error) {
	return r.findOne(ctx, db,
		`SELECT `+licenseColumns+`
		 FROM licenses
		 WHERE stripe_subscription_id = ?
		 LIMIT 1
		 FOR UPDATE`,
		subscriptionID,
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...interface{}) (*domain.License, error) {
	var item domain.License
	err := db.WithContext(ctx).Raw(query, args...).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, license *domain.License) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO licenses (
			id, license_key, email, stripe_customer_id, stripe_subscription_id,
			plan, status, expires_at, deletion_scheduled_at, last_event_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		license.ID,
		license.LicenseKey,
		license.Email,
		license.StripeCustomerID,
		license.StripeSubscriptionID,
		license.Plan,
		license.Status,
		license.ExpiresAt,
		license.DeletionScheduledAt,
		license.LastEventAt,
		license.CreatedAt,
		license.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, license *domain.License) error {
	return db.WithContext(ctx).Exec(
		`UPDATE licenses
		 SET stripe_customer_id = ?,
			 stripe_subscription_id = ?,
			 plan = ?,
			 status = ?,
			 expires_at = ?,
			 deletion_scheduled_at = ?,
			 last_event_at = ?,
			 updated_at = ?
		 WHERE id = ?`,
		license.StripeCustomerID,
		license.StripeSubscriptionID,
		license.Plan,
		license.Status,
		license.ExpiresAt,
		license.DeletionScheduledAt,
		license.LastEventAt,
		license.UpdatedAt,
		license.ID,
	).Error
}

func (r *repo) FindLapsed(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.License, error) {
	var items []domain.License
	err := db.WithContext(ctx).Raw(
		`SELECT `+licenseColumns+`
		 FROM licenses
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at ASC
		 LIMIT ?`,
		domain.LicenseStatusActive,
		cutoff,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindDeletionDue(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.License, error) {
	var items []domain.License
	err := db.WithContext(ctx).Raw(
		`SELECT `+licenseColumns+`
		 FROM licenses
		 WHERE status = ? AND deletion_scheduled_at IS NOT NULL AND deletion_scheduled_at <= ?
		 ORDER BY deletion_scheduled_at ASC
		 LIMIT ?`,
		domain.LicenseStatusDeletionScheduled,
		cutoff,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id int64) error {
	return db.WithContext(ctx).Exec(`DELETE FROM licenses WHERE id = ?`, id).Error
}

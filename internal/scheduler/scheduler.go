// Package scheduler runs the periodic reconciliation sweep: it repairs
// licenses that drifted from provider truth (missed webhooks) and executes
// account deletions whose grace period has passed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tillworks/licensing/internal/clock"
	"github.com/tillworks/licensing/internal/config"
	licensedomain "github.com/tillworks/licensing/internal/license/domain"
	obsmetrics "github.com/tillworks/licensing/internal/observability/metrics"
	"github.com/tillworks/licensing/internal/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Plans       *config.PlansConfigHolder
	Stripe      stripe.API
	LicenseRepo licensedomain.Repository
	Config      Config              `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	clock       clock.Clock
	plans       *config.PlansConfigHolder
	stripe      stripe.API
	licenseRepo licensedomain.Repository
	obsMetrics  *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Plans == nil || p.Stripe == nil || p.LicenseRepo == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler"),
		cfg:         p.Config.withDefaults(),
		clock:       p.Clock,
		plans:       p.Plans,
		stripe:      p.Stripe,
		licenseRepo: p.LicenseRepo,
		obsMetrics:  p.ObsMetrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("sweep job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	return errors.Join(
		s.runJob(parent, "expire_lapsed", s.ExpireLapsedJob),
		s.runJob(parent, "deletion_due", s.DeletionDueJob),
	)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ExpireLapsedJob finds active licenses whose expiry has passed and
// reconciles each against the live subscription. A missed renewal webhook
// heals back to active; a missed deletion event settles to cancelled;
// anything else goes inactive.
func (s *Scheduler) ExpireLapsedJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lapsed, err := s.licenseRepo.FindLapsed(ctx, s.db, now, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(lapsed) == 0 {
			break
		}

		processed := 0
		for i := range lapsed {
			repaired, err := s.reconcileLapsed(ctx, &lapsed[i], now)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			if repaired {
				processed++
				s.recordRepair(ctx, "expire_lapsed")
			}
		}
		if processed == 0 {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) reconcileLapsed(ctx context.Context, license *licensedomain.License, now time.Time) (bool, error) {
	status := licensedomain.LicenseStatusInactive
	var expiresAt *time.Time

	if license.StripeSubscriptionID != nil {
		sub, err := s.stripe.GetSubscription(ctx, *license.StripeSubscriptionID)
		if err != nil {
			s.log.Warn("sweep could not read live subscription",
				zap.String("subscription_id", *license.StripeSubscriptionID),
				zap.Error(err),
			)
			return false, err
		}
		switch sub.Status {
		case "active", "trialing":
			// A renewal webhook was missed. Take the provider's period end
			// as the repaired expiry.
			status = licensedomain.LicenseStatusActive
			periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			if periodEnd.After(now) {
				expiresAt = &periodEnd
			} else {
				fallback := license.Plan.NextExpiry(now)
				expiresAt = &fallback
			}
		case "canceled":
			status = licensedomain.LicenseStatusCancelled
		}
	}

	repaired := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.licenseRepo.FindByEmailForUpdate(ctx, tx, license.Email)
		if err != nil {
			return err
		}
		if locked == nil || locked.Status != licensedomain.LicenseStatusActive {
			return nil
		}
		if locked.ExpiresAt == nil || locked.ExpiresAt.After(now) {
			return nil
		}

		locked.Status = status
		if expiresAt != nil {
			locked.ExpiresAt = expiresAt
		}
		locked.UpdatedAt = now
		if err := s.licenseRepo.Update(ctx, tx, locked); err != nil {
			return err
		}
		repaired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if repaired {
		s.log.Info("lapsed license reconciled",
			zap.String("email", license.Email),
			zap.String("status", string(status)),
		)
	}
	return repaired, nil
}

// DeletionDueJob removes licenses whose scheduled deletion date has passed.
func (s *Scheduler) DeletionDueJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		due, err := s.licenseRepo.FindDeletionDue(ctx, s.db, now, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			break
		}

		processed := 0
		for i := range due {
			license := due[i]
			deleted := false
			err := s.db.Transaction(func(tx *gorm.DB) error {
				locked, err := s.licenseRepo.FindByEmailForUpdate(ctx, tx, license.Email)
				if err != nil {
					return err
				}
				if locked == nil ||
					locked.Status != licensedomain.LicenseStatusDeletionScheduled ||
					locked.DeletionScheduledAt == nil ||
					locked.DeletionScheduledAt.After(now) {
					return nil
				}
				if err := s.licenseRepo.Delete(ctx, tx, int64(locked.ID)); err != nil {
					return err
				}
				processed++
				deleted = true
				s.log.Info("license deleted after grace period",
					zap.String("email", locked.Email),
				)
				return nil
			})
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			if deleted {
				s.recordRepair(ctx, "deletion_due")
			}
		}
		if processed == 0 {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) recordRepair(ctx context.Context, job string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordSweepRepair(ctx, job)
}

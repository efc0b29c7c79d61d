package service

import (
	"context"
	"strings"
	"time"

	"github.com/tillworks/licensing/internal/clock"
	"github.com/tillworks/licensing/internal/config"
	licensedomain "github.com/tillworks/licensing/internal/license/domain"
	obsmetrics "github.com/tillworks/licensing/internal/observability/metrics"
	"github.com/tillworks/licensing/internal/stripe"
	"github.com/tillworks/licensing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Plans       *config.PlansConfigHolder
	Stripe      stripe.API
	LicenseRepo licensedomain.Repository
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	plans       *config.PlansConfigHolder
	stripe      stripe.API
	licenseRepo licensedomain.Repository
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("subscription.service"),
		clock:       p.Clock,
		plans:       p.Plans,
		stripe:      p.Stripe,
		licenseRepo: p.LicenseRepo,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) GetLicense(ctx context.Context, email string) (*licensedomain.License, error) {
	return s.loadLicense(ctx, email)
}

// Cancel fetches the live subscription, applies the cooling-period rule, and
// executes the resulting branch. Inside the window the subscription is
// terminated immediately and the latest paid invoice refunded in full; the
// local license transitions to cancelled as part of this command. Outside
// the window the subscription is flagged to cancel at period end and the
// local record is left untouched until the provider's deletion event.
func (s *Service) Cancel(ctx context.Context, email string) (*domain.CancelResult, error) {
	license, err := s.loadLicense(ctx, email)
	if err != nil {
		return nil, err
	}
	if license.StripeSubscriptionID == nil {
		return nil, domain.ErrNoActiveSubscription
	}
	subscriptionID := *license.StripeSubscriptionID

	sub, err := s.stripe.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	decision := domain.EvaluateCancellation(sub.CreatedAt(), now, s.plans.Get().CoolingPeriodDays)

	if decision.Mode == domain.CancellationModePeriodEnd {
		if _, err := s.stripe.SetCancelAtPeriodEnd(ctx, subscriptionID, true); err != nil {
			return nil, err
		}
		if err := s.confirmCancelAtPeriodEnd(ctx, subscriptionID, true); err != nil {
			return nil, err
		}
		s.recordCommand(ctx, "cancel", "period_end")
		return &domain.CancelResult{
			Mode:   domain.CancellationModePeriodEnd,
			Status: license.Status,
		}, nil
	}

	if _, err := s.stripe.CancelSubscription(ctx, subscriptionID, true); err != nil {
		return nil, err
	}

	result := &domain.CancelResult{
		Mode:   domain.CancellationModeImmediate,
		Status: licensedomain.LicenseStatusCancelled,
	}

	invoice, err := s.stripe.LatestPaidInvoice(ctx, subscriptionID)
	if err != nil {
		// The subscription is already terminated provider-side. Record the
		// gap loudly instead of failing the command.
		s.logDivergence("refund lookup failed after immediate cancel", subscriptionID, err)
	}
	if invoice != nil && invoice.PaymentIntent.String() != "" {
		refund, refundErr := s.stripe.CreateRefund(ctx, invoice.PaymentIntent.String(), "cancel-refund:"+invoice.ID)
		if refundErr != nil {
			s.logDivergence("refund failed after immediate cancel", subscriptionID, refundErr)
		} else {
			result.RefundIssued = true
			result.RefundAmount = refund.Amount
			result.RefundCurrency = strings.ToUpper(refund.Currency)
			s.recordRefund(ctx, result.RefundCurrency)
		}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		locked, lockErr := s.licenseRepo.FindByEmailForUpdate(ctx, tx, license.Email)
		if lockErr != nil {
			return lockErr
		}
		if locked == nil {
			return licensedomain.ErrLicenseNotFound
		}
		locked.Status = licensedomain.LicenseStatusCancelled
		locked.LastEventAt = &now
		locked.UpdatedAt = now
		return s.licenseRepo.Update(ctx, tx, locked)
	})
	if err != nil {
		s.logDivergence("local cancel write failed after provider cancel", subscriptionID, err)
		return nil, err
	}

	s.recordCommand(ctx, "cancel", "immediate")
	return result, nil
}

// ChangePlan moves the subscription's item to the target plan's price with
// invoice-generating proration, effective at period end. The local plan is
// updated immediately so the UI reflects the tenant's intent before the
// prorated payment settles.
func (s *Service) ChangePlan(ctx context.Context, email string, targetPlan string) (*domain.ChangePlanResult, error) {
	plan, err := licensedomain.ParsePlan(targetPlan)
	if err != nil {
		return nil, err
	}
	priceID, ok := s.plans.Get().PriceFor(string(plan))
	if !ok {
		return nil, domain.ErrUnknownPlan
	}

	license, err := s.loadLicense(ctx, email)
	if err != nil {
		return nil, err
	}
	if license.StripeSubscriptionID == nil {
		return nil, domain.ErrNoActiveSubscription
	}
	subscriptionID := *license.StripeSubscriptionID

	sub, err := s.stripe.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	// Compare against the live price, not the cached local plan.
	if sub.CurrentPriceID() == priceID {
		return nil, domain.ErrAlreadyOnPlan
	}

	preview, err := s.stripe.PreviewPlanChange(ctx, subscriptionID, priceID)
	if err != nil {
		return nil, err
	}

	if _, err := s.stripe.ChangePlan(ctx, subscriptionID, priceID); err != nil {
		return nil, err
	}
	if err := s.confirmPrice(ctx, subscriptionID, priceID); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		locked, lockErr := s.licenseRepo.FindByEmailForUpdate(ctx, tx, license.Email)
		if lockErr != nil {
			return lockErr
		}
		if locked == nil {
			return licensedomain.ErrLicenseNotFound
		}
		locked.Plan = plan
		locked.UpdatedAt = now
		return s.licenseRepo.Update(ctx, tx, locked)
	})
	if err != nil {
		s.logDivergence("local plan write failed after provider plan change", subscriptionID, err)
		return nil, err
	}

	result := &domain.ChangePlanResult{
		Plan:        plan,
		EffectiveAt: time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if preview != nil {
		result.ProratedAmount = preview.AmountDue
		result.Currency = strings.ToUpper(preview.Currency)
	}
	s.recordCommand(ctx, "change_plan", string(plan))
	return result, nil
}

// Reactivate clears a pending end-of-period cancellation. A subscription the
// provider has fully terminated cannot be reactivated.
func (s *Service) Reactivate(ctx context.Context, email string) (*domain.ReactivateResult, error) {
	license, err := s.loadLicense(ctx, email)
	if err != nil {
		return nil, err
	}
	if license.StripeSubscriptionID == nil {
		return nil, domain.ErrNoActiveSubscription
	}
	subscriptionID := *license.StripeSubscriptionID

	sub, err := s.stripe.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == "canceled" {
		return nil, domain.ErrNoActiveSubscription
	}
	if !sub.CancelAtPeriodEnd {
		return nil, domain.ErrNoPendingCancellation
	}

	if _, err := s.stripe.SetCancelAtPeriodEnd(ctx, subscriptionID, false); err != nil {
		return nil, err
	}
	if err := s.confirmCancelAtPeriodEnd(ctx, subscriptionID, false); err != nil {
		return nil, err
	}

	s.recordCommand(ctx, "reactivate", "ok")
	return &domain.ReactivateResult{CancelAtPeriodEnd: false}, nil
}

// ScheduleDeletion is purely local; no provider call.
func (s *Service) ScheduleDeletion(ctx context.Context, email string) (*domain.ScheduleDeletionResult, error) {
	now := s.clock.Now().UTC()
	deleteAt := now.AddDate(0, 0, s.plans.Get().DeletionGraceDays)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, lockErr := s.licenseRepo.FindByEmailForUpdate(ctx, tx, normalizeEmail(email))
		if lockErr != nil {
			return lockErr
		}
		if locked == nil {
			return licensedomain.ErrLicenseNotFound
		}
		if locked.Status == licensedomain.LicenseStatusDeletionScheduled {
			return licensedomain.ErrDeletionAlreadySet
		}
		locked.Status = licensedomain.LicenseStatusDeletionScheduled
		locked.DeletionScheduledAt = &deleteAt
		locked.UpdatedAt = now
		return s.licenseRepo.Update(ctx, tx, locked)
	})
	if err != nil {
		return nil, err
	}

	s.recordCommand(ctx, "schedule_deletion", "ok")
	return &domain.ScheduleDeletionResult{DeletionScheduledAt: deleteAt}, nil
}

// CancelDeletion restores an active license and clears the pending date.
func (s *Service) CancelDeletion(ctx context.Context, email string) (*licensedomain.License, error) {
	now := s.clock.Now().UTC()

	var updated *licensedomain.License
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, lockErr := s.licenseRepo.FindByEmailForUpdate(ctx, tx, normalizeEmail(email))
		if lockErr != nil {
			return lockErr
		}
		if locked == nil {
			return licensedomain.ErrLicenseNotFound
		}
		if locked.Status != licensedomain.LicenseStatusDeletionScheduled || locked.DeletionScheduledAt == nil {
			return licensedomain.ErrNoDeletionScheduled
		}
		locked.Status = licensedomain.LicenseStatusActive
		locked.DeletionScheduledAt = nil
		locked.UpdatedAt = now
		if err := s.licenseRepo.Update(ctx, tx, locked); err != nil {
			return err
		}
		updated = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordCommand(ctx, "cancel_deletion", "ok")
	return updated, nil
}

func (s *Service) loadLicense(ctx context.Context, email string) (*licensedomain.License, error) {
	license, err := s.licenseRepo.FindByEmail(ctx, s.db, normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if license == nil {
		return nil, licensedomain.ErrLicenseNotFound
	}
	return license, nil
}

// confirmCancelAtPeriodEnd re-reads the live subscription after a mutation.
// The mutation call's response alone is not trusted; a "succeeded but
// response lost" failure would otherwise leave local and provider state
// silently divergent.
func (s *Service) confirmCancelAtPeriodEnd(ctx context.Context, subscriptionID string, want bool) error {
	sub, err := s.stripe.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.CancelAtPeriodEnd != want {
		s.logDivergence("cancel_at_period_end flag did not settle", subscriptionID, nil)
		return stripe.ErrRequestFailed
	}
	return nil
}

func (s *Service) confirmPrice(ctx context.Context, subscriptionID string, priceID string) error {
	sub, err := s.stripe.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.CurrentPriceID() != priceID {
		s.logDivergence("plan change did not settle", subscriptionID, nil)
		return stripe.ErrRequestFailed
	}
	return nil
}

func (s *Service) logDivergence(message string, subscriptionID string, err error) {
	fields := []zap.Field{zap.String("subscription_id", subscriptionID)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.log.Error(message, fields...)
}

func (s *Service) recordCommand(ctx context.Context, command string, outcome string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordCommand(ctx, command, outcome)
}

func (s *Service) recordRefund(ctx context.Context, currency string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordRefund(ctx, currency)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

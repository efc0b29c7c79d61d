package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tillworks/licensing/internal/clock"
	"github.com/tillworks/licensing/internal/config"
	licensedomain "github.com/tillworks/licensing/internal/license/domain"
	obsmetrics "github.com/tillworks/licensing/internal/observability/metrics"
	"github.com/tillworks/licensing/internal/reconciler/domain"
	"github.com/tillworks/licensing/internal/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Verifier    *stripe.Verifier
	Plans       *config.PlansConfigHolder
	Repo        domain.Repository
	LicenseRepo licensedomain.Repository
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	verifier    *stripe.Verifier
	plans       *config.PlansConfigHolder
	repo        domain.Repository
	licenseRepo licensedomain.Repository
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("reconciler.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		verifier:    p.Verifier,
		plans:       p.Plans,
		repo:        p.Repo,
		licenseRepo: p.LicenseRepo,
		obsMetrics:  p.ObsMetrics,
	}
}

// ProcessWebhook runs the full ingestion pipeline over one delivery.
// Verification happens on the raw bytes before anything else; the event id is
// recorded via a unique-constraint insert before any mutation; the license
// mutation and the processed marker commit in one transaction under a row
// lock on the license.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (domain.Outcome, error) {
	if err := s.verifier.Verify(payload, signatureHeader); err != nil {
		return "", err
	}

	event, err := stripe.ParseEvent(payload)
	if err != nil {
		if errors.Is(err, stripe.ErrEventIgnored) {
			s.log.Info("ignoring unrecognized webhook event type")
			s.recordOutcome(ctx, "unknown", domain.OutcomeIgnored)
			return domain.OutcomeIgnored, nil
		}
		return "", err
	}

	now := s.clock.Now().UTC()
	record := domain.WebhookEvent{
		ID:              s.genID.Generate(),
		ProviderEventID: event.ProviderEventID,
		EventType:       string(event.Type),
		SubscriptionID:  event.SubscriptionID,
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &record)
	if err != nil {
		return "", err
	}
	stored := &record
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, event.ProviderEventID)
		if err != nil {
			return "", err
		}
		if stored == nil {
			return "", domain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			s.log.Info("duplicate webhook delivery",
				zap.String("provider_event_id", event.ProviderEventID),
			)
			s.recordOutcome(ctx, string(event.Type), domain.OutcomeDuplicate)
			return domain.OutcomeDuplicate, nil
		}
	}

	var outcome domain.Outcome
	err = s.db.Transaction(func(tx *gorm.DB) error {
		applied, applyErr := s.apply(ctx, tx, event, now)
		if applyErr != nil {
			return applyErr
		}
		outcome = applied
		return s.repo.MarkProcessed(ctx, tx, stored.ID, now)
	})
	if err != nil {
		return "", err
	}

	s.recordOutcome(ctx, string(event.Type), outcome)
	return outcome, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, event *stripe.Event, now time.Time) (domain.Outcome, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutCompleted:
		return s.applyCheckout(ctx, tx, event, now)
	case stripe.EventTypeRenewal:
		return s.applyRenewal(ctx, tx, event, now)
	case stripe.EventTypeSubscriptionDeleted:
		return s.applyDeleted(ctx, tx, event, now)
	case stripe.EventTypePaymentFailed:
		return s.applyPaymentFailed(ctx, tx, event, now)
	default:
		return domain.OutcomeIgnored, nil
	}
}

func (s *Service) applyCheckout(ctx context.Context, tx *gorm.DB, event *stripe.Event, now time.Time) (domain.Outcome, error) {
	if event.Email == "" {
		s.log.Warn("checkout event without resolvable billing email",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("subscription_id", event.SubscriptionID),
		)
		return domain.OutcomeMalformed, nil
	}
	plan, err := licensedomain.ParsePlan(event.Plan)
	if err != nil {
		s.log.Warn("checkout event with unknown plan",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("plan", event.Plan),
		)
		return domain.OutcomeMalformed, nil
	}

	existing, err := s.licenseRepo.FindByEmailForUpdate(ctx, tx, event.Email)
	if err != nil {
		return "", err
	}
	if existing == nil && event.SubscriptionID != "" {
		existing, err = s.licenseRepo.FindBySubscriptionIDForUpdate(ctx, tx, event.SubscriptionID)
		if err != nil {
			return "", err
		}
	}
	if existing != nil {
		// A license already exists for this identity. Never create a
		// second one; backfill the provider linkage if it is missing.
		if existing.StripeSubscriptionID == nil && event.SubscriptionID != "" {
			subscriptionID := event.SubscriptionID
			existing.StripeSubscriptionID = &subscriptionID
			if existing.StripeCustomerID == "" {
				existing.StripeCustomerID = event.CustomerID
			}
			existing.UpdatedAt = now
			if err := s.licenseRepo.Update(ctx, tx, existing); err != nil {
				return "", err
			}
			return domain.OutcomeApplied, nil
		}
		// A checkout carrying a subscription id different from the linked
		// one is a re-subscription: the old subscription is dead and the
		// tenant paid for a new one. Relink and reactivate the license.
		if existing.StripeSubscriptionID != nil && event.SubscriptionID != "" &&
			*existing.StripeSubscriptionID != event.SubscriptionID {
			subscriptionID := event.SubscriptionID
			occurredAt := event.OccurredAt
			expiresAt := plan.NextExpiry(now)
			existing.StripeSubscriptionID = &subscriptionID
			if event.CustomerID != "" {
				existing.StripeCustomerID = event.CustomerID
			}
			existing.Plan = plan
			existing.Status = licensedomain.LicenseStatusActive
			existing.ExpiresAt = &expiresAt
			existing.DeletionScheduledAt = nil
			existing.LastEventAt = &occurredAt
			existing.UpdatedAt = now
			if err := s.licenseRepo.Update(ctx, tx, existing); err != nil {
				return "", err
			}
			s.log.Info("license relinked to new subscription",
				zap.String("email", event.Email),
				zap.String("subscription_id", event.SubscriptionID),
			)
			return domain.OutcomeApplied, nil
		}
		s.log.Info("checkout event for existing license",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("email", event.Email),
		)
		return domain.OutcomeNoOp, nil
	}

	occurredAt := event.OccurredAt
	expiresAt := plan.NextExpiry(now)
	license := licensedomain.License{
		ID:               s.genID.Generate(),
		LicenseKey:       licensedomain.NewLicenseKey(),
		Email:            event.Email,
		StripeCustomerID: event.CustomerID,
		Plan:             plan,
		Status:           licensedomain.LicenseStatusActive,
		ExpiresAt:        &expiresAt,
		LastEventAt:      &occurredAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if event.SubscriptionID != "" {
		subscriptionID := event.SubscriptionID
		license.StripeSubscriptionID = &subscriptionID
	}
	if err := s.licenseRepo.Insert(ctx, tx, &license); err != nil {
		return "", err
	}

	s.log.Info("license created from checkout",
		zap.String("email", event.Email),
		zap.String("plan", string(plan)),
		zap.String("subscription_id", event.SubscriptionID),
	)
	return domain.OutcomeApplied, nil
}

func (s *Service) applyRenewal(ctx context.Context, tx *gorm.DB, event *stripe.Event, now time.Time) (domain.Outcome, error) {
	license, outcome, err := s.lockLicense(ctx, tx, event)
	if license == nil {
		return outcome, err
	}
	if license.Status == licensedomain.LicenseStatusCancelled {
		// Terminal. A renewal after the provider ended the subscription
		// means provider and local state disagree; do not resurrect.
		s.log.Warn("renewal event for cancelled license",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("subscription_id", event.SubscriptionID),
		)
		return domain.OutcomeNoOp, nil
	}

	if plan, ok := s.plans.Get().PlanForPrice(event.PriceID); ok {
		if parsed, parseErr := licensedomain.ParsePlan(plan); parseErr == nil {
			license.Plan = parsed
		}
	}

	occurredAt := event.OccurredAt
	expiresAt := license.Plan.NextExpiry(now)
	// A pending deletion request stays authoritative over an automatic
	// charge: extend the entitlement but keep the scheduled deletion.
	if license.Status != licensedomain.LicenseStatusDeletionScheduled {
		license.Status = licensedomain.LicenseStatusActive
	}
	license.ExpiresAt = &expiresAt
	license.LastEventAt = &occurredAt
	license.UpdatedAt = now
	if err := s.licenseRepo.Update(ctx, tx, license); err != nil {
		return "", err
	}

	s.log.Info("license renewed",
		zap.String("subscription_id", event.SubscriptionID),
		zap.Time("expires_at", expiresAt),
	)
	return domain.OutcomeApplied, nil
}

func (s *Service) applyDeleted(ctx context.Context, tx *gorm.DB, event *stripe.Event, now time.Time) (domain.Outcome, error) {
	license, outcome, err := s.lockLicense(ctx, tx, event)
	if license == nil {
		return outcome, err
	}

	occurredAt := event.OccurredAt
	license.Status = licensedomain.LicenseStatusCancelled
	license.LastEventAt = &occurredAt
	license.UpdatedAt = now
	if err := s.licenseRepo.Update(ctx, tx, license); err != nil {
		return "", err
	}

	s.log.Info("license cancelled by provider",
		zap.String("subscription_id", event.SubscriptionID),
	)
	return domain.OutcomeApplied, nil
}

func (s *Service) applyPaymentFailed(ctx context.Context, tx *gorm.DB, event *stripe.Event, now time.Time) (domain.Outcome, error) {
	license, outcome, err := s.lockLicense(ctx, tx, event)
	if license == nil {
		return outcome, err
	}
	if license.Status == licensedomain.LicenseStatusCancelled {
		return domain.OutcomeNoOp, nil
	}

	occurredAt := event.OccurredAt
	license.Status = licensedomain.LicenseStatusInactive
	license.LastEventAt = &occurredAt
	license.UpdatedAt = now
	if err := s.licenseRepo.Update(ctx, tx, license); err != nil {
		return "", err
	}

	s.log.Warn("license deactivated after failed payment",
		zap.String("subscription_id", event.SubscriptionID),
	)
	return domain.OutcomeApplied, nil
}

// lockLicense resolves and row-locks the license for a subscription-scoped
// event, handling the missing-license and stale-event cases. A nil license
// in the return means the caller should stop with the given outcome.
func (s *Service) lockLicense(ctx context.Context, tx *gorm.DB, event *stripe.Event) (*licensedomain.License, domain.Outcome, error) {
	if event.SubscriptionID == "" {
		s.log.Warn("subscription event without subscription id",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("event_type", string(event.Type)),
		)
		return nil, domain.OutcomeMalformed, nil
	}

	license, err := s.licenseRepo.FindBySubscriptionIDForUpdate(ctx, tx, event.SubscriptionID)
	if err != nil {
		return nil, "", err
	}
	if license == nil {
		// The license may not exist yet, or the event belongs to another
		// environment sharing the same signing secret. Never create one
		// implicitly.
		s.log.Info("event for unknown subscription",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("subscription_id", event.SubscriptionID),
			zap.String("event_type", string(event.Type)),
		)
		return nil, domain.OutcomeNoOp, nil
	}
	if license.LastEventAt != nil && event.OccurredAt.Before(*license.LastEventAt) {
		s.log.Info("discarding stale out-of-order event",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("subscription_id", event.SubscriptionID),
			zap.Time("event_at", event.OccurredAt),
			zap.Time("last_event_at", *license.LastEventAt),
		)
		return nil, domain.OutcomeStale, nil
	}
	return license, "", nil
}

func (s *Service) recordOutcome(ctx context.Context, eventType string, outcome domain.Outcome) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordWebhookEvent(ctx, eventType, string(outcome))
}

package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/tillworks/licensing/internal/clock"
	"github.com/tillworks/licensing/internal/config"
	licensedomain "github.com/tillworks/licensing/internal/license/domain"
	licenserepo "github.com/tillworks/licensing/internal/license/repository"
	"github.com/tillworks/licensing/internal/stripe"
	"github.com/tillworks/licensing/internal/subscription/domain"
	subscriptionservice "github.com/tillworks/licensing/internal/subscription/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// mockStripeAPI is a stateful double: mutation calls update the held
// subscription, so the service's confirmation re-reads observe the change.
type mockStripeAPI struct {
	sub           *stripe.Subscription
	latestInvoice *stripe.Invoice
	preview       *stripe.Invoice
	refund        *stripe.Refund
	getErr        error
	refundErr     error

	cancelCalls   int
	cancelProrate bool
	setFlagCalls  []bool
	changeCalls   []string
	refundCalls   []string
	refundKeys    []string
}

func (m *mockStripeAPI) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.sub == nil {
		return nil, stripe.ErrRequestFailed
	}
	copied := *m.sub
	return &copied, nil
}

func (m *mockStripeAPI) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*stripe.Subscription, error) {
	m.setFlagCalls = append(m.setFlagCalls, cancel)
	m.sub.CancelAtPeriodEnd = cancel
	copied := *m.sub
	return &copied, nil
}

func (m *mockStripeAPI) CancelSubscription(ctx context.Context, subscriptionID string, prorate bool) (*stripe.Subscription, error) {
	m.cancelCalls++
	m.cancelProrate = prorate
	m.sub.Status = "canceled"
	copied := *m.sub
	return &copied, nil
}

func (m *mockStripeAPI) ChangePlan(ctx context.Context, subscriptionID string, targetPriceID string) (*stripe.Subscription, error) {
	m.changeCalls = append(m.changeCalls, targetPriceID)
	if len(m.sub.Items.Data) > 0 {
		m.sub.Items.Data[0].Price.ID = targetPriceID
	}
	copied := *m.sub
	return &copied, nil
}

func (m *mockStripeAPI) PreviewPlanChange(ctx context.Context, subscriptionID string, targetPriceID string) (*stripe.Invoice, error) {
	return m.preview, nil
}

func (m *mockStripeAPI) LatestPaidInvoice(ctx context.Context, subscriptionID string) (*stripe.Invoice, error) {
	return m.latestInvoice, nil
}

func (m *mockStripeAPI) CreateRefund(ctx context.Context, paymentIntentID string, idempotencyKey string) (*stripe.Refund, error) {
	m.refundCalls = append(m.refundCalls, paymentIntentID)
	m.refundKeys = append(m.refundKeys, idempotencyKey)
	if m.refundErr != nil {
		return nil, m.refundErr
	}
	return m.refund, nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	// SQLite support hack: remove FOR UPDATE clauses
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	_ = db.Callback().Query().Before("gorm:query").Register("sqlite_strip_for_update", stripForUpdate)
	_ = db.Callback().Row().Before("gorm:row").Register("sqlite_strip_for_update_row", stripForUpdate)

	schema := []string{
		`CREATE TABLE licenses (
			id BIGINT PRIMARY KEY,
			license_key TEXT NOT NULL,
			email TEXT NOT NULL,
			stripe_customer_id TEXT,
			stripe_subscription_id TEXT,
			plan TEXT NOT NULL,
			status TEXT NOT NULL,
			expires_at DATETIME,
			deletion_scheduled_at DATETIME,
			last_event_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_licenses_email ON licenses(email)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}

	return db
}

func newCommandService(t *testing.T, db *gorm.DB, clk clock.Clock, api stripe.API) domain.Service {
	t.Helper()

	plans := config.NewStaticPlansHolder(config.PlansConfig{
		Plans: map[string]config.PlanSpec{
			"monthly": {PriceID: "price_monthly"},
			"annual":  {PriceID: "price_annual"},
		},
		CoolingPeriodDays: 14,
		DeletionGraceDays: 14,
	})

	return subscriptionservice.NewService(subscriptionservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		Clock:       clk,
		Plans:       plans,
		Stripe:      api,
		LicenseRepo: licenserepo.Provide(),
	})
}

var seedNode, _ = snowflake.NewNode(12)

func seedLicense(t *testing.T, db *gorm.DB, license licensedomain.License) {
	t.Helper()

	if license.ID == 0 {
		license.ID = seedNode.Generate()
	}
	if license.LicenseKey == "" {
		license.LicenseKey = licensedomain.NewLicenseKey()
	}
	if err := licenserepo.Provide().Insert(context.Background(), db, &license); err != nil {
		t.Fatalf("seed license: %v", err)
	}
}

func findLicense(t *testing.T, db *gorm.DB, email string) *licensedomain.License {
	t.Helper()

	license, err := licenserepo.Provide().FindByEmail(context.Background(), db, email)
	if err != nil {
		t.Fatalf("find license: %v", err)
	}
	if license == nil {
		t.Fatalf("expected license for %s", email)
	}
	return license
}

func activeSubscription(createdAt time.Time, periodEnd time.Time, priceID string) *stripe.Subscription {
	sub := &stripe.Subscription{
		ID:               "sub_1",
		Status:           "active",
		Created:          createdAt.Unix(),
		CurrentPeriodEnd: periodEnd.Unix(),
	}
	sub.Items.Data = []stripe.SubscriptionItem{{ID: "si_1"}}
	sub.Items.Data[0].Price.ID = priceID
	return sub
}

func seedLinkedLicense(t *testing.T, db *gorm.DB, now time.Time, plan licensedomain.PlanType) {
	t.Helper()

	subscriptionID := "sub_1"
	expiresAt := now.AddDate(0, 1, 0)
	seedLicense(t, db, licensedomain.License{
		Email:                "a@example.com",
		StripeSubscriptionID: &subscriptionID,
		Plan:                 plan,
		Status:               licensedomain.LicenseStatusActive,
		ExpiresAt:            &expiresAt,
		CreatedAt:            now.AddDate(0, -1, 0),
		UpdatedAt:            now,
	})
}

func TestCancelInsideCoolingPeriodRefundsAndCancels(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)

	api := &mockStripeAPI{
		sub: activeSubscription(now.AddDate(0, 0, -3), now.AddDate(0, 1, 0), "price_monthly"),
		latestInvoice: &stripe.Invoice{
			ID:            "in_1",
			Status:        "paid",
			AmountPaid:    2900,
			Currency:      "usd",
			PaymentIntent: "pi_1",
		},
		refund: &stripe.Refund{ID: "re_1", Amount: 2900, Currency: "usd", Status: "succeeded"},
	}
	svc := newCommandService(t, db, clk, api)
	seedLinkedLicense(t, db, now, licensedomain.PlanMonthly)

	result, err := svc.Cancel(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.Mode != domain.CancellationModeImmediate {
		t.Fatalf("expected immediate, got %s", result.Mode)
	}
	if !result.RefundIssued || result.RefundAmount != 2900 || result.RefundCurrency != "USD" {
		t.Fatalf("unexpected refund result %+v", result)
	}
	if api.cancelCalls != 1 || !api.cancelProrate {
		t.Fatalf("expected one prorated cancel call, got %d prorate=%v", api.cancelCalls, api.cancelProrate)
	}
	if len(api.setFlagCalls) != 0 {
		t.Fatalf("did not expect period-end flag calls, got %v", api.setFlagCalls)
	}
	if len(api.refundCalls) != 1 || api.refundCalls[0] != "pi_1" {
		t.Fatalf("expected refund against pi_1, got %v", api.refundCalls)
	}
	if api.refundKeys[0] != "cancel-refund:in_1" {
		t.Fatalf("unexpected refund idempotency key %q", api.refundKeys[0])
	}

	license := findLicense(t, db, "a@example.com")
	if license.Status != licensedomain.LicenseStatusCancelled {
		t.Fatalf("expected cancelled, got %s", license.Status)
	}
}

func TestCancelOutsideCoolingPeriodFlagsPeriodEnd(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)

	api := &mockStripeAPI{
		sub: activeSubscription(now.AddDate(0, 0, -40), now.AddDate(0, 1, 0), "price_monthly"),
	}
	svc := newCommandService(t, db, clk, api)
	seedLinkedLicense(t, db, now, licensedomain.PlanMonthly)

	result, err := svc.Cancel(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.Mode != domain.CancellationModePeriodEnd {
		t.Fatalf("expected period_end, got %s", result.Mode)
	}
	if result.RefundIssued {
		t.Fatalf("did not expect a refund")
	}
	if api.cancelCalls != 0 {
		t.Fatalf("did not expect immediate cancel, got %d calls", api.cancelCalls)
	}
	if len(api.setFlagCalls) != 1 || !api.setFlagCalls[0] {
		t.Fatalf("expected cancel_at_period_end=true call, got %v", api.setFlagCalls)
	}
	if len(api.refundCalls) != 0 {
		t.Fatalf("did not expect refund calls, got %v", api.refundCalls)
	}

	// The local license is untouched until the provider's deletion event.
	license := findLicense(t, db, "a@example.com")
	if license.Status != licensedomain.LicenseStatusActive {
		t.Fatalf("expected active, got %s", license.Status)
	}
}

func TestCancelRefundFailureDoesNotFailCommand(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)

	api := &mockStripeAPI{
		sub: activeSubscription(now.AddDate(0, 0, -3), now.AddDate(0, 1, 0), "price_monthly"),
		latestInvoice: &stripe.Invoice{
			ID:            "in_1",
			AmountPaid:    2900,
			Currency:      "usd",
			PaymentIntent: "pi_1",
		},
		refundErr: stripe.ErrRequestFailed,
	}
	svc := newCommandService(t, db, clk, api)
	seedLinkedLicense(t, db, now, licensedomain.PlanMonthly)

	result, err := svc.Cancel(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.RefundIssued {
		t.Fatalf("expected refund to be reported as not issued")
	}

	// The provider-side cancellation already happened; the local record
	// still settles to cancelled.
	license := findLicense(t, db, "a@example.com")
	if license.Status != licensedomain.LicenseStatusCancelled {
		t.Fatalf("expected cancelled, got %s", license.Status)
	}
}

func TestCancelWithoutSubscriptionLinkage(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	svc := newCommandService(t, db, clk, &mockStripeAPI{})

	seedLicense(t, db, licensedomain.License{
		Email:     "a@example.com",
		Plan:      licensedomain.PlanMonthly,
		Status:    licensedomain.LicenseStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	})

	if _, err := svc.Cancel(context.Background(), "a@example.com"); !errors.Is(err, domain.ErrNoActiveSubscription) {
		t.Fatalf("expected ErrNoActiveSubscription, got %v", err)
	}
}

func TestChangePlanAlreadyOnTargetPlan(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)

	api := &mockStripeAPI{
		sub: activeSubscription(now.AddDate(0, 0, -40), now.AddDate(1, 0, 0), "price_annual"),
	}
	svc := newCommandService(t, db, clk, api)
	// The cached local plan disagrees with the live price; the live price
	// wins the comparison.
	seedLinkedLicense(t, db, now, licensedomain.PlanMonthly)

	_, err := svc.ChangePlan(context.Background(), "a@example.com", "annual")
	if !errors.Is(err, domain.ErrAlreadyOnPlan) {
		t.Fatalf("expected ErrAlreadyOnPlan, got %v", err)
	}
	if len(api.changeCalls) != 0 {
		t.Fatalf("did not expect plan change calls, got %v", api.changeCalls)
	}
}

func TestChangePlanSwapsPriceAndUpdatesLocalPlan(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)

	periodEnd := now.AddDate(0, 0, 20)
	api := &mockStripeAPI{
		sub:     activeSubscription(now.AddDate(0, 0, -40), periodEnd, "price_monthly"),
		preview: &stripe.Invoice{ID: "in_preview", AmountDue: 1500, Currency: "usd"},
	}
	svc := newCommandService(t, db, clk, api)
	seedLinkedLicense(t, db, now, licensedomain.PlanMonthly)

	result, err := svc.ChangePlan(context.Background(), "a@example.com", "annual")
	if err != nil {
		t.Fatalf("change plan: %v", err)
	}
	if result.Plan != licensedomain.PlanAnnual {
		t.Fatalf("expected annual, got %s", result.Plan)
	}
	if result.ProratedAmount != 1500 || result.Currency != "USD" {
		t.Fatalf("unexpected proration %+v", result)
	}
	if result.EffectiveAt.Unix() != periodEnd.Unix() {
		t.Fatalf("expected effective at %v, got %v", periodEnd, result.EffectiveAt)
	}
	if len(api.changeCalls) != 1 || api.changeCalls[0] != "price_annual" {
		t.Fatalf("expected one change to price_annual, got %v", api.changeCalls)
	}

	license := findLicense(t, db, "a@example.com")
	if license.Plan != licensedomain.PlanAnnual {
		t.Fatalf("expected local plan annual, got %s", license.Plan)
	}
}

func TestChangePlanRejectsUnknownPlan(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	svc := newCommandService(t, db, clk, &mockStripeAPI{})

	if _, err := svc.ChangePlan(context.Background(), "a@example.com", "lifetime"); !errors.Is(err, licensedomain.ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
}

func TestReactivateClearsPendingCancellation(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)

	sub := activeSubscription(now.AddDate(0, 0, -40), now.AddDate(0, 1, 0), "price_monthly")
	sub.CancelAtPeriodEnd = true
	api := &mockStripeAPI{sub: sub}
	svc := newCommandService(t, db, clk, api)
	seedLinkedLicense(t, db, now, licensedomain.PlanMonthly)

	result, err := svc.Reactivate(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if result.CancelAtPeriodEnd {
		t.Fatalf("expected flag cleared")
	}
	if len(api.setFlagCalls) != 1 || api.setFlagCalls[0] {
		t.Fatalf("expected cancel_at_period_end=false call, got %v", api.setFlagCalls)
	}
}

func TestReactivateWithoutPendingCancellation(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)

	api := &mockStripeAPI{
		sub: activeSubscription(now.AddDate(0, 0, -40), now.AddDate(0, 1, 0), "price_monthly"),
	}
	svc := newCommandService(t, db, clk, api)
	seedLinkedLicense(t, db, now, licensedomain.PlanMonthly)

	if _, err := svc.Reactivate(context.Background(), "a@example.com"); !errors.Is(err, domain.ErrNoPendingCancellation) {
		t.Fatalf("expected ErrNoPendingCancellation, got %v", err)
	}
}

func TestReactivateTerminatedSubscription(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)

	sub := activeSubscription(now.AddDate(0, 0, -40), now.AddDate(0, 1, 0), "price_monthly")
	sub.Status = "canceled"
	api := &mockStripeAPI{sub: sub}
	svc := newCommandService(t, db, clk, api)
	seedLinkedLicense(t, db, now, licensedomain.PlanMonthly)

	if _, err := svc.Reactivate(context.Background(), "a@example.com"); !errors.Is(err, domain.ErrNoActiveSubscription) {
		t.Fatalf("expected ErrNoActiveSubscription, got %v", err)
	}
}

func TestScheduleDeletionSetsGraceDate(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	svc := newCommandService(t, db, clk, &mockStripeAPI{})
	seedLinkedLicense(t, db, now, licensedomain.PlanMonthly)

	result, err := svc.ScheduleDeletion(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("schedule deletion: %v", err)
	}
	wantAt := now.AddDate(0, 0, 14)
	if result.DeletionScheduledAt.Unix() != wantAt.Unix() {
		t.Fatalf("expected deletion at %v, got %v", wantAt, result.DeletionScheduledAt)
	}

	license := findLicense(t, db, "a@example.com")
	if license.Status != licensedomain.LicenseStatusDeletionScheduled {
		t.Fatalf("expected deletion_scheduled, got %s", license.Status)
	}
	if license.DeletionScheduledAt == nil {
		t.Fatalf("expected deletion date persisted")
	}

	if _, err := svc.ScheduleDeletion(context.Background(), "a@example.com"); !errors.Is(err, licensedomain.ErrDeletionAlreadySet) {
		t.Fatalf("expected ErrDeletionAlreadySet, got %v", err)
	}
}

func TestCancelDeletionRestoresActive(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	svc := newCommandService(t, db, clk, &mockStripeAPI{})

	subscriptionID := "sub_1"
	deleteAt := now.AddDate(0, 0, 10)
	seedLicense(t, db, licensedomain.License{
		Email:                "a@example.com",
		StripeSubscriptionID: &subscriptionID,
		Plan:                 licensedomain.PlanMonthly,
		Status:               licensedomain.LicenseStatusDeletionScheduled,
		DeletionScheduledAt:  &deleteAt,
		CreatedAt:            now.AddDate(0, -1, 0),
		UpdatedAt:            now,
	})

	license, err := svc.CancelDeletion(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("cancel deletion: %v", err)
	}
	if license.Status != licensedomain.LicenseStatusActive {
		t.Fatalf("expected active, got %s", license.Status)
	}
	if license.DeletionScheduledAt != nil {
		t.Fatalf("expected deletion date cleared")
	}

	if _, err := svc.CancelDeletion(context.Background(), "a@example.com"); !errors.Is(err, licensedomain.ErrNoDeletionScheduled) {
		t.Fatalf("expected ErrNoDeletionScheduled, got %v", err)
	}
}

func TestGetLicenseUnknownEmail(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	svc := newCommandService(t, db, clk, &mockStripeAPI{})

	if _, err := svc.GetLicense(context.Background(), "nobody@example.com"); !errors.Is(err, licensedomain.ErrLicenseNotFound) {
		t.Fatalf("expected ErrLicenseNotFound, got %v", err)
	}
}

package scheduler_test

import (
	"context"
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
	obsmetrics "github.com/tillworks/licensing/internal/observability/metrics"
	"github.com/tillworks/licensing/internal/scheduler"
	"github.com/tillworks/licensing/internal/stripe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// sweepStripeMock serves live subscription reads keyed by id.
type sweepStripeMock struct {
	subs map[string]*stripe.Subscription
	err  error
}

func (m *sweepStripeMock) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	if m.err != nil {
		return nil, m.err
	}
	sub, ok := m.subs[subscriptionID]
	if !ok {
		return nil, stripe.ErrRequestFailed
	}
	copied := *sub
	return &copied, nil
}

func (m *sweepStripeMock) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*stripe.Subscription, error) {
	return nil, stripe.ErrRequestFailed
}

func (m *sweepStripeMock) CancelSubscription(ctx context.Context, subscriptionID string, prorate bool) (*stripe.Subscription, error) {
	return nil, stripe.ErrRequestFailed
}

func (m *sweepStripeMock) ChangePlan(ctx context.Context, subscriptionID string, targetPriceID string) (*stripe.Subscription, error) {
	return nil, stripe.ErrRequestFailed
}

func (m *sweepStripeMock) PreviewPlanChange(ctx context.Context, subscriptionID string, targetPriceID string) (*stripe.Invoice, error) {
	return nil, stripe.ErrRequestFailed
}

func (m *sweepStripeMock) LatestPaidInvoice(ctx context.Context, subscriptionID string) (*stripe.Invoice, error) {
	return nil, stripe.ErrRequestFailed
}

func (m *sweepStripeMock) CreateRefund(ctx context.Context, paymentIntentID string, idempotencyKey string) (*stripe.Refund, error) {
	return nil, stripe.ErrRequestFailed
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

	if err := db.Exec(`CREATE TABLE licenses (
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
	)`).Error; err != nil {
		t.Fatalf("schema exec failed: %v", err)
	}

	return db
}

func newSweeper(t *testing.T, db *gorm.DB, clk clock.Clock, api stripe.API) *scheduler.Scheduler {
	t.Helper()

	plans := config.NewStaticPlansHolder(config.PlansConfig{
		Plans: map[string]config.PlanSpec{
			"monthly": {PriceID: "price_monthly"},
			"annual":  {PriceID: "price_annual"},
		},
		CoolingPeriodDays: 14,
		DeletionGraceDays: 14,
	})

	sweeper, err := scheduler.New(scheduler.Params{
		DB:          db,
		Log:         zap.NewNop(),
		Clock:       clk,
		Plans:       plans,
		Stripe:      api,
		LicenseRepo: licenserepo.Provide(),
		Config: scheduler.Config{
			RunInterval: time.Hour,
			BatchSize:   10,
			JobTimeout:  5 * time.Second,
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return sweeper
}

var seedNode, _ = snowflake.NewNode(13)

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
	return license
}

func TestExpireLapsedHealsMissedRenewal(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)

	subscriptionID := "sub_1"
	periodEnd := now.AddDate(0, 0, 20)
	api := &sweepStripeMock{subs: map[string]*stripe.Subscription{
		subscriptionID: {
			ID:               subscriptionID,
			Status:           "active",
			CurrentPeriodEnd: periodEnd.Unix(),
		},
	}}
	sweeper := newSweeper(t, db, clk, api)

	expired := now.AddDate(0, 0, -3)
	seedLicense(t, db, licensedomain.License{
		Email:                "a@example.com",
		StripeSubscriptionID: &subscriptionID,
		Plan:                 licensedomain.PlanMonthly,
		Status:               licensedomain.LicenseStatusActive,
		ExpiresAt:            &expired,
		CreatedAt:            now.AddDate(0, -2, 0),
		UpdatedAt:            now.AddDate(0, -1, 0),
	})

	if err := sweeper.ExpireLapsedJob(context.Background()); err != nil {
		t.Fatalf("expire lapsed: %v", err)
	}

	license := findLicense(t, db, "a@example.com")
	if license.Status != licensedomain.LicenseStatusActive {
		t.Fatalf("expected active after repair, got %s", license.Status)
	}
	if license.ExpiresAt == nil || license.ExpiresAt.Unix() != periodEnd.Unix() {
		t.Fatalf("expected expiry repaired to %v, got %v", periodEnd, license.ExpiresAt)
	}
}

func TestExpireLapsedSettlesProviderCancellation(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)

	subscriptionID := "sub_1"
	api := &sweepStripeMock{subs: map[string]*stripe.Subscription{
		subscriptionID: {ID: subscriptionID, Status: "canceled"},
	}}
	sweeper := newSweeper(t, db, clk, api)

	expired := now.AddDate(0, 0, -3)
	seedLicense(t, db, licensedomain.License{
		Email:                "a@example.com",
		StripeSubscriptionID: &subscriptionID,
		Plan:                 licensedomain.PlanMonthly,
		Status:               licensedomain.LicenseStatusActive,
		ExpiresAt:            &expired,
		CreatedAt:            now.AddDate(0, -2, 0),
		UpdatedAt:            now.AddDate(0, -1, 0),
	})

	if err := sweeper.ExpireLapsedJob(context.Background()); err != nil {
		t.Fatalf("expire lapsed: %v", err)
	}

	license := findLicense(t, db, "a@example.com")
	if license.Status != licensedomain.LicenseStatusCancelled {
		t.Fatalf("expected cancelled, got %s", license.Status)
	}
}

func TestExpireLapsedWithoutLinkageGoesInactive(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	sweeper := newSweeper(t, db, clk, &sweepStripeMock{})

	expired := now.AddDate(0, 0, -3)
	seedLicense(t, db, licensedomain.License{
		Email:     "a@example.com",
		Plan:      licensedomain.PlanMonthly,
		Status:    licensedomain.LicenseStatusActive,
		ExpiresAt: &expired,
		CreatedAt: now.AddDate(0, -2, 0),
		UpdatedAt: now.AddDate(0, -1, 0),
	})

	if err := sweeper.ExpireLapsedJob(context.Background()); err != nil {
		t.Fatalf("expire lapsed: %v", err)
	}

	license := findLicense(t, db, "a@example.com")
	if license.Status != licensedomain.LicenseStatusInactive {
		t.Fatalf("expected inactive, got %s", license.Status)
	}
}

func TestExpireLapsedLeavesUnexpiredAlone(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	sweeper := newSweeper(t, db, clk, &sweepStripeMock{})

	future := now.AddDate(0, 0, 10)
	seedLicense(t, db, licensedomain.License{
		Email:     "a@example.com",
		Plan:      licensedomain.PlanMonthly,
		Status:    licensedomain.LicenseStatusActive,
		ExpiresAt: &future,
		CreatedAt: now.AddDate(0, -1, 0),
		UpdatedAt: now,
	})

	if err := sweeper.ExpireLapsedJob(context.Background()); err != nil {
		t.Fatalf("expire lapsed: %v", err)
	}

	license := findLicense(t, db, "a@example.com")
	if license.Status != licensedomain.LicenseStatusActive {
		t.Fatalf("expected active, got %s", license.Status)
	}
}

// deletionRaceRepo returns the due batch and then flips the row back to
// active, mimicking a tenant cancelling the deletion between the batch
// query and the row lock.
type deletionRaceRepo struct {
	licensedomain.Repository
	db *gorm.DB
}

func (r *deletionRaceRepo) FindDeletionDue(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]licensedomain.License, error) {
	due, err := r.Repository.FindDeletionDue(ctx, db, cutoff, limit)
	if err != nil || len(due) == 0 {
		return due, err
	}
	err = r.db.Exec(
		`UPDATE licenses SET status = ?, deletion_scheduled_at = NULL WHERE email = ?`,
		licensedomain.LicenseStatusActive, due[0].Email,
	).Error
	return due, err
}

func sweepRepairCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "licensing_sweep_repairs_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected metric data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestDeletionDueSkippedRowIsNotCountedAsRepair(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)

	reader := sdkmetric.NewManualReader()
	metrics, err := obsmetrics.New(
		obsmetrics.Config{ServiceName: "licensing"},
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	plans := config.NewStaticPlansHolder(config.PlansConfig{
		Plans: map[string]config.PlanSpec{
			"monthly": {PriceID: "price_monthly"},
		},
		CoolingPeriodDays: 14,
		DeletionGraceDays: 14,
	})
	sweeper, err := scheduler.New(scheduler.Params{
		DB:          db,
		Log:         zap.NewNop(),
		Clock:       clk,
		Plans:       plans,
		Stripe:      &sweepStripeMock{},
		LicenseRepo: &deletionRaceRepo{Repository: licenserepo.Provide(), db: db},
		ObsMetrics:  metrics,
		Config: scheduler.Config{
			RunInterval: time.Hour,
			BatchSize:   10,
			JobTimeout:  5 * time.Second,
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	due := now.AddDate(0, 0, -1)
	seedLicense(t, db, licensedomain.License{
		Email:               "kept@example.com",
		Plan:                licensedomain.PlanMonthly,
		Status:              licensedomain.LicenseStatusDeletionScheduled,
		DeletionScheduledAt: &due,
		CreatedAt:           now.AddDate(0, -2, 0),
		UpdatedAt:           now.AddDate(0, -1, 0),
	})

	if err := sweeper.DeletionDueJob(context.Background()); err != nil {
		t.Fatalf("deletion due: %v", err)
	}

	license := findLicense(t, db, "kept@example.com")
	if license == nil || license.Status != licensedomain.LicenseStatusActive {
		t.Fatalf("expected license kept active, got %+v", license)
	}
	if got := sweepRepairCount(t, reader); got != 0 {
		t.Fatalf("expected no sweep repairs recorded, got %d", got)
	}
}

func TestDeletionDueRemovesLicense(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	sweeper := newSweeper(t, db, clk, &sweepStripeMock{})

	due := now.AddDate(0, 0, -1)
	seedLicense(t, db, licensedomain.License{
		Email:               "gone@example.com",
		Plan:                licensedomain.PlanMonthly,
		Status:              licensedomain.LicenseStatusDeletionScheduled,
		DeletionScheduledAt: &due,
		CreatedAt:           now.AddDate(0, -2, 0),
		UpdatedAt:           now.AddDate(0, -1, 0),
	})

	notDue := now.AddDate(0, 0, 5)
	seedLicense(t, db, licensedomain.License{
		Email:               "stays@example.com",
		Plan:                licensedomain.PlanMonthly,
		Status:              licensedomain.LicenseStatusDeletionScheduled,
		DeletionScheduledAt: &notDue,
		CreatedAt:           now.AddDate(0, -2, 0),
		UpdatedAt:           now.AddDate(0, -1, 0),
	})

	if err := sweeper.DeletionDueJob(context.Background()); err != nil {
		t.Fatalf("deletion due: %v", err)
	}

	if license := findLicense(t, db, "gone@example.com"); license != nil {
		t.Fatalf("expected license removed, got %+v", license)
	}
	if license := findLicense(t, db, "stays@example.com"); license == nil {
		t.Fatalf("expected unexpired deletion to remain")
	}
}

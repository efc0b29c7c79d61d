// Package domain defines the webhook event ledger and the reconciliation
// service contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrInvalidEvent = errors.New("invalid_event")

// WebhookEvent is a ledger entry for one provider delivery. The unique
// constraint on provider_event_id is the idempotency guard: the insert runs
// before any mutation, and a conflict means the delivery is a duplicate.
type WebhookEvent struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	ProviderEventID string         `gorm:"type:text;not null;uniqueIndex"`
	EventType       string         `gorm:"type:text;not null"`
	SubscriptionID  string         `gorm:"type:text;index"`
	Payload         datatypes.JSON `gorm:"type:jsonb"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time     `gorm:""`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// Outcome describes how a webhook delivery was resolved. Every outcome is
// acknowledged with 200; only verification and payload failures reach the
// caller as errors.
type Outcome string

const (
	// OutcomeApplied means the event mutated the license record.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event id was already processed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event type is outside the reconciliation set.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeMalformed means a recognized event lacked required fields and
	// was acknowledged without any state change.
	OutcomeMalformed Outcome = "malformed"
	// OutcomeNoOp means no license matched the event's subscription.
	OutcomeNoOp Outcome = "no_op"
	// OutcomeStale means the event was strictly older than the license's
	// last applied event and was discarded.
	OutcomeStale Outcome = "stale"
)

// Repository persists the webhook event ledger.
type Repository interface {
	// InsertEvent inserts with ON CONFLICT DO NOTHING and reports whether
	// the row was actually written.
	InsertEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, providerEventID string) (*WebhookEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

// Service is the webhook ingestion pipeline: verify, classify, guard, apply.
type Service interface {
	ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error)
}

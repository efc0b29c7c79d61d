package stripe

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType is the reconciliation action a webhook event maps to.
type EventType string

const (
	EventTypeCheckoutCompleted   EventType = "checkout_completed"
	EventTypeRenewal             EventType = "renewal"
	EventTypeSubscriptionDeleted EventType = "subscription_deleted"
	EventTypePaymentFailed       EventType = "payment_failed"
)

// Event is the canonical, provider-neutral form of a verified webhook event.
type Event struct {
	ProviderEventID string
	Type            EventType
	OccurredAt      time.Time
	Email           string
	CustomerID      string
	SubscriptionID  string
	Plan            string
	PriceID         string
	RawPayload      []byte
}

// ExpandableID accepts either a primitive id ("sub_123") or an expanded
// object carrying an "id" field. Stripe serializes the same field both ways
// depending on expansion.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*e = ""
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*e = ExpandableID(value)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

func (e ExpandableID) String() string { return string(e) }

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID              string       `json:"id"`
	Customer        ExpandableID `json:"customer"`
	Subscription    ExpandableID `json:"subscription"`
	CustomerEmail   string       `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
	Created  int64             `json:"created"`
}

type stripeInvoiceObject struct {
	ID            string       `json:"id"`
	Customer      ExpandableID `json:"customer"`
	Subscription  ExpandableID `json:"subscription"`
	BillingReason string       `json:"billing_reason"`
	Created       int64        `json:"created"`
	Lines         struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeSubscriptionObject struct {
	ID       string       `json:"id"`
	Customer ExpandableID `json:"customer"`
	Created  int64        `json:"created"`
}

// ParseEvent classifies a verified payload into a canonical Event. Event
// types outside the reconciliation set return ErrEventIgnored so the caller
// can acknowledge without action.
func ParseEvent(payload []byte) (*Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return parseCheckoutSession(event, payload)
	case "invoice.payment_succeeded", "invoice.paid":
		return parseInvoice(event, payload, EventTypeRenewal)
	case "invoice.payment_failed":
		return parseInvoice(event, payload, EventTypePaymentFailed)
	case "customer.subscription.deleted":
		return parseSubscriptionDeleted(event, payload)
	default:
		return nil, ErrEventIgnored
	}
}

func parseCheckoutSession(event stripeEvent, payload []byte) (*Event, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, ErrInvalidPayload
	}

	email := strings.TrimSpace(strings.ToLower(session.CustomerDetails.Email))
	if email == "" {
		email = strings.TrimSpace(strings.ToLower(session.CustomerEmail))
	}
	if email == "" {
		email = strings.TrimSpace(strings.ToLower(session.Metadata["email"]))
	}

	return &Event{
		ProviderEventID: event.ID,
		Type:            EventTypeCheckoutCompleted,
		OccurredAt:      timestamp(session.Created, event.Created),
		Email:           email,
		CustomerID:      session.Customer.String(),
		SubscriptionID:  session.Subscription.String(),
		Plan:            strings.TrimSpace(strings.ToLower(session.Metadata["plan"])),
		RawPayload:      payload,
	}, nil
}

func parseInvoice(event stripeEvent, payload []byte, eventType EventType) (*Event, error) {
	var invoice stripeInvoiceObject
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, ErrInvalidPayload
	}

	var priceID string
	if len(invoice.Lines.Data) > 0 {
		priceID = invoice.Lines.Data[0].Price.ID
	}

	return &Event{
		ProviderEventID: event.ID,
		Type:            eventType,
		OccurredAt:      timestamp(invoice.Created, event.Created),
		CustomerID:      invoice.Customer.String(),
		SubscriptionID:  invoice.Subscription.String(),
		PriceID:         priceID,
		RawPayload:      payload,
	}, nil
}

func parseSubscriptionDeleted(event stripeEvent, payload []byte) (*Event, error) {
	var subscription stripeSubscriptionObject
	if err := json.Unmarshal(event.Data.Object, &subscription); err != nil {
		return nil, ErrInvalidPayload
	}
	if strings.TrimSpace(subscription.ID) == "" {
		return nil, ErrInvalidEvent
	}

	return &Event{
		ProviderEventID: event.ID,
		Type:            EventTypeSubscriptionDeleted,
		OccurredAt:      timestamp(event.Created, subscription.Created),
		CustomerID:      subscription.Customer.String(),
		SubscriptionID:  subscription.ID,
		RawPayload:      payload,
	}, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

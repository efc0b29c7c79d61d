package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Subscription is the provider's view of a recurring-billing object. Only the
// fields the reconciler reads are mapped.
type Subscription struct {
	ID                 string       `json:"id"`
	Status             string       `json:"status"`
	Customer           ExpandableID `json:"customer"`
	Created            int64        `json:"created"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	CanceledAt         int64        `json:"canceled_at"`
	LatestInvoice      ExpandableID `json:"latest_invoice"`
	Items              struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

type SubscriptionItem struct {
	ID    string `json:"id"`
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
}

// CreatedAt returns the subscription creation instant in UTC.
func (s *Subscription) CreatedAt() time.Time {
	return time.Unix(s.Created, 0).UTC()
}

// CurrentPriceID returns the price of the first subscription item, which is
// the only item this product ever attaches.
func (s *Subscription) CurrentPriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

func (s *Subscription) firstItemID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].ID
}

// Invoice is the provider's billing document for one period.
type Invoice struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	AmountPaid    int64        `json:"amount_paid"`
	AmountDue     int64        `json:"amount_due"`
	Currency      string       `json:"currency"`
	PaymentIntent ExpandableID `json:"payment_intent"`
	Charge        ExpandableID `json:"charge"`
	Subscription  ExpandableID `json:"subscription"`
	Created       int64        `json:"created"`
}

// Refund is the provider's record of money returned against a payment.
type Refund struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// API is the subset of the provider surface the engine calls. Command
// handlers receive it as a constructor argument so tests can substitute a
// double; there is no package-level client.
type API interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	// SetCancelAtPeriodEnd toggles the end-of-period cancellation flag.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error)
	// CancelSubscription terminates immediately. With prorate set the
	// provider issues a credit for the unused period.
	CancelSubscription(ctx context.Context, subscriptionID string, prorate bool) (*Subscription, error)
	// ChangePlan swaps the subscription's single item to the target price
	// with invoice-generating proration, deferring the swap's payment via
	// pending_if_incomplete.
	ChangePlan(ctx context.Context, subscriptionID string, targetPriceID string) (*Subscription, error)
	// PreviewPlanChange returns the prorated amount the upcoming invoice
	// would carry if the subscription moved to the target price.
	PreviewPlanChange(ctx context.Context, subscriptionID string, targetPriceID string) (*Invoice, error)
	// LatestPaidInvoice returns the most recent paid invoice for the
	// subscription, or nil when none exists.
	LatestPaidInvoice(ctx context.Context, subscriptionID string) (*Invoice, error)
	CreateRefund(ctx context.Context, paymentIntentID string, idempotencyKey string) (*Refund, error)
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client is a narrow REST client over the provider's form-encoded API.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewClient(apiKey string, baseURL string) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	return &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 12 * time.Second},
	}
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	if err := c.doRequest(ctx, http.MethodGet, "/v1/subscriptions/"+subscriptionID, nil, "", &sub); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		return nil, ErrRequestFailed
	}
	return &sub, nil
}

func (c *Client) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error) {
	values := url.Values{}
	values.Set("cancel_at_period_end", strconv.FormatBool(cancel))

	var sub Subscription
	if err := c.doRequest(ctx, http.MethodPost, "/v1/subscriptions/"+subscriptionID, values, "", &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string, prorate bool) (*Subscription, error) {
	values := url.Values{}
	values.Set("prorate", strconv.FormatBool(prorate))

	var sub Subscription
	if err := c.doRequest(ctx, http.MethodDelete, "/v1/subscriptions/"+subscriptionID, values, "", &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) ChangePlan(ctx context.Context, subscriptionID string, targetPriceID string) (*Subscription, error) {
	current, err := c.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	itemID := current.firstItemID()
	if itemID == "" {
		return nil, ErrRequestFailed
	}

	values := url.Values{}
	values.Set("items[0][id]", itemID)
	values.Set("items[0][price]", targetPriceID)
	values.Set("proration_behavior", "create_prorations")
	values.Set("payment_behavior", "pending_if_incomplete")
	values.Set("billing_cycle_anchor", "unchanged")

	var sub Subscription
	if err := c.doRequest(ctx, http.MethodPost, "/v1/subscriptions/"+subscriptionID, values, "plan-change:"+subscriptionID+":"+targetPriceID, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) PreviewPlanChange(ctx context.Context, subscriptionID string, targetPriceID string) (*Invoice, error) {
	current, err := c.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	itemID := current.firstItemID()
	if itemID == "" {
		return nil, ErrRequestFailed
	}

	query := url.Values{}
	query.Set("subscription", subscriptionID)
	query.Set("subscription_items[0][id]", itemID)
	query.Set("subscription_items[0][price]", targetPriceID)
	query.Set("subscription_proration_behavior", "create_prorations")

	var invoice Invoice
	if err := c.doRequest(ctx, http.MethodGet, "/v1/invoices/upcoming?"+query.Encode(), nil, "", &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (c *Client) LatestPaidInvoice(ctx context.Context, subscriptionID string) (*Invoice, error) {
	query := url.Values{}
	query.Set("subscription", subscriptionID)
	query.Set("status", "paid")
	query.Set("limit", "1")

	var list struct {
		Data []Invoice `json:"data"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/invoices?"+query.Encode(), nil, "", &list); err != nil {
		return nil, err
	}
	if len(list.Data) == 0 {
		return nil, nil
	}
	return &list.Data[0], nil
}

func (c *Client) CreateRefund(ctx context.Context, paymentIntentID string, idempotencyKey string) (*Refund, error) {
	values := url.Values{}
	values.Set("payment_intent", paymentIntentID)

	var refund Refund
	if err := c.doRequest(ctx, http.MethodPost, "/v1/refunds", values, idempotencyKey, &refund); err != nil {
		return nil, err
	}
	if refund.ID == "" {
		return nil, ErrRequestFailed
	}
	return &refund, nil
}

func (c *Client) doRequest(
	ctx context.Context,
	method string,
	path string,
	values url.Values,
	idempotencyKey string,
	out interface{},
) error {
	if c.apiKey == "" {
		return ErrInvalidConfig
	}
	var bodyReader *strings.Reader
	if values != nil {
		bodyReader = strings.NewReader(values.Encode())
	} else {
		bodyReader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var stripeErr stripeErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&stripeErr); err != nil {
			return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
		}
		message := strings.TrimSpace(stripeErr.Error.Message)
		if message == "" {
			return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
		}
		return fmt.Errorf("%w: %s", ErrRequestFailed, message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Join(ErrRequestFailed, err)
	}
	return nil
}

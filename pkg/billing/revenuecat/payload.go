package revenuecat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// webhookPayload is the RevenueCat webhook envelope.
type webhookPayload struct {
	APIVersion string       `json:"api_version,omitempty"`
	Event      webhookEvent `json:"event"`
}

type webhookEvent struct {
	ID                string   `json:"id"`
	Type              string   `json:"type"`
	AppUserID         string   `json:"app_user_id"`
	OriginalAppUserID string   `json:"original_app_user_id"`
	Aliases           []string `json:"aliases"`
	ProductID         string   `json:"product_id"`
	NewProductID      string   `json:"new_product_id"`
	EntitlementID     string   `json:"entitlement_id"`
	EntitlementIDs    []string `json:"entitlement_ids"`
	ExpirationAtMs    int64    `json:"expiration_at_ms"`
	PurchasedAtMs     int64    `json:"purchased_at_ms"`
	EventTimestampMs  int64    `json:"event_timestamp_ms"`
	TimestampMs       int64    `json:"timestamp_ms"`
	IsTrialPeriod     bool     `json:"is_trial_period"`
	PeriodType        string   `json:"period_type"`
	OfferPeriod       string   `json:"offer_period"`
	DiscountType      string   `json:"discount_type"`
	Price             *float64 `json:"price"`
	Store             string   `json:"store"`
	Environment       string   `json:"environment"`
}

// parseWebhookPayload decodes a single JSON object. Unknown fields are
// accepted; the platform adds fields without versioning the envelope.
func parseWebhookPayload(body []byte) (*webhookPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	var payload webhookPayload
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: multiple JSON objects", billing.ErrInvalidWebhookPayload)
	}
	return &payload, nil
}

// eventTimestamp prefers event_timestamp_ms over the older timestamp_ms.
func (e *webhookEvent) eventTimestamp() time.Time {
	if e.EventTimestampMs > 0 {
		return parseEventTimestamp(e.EventTimestampMs)
	}
	return parseEventTimestamp(e.TimestampMs)
}

// parseEventTimestamp converts a millisecond timestamp to time.Time
func parseEventTimestamp(timestampMs int64) time.Time {
	if timestampMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(timestampMs).UTC()
}

// parseRevenueCatTime parses a RevenueCat API timestamp string
func parseRevenueCatTime(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unable to parse time: %s", v)
}

// optionalTime parses a nullable API timestamp; unparsable values are nil.
func optionalTime(value *string) *time.Time {
	if value == nil {
		return nil
	}
	t, err := parseRevenueCatTime(*value)
	if err != nil {
		return nil
	}
	return &t
}

package billing

import "time"

// WebhookEvent describes a processed webhook. It is passed to the
// WebhookCallback after the record has been written or the event skipped.
type WebhookEvent struct {
	// Provider is the billing provider name ("revenuecat")
	Provider string

	// EventID is the platform's event id, if present
	EventID string

	// EventType is the canonical event type ("INITIAL_PURCHASE", "RENEWAL", ...)
	EventType string

	// UserID is the resolved local user (empty when identity was unresolved)
	UserID string

	// SubscriberID is the platform subscriber id the event was addressed to
	SubscriberID string

	IsActive  bool
	WillRenew bool
	IsTrial   bool

	// TrialRule names the heuristic rule that classified the event as a trial
	TrialRule string

	// Skipped is true when the event was acknowledged without being applied
	Skipped bool
	Reason  string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// ExpiresAt is the derived current_period_end (nil if unknown)
	ExpiresAt *time.Time

	// Metadata carries provider specific values such as product_id, store, environment
	Metadata map[string]interface{}
}

package subscription

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultEntitlement is used when the billing platform reports no entitlement explicitly.
const DefaultEntitlement = "pro"

// Storefront identifies the store a purchase was made through.
type Storefront string

const (
	StoreAppStore  Storefront = "app_store"
	StorePlayStore Storefront = "play_store"
	StoreStripe    Storefront = "stripe"

	// DefaultStore is used for storefront strings we do not recognize.
	DefaultStore = StoreAppStore
)

// NormalizeStore maps a platform store string to a Storefront.
func NormalizeStore(raw string) Storefront {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APP_STORE", "MAC_APP_STORE":
		return StoreAppStore
	case "PLAY_STORE":
		return StorePlayStore
	case "STRIPE":
		return StoreStripe
	default:
		return DefaultStore
	}
}

// Environment is the billing environment an event was produced in.
type Environment string

const (
	EnvironmentProduction Environment = "PRODUCTION"
	EnvironmentSandbox    Environment = "SANDBOX"
)

// NormalizeEnvironment upper-cases the platform value. Unknown values are PRODUCTION.
func NormalizeEnvironment(raw string) Environment {
	switch Environment(strings.ToUpper(strings.TrimSpace(raw))) {
	case EnvironmentSandbox:
		return EnvironmentSandbox
	default:
		return EnvironmentProduction
	}
}

// Record is the local view of one billing subscriber. It is upserted in place,
// keyed by BillingSubscriberID, and never deleted.
type Record struct {
	UserID                      string          `json:"user_id"`
	BillingSubscriberID         string          `json:"billing_subscriber_id"`
	BillingOriginalSubscriberID string          `json:"billing_original_subscriber_id,omitempty"`
	Entitlement                 string          `json:"entitlement"`
	ProductID                   string          `json:"product_id"`
	Store                       Storefront      `json:"store"`
	IsActive                    bool            `json:"is_active"`
	IsTrial                     bool            `json:"is_trial"`
	WillRenew                   bool            `json:"will_renew"`
	CurrentPeriodEnd            *time.Time      `json:"current_period_end,omitempty"`
	OriginalPurchaseAt          *time.Time      `json:"original_purchase_at,omitempty"`
	RawEventSnapshot            json.RawMessage `json:"raw_event_snapshot,omitempty"`
	Environment                 Environment     `json:"environment"`

	// LastEventAt is the timestamp of the newest event or snapshot applied to the record.
	// Older events are rejected with ErrStaleEvent.
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// State returns the status flags of the record.
func (r *Record) State() State {
	if r == nil {
		return State{}
	}
	return State{IsActive: r.IsActive, WillRenew: r.WillRenew}
}

// Entitled reports whether the record currently grants access.
func (r *Record) Entitled(now time.Time) bool {
	if r == nil || !r.IsActive {
		return false
	}
	return r.CurrentPeriodEnd == nil || r.CurrentPeriodEnd.After(now)
}

// SkipReason explains why an event was accepted without being applied.
type SkipReason string

const (
	SkipUnresolvedIdentity SkipReason = "unresolved_identity"
	SkipUnknownUser        SkipReason = "unknown_user"
	SkipIdentityMismatch   SkipReason = "identity_mismatch"
	SkipStaleEvent         SkipReason = "stale_event"
	SkipUnknownEvent       SkipReason = "unknown_event_without_record"
)

// SkippedEvent is an event that could not be applied and is waiting for a sweep.
type SkippedEvent struct {
	SubscriberID         string     `json:"subscriber_id"`
	OriginalSubscriberID string     `json:"original_subscriber_id,omitempty"`
	EventType            EventType  `json:"event_type"`
	Reason               SkipReason `json:"reason"`
	SkippedAt            time.Time  `json:"skipped_at"`

	// Attempts counts sweeps that could not apply the event yet.
	Attempts      int       `json:"attempts,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
}

// QueuedAt is the ledger position: the last attempt, or the skip time before
// any attempt. Retried entries move behind entries not yet tried.
func (e *SkippedEvent) QueuedAt() time.Time {
	if e.LastAttemptAt.After(e.SkippedAt) {
		return e.LastAttemptAt
	}
	return e.SkippedAt
}

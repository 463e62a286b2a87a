package subscription

import (
	"context"
	"encoding/json"
	"time"
)

// Store defines the interface for subscription persistence.
// Implementations must make Upsert atomic at the row level using the
// datastore's native insert-or-update on BillingSubscriberID.
type Store interface {
	// GetBySubscriberID returns the record keyed by subscriberID.
	// Returns ErrRecordNotFound if none exists.
	GetBySubscriberID(ctx context.Context, subscriberID string) (*Record, error)

	// FindBySubscriber returns records whose billing_subscriber_id or
	// billing_original_subscriber_id equals any of ids, most recently updated first.
	FindBySubscriber(ctx context.Context, ids ...string) ([]*Record, error)

	// ListByUser returns the user's records, most recently updated first.
	ListByUser(ctx context.Context, userID string) ([]*Record, error)

	// Upsert inserts or updates the record keyed by BillingSubscriberID.
	// Returns ErrUnknownUser when UserID references no user,
	// ErrIdentityMismatch when the key is bound to a different user, and
	// ErrStaleEvent when rec.LastEventAt is older than the stored one.
	Upsert(ctx context.Context, rec *Record) error

	// DeactivateTrials flips is_active off for the user's active trial records of
	// the entitlement, except the one keyed by exceptSubscriberID.
	// Returns the number of records changed.
	DeactivateTrials(ctx context.Context, userID, entitlement, exceptSubscriberID string) (int, error)

	// DeactivateUser flips is_active and will_renew off for every active record of
	// the user, storing snapshot as the raw snapshot. Returns the number changed.
	DeactivateUser(ctx context.Context, userID string, snapshot json.RawMessage, at time.Time) (int, error)

	// ListActive returns up to limit active records, least recently updated first,
	// so that successive bulk runs rotate through the whole set.
	ListActive(ctx context.Context, limit int) ([]*Record, error)
}

// SkipLedger remembers events that were acknowledged but not applied so a
// later sweep can reconcile them.
type SkipLedger interface {
	// Add records ev. Adding the same subscriber twice keeps the latest entry.
	Add(ctx context.Context, ev *SkippedEvent) error

	// Pending returns up to limit entries ordered by QueuedAt, oldest first.
	Pending(ctx context.Context, limit int) ([]*SkippedEvent, error)

	// Remove forgets the entry for subscriberID. Removing a missing entry is not an error.
	Remove(ctx context.Context, subscriberID string) error
}

// NoopLedger discards skipped events.
type NoopLedger struct{}

func (NoopLedger) Add(context.Context, *SkippedEvent) error { return nil }
func (NoopLedger) Pending(context.Context, int) ([]*SkippedEvent, error) {
	return nil, nil
}
func (NoopLedger) Remove(context.Context, string) error { return nil }

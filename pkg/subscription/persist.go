package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Outcome describes what Persist did with a record.
type Outcome struct {
	Persisted bool
	Skipped   bool
	Reason    SkipReason

	// TrialsDeactivated counts trial records closed by a trial to paid conversion.
	TrialsDeactivated int
}

// Writer applies derived records to a Store.
type Writer struct {
	store  Store
	logger Logger
	now    func() time.Time
}

// NewWriter creates a Writer backed by store.
func NewWriter(store Store, logger Logger) *Writer {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Writer{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Persist upserts rec. A non-trial INITIAL_PURCHASE first closes the user's
// active trials so that exactly one record stays active. Conflicts that a later
// reconciliation can repair are returned as a skipped Outcome, not an error.
func (w *Writer) Persist(ctx context.Context, rec *Record, eventType EventType) (Outcome, error) {
	if rec == nil || strings.TrimSpace(rec.UserID) == "" || strings.TrimSpace(rec.BillingSubscriberID) == "" {
		return Outcome{}, ErrInvalidRecord
	}
	if rec.Entitlement == "" {
		rec.Entitlement = DefaultEntitlement
	}
	if rec.Store == "" {
		rec.Store = DefaultStore
	}
	if rec.Environment == "" {
		rec.Environment = EnvironmentProduction
	}
	rec.UpdatedAt = w.now()

	var outcome Outcome
	if eventType == EventInitialPurchase && !rec.IsTrial {
		n, err := w.store.DeactivateTrials(ctx, rec.UserID, rec.Entitlement, rec.BillingSubscriberID)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to deactivate trials: %w", err)
		}
		outcome.TrialsDeactivated = n
		if n > 0 {
			w.logger.Info("trial converted to paid",
				Field{Key: "user_id", Value: rec.UserID},
				Field{Key: "subscriber_id", Value: rec.BillingSubscriberID},
				Field{Key: "trials_deactivated", Value: n},
			)
		}
	}

	err := w.store.Upsert(ctx, rec)
	switch {
	case err == nil:
		outcome.Persisted = true
		return outcome, nil
	case errors.Is(err, ErrUnknownUser):
		outcome.Skipped, outcome.Reason = true, SkipUnknownUser
	case errors.Is(err, ErrIdentityMismatch):
		outcome.Skipped, outcome.Reason = true, SkipIdentityMismatch
	case errors.Is(err, ErrStaleEvent):
		outcome.Skipped, outcome.Reason = true, SkipStaleEvent
	default:
		return outcome, fmt.Errorf("failed to upsert subscription: %w", err)
	}

	w.logger.Warn("subscription write skipped",
		Field{Key: "event_type", Value: string(eventType)},
		Field{Key: "user_id", Value: rec.UserID},
		Field{Key: "subscriber_id", Value: rec.BillingSubscriberID},
		Field{Key: "reason", Value: string(outcome.Reason)},
	)
	return outcome, nil
}

// Deactivate flips every active record of the user to inactive.
func (w *Writer) Deactivate(ctx context.Context, userID string, snapshot []byte) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrInvalidRecord
	}
	n, err := w.store.DeactivateUser(ctx, userID, snapshot, w.now())
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate user: %w", err)
	}
	return n, nil
}

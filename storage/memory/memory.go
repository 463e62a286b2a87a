// Package memory provides an in-memory implementation of subscription.Store and
// subscription.SkipLedger. It is primarily intended for testing and development.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Storage implements subscription.Store using in-memory maps
type Storage struct {
	mu      sync.RWMutex
	records map[string]*subscription.Record // keyed by billing subscriber id

	// users emulates the foreign key to the users table. nil disables the check.
	users map[string]bool
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{records: make(map[string]*subscription.Record)}
}

// WithUsers enables the user foreign key check: upserts for users not in
// userIDs fail with subscription.ErrUnknownUser.
func (s *Storage) WithUsers(userIDs ...string) *Storage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]bool)
	}
	for _, id := range userIDs {
		s.users[id] = true
	}
	return s
}

// GetBySubscriberID implements subscription.Store
func (s *Storage) GetBySubscriberID(_ context.Context, subscriberID string) (*subscription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[subscriberID]
	if !ok {
		return nil, subscription.ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

// FindBySubscriber implements subscription.Store
func (s *Storage) FindBySubscriber(_ context.Context, ids ...string) ([]*subscription.Record, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subscription.Record
	for _, rec := range s.records {
		if want[rec.BillingSubscriberID] ||
			(rec.BillingOriginalSubscriberID != "" && want[rec.BillingOriginalSubscriberID]) {
			out = append(out, copyRecord(rec))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// ListByUser implements subscription.Store
func (s *Storage) ListByUser(_ context.Context, userID string) ([]*subscription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subscription.Record
	for _, rec := range s.records {
		if rec.UserID == userID {
			out = append(out, copyRecord(rec))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Upsert implements subscription.Store
func (s *Storage) Upsert(_ context.Context, rec *subscription.Record) error {
	if rec == nil || rec.UserID == "" || rec.BillingSubscriberID == "" {
		return subscription.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.users != nil && !s.users[rec.UserID] {
		return subscription.ErrUnknownUser
	}

	if existing, ok := s.records[rec.BillingSubscriberID]; ok {
		if existing.UserID != rec.UserID {
			return subscription.ErrIdentityMismatch
		}
		if existing.LastEventAt != nil && rec.LastEventAt != nil && rec.LastEventAt.Before(*existing.LastEventAt) {
			return subscription.ErrStaleEvent
		}
	}

	stored := copyRecord(rec)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	s.records[rec.BillingSubscriberID] = stored
	return nil
}

// DeactivateTrials implements subscription.Store
func (s *Storage) DeactivateTrials(_ context.Context, userID, entitlement, exceptSubscriberID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, rec := range s.records {
		if rec.UserID != userID || rec.Entitlement != entitlement || key == exceptSubscriberID {
			continue
		}
		if rec.IsActive && rec.IsTrial {
			rec.IsActive = false
			rec.WillRenew = false
			rec.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// DeactivateUser implements subscription.Store
func (s *Storage) DeactivateUser(_ context.Context, userID string, snapshot json.RawMessage, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if rec.UserID != userID || !rec.IsActive {
			continue
		}
		rec.IsActive = false
		rec.WillRenew = false
		if len(snapshot) > 0 {
			rec.RawEventSnapshot = append(json.RawMessage(nil), snapshot...)
		}
		rec.UpdatedAt = at
		n++
	}
	return n, nil
}

// ListActive implements subscription.Store
func (s *Storage) ListActive(_ context.Context, limit int) ([]*subscription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subscription.Record
	for _, rec := range s.records {
		if rec.IsActive {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].BillingSubscriberID < out[j].BillingSubscriberID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func sortNewestFirst(records []*subscription.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
}

// copyRecord returns a deep copy to prevent external mutations
func copyRecord(rec *subscription.Record) *subscription.Record {
	c := *rec
	if rec.CurrentPeriodEnd != nil {
		t := *rec.CurrentPeriodEnd
		c.CurrentPeriodEnd = &t
	}
	if rec.OriginalPurchaseAt != nil {
		t := *rec.OriginalPurchaseAt
		c.OriginalPurchaseAt = &t
	}
	if rec.LastEventAt != nil {
		t := *rec.LastEventAt
		c.LastEventAt = &t
	}
	if rec.RawEventSnapshot != nil {
		c.RawEventSnapshot = append(json.RawMessage(nil), rec.RawEventSnapshot...)
	}
	return &c
}

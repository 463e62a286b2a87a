package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Ledger implements subscription.SkipLedger using an in-memory map
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*subscription.SkippedEvent
}

// NewLedger creates an empty in-memory skip ledger
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*subscription.SkippedEvent)}
}

// Add implements subscription.SkipLedger
func (l *Ledger) Add(_ context.Context, ev *subscription.SkippedEvent) error {
	if ev == nil || ev.SubscriberID == "" {
		return subscription.ErrInvalidRecord
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c := *ev
	l.entries[ev.SubscriberID] = &c
	return nil
}

// Pending implements subscription.SkipLedger
func (l *Ledger) Pending(_ context.Context, limit int) ([]*subscription.SkippedEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*subscription.SkippedEvent, 0, len(l.entries))
	for _, ev := range l.entries {
		c := *ev
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		qi, qj := out[i].QueuedAt(), out[j].QueuedAt()
		if qi.Equal(qj) {
			return out[i].SubscriberID < out[j].SubscriberID
		}
		return qi.Before(qj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Remove implements subscription.SkipLedger
func (l *Ledger) Remove(_ context.Context, subscriberID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, subscriberID)
	return nil
}

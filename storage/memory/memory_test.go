package memory

import (
	"context"
	"testing"
	"time"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

func TestStorage_GetBySubscriberID_NotFound(t *testing.T) {
	s := New()
	if _, err := s.GetBySubscriberID(context.Background(), "missing"); err != subscription.ErrRecordNotFound {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestStorage_UpsertReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	end := time.Now().UTC().Add(time.Hour)

	rec := &subscription.Record{UserID: "u1", BillingSubscriberID: "s1", IsActive: true, CurrentPeriodEnd: &end}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	rec.IsActive = false
	*rec.CurrentPeriodEnd = end.Add(time.Hour)

	got, err := s.GetBySubscriberID(ctx, "s1")
	if err != nil {
		t.Fatalf("GetBySubscriberID failed: %v", err)
	}
	if !got.IsActive {
		t.Error("stored record was mutated through caller pointer")
	}
	if !got.CurrentPeriodEnd.Equal(end) {
		t.Error("stored period end was mutated through caller pointer")
	}
}

func TestStorage_UpsertValidation(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Upsert(ctx, nil); err != subscription.ErrInvalidRecord {
		t.Errorf("nil record: got %v", err)
	}
	if err := s.Upsert(ctx, &subscription.Record{UserID: "u"}); err != subscription.ErrInvalidRecord {
		t.Errorf("missing subscriber id: got %v", err)
	}
}

func TestStorage_ForeignKeyEmulation(t *testing.T) {
	s := New().WithUsers("known")
	ctx := context.Background()

	if err := s.Upsert(ctx, &subscription.Record{UserID: "unknown", BillingSubscriberID: "s"}); err != subscription.ErrUnknownUser {
		t.Errorf("Expected ErrUnknownUser, got %v", err)
	}
	if err := s.Upsert(ctx, &subscription.Record{UserID: "known", BillingSubscriberID: "s"}); err != nil {
		t.Errorf("Upsert for known user failed: %v", err)
	}
}

func TestStorage_ListActiveOldestFirstWithLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"c", "a", "b"} {
		err := s.Upsert(ctx, &subscription.Record{
			UserID:              "u-" + id,
			BillingSubscriberID: id,
			IsActive:            true,
			UpdatedAt:           base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	if err := s.Upsert(ctx, &subscription.Record{UserID: "u-d", BillingSubscriberID: "d", UpdatedAt: base}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := s.ListActive(ctx, 2)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(got))
	}
	if got[0].BillingSubscriberID != "c" || got[1].BillingSubscriberID != "a" {
		t.Errorf("unexpected order: %s, %s", got[0].BillingSubscriberID, got[1].BillingSubscriberID)
	}
}

func TestStorage_DeactivateTrialsScope(t *testing.T) {
	s := New()
	ctx := context.Background()

	records := []*subscription.Record{
		{UserID: "u", BillingSubscriberID: "trial-pro", Entitlement: "pro", IsActive: true, IsTrial: true},
		{UserID: "u", BillingSubscriberID: "trial-plus", Entitlement: "plus", IsActive: true, IsTrial: true},
		{UserID: "u", BillingSubscriberID: "paid-pro", Entitlement: "pro", IsActive: true},
		{UserID: "other", BillingSubscriberID: "other-trial", Entitlement: "pro", IsActive: true, IsTrial: true},
	}
	for _, rec := range records {
		if err := s.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	n, err := s.DeactivateTrials(ctx, "u", "pro", "paid-pro")
	if err != nil {
		t.Fatalf("DeactivateTrials failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 trial deactivated, got %d", n)
	}

	for id, wantActive := range map[string]bool{"trial-pro": false, "trial-plus": true, "paid-pro": true, "other-trial": true} {
		got, _ := s.GetBySubscriberID(ctx, id)
		if got.IsActive != wantActive {
			t.Errorf("%s: IsActive = %v, want %v", id, got.IsActive, wantActive)
		}
	}
}

func TestLedger_AddPendingRemove(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	now := time.Now().UTC()

	_ = l.Add(ctx, &subscription.SkippedEvent{SubscriberID: "b", SkippedAt: now})
	_ = l.Add(ctx, &subscription.SkippedEvent{SubscriberID: "a", SkippedAt: now.Add(-time.Minute)})
	_ = l.Add(ctx, &subscription.SkippedEvent{SubscriberID: "b", SkippedAt: now.Add(time.Minute), Reason: subscription.SkipUnknownUser})

	pending, err := l.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending, got %d", len(pending))
	}
	if pending[0].SubscriberID != "a" || pending[1].Reason != subscription.SkipUnknownUser {
		t.Errorf("unexpected pending entries: %+v %+v", pending[0], pending[1])
	}

	if err := l.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := l.Remove(ctx, "missing"); err != nil {
		t.Fatalf("Remove of missing entry failed: %v", err)
	}
	pending, _ = l.Pending(ctx, 0)
	if len(pending) != 1 {
		t.Errorf("Expected 1 pending after remove, got %d", len(pending))
	}
	if err := l.Add(ctx, &subscription.SkippedEvent{}); err == nil {
		t.Error("Expected error for empty subscriber id")
	}
}

func TestLedger_RetriedEntriesMoveBack(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	now := time.Now().UTC()

	_ = l.Add(ctx, &subscription.SkippedEvent{SubscriberID: "stuck", SkippedAt: now.Add(-time.Hour)})
	_ = l.Add(ctx, &subscription.SkippedEvent{SubscriberID: "fresh", SkippedAt: now.Add(-time.Minute)})
	_ = l.Add(ctx, &subscription.SkippedEvent{
		SubscriberID:  "stuck",
		SkippedAt:     now.Add(-time.Hour),
		Attempts:      1,
		LastAttemptAt: now,
	})

	pending, err := l.Pending(ctx, 1)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].SubscriberID != "fresh" {
		t.Fatalf("untried entry should come first, got %+v", pending)
	}
}

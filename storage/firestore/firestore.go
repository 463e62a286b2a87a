// Package firestore provides a Firestore implementation of the subscription.Store interface.
// Records are documents keyed by billing subscriber id; upserts run in a transaction
// so the identity and ordering checks see the same snapshot they write over.
package firestore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Storage implements subscription.Store using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	usersCollection         string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for subscription records
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// UsersCollection, when set, is checked on every upsert: a record for a user
	// without a document there fails with subscription.ErrUnknownUser.
	UsersCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		usersCollection:         config.UsersCollection,
	}, nil
}

// GetBySubscriberID implements subscription.Store
func (s *Storage) GetBySubscriberID(ctx context.Context, subscriberID string) (*subscription.Record, error) {
	snap, err := s.subscriptionDoc(subscriberID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subscription.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, subscription.ErrRecordNotFound
	}
	return recordFromData(snap.Data()), nil
}

// FindBySubscriber implements subscription.Store
func (s *Storage) FindBySubscriber(ctx context.Context, ids ...string) ([]*subscription.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	coll := s.client.Collection(s.subscriptionsCollection)
	seen := make(map[string]bool)
	var out []*subscription.Record
	for _, field := range []string{"billingSubscriberId", "billingOriginalSubscriberId"} {
		snaps, err := coll.Where(field, "in", ids).Documents(ctx).GetAll()
		if err != nil {
			return nil, fmt.Errorf("failed to query subscriptions by %s: %w", field, err)
		}
		for _, snap := range snaps {
			if seen[snap.Ref.ID] {
				continue
			}
			seen[snap.Ref.ID] = true
			out = append(out, recordFromData(snap.Data()))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// ListByUser implements subscription.Store
func (s *Storage) ListByUser(ctx context.Context, userID string) ([]*subscription.Record, error) {
	snaps, err := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	out := make([]*subscription.Record, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, recordFromData(snap.Data()))
	}
	sortNewestFirst(out)
	return out, nil
}

// Upsert implements subscription.Store
func (s *Storage) Upsert(ctx context.Context, rec *subscription.Record) error {
	if rec == nil || rec.UserID == "" || rec.BillingSubscriberID == "" {
		return subscription.ErrInvalidRecord
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	doc := s.subscriptionDoc(rec.BillingSubscriberID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if s.usersCollection != "" {
			userSnap, err := tx.Get(s.client.Collection(s.usersCollection).Doc(rec.UserID))
			if err != nil && status.Code(err) != codes.NotFound {
				return fmt.Errorf("failed to check user: %w", err)
			}
			if userSnap == nil || !userSnap.Exists() {
				return subscription.ErrUnknownUser
			}
		}

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to read subscription: %w", err)
		}
		if snap != nil && snap.Exists() {
			existing := recordFromData(snap.Data())
			if existing.UserID != rec.UserID {
				return subscription.ErrIdentityMismatch
			}
			if existing.LastEventAt != nil && rec.LastEventAt != nil && rec.LastEventAt.Before(*existing.LastEventAt) {
				return subscription.ErrStaleEvent
			}
		}

		return tx.Set(doc, recordToData(rec))
	})
}

// DeactivateTrials implements subscription.Store
func (s *Storage) DeactivateTrials(ctx context.Context, userID, entitlement, exceptSubscriberID string) (int, error) {
	q := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Where("entitlement", "==", entitlement).
		Where("isActive", "==", true).
		Where("isTrial", "==", true)

	n := 0
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		n = 0
		snaps, err := tx.Documents(q).GetAll()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, snap := range snaps {
			if getString(snap.Data(), "billingSubscriberId") == exceptSubscriberID {
				continue
			}
			err := tx.Update(snap.Ref, []firestore.Update{
				{Path: "isActive", Value: false},
				{Path: "willRenew", Value: false},
				{Path: "updatedAt", Value: now},
			})
			if err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate trials: %w", err)
	}
	return n, nil
}

// DeactivateUser implements subscription.Store
func (s *Storage) DeactivateUser(ctx context.Context, userID string, snapshot json.RawMessage, at time.Time) (int, error) {
	q := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Where("isActive", "==", true)

	n := 0
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		n = 0
		snaps, err := tx.Documents(q).GetAll()
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			updates := []firestore.Update{
				{Path: "isActive", Value: false},
				{Path: "willRenew", Value: false},
				{Path: "updatedAt", Value: at},
			}
			if len(snapshot) > 0 {
				updates = append(updates, firestore.Update{Path: "rawEventSnapshot", Value: string(snapshot)})
			}
			if err := tx.Update(snap.Ref, updates); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate user: %w", err)
	}
	return n, nil
}

// ListActive implements subscription.Store
// Requires a composite index on (isActive, updatedAt).
func (s *Storage) ListActive(ctx context.Context, limit int) ([]*subscription.Record, error) {
	q := s.client.Collection(s.subscriptionsCollection).
		Where("isActive", "==", true).
		OrderBy("updatedAt", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	out := make([]*subscription.Record, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, recordFromData(snap.Data()))
	}
	return out, nil
}

// subscriptionDoc returns the document for a subscriber id.
// Platform ids may contain '/', which Firestore reserves as a path separator.
func (s *Storage) subscriptionDoc(subscriberID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(url.PathEscape(subscriberID))
}

func recordToData(rec *subscription.Record) map[string]interface{} {
	data := map[string]interface{}{
		"userId":                      rec.UserID,
		"billingSubscriberId":         rec.BillingSubscriberID,
		"billingOriginalSubscriberId": rec.BillingOriginalSubscriberID,
		"entitlement":                 rec.Entitlement,
		"productId":                   rec.ProductID,
		"store":                       string(rec.Store),
		"isActive":                    rec.IsActive,
		"isTrial":                     rec.IsTrial,
		"willRenew":                   rec.WillRenew,
		"environment":                 string(rec.Environment),
		"updatedAt":                   rec.UpdatedAt,
		"currentPeriodEnd":            optionalTime(rec.CurrentPeriodEnd),
		"originalPurchaseAt":          optionalTime(rec.OriginalPurchaseAt),
		"lastEventAt":                 optionalTime(rec.LastEventAt),
	}
	if len(rec.RawEventSnapshot) > 0 {
		data["rawEventSnapshot"] = string(rec.RawEventSnapshot)
	}
	return data
}

func recordFromData(data map[string]interface{}) *subscription.Record {
	rec := &subscription.Record{
		UserID:                      getString(data, "userId"),
		BillingSubscriberID:         getString(data, "billingSubscriberId"),
		BillingOriginalSubscriberID: getString(data, "billingOriginalSubscriberId"),
		Entitlement:                 getString(data, "entitlement"),
		ProductID:                   getString(data, "productId"),
		Store:                       subscription.Storefront(getString(data, "store")),
		IsActive:                    getBool(data, "isActive"),
		IsTrial:                     getBool(data, "isTrial"),
		WillRenew:                   getBool(data, "willRenew"),
		Environment:                 subscription.Environment(getString(data, "environment")),
		UpdatedAt:                   getTime(data, "updatedAt"),
		CurrentPeriodEnd:            getTimePtr(data, "currentPeriodEnd"),
		OriginalPurchaseAt:          getTimePtr(data, "originalPurchaseAt"),
		LastEventAt:                 getTimePtr(data, "lastEventAt"),
	}
	if raw := getString(data, "rawEventSnapshot"); raw != "" {
		rec.RawEventSnapshot = json.RawMessage(raw)
	}
	return rec
}

func sortNewestFirst(records []*subscription.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
}

// Helper functions for type conversion from Firestore data

func optionalTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	v, ok := data[key].(time.Time)
	if !ok || v.IsZero() {
		return nil
	}
	return &v
}

package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a billing platform integration implements.
type Provider interface {
	// Name returns the provider name (e.g., "revenuecat")
	Name() string

	// WebhookHandler returns the HTTP handler that authenticates and applies
	// lifecycle events pushed by the platform.
	WebhookHandler() http.Handler

	// SyncHandler returns the HTTP handler for on-demand and bulk reconciliation.
	SyncHandler() http.Handler

	// SyncSubscriber pulls the platform's current snapshot for one subscriber and
	// re-persists the local record. Used for "Restore Purchases" and after login.
	SyncSubscriber(ctx context.Context, req SyncRequest) SyncResult

	// SyncAll reconciles a bounded batch of active local records.
	SyncAll(ctx context.Context) BulkResult
}

// SyncRequest identifies the subscriber to reconcile. At least one field is set.
type SyncRequest struct {
	UserID       string `json:"user_id,omitempty"`
	SubscriberID string `json:"rc_app_user_id,omitempty"`
	SyncAll      bool   `json:"sync_all,omitempty"`
}

// SyncResult is the per-subscriber outcome of a reconciliation.
type SyncResult struct {
	Success      bool   `json:"success"`
	Synced       bool   `json:"synced,omitempty"`
	Error        string `json:"error,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	SubscriberID string `json:"subscriber_id,omitempty"`
	IsActive     bool   `json:"is_active"`
	Deactivated  bool   `json:"deactivated,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
	Reason       string `json:"reason,omitempty"`

	// Err is the underlying error, not serialized.
	Err error `json:"-"`
}

// BulkResult is the outcome of SyncAll.
type BulkResult struct {
	Success     bool         `json:"success"`
	SyncedCount int          `json:"synced_count"`
	Total       int          `json:"total"`
	Results     []SyncResult `json:"results"`
	Error       string       `json:"error,omitempty"`
}

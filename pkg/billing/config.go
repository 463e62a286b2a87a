package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/identity"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Store persists subscription records (required)
	Store subscription.Store

	// Ledger records events that were acknowledged but skipped, for the sweep.
	// If nil, skipped events are only logged.
	Ledger subscription.SkipLedger

	// Logger receives structured logs. If nil, logs are discarded.
	Logger subscription.Logger

	// DefaultEntitlement is preferred when picking an entitlement and used when
	// the platform reports none. Defaults to subscription.DefaultEntitlement.
	DefaultEntitlement string

	// WebhookSecret is the shared secret the platform sends with every webhook.
	WebhookSecret string

	// EnableHMAC additionally accepts a base64 HMAC-SHA256 of the body, keyed
	// by WebhookSecret, in place of the plain secret.
	EnableHMAC bool

	// SyncSecret is the operator secret for scheduled and bulk sync calls.
	SyncSecret string

	// TokenVerifier validates end-user identity tokens on the sync endpoint.
	// If nil, only SyncSecret is accepted.
	TokenVerifier identity.Verifier

	// APIKey is the bearer credential for outbound REST calls.
	APIKey string

	// APIBaseURL overrides the platform REST base URL (tests, proxies).
	APIBaseURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with RequestTimeout is used.
	HTTPClient *http.Client

	// RequestTimeout bounds each outbound call. Default: 10s.
	RequestTimeout time.Duration

	// CircuitBreaker guards outbound calls. If nil, a default breaker opening
	// after 5 consecutive failures for 30s is used.
	CircuitBreaker CircuitBreaker

	// BatchSize caps how many records one SyncAll run processes. Default: 50.
	BatchSize int

	// SyncConcurrency bounds parallel fetches in SyncAll. Default: 4.
	SyncConcurrency int

	// AllowedOrigins configures CORS for the webhook and sync handlers.
	// Default: all origins.
	AllowedOrigins []string

	// Metrics is an optional metrics collector. If nil, metrics are ignored.
	Metrics Metrics

	// WebhookCallback is invoked after a webhook event has been applied or skipped.
	// A returned error fails the request with 500 so the platform redelivers.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error
}

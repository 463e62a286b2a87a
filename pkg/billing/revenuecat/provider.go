// Package revenuecat implements billing.Provider for RevenueCat: the webhook
// endpoint that applies lifecycle events and the pull-based reconciliation sync.
package revenuecat

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/identity"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

const (
	providerName             = "revenuecat"
	revenueCatAPIBaseURL     = "https://api.revenuecat.com/v1"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultBatchSize         = 50
	defaultSyncConcurrency   = 4
)

// Provider implements the billing.Provider interface for RevenueCat
type Provider struct {
	config             billing.Config
	store              subscription.Store
	ledger             subscription.SkipLedger
	resolver           *subscription.Resolver
	writer             *subscription.Writer
	client             *Client
	rateLimiter        *internal.RateLimiter
	cors               *cors.Cors
	webhookSecret      []byte
	syncSecret         []byte
	defaultEntitlement string
	batchSize          int
	concurrency        int
	metrics            billing.Metrics
	logger             subscription.Logger
	now                func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new RevenueCat billing provider
func NewProvider(config billing.Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = &subscription.NoopLogger{}
	}
	ledger := config.Ledger
	if ledger == nil {
		ledger = subscription.NoopLedger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	config.Metrics = metrics

	defaultEntitlement := strings.TrimSpace(config.DefaultEntitlement)
	if defaultEntitlement == "" {
		defaultEntitlement = subscription.DefaultEntitlement
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	concurrency := config.SyncConcurrency
	if concurrency <= 0 {
		concurrency = defaultSyncConcurrency
	}

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Signature", "X-User-Token"},
		MaxAge:         600,
	})

	return &Provider{
		config:             config,
		store:              config.Store,
		ledger:             ledger,
		resolver:           subscription.NewResolver(config.Store, logger),
		writer:             subscription.NewWriter(config.Store, logger),
		client:             NewClient(config),
		rateLimiter:        internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		cors:               c,
		webhookSecret:      []byte(identity.StripBearer(config.WebhookSecret)),
		syncSecret:         []byte(identity.StripBearer(config.SyncSecret)),
		defaultEntitlement: defaultEntitlement,
		batchSize:          batchSize,
		concurrency:        concurrency,
		metrics:            metrics,
		logger:             logger,
		now:                func() time.Time { return time.Now().UTC() },
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for RevenueCat webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.wrap(http.HandlerFunc(p.handleWebhook))
}

// SyncHandler returns the HTTP handler for on-demand and bulk sync
func (p *Provider) SyncHandler() http.Handler {
	return p.wrap(http.HandlerFunc(p.handleSync))
}

// Client returns the REST client used for reconciliation.
func (p *Provider) Client() *Client {
	return p.client
}

func (p *Provider) wrap(h http.Handler) http.Handler {
	return p.rateLimiter.Middleware(p.cors.Handler(h))
}

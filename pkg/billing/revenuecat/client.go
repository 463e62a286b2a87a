package revenuecat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/identity"
)

const (
	subscribersEndpoint = "/subscribers/{id}"
	maxAPIResponseBody  = 2 << 20
)

// Client calls the RevenueCat REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    billing.CircuitBreaker
	metrics    billing.Metrics
}

// Snapshot is the platform's current view of one subscriber.
type Snapshot struct {
	// Found is false when the platform does not know the subscriber.
	Found       bool
	RequestDate time.Time
	Subscriber  apiSubscriber
	Raw         json.RawMessage
}

type subscriberResponse struct {
	RequestDate   string        `json:"request_date"`
	RequestDateMs int64         `json:"request_date_ms"`
	Subscriber    apiSubscriber `json:"subscriber"`
}

type apiSubscriber struct {
	OriginalAppUserID string                     `json:"original_app_user_id"`
	Entitlements      map[string]apiEntitlement  `json:"entitlements"`
	Subscriptions     map[string]apiSubscription `json:"subscriptions"`
}

type apiEntitlement struct {
	ExpiresDate       *string `json:"expires_date"`
	ProductIdentifier string  `json:"product_identifier"`
	PurchaseDate      *string `json:"purchase_date"`
}

type apiSubscription struct {
	ExpiresDate             *string `json:"expires_date"`
	PurchaseDate            *string `json:"purchase_date"`
	OriginalPurchaseDate    *string `json:"original_purchase_date"`
	PeriodType              string  `json:"period_type"`
	Store                   string  `json:"store"`
	IsSandbox               bool    `json:"is_sandbox"`
	UnsubscribeDetectedAt   *string `json:"unsubscribe_detected_at"`
	BillingIssuesDetectedAt *string `json:"billing_issues_detected_at"`
}

// NewClient builds a Client from the provider configuration.
func NewClient(cfg billing.Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	breaker := cfg.CircuitBreaker
	if breaker == nil {
		breaker = billing.NewDefaultCircuitBreaker(0, 0, nil)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if baseURL == "" {
		baseURL = revenueCatAPIBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     identity.StripBearer(cfg.APIKey),
		httpClient: httpClient,
		breaker:    breaker,
		metrics:    metrics,
	}
}

// upstreamStatusError is a non-2xx answer that does not indicate an outage.
type upstreamStatusError struct {
	status int
	body   string
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// GetSubscriber fetches the subscriber snapshot. A 404 yields a snapshot with
// Found=false. Transport failures, timeouts and non-2xx answers are wrapped in
// billing.ErrProviderAPIError; an open breaker returns billing.ErrCircuitOpen.
func (c *Client) GetSubscriber(ctx context.Context, appUserID string) (*Snapshot, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: revenuecat API key not configured", billing.ErrProviderNotConfigured)
	}
	appUserID = strings.TrimSpace(appUserID)
	if appUserID == "" {
		return nil, fmt.Errorf("%w: empty app user id", billing.ErrProviderAPIError)
	}

	var (
		snap      *Snapshot
		statusErr *upstreamStatusError
	)
	err := c.breaker.Execute(ctx, func() error {
		var err error
		snap, err = c.fetch(ctx, appUserID)
		// 4xx other than 404 is our problem, not the platform's
		if errors.As(err, &statusErr) && statusErr.status < 500 {
			return nil
		}
		return err
	})
	if errors.Is(err, billing.ErrCircuitOpen) {
		c.metrics.RecordAPICall(providerName, subscribersEndpoint, "circuit_open")
		return nil, err
	}
	if err == nil && statusErr != nil {
		err = statusErr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	return snap, nil
}

func (c *Client) fetch(ctx context.Context, appUserID string) (*Snapshot, error) {
	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.RecordAPICall(providerName, subscribersEndpoint, status)
		c.metrics.RecordAPICallDuration(providerName, subscribersEndpoint, time.Since(start))
	}()

	reqURL := c.baseURL + "/subscribers/" + url.PathEscape(appUserID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriber: %w", err)
	}
	defer res.Body.Close()
	status = strconv.Itoa(res.StatusCode)

	body, err := io.ReadAll(io.LimitReader(res.Body, maxAPIResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode == http.StatusNotFound {
		return &Snapshot{Found: false, RequestDate: time.Now().UTC()}, nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &upstreamStatusError{status: res.StatusCode, body: truncate(string(body), 256)}
	}

	var payload subscriberResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	snap := &Snapshot{
		Found:       true,
		RequestDate: parseEventTimestamp(payload.RequestDateMs),
		Subscriber:  payload.Subscriber,
		Raw:         json.RawMessage(body),
	}
	if snap.RequestDate.IsZero() {
		if t, err := parseRevenueCatTime(payload.RequestDate); err == nil {
			snap.RequestDate = t
		} else {
			snap.RequestDate = time.Now().UTC()
		}
	}
	return snap, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package revenuecat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subscription"
	"github.com/mihaimyh/subsync/storage/memory"
)

const (
	testSecret     = "test-secret"
	testSyncSecret = "operator-secret"
	testAPIKey     = "sk_test_key"
	testUserID     = "4f1c2b9e-8a7d-4e3f-9b2a-1c0d5e6f7a8b"
	testUserID2    = "9b2a1c0d-5e6f-4a7b-8f1c-2b9e8a7d4e3f"
	testUserID3    = "1c0d5e6f-7a8b-4f1c-9b2a-4e3f8a7d2b9e"
)

type testEnv struct {
	provider *Provider
	store    *memory.Storage
	ledger   *memory.Ledger
}

// newTestEnv builds a provider over in-memory storage. mutate may adjust the
// config before the provider is created.
func newTestEnv(t *testing.T, mutate func(*billing.Config)) *testEnv {
	t.Helper()
	store := memory.New()
	ledger := memory.NewLedger()
	cfg := billing.Config{
		Store:         store,
		Ledger:        ledger,
		WebhookSecret: testSecret,
		SyncSecret:    testSyncSecret,
		APIKey:        testAPIKey,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return &testEnv{provider: p, store: store, ledger: ledger}
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func price(v float64) *float64 { return &v }

// newEvent returns a paid INITIAL_PURCHASE for subscriberID.
func newEvent(eventType, subscriberID string, at time.Time) webhookEvent {
	return webhookEvent{
		ID:               "evt-" + eventType,
		Type:             eventType,
		AppUserID:        subscriberID,
		ProductID:        "pro_monthly",
		EntitlementIDs:   []string{"pro"},
		PurchasedAtMs:    ms(at.Add(-time.Hour)),
		ExpirationAtMs:   ms(at.Add(30 * 24 * time.Hour)),
		EventTimestampMs: ms(at),
		Price:            price(9.99),
		Store:            "APP_STORE",
		Environment:      "PRODUCTION",
	}
}

func marshalEvent(t *testing.T, ev webhookEvent) []byte {
	t.Helper()
	body, err := json.Marshal(webhookPayload{APIVersion: "1.0", Event: ev})
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	return body
}

// postWebhook sends ev authenticated with the X-Signature header.
func postWebhook(t *testing.T, p *Provider, ev webhookEvent) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(marshalEvent(t, ev)))
	req.Header.Set("X-Signature", testSecret)
	w := httptest.NewRecorder()
	p.handleWebhook(w, req)
	return w
}

func decodeWebhookResponse(t *testing.T, w *httptest.ResponseRecorder) webhookResponse {
	t.Helper()
	var resp webhookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return resp
}

func mustGet(t *testing.T, store *memory.Storage, subscriberID string) *subscription.Record {
	t.Helper()
	rec, err := store.GetBySubscriberID(context.Background(), subscriberID)
	if err != nil {
		t.Fatalf("GetBySubscriberID(%s): %v", subscriberID, err)
	}
	return rec
}

func seed(t *testing.T, store *memory.Storage, rec *subscription.Record) {
	t.Helper()
	if rec.Entitlement == "" {
		rec.Entitlement = subscription.DefaultEntitlement
	}
	if err := store.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// fakeAPI serves GET /subscribers/{id} from a map of raw JSON bodies. Ids not
// in the map get 404; ids in failIDs get 500.
type fakeAPI struct {
	bodies  map[string]string
	failIDs map[string]bool
	calls   atomic.Int64
}

func (f *fakeAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+testAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := r.URL.Path[len("/subscribers/"):]
		if f.failIDs[id] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, ok := f.bodies[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
}

// startFakeAPI returns a test env whose client talks to f.
func startFakeAPI(t *testing.T, f *fakeAPI, mutate func(*billing.Config)) *testEnv {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return newTestEnv(t, func(cfg *billing.Config) {
		cfg.APIBaseURL = srv.URL
		if mutate != nil {
			mutate(cfg)
		}
	})
}

// activeSubscriberBody is an API response with one active "pro" entitlement.
func activeSubscriberBody(now time.Time, periodType string) string {
	expires := now.Add(30 * 24 * time.Hour).Format(time.RFC3339)
	purchased := now.Add(-24 * time.Hour).Format(time.RFC3339)
	return `{
  "request_date_ms": ` + jsonInt(ms(now)) + `,
  "subscriber": {
    "original_app_user_id": "$RCAnonymousID:orig",
    "entitlements": {
      "pro": {"expires_date": "` + expires + `", "product_identifier": "pro_monthly", "purchase_date": "` + purchased + `"}
    },
    "subscriptions": {
      "pro_monthly": {"expires_date": "` + expires + `", "purchase_date": "` + purchased + `",
        "original_purchase_date": "` + purchased + `", "period_type": "` + periodType + `",
        "store": "play_store", "is_sandbox": false, "unsubscribe_detected_at": null}
    }
  }
}`
}

// emptySubscriberBody is an API response for a known subscriber with no entitlements.
func emptySubscriberBody(now time.Time) string {
	return `{"request_date_ms": ` + jsonInt(ms(now)) + `, "subscriber": {"entitlements": {}, "subscriptions": {}}}`
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

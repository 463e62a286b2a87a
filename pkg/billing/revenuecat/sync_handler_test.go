package revenuecat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/identity"
)

var testJWTSecret = []byte("jwt-signing-secret")

func userToken(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := tok.SignedString(testJWTSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newSyncEnv(t *testing.T, f *fakeAPI, mutate func(*billing.Config)) *testEnv {
	t.Helper()
	verifier, err := identity.NewJWTVerifier(identity.JWTConfig{Secret: testJWTSecret})
	if err != nil {
		t.Fatal(err)
	}
	return startFakeAPI(t, f, func(cfg *billing.Config) {
		cfg.TokenVerifier = verifier
		if mutate != nil {
			mutate(cfg)
		}
	})
}

func doSync(p *Provider, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	p.handleSync(w, req)
	return w
}

func operator() map[string]string {
	return map[string]string{"X-Signature": testSyncSecret}
}

func TestSyncHandler_Operator(t *testing.T) {
	now := time.Now()
	f := &fakeAPI{bodies: map[string]string{testUserID: activeSubscriberBody(now, "NORMAL")}}
	env := newSyncEnv(t, f, nil)

	w := doSync(env.provider, http.MethodPost, "/sync", `{"user_id":"`+testUserID+`"}`, operator())
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var res billing.SyncResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Synced || res.UserID != testUserID {
		t.Errorf("unexpected result %+v", res)
	}
	if !mustGet(t, env.store, testUserID).IsActive {
		t.Error("record should be active")
	}
}

func TestSyncHandler_OperatorGETAndBulk(t *testing.T) {
	now := time.Now()
	f := &fakeAPI{bodies: map[string]string{testUserID: activeSubscriberBody(now, "NORMAL")}}
	env := newSyncEnv(t, f, nil)

	w := doSync(env.provider, http.MethodGet, "/sync?secret="+testSyncSecret+"&user_id="+testUserID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET status %d: %s", w.Code, w.Body.String())
	}

	w = doSync(env.provider, http.MethodPost, "/sync", `{"sync_all":true}`,
		map[string]string{"Authorization": "Bearer " + testSyncSecret})
	if w.Code != http.StatusOK {
		t.Fatalf("bulk status %d: %s", w.Code, w.Body.String())
	}
	var bulk billing.BulkResult
	if err := json.Unmarshal(w.Body.Bytes(), &bulk); err != nil {
		t.Fatal(err)
	}
	if !bulk.Success || bulk.Total != 1 || bulk.SyncedCount != 1 {
		t.Errorf("unexpected bulk result %+v", bulk)
	}
}

func TestSyncHandler_UserToken(t *testing.T) {
	now := time.Now()
	f := &fakeAPI{bodies: map[string]string{testUserID: activeSubscriberBody(now, "NORMAL")}}
	env := newSyncEnv(t, f, nil)
	token := userToken(t, testUserID)

	for _, header := range []map[string]string{
		{"Authorization": "Bearer " + token},
		{"X-User-Token": token},
	} {
		w := doSync(env.provider, http.MethodPost, "/sync", "", header)
		if w.Code != http.StatusOK {
			t.Fatalf("status %d: %s", w.Code, w.Body.String())
		}
	}
	w := doSync(env.provider, http.MethodGet, "/sync?token="+token+"&user_id="+testUserID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query token status %d: %s", w.Code, w.Body.String())
	}
	if !mustGet(t, env.store, testUserID).IsActive {
		t.Error("record should be active")
	}
}

func TestSyncHandler_UserCannotSyncOthers(t *testing.T) {
	env := newSyncEnv(t, &fakeAPI{}, nil)
	auth := map[string]string{"Authorization": "Bearer " + userToken(t, testUserID)}

	for _, body := range []string{
		`{"user_id":"` + testUserID2 + `"}`,
		`{"rc_app_user_id":"someone-else"}`,
		`{"sync_all":true}`,
	} {
		w := doSync(env.provider, http.MethodPost, "/sync", body, auth)
		if w.Code != http.StatusForbidden {
			t.Errorf("%s: got %d, want 403", body, w.Code)
		}
	}
}

func TestSyncHandler_Unauthorized(t *testing.T) {
	env := newSyncEnv(t, &fakeAPI{}, nil)
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   testUserID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	expiredToken, _ := expired.SignedString(testJWTSecret)

	tests := []struct {
		name   string
		header map[string]string
	}{
		{"no credentials", nil},
		{"wrong operator secret", map[string]string{"X-Signature": "nope"}},
		{"webhook secret is not the operator secret", map[string]string{"X-Signature": testSecret}},
		{"expired token", map[string]string{"Authorization": "Bearer " + expiredToken}},
		{"garbage token", map[string]string{"X-User-Token": "not-a-token"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doSync(env.provider, http.MethodPost, "/sync", `{"user_id":"`+testUserID+`"}`, tt.header)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("got %d, want 401", w.Code)
			}
			if !strings.Contains(w.Body.String(), "X-User-Token") {
				t.Errorf("401 should carry a hint: %s", w.Body.String())
			}
		})
	}
}

func TestSyncHandler_NoCredentialsConfigured(t *testing.T) {
	env := newTestEnv(t, func(cfg *billing.Config) {
		cfg.SyncSecret = ""
		cfg.TokenVerifier = nil
	})
	w := doSync(env.provider, http.MethodPost, "/sync", `{"user_id":"`+testUserID+`"}`, operator())
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("got %d, want 500: %s", w.Code, w.Body.String())
	}

	// a token verifier alone is a valid configuration
	env = newSyncEnv(t, &fakeAPI{}, func(cfg *billing.Config) { cfg.SyncSecret = "" })
	w = doSync(env.provider, http.MethodPost, "/sync", `{"user_id":"`+testUserID+`"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("verifier configured, no token: got %d, want 401", w.Code)
	}
}

func TestSyncHandler_BadRequests(t *testing.T) {
	env := newSyncEnv(t, &fakeAPI{}, nil)

	if w := doSync(env.provider, http.MethodPost, "/sync", "", operator()); w.Code != http.StatusBadRequest {
		t.Errorf("operator without ids: got %d, want 400", w.Code)
	}
	if w := doSync(env.provider, http.MethodPost, "/sync", "{bad", operator()); w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON: got %d, want 400", w.Code)
	}
	if w := doSync(env.provider, http.MethodDelete, "/sync", "", operator()); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE: got %d, want 405", w.Code)
	}
}

func TestSyncHandler_ErrorStatus(t *testing.T) {
	t.Run("upstream failure", func(t *testing.T) {
		env := newSyncEnv(t, &fakeAPI{failIDs: map[string]bool{testUserID: true}}, nil)
		w := doSync(env.provider, http.MethodPost, "/sync", `{"user_id":"`+testUserID+`"}`, operator())
		if w.Code != http.StatusBadGateway {
			t.Errorf("got %d, want 502", w.Code)
		}
	})
	t.Run("not configured", func(t *testing.T) {
		env := newSyncEnv(t, &fakeAPI{}, func(cfg *billing.Config) { cfg.APIKey = "" })
		w := doSync(env.provider, http.MethodPost, "/sync", `{"user_id":"`+testUserID+`"}`, operator())
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("got %d, want 503", w.Code)
		}
	})
}

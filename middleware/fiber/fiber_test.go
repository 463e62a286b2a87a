package fiber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subsync/pkg/subscription"
	"github.com/mihaimyh/subsync/storage/memory"
)

// errorStore is a mock store that always fails on ListByUser
type errorStore struct {
	*memory.Storage
}

func (s *errorStore) ListByUser(_ context.Context, _ string) ([]*subscription.Record, error) {
	return nil, errors.New("connection refused")
}

// Test helper to create a store with an active subscriber
func setupStore(t *testing.T, userID string) *memory.Storage {
	t.Helper()

	store := memory.New()
	end := time.Now().UTC().Add(time.Hour)
	err := store.Upsert(context.Background(), &subscription.Record{
		UserID:              userID,
		BillingSubscriberID: "sub-" + userID,
		Entitlement:         subscription.DefaultEntitlement,
		IsActive:            true,
		CurrentPeriodEnd:    &end,
	})
	if err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}
	return store
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(RequireActive(cfg))
	app.Get("/api/test", func(c *fiber.Ctx) error {
		if _, ok := StatusFromContext(c); !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendString("success")
	})
	return app
}

func TestRequireActive_Success(t *testing.T) {
	app := newApp(Config{Store: setupStore(t, "user1"), GetUserID: FromHeader("X-User-ID")})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "success" {
		t.Errorf("Expected body 'success', got %s", body)
	}
}

func TestRequireActive_Inactive(t *testing.T) {
	app := newApp(Config{Store: setupStore(t, "user1"), GetUserID: FromHeader("X-User-ID")})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user2")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", resp.StatusCode)
	}
}

func TestRequireActive_Unauthorized(t *testing.T) {
	app := newApp(Config{Store: setupStore(t, "user1"), GetUserID: FromHeader("X-User-ID")})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/test", http.NoBody))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestRequireActive_StoreError(t *testing.T) {
	app := newApp(Config{
		Store:     &errorStore{Storage: memory.New()},
		GetUserID: FromQuery("user"),
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/test?user=user1", http.NoBody))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", resp.StatusCode)
	}
}

func TestRequireActive_CustomInactive(t *testing.T) {
	app := newApp(Config{
		Store:       setupStore(t, "user1"),
		GetUserID:   FromHeader("X-User-ID"),
		Entitlement: "team",
		OnInactive: func(c *fiber.Ctx, status subscription.Status) error {
			return c.Status(fiber.StatusForbidden).SendString(status.Entitlement)
		},
	})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "team" {
		t.Errorf("Expected entitlement in body, got %s", body)
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRouterServesHealthEndpoints(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected healthz payload %v", payload)
	}
}

func TestRouterReadyzReportsFailingProbe(t *testing.T) {
	health := NewHealthHandlers(WithReadinessProbe("firestore", func(context.Context) error {
		return errors.New("connection refused")
	}))
	router := NewRouter(WithHealthHandlers(health))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", rec.Code)
	}
}

func TestRouterWritesJSONNotFound(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode not found payload: %v", err)
	}
	if payload.Error != errorNotFoundCode {
		t.Fatalf("error code = %q, want %q", payload.Error, errorNotFoundCode)
	}
}

func TestRouterMountsConfiguredGroups(t *testing.T) {
	router := NewRouter(
		WithMeRoutes(func(r chi.Router) {
			r.Get("/orders", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}),
		WithCheckoutRoutes(func(r chi.Router) {
			r.Post("/checkout", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusCreated)
			})
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/v1/me/orders", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("me group status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/checkout", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout status = %d, want 201", rec.Code)
	}

	// Unconfigured groups respond with an explicit not implemented payload.
	req = httptest.NewRequest(http.MethodGet, "/v1/cart", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("unconfigured cart status = %d, want 501", rec.Code)
	}
}

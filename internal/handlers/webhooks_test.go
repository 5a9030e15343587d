package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/loupe-market/api/internal/payments"
	"github.com/loupe-market/api/internal/services"
)

type stubVerifier struct {
	event payments.WebhookEvent
	err   error

	payload   []byte
	signature string
}

func (s *stubVerifier) VerifyWebhook(_ payments.PaymentContext, payload []byte, signatureHeader string) (payments.WebhookEvent, error) {
	s.payload = payload
	s.signature = signatureHeader
	if s.err != nil {
		return payments.WebhookEvent{}, s.err
	}
	return s.event, nil
}

type stubReconciler struct {
	err    error
	events []payments.WebhookEvent
}

func (s *stubReconciler) Process(_ context.Context, event payments.WebhookEvent) error {
	s.events = append(s.events, event)
	return s.err
}

func newWebhookRouter(verifier webhookVerifier, reconciler services.ReconcilerService) chi.Router {
	r := chi.NewRouter()
	NewWebhookHandlers(verifier, reconciler).Routes(r)
	return r
}

func TestHandleStripeAppliesEvent(t *testing.T) {
	verifier := &stubVerifier{event: payments.WebhookEvent{
		ID: "evt_1", Kind: payments.EventKindSucceeded, IntentID: "pi_1",
	}}
	reconciler := &stubReconciler{}
	router := newWebhookRouter(verifier, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if verifier.signature != "t=1,v1=abc" {
		t.Fatalf("signature header not forwarded, got %q", verifier.signature)
	}
	if len(reconciler.events) != 1 || reconciler.events[0].ID != "evt_1" {
		t.Fatalf("unexpected reconciled events %+v", reconciler.events)
	}
}

func TestHandleStripeRejectsBadSignature(t *testing.T) {
	verifier := &stubVerifier{err: payments.ErrInvalidSignature}
	reconciler := &stubReconciler{}
	router := newWebhookRouter(verifier, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(reconciler.events) != 0 {
		t.Fatal("unverified events must never reach the reconciler")
	}
}

func TestHandleStripeSignalsRetryOnPersistenceFailure(t *testing.T) {
	verifier := &stubVerifier{event: payments.WebhookEvent{ID: "evt_1", Kind: payments.EventKindSucceeded, IntentID: "pi_1"}}
	reconciler := &stubReconciler{err: errors.New("firestore unavailable")}
	router := newWebhookRouter(verifier, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 so the gateway redelivers", rec.Code)
	}
}

func TestHandleStripeConflictsWhileInFlight(t *testing.T) {
	verifier := &stubVerifier{event: payments.WebhookEvent{ID: "evt_1", Kind: payments.EventKindSucceeded, IntentID: "pi_1"}}
	reconciler := &stubReconciler{err: services.ErrReconcilerEventInFlight}
	router := newWebhookRouter(verifier, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHandleStripeRejectsEmptyBody(t *testing.T) {
	router := newWebhookRouter(&stubVerifier{}, &stubReconciler{})

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(""))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

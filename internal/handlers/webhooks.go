package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loupe-market/api/internal/payments"
	"github.com/loupe-market/api/internal/platform/httpx"
	"github.com/loupe-market/api/internal/services"
)

// Stripe caps event payloads well below this, anything larger is hostile.
const maxWebhookBody = 256 * 1024

// webhookVerifier is the slice of payments.Manager the webhook endpoint needs.
type webhookVerifier interface {
	VerifyWebhook(paymentCtx payments.PaymentContext, payload []byte, signatureHeader string) (payments.WebhookEvent, error)
}

// WebhookHandlers receives payment gateway callbacks.
type WebhookHandlers struct {
	verifier   webhookVerifier
	reconciler services.ReconcilerService
}

// NewWebhookHandlers constructs the gateway webhook endpoints.
func NewWebhookHandlers(verifier webhookVerifier, reconciler services.ReconcilerService) *WebhookHandlers {
	return &WebhookHandlers{verifier: verifier, reconciler: reconciler}
}

// Routes registers the webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.verifier == nil || h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}
	if len(payload) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		return
	}
	if len(payload) > maxWebhookBody {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body exceeds the allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	event, err := h.verifier.VerifyWebhook(payments.PaymentContext{PreferredProvider: "stripe"}, payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload could not be parsed", http.StatusBadRequest))
		return
	}

	if err := h.reconciler.Process(ctx, event); err != nil {
		// A non-2xx response makes the gateway redeliver, which is exactly
		// what a transient persistence failure needs.
		if errors.Is(err, services.ErrReconcilerEventInFlight) {
			httpx.WriteError(ctx, w, httpx.NewError("event_in_flight", "event is being processed by another delivery", http.StatusConflict))
			return
		}
		if errors.Is(err, services.ErrReconcilerInvalidEvent) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_event", "event is missing required fields", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("event_failed", "event could not be applied", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
}

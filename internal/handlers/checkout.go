package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/loupe-market/api/internal/platform/auth"
	"github.com/loupe-market/api/internal/platform/httpx"
	"github.com/loupe-market/api/internal/services"
)

const maxCheckoutRequestBody = 16 * 1024

// CheckoutHandlers exposes the checkout endpoint for authenticated buyers.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
}

// Routes registers the checkout endpoint under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/checkout", h.createOrder)
}

type checkoutAddressRequest struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
}

type checkoutRequest struct {
	ItemIDs         []string                `json:"itemIds"`
	ShippingAddress *checkoutAddressRequest `json:"shippingAddress"`
	Provider        string                  `json:"provider"`
	Currency        string                  `json:"currency"`
}

type checkoutResponse struct {
	Order        orderResponse `json:"order"`
	ClientSecret string        `json:"clientSecret,omitempty"`
}

func (h *CheckoutHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req checkoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.CheckoutCommand{
		BuyerID:  identity.UID,
		ItemIDs:  req.ItemIDs,
		Provider: strings.TrimSpace(req.Provider),
		Currency: strings.TrimSpace(req.Currency),
	}
	if addr := req.ShippingAddress; addr != nil {
		cmd.ShippingAddress = &services.AddressInput{
			Name:       addr.Name,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			Region:     addr.Region,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
			Phone:      addr.Phone,
		}
	}

	result, err := h.checkout.Checkout(ctx, cmd)
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutResponse{
		Order:        toOrderResponse(result.Order),
		ClientSecret: result.ClientSecret,
	})
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	if unavailable, ok := services.AsItemsUnavailable(err); ok {
		reasons := make(map[string]any, len(unavailable.Reasons))
		for id, reason := range unavailable.Reasons {
			reasons[id] = string(reason)
		}
		httpx.WriteError(ctx, w, httpx.NewError("items_unavailable", "one or more items cannot be purchased", http.StatusConflict).
			WithDetails(map[string]any{"items": reasons}))
		return
	}

	switch {
	case errors.Is(err, services.ErrCheckoutEmptyItems):
		httpx.WriteError(ctx, w, httpx.NewError("empty_items", "at least one item is required", http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "checkout request is invalid", http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutBuyerNotAllowed):
		httpx.WriteError(ctx, w, httpx.NewError("buyer_not_allowed", "account is not allowed to purchase", http.StatusForbidden))
	case errors.Is(err, services.ErrCheckoutMultipleSellers):
		httpx.WriteError(ctx, w, httpx.NewError("multiple_sellers", "all items must belong to the same seller", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be initiated", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_failed", "checkout could not be completed", http.StatusInternalServerError))
	}
}

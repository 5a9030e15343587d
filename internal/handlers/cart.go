package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/loupe-market/api/internal/domain"
	"github.com/loupe-market/api/internal/platform/auth"
	"github.com/loupe-market/api/internal/platform/httpx"
	"github.com/loupe-market/api/internal/services"
)

const maxCartRequestBody = 4 * 1024

// CartHandlers exposes the buyer's cart endpoints.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs cart handlers guarded by Firebase authentication.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{authn: authn, carts: carts}
}

// Routes registers the cart endpoints under the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Get("/", h.getCart)
	group.Post("/items", h.addItem)
	group.Delete("/items/{itemID}", h.removeItem)
	group.Delete("/", h.clearCart)
}

type cartItemRequest struct {
	ItemID string `json:"itemId"`
}

type cartResponse struct {
	ItemIDs   []string `json:"itemIds"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
}

func toCartResponse(cart domain.Cart) cartResponse {
	resp := cartResponse{ItemIDs: cart.ItemIDs}
	if resp.ItemIDs == nil {
		resp.ItemIDs = []string{}
	}
	if !cart.UpdatedAt.IsZero() {
		resp.UpdatedAt = cart.UpdatedAt.UTC().Format(timeLayout)
	}
	return resp
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	cart, err := h.carts.GetCart(ctx, identity.UID)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toCartResponse(cart))
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxCartRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	var req cartItemRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cart, err := h.carts.AddItem(ctx, identity.UID, req.ItemID)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toCartResponse(cart))
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	cart, err := h.carts.RemoveItem(ctx, identity.UID, chi.URLParam(r, "itemID"))
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toCartResponse(cart))
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	if err := h.carts.ClearCart(ctx, identity.UID); err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if unavailable, ok := services.AsItemsUnavailable(err); ok {
		reasons := make(map[string]any, len(unavailable.Reasons))
		for id, reason := range unavailable.Reasons {
			reasons[id] = string(reason)
		}
		httpx.WriteError(ctx, w, httpx.NewError("items_unavailable", "item cannot be added to the cart", http.StatusConflict).
			WithDetails(map[string]any{"items": reasons}))
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "cart request is invalid", http.StatusBadRequest))
	case errors.Is(err, services.ErrCartItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("item_not_found", "item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartFull):
		httpx.WriteError(ctx, w, httpx.NewError("cart_full", "cart item limit reached", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_failed", "cart could not be updated", http.StatusInternalServerError))
	}
}

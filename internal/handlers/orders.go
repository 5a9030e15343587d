package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/loupe-market/api/internal/domain"
	"github.com/loupe-market/api/internal/platform/auth"
	"github.com/loupe-market/api/internal/platform/httpx"
	"github.com/loupe-market/api/internal/services"
)

// OrderHandlers exposes the buyer's order history.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs order handlers guarded by Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{authn: authn, orders: orders}
}

// Routes registers the order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Get("/orders", h.listOrders)
	group.Get("/orders/{orderID}", h.getOrder)
}

type addressResponse struct {
	Name         string `json:"name,omitempty"`
	Line1        string `json:"line1,omitempty"`
	Line2        string `json:"line2,omitempty"`
	City         string `json:"city,omitempty"`
	Region       string `json:"region,omitempty"`
	PostalCode   string `json:"postalCode,omitempty"`
	Country      string `json:"country,omitempty"`
	Phone        string `json:"phone,omitempty"`
	CollectLater bool   `json:"collectLater,omitempty"`
}

type orderLineResponse struct {
	ItemID    string `json:"itemId"`
	Title     string `json:"title"`
	Brand     string `json:"brand,omitempty"`
	Condition string `json:"condition,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
	Price     int64  `json:"priceCents"`
	Shipping  int64  `json:"shippingCents"`
	Quantity  int    `json:"quantity"`
}

type orderTotalsResponse struct {
	Subtotal   int64 `json:"subtotalCents"`
	Shipping   int64 `json:"shippingCents"`
	Tax        int64 `json:"taxCents"`
	ServiceFee int64 `json:"serviceFeeCents"`
	Total      int64 `json:"totalCents"`
}

type refundResponse struct {
	RefundID  string `json:"refundId"`
	Amount    int64  `json:"amountCents"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type disputeResponse struct {
	DisputeID string `json:"disputeId"`
	Reason    string `json:"reason,omitempty"`
	Status    string `json:"status,omitempty"`
	OpenedAt  string `json:"openedAt,omitempty"`
}

type orderResponse struct {
	ID              string              `json:"id"`
	OrderNumber     string              `json:"orderNumber"`
	SellerID        string              `json:"sellerId"`
	Status          string              `json:"status"`
	PaymentStatus   string              `json:"paymentStatus"`
	Currency        string              `json:"currency"`
	Lines           []orderLineResponse `json:"lines"`
	Totals          orderTotalsResponse `json:"totals"`
	ShippingAddress addressResponse     `json:"shippingAddress"`
	CancelReason    string              `json:"cancelReason,omitempty"`
	Refund          *refundResponse     `json:"refund,omitempty"`
	Dispute         *disputeResponse    `json:"dispute,omitempty"`
	PaidAt          string              `json:"paidAt,omitempty"`
	CancelledAt     string              `json:"cancelledAt,omitempty"`
	RefundedAt      string              `json:"refundedAt,omitempty"`
	CreatedAt       string              `json:"createdAt"`
}

type orderListResponse struct {
	Orders        []orderResponse `json:"orders"`
	NextPageToken string          `json:"nextPageToken,omitempty"`
}

func toOrderResponse(order domain.Order) orderResponse {
	lines := make([]orderLineResponse, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, orderLineResponse{
			ItemID:    line.ItemID,
			Title:     line.Title,
			Brand:     line.Brand,
			Condition: string(line.Condition),
			ImageURL:  line.ImageURL,
			Price:     line.Price,
			Shipping:  line.Shipping,
			Quantity:  line.Quantity,
		})
	}

	resp := orderResponse{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		SellerID:      order.SellerID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Currency:      order.Currency,
		Lines:         lines,
		Totals: orderTotalsResponse{
			Subtotal:   order.Totals.Subtotal,
			Shipping:   order.Totals.Shipping,
			Tax:        order.Totals.Tax,
			ServiceFee: order.Totals.ServiceFee,
			Total:      order.Totals.Total,
		},
		ShippingAddress: addressResponse{
			Name:         order.ShippingAddress.Name,
			Line1:        order.ShippingAddress.Line1,
			Line2:        order.ShippingAddress.Line2,
			City:         order.ShippingAddress.City,
			Region:       order.ShippingAddress.Region,
			PostalCode:   order.ShippingAddress.PostalCode,
			Country:      order.ShippingAddress.Country,
			Phone:        order.ShippingAddress.Phone,
			CollectLater: order.ShippingAddress.CollectLater,
		},
		CancelReason: order.CancelReason,
		PaidAt:       formatTime(order.PaidAt),
		CancelledAt:  formatTime(order.CancelledAt),
		RefundedAt:   formatTime(order.RefundedAt),
		CreatedAt:    order.CreatedAt.UTC().Format(timeLayout),
	}
	if order.Refund != nil {
		createdAt := order.Refund.CreatedAt
		resp.Refund = &refundResponse{
			RefundID:  order.Refund.RefundID,
			Amount:    order.Refund.Amount,
			Status:    order.Refund.Status,
			CreatedAt: formatTime(&createdAt),
		}
	}
	if order.Dispute != nil {
		openedAt := order.Dispute.OpenedAt
		resp.Dispute = &disputeResponse{
			DisputeID: order.Dispute.DisputeID,
			Reason:    order.Dispute.Reason,
			Status:    order.Dispute.Status,
			OpenedAt:  formatTime(&openedAt),
		}
	}
	return resp
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	filter := services.OrderListFilter{
		BuyerID:   identity.UID,
		PageToken: strings.TrimSpace(r.URL.Query().Get("pageToken")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pageSize must be a positive integer", http.StatusBadRequest))
			return
		}
		filter.PageSize = size
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.OrderStatus(raw)
		switch status {
		case domain.OrderStatusPending, domain.OrderStatusConfirmed, domain.OrderStatusCancelled:
			filter.Status = &status
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown order status filter", http.StatusBadRequest))
			return
		}
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	out := orderListResponse{Orders: make([]orderResponse, 0, len(page.Items))}
	for _, order := range page.Items {
		out.Orders = append(out.Orders, toOrderResponse(order))
	}
	out.NextPageToken = page.NextPageToken
	writeJSONResponse(w, http.StatusOK, out)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	order, err := h.orders.GetOrder(ctx, identity.UID, orderID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandlers) writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order request is invalid", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("orders_failed", "orders could not be loaded", http.StatusInternalServerError))
	}
}

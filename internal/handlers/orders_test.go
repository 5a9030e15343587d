package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loupe-market/api/internal/domain"
	"github.com/loupe-market/api/internal/services"
)

type stubOrderService struct {
	listFn func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error)
	getFn  func(ctx context.Context, buyerID, orderID string) (domain.Order, error)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, buyerID, orderID string) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, buyerID, orderID)
	}
	return domain.Order{}, services.ErrOrderNotFound
}

func newOrderRouter(svc services.OrderService) chi.Router {
	r := chi.NewRouter()
	NewOrderHandlers(nil, svc).Routes(r)
	return r
}

func TestListOrdersForwardsFilters(t *testing.T) {
	var captured services.OrderListFilter
	svc := &stubOrderService{listFn: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
		captured = filter
		return domain.CursorPage[domain.Order]{
			Items: []domain.Order{{
				ID:          "ord_1",
				OrderNumber: "LM-2026-000001",
				BuyerID:     "buyer_1",
				Status:      domain.OrderStatusConfirmed,
				CreatedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			}},
			NextPageToken: "token_2",
		}, nil
	}}
	router := newOrderRouter(svc)

	req := authedRequest(http.MethodGet, "/orders?pageSize=5&pageToken=tok&status=confirmed", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if captured.BuyerID != "buyer_1" || captured.PageSize != 5 || captured.PageToken != "tok" {
		t.Fatalf("unexpected filter %+v", captured)
	}
	if captured.Status == nil || *captured.Status != domain.OrderStatusConfirmed {
		t.Fatalf("status filter not forwarded: %+v", captured.Status)
	}
	var resp struct {
		Orders []struct {
			ID string `json:"id"`
		} `json:"orders"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Orders) != 1 || resp.Orders[0].ID != "ord_1" || resp.NextPageToken != "token_2" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestListOrdersRejectsBadQuery(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})

	for _, target := range []string{"/orders?pageSize=zero", "/orders?status=shipped"} {
		req := authedRequest(http.MethodGet, target, "")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestGetOrderMapsNotFound(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})

	req := authedRequest(http.MethodGet, "/orders/ord_missing", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetOrderSerialisesRefundAndDispute(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := &stubOrderService{getFn: func(_ context.Context, buyerID, orderID string) (domain.Order, error) {
		return domain.Order{
			ID:            orderID,
			BuyerID:       buyerID,
			Status:        domain.OrderStatusConfirmed,
			PaymentStatus: domain.PaymentStatusRefunded,
			Refund:        &domain.RefundRecord{RefundID: "re_1", Amount: 5500, Status: "succeeded", CreatedAt: now},
			Dispute:       &domain.DisputeRecord{DisputeID: "dp_1", Reason: "fraudulent", OpenedAt: now},
			RefundedAt:    &now,
			CreatedAt:     now,
		}, nil
	}}
	router := newOrderRouter(svc)

	req := authedRequest(http.MethodGet, "/orders/ord_1", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		PaymentStatus string `json:"paymentStatus"`
		Refund        *struct {
			RefundID string `json:"refundId"`
			Amount   int64  `json:"amountCents"`
		} `json:"refund"`
		Dispute *struct {
			DisputeID string `json:"disputeId"`
		} `json:"dispute"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PaymentStatus != "refunded" || resp.Refund == nil || resp.Refund.RefundID != "re_1" || resp.Refund.Amount != 5500 {
		t.Fatalf("unexpected refund payload %+v", resp)
	}
	if resp.Dispute == nil || resp.Dispute.DisputeID != "dp_1" {
		t.Fatalf("unexpected dispute payload %+v", resp)
	}
}

package services

import (
	"context"
	"errors"
	"testing"

	"github.com/loupe-market/api/internal/domain"
	"github.com/loupe-market/api/internal/platform/pagination"
	"github.com/loupe-market/api/internal/repositories"
)

func TestListOrdersAppliesDefaultsAndToken(t *testing.T) {
	var captured repositories.OrderListQuery
	orders := &stubOrderRepo{}
	orders.listFn = func(_ context.Context, buyerID string, query repositories.OrderListQuery) (domain.CursorPage[domain.Order], error) {
		if buyerID != "buyer_1" {
			t.Fatalf("unexpected buyer %q", buyerID)
		}
		captured = query
		return domain.CursorPage[domain.Order]{Items: []domain.Order{{ID: "ord_1"}}}, nil
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: orders})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{"2026-03-01T10:00:00Z", "ord_9"}})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	page, err := svc.ListOrders(context.Background(), OrderListFilter{BuyerID: "buyer_1", PageToken: token})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected one order, got %d", len(page.Items))
	}
	if captured.PageSize != pagination.DefaultPageSize {
		t.Fatalf("page size = %d, want default %d", captured.PageSize, pagination.DefaultPageSize)
	}
	if len(captured.StartAfter) != 2 {
		t.Fatalf("cursor not forwarded: %v", captured.StartAfter)
	}
}

func TestListOrdersClampsPageSize(t *testing.T) {
	orders := &stubOrderRepo{}
	orders.listFn = func(_ context.Context, _ string, query repositories.OrderListQuery) (domain.CursorPage[domain.Order], error) {
		if query.PageSize != pagination.DefaultMaxPageSize {
			t.Fatalf("page size = %d, want clamp to %d", query.PageSize, pagination.DefaultMaxPageSize)
		}
		return domain.CursorPage[domain.Order]{}, nil
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: orders})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	if _, err := svc.ListOrders(context.Background(), OrderListFilter{BuyerID: "buyer_1", PageSize: 10_000}); err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
}

func TestListOrdersRejectsBadToken(t *testing.T) {
	svc, err := NewOrderService(OrderServiceDeps{Orders: &stubOrderRepo{}})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	if _, err := svc.ListOrders(context.Background(), OrderListFilter{BuyerID: "buyer_1", PageToken: "%%%"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestGetOrderScopesToBuyer(t *testing.T) {
	orders := &stubOrderRepo{}
	orders.findFn = func(_ context.Context, orderID string) (domain.Order, error) {
		if orderID == "ord_1" {
			return domain.Order{ID: "ord_1", BuyerID: "buyer_1"}, nil
		}
		return domain.Order{}, notFoundErr{}
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: orders})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	if _, err := svc.GetOrder(context.Background(), "buyer_1", "ord_1"); err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	// Another buyer's order looks exactly like a missing one.
	if _, err := svc.GetOrder(context.Background(), "buyer_2", "ord_1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign order, got %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), "buyer_1", "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for missing order, got %v", err)
	}
}

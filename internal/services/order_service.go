package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loupe-market/api/internal/domain"
	"github.com/loupe-market/api/internal/platform/pagination"
	"github.com/loupe-market/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput indicates a malformed order query.
	ErrOrderInvalidInput = errors.New("orders: invalid input")
	// ErrOrderNotFound indicates a missing order or one owned by another buyer.
	ErrOrderNotFound = errors.New("orders: order not found")
)

// OrderServiceDeps wires the buyer-facing order reads.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Pages  pagination.Options
}

type orderService struct {
	orders repositories.OrderRepository
	pages  pagination.Options
}

// NewOrderService validates dependencies and builds an OrderService.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("services: order service requires order repository")
	}
	pages := deps.Pages
	if pages.DefaultPageSize <= 0 {
		pages.DefaultPageSize = pagination.DefaultPageSize
	}
	if pages.MaxPageSize <= 0 {
		pages.MaxPageSize = pagination.DefaultMaxPageSize
	}
	return &orderService{orders: deps.Orders, pages: pages}, nil
}

// ListOrders returns the buyer's orders newest first.
func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error) {
	buyerID := strings.TrimSpace(filter.BuyerID)
	if buyerID == "" {
		return domain.CursorPage[domain.Order]{}, ErrOrderInvalidInput
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = s.pages.DefaultPageSize
	}
	if pageSize > s.pages.MaxPageSize {
		pageSize = s.pages.MaxPageSize
	}
	var startAfter []any
	if token := strings.TrimSpace(filter.PageToken); token != "" {
		cursor, err := pagination.DecodeToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		startAfter = cursor.StartAfter
	}
	page, err := s.orders.ListByBuyer(ctx, buyerID, repositories.OrderListQuery{
		Status:     filter.Status,
		PageSize:   pageSize,
		StartAfter: startAfter,
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("orders: list for buyer: %w", err)
	}
	return page, nil
}

// GetOrder returns a single order, scoped to its buyer. Orders owned by
// other buyers are indistinguishable from missing ones.
func (s *orderService) GetOrder(ctx context.Context, buyerID, orderID string) (domain.Order, error) {
	if strings.TrimSpace(buyerID) == "" || strings.TrimSpace(orderID) == "" {
		return domain.Order{}, ErrOrderInvalidInput
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Order{}, ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("orders: load order: %w", err)
	}
	if order.BuyerID != buyerID {
		return domain.Order{}, ErrOrderNotFound
	}
	return order, nil
}

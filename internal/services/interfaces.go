package services

import (
	"context"
	"time"

	"github.com/loupe-market/api/internal/domain"
	"github.com/loupe-market/api/internal/payments"
)

// AddressInput carries a shipping address supplied with a checkout request.
// An empty input means the buyer wants their profile default, or to provide
// the address after purchase.
type AddressInput struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Country    string
	Phone      string
}

// CheckoutCommand is the full input for a checkout attempt.
type CheckoutCommand struct {
	BuyerID         string
	ItemIDs         []string
	ShippingAddress *AddressInput
	Provider        string
	Currency        string
}

// CheckoutResult is what the buyer's client needs to confirm payment.
type CheckoutResult struct {
	Order        domain.Order
	ClientSecret string
}

// CheckoutService runs the purchase flow: availability, reservation,
// pricing, order persistence and payment intent creation.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
}

// ReservationService owns conditional item holds. Reserve is all or
// nothing across the requested set; Release tolerates repeats and holds
// that no longer exist.
type ReservationService interface {
	Reserve(ctx context.Context, orderID string, itemIDs []string, until time.Time) ([]domain.Item, error)
	Release(ctx context.Context, orderID string, itemIDs []string) error
	ReleaseExpired(ctx context.Context, limit int) (int, error)
}

// OrderListFilter narrows a buyer's order listing.
type OrderListFilter struct {
	BuyerID   string
	Status    *domain.OrderStatus
	PageSize  int
	PageToken string
}

// OrderService exposes buyer-facing order reads.
type OrderService interface {
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	GetOrder(ctx context.Context, buyerID, orderID string) (domain.Order, error)
}

// ReconcilerService applies verified payment gateway events to orders.
// Processing is idempotent and safe against out-of-order delivery.
type ReconcilerService interface {
	Process(ctx context.Context, event payments.WebhookEvent) error
}

// CartService manages the buyer's saved item list.
type CartService interface {
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	AddItem(ctx context.Context, userID, itemID string) (domain.Cart, error)
	RemoveItem(ctx context.Context, userID, itemID string) (domain.Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

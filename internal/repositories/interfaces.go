package repositories

import (
	"context"
	"errors"
	"time"

	domain "github.com/loupe-market/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// IsNotFound reports whether err categorises as a missing document.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err categorises as a write conflict.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// ItemReserveRequest carries the conditional reservation parameters for one listing.
type ItemReserveRequest struct {
	ItemID        string
	OrderID       string
	ReservedAt    time.Time
	ReservedUntil *time.Time
}

// ItemRepository manages listing documents and the reservation lifecycle with
// transactional compare-and-set guarantees.
type ItemRepository interface {
	FindByID(ctx context.Context, itemID string) (domain.Item, error)

	// Reserve conditionally places a reservation on a single listing. The write succeeds
	// only when the listing is active, approved, unsold, and not held by another order at
	// the time of the transaction. Failures surface as *ItemError carrying the reason.
	Reserve(ctx context.Context, req ItemReserveRequest) (domain.Item, error)

	// Release removes the reservation held by orderID. Listings not reserved by that
	// order are left untouched, making repeated release calls safe.
	Release(ctx context.Context, itemID, orderID string) error

	// MarkSold finalises the listing after a successful payment, clearing the
	// reservation and stamping the sale. The order id guards against holds
	// owned by other orders; the buyer id is what the sale is recorded to.
	MarkSold(ctx context.Context, itemID, orderID, buyerID string, soldAt time.Time) error

	// ListExpiredReservations returns listings whose reservation window lapsed before now.
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Item, error)
}

// OrderListQuery filters and paginates a buyer's order history.
type OrderListQuery struct {
	Status     *domain.OrderStatus
	PageSize   int
	StartAfter []any
}

// ErrNoMutation signals that a Mutate callback decided no write is needed.
var ErrNoMutation = errors.New("repositories: no mutation required")

// OrderRepository persists order aggregates and their audited state transitions.
type OrderRepository interface {
	// Insert creates the order document, failing when the ID already exists.
	Insert(ctx context.Context, order domain.Order) error

	FindByID(ctx context.Context, orderID string) (domain.Order, error)

	// FindByPaymentIntent resolves the order referenced by a gateway payment intent.
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error)

	ListByBuyer(ctx context.Context, buyerID string, query OrderListQuery) (domain.CursorPage[domain.Order], error)

	// Mutate runs fn against the current order inside a transaction and persists the
	// result. Returning ErrNoMutation from fn skips the write and returns the unchanged
	// order, which keeps replayed webhook deliveries from clobbering state.
	Mutate(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error)
}

// CartRepository owns the buyer's cart document.
type CartRepository interface {
	Get(ctx context.Context, userID string) (domain.Cart, error)
	Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}

// UserRepository reads buyer and seller profiles.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.UserProfile, error)
}

// CounterRepository issues monotonically increasing sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string) (int64, error)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loupe-market/api/internal/domain"
	"github.com/loupe-market/api/internal/repositories"
)

const maxCartItems = 50

var (
	// ErrCartInvalidInput indicates a missing user or item id.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartItemNotFound indicates the referenced item does not exist.
	ErrCartItemNotFound = errors.New("cart: item not found")
	// ErrCartFull indicates the cart hit its size cap.
	ErrCartFull = errors.New("cart: item limit reached")
)

// CartServiceDeps wires the cart service.
type CartServiceDeps struct {
	Carts repositories.CartRepository
	Items repositories.ItemRepository
	Clock func() time.Time
}

type cartService struct {
	carts repositories.CartRepository
	items repositories.ItemRepository
	clock func() time.Time
}

// NewCartService validates dependencies and builds a CartService.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("services: cart service requires cart repository")
	}
	if deps.Items == nil {
		return nil, errors.New("services: cart service requires item repository")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &cartService{
		carts: deps.Carts,
		items: deps.Items,
		clock: func() time.Time { return clock().UTC() },
	}, nil
}

func (s *cartService) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Cart{}, ErrCartInvalidInput
	}
	cart, err := s.carts.Get(ctx, userID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("cart: load: %w", err)
	}
	return cart, nil
}

// AddItem appends the item if it exists and can still be bought. Adding an
// item already in the cart is a no-op.
func (s *cartService) AddItem(ctx context.Context, userID, itemID string) (domain.Cart, error) {
	userID = strings.TrimSpace(userID)
	itemID = strings.TrimSpace(itemID)
	if userID == "" || itemID == "" {
		return domain.Cart{}, ErrCartInvalidInput
	}
	item, err := s.items.FindByID(ctx, itemID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Cart{}, ErrCartItemNotFound
		}
		return domain.Cart{}, fmt.Errorf("cart: load item: %w", err)
	}
	if reason, blocked := item.UnavailabilityFor(s.clock()); blocked {
		return domain.Cart{}, &ItemsUnavailableError{Reasons: map[string]domain.UnavailabilityReason{itemID: reason}}
	}
	cart, err := s.carts.Get(ctx, userID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("cart: load: %w", err)
	}
	for _, existing := range cart.ItemIDs {
		if existing == itemID {
			return cart, nil
		}
	}
	if len(cart.ItemIDs) >= maxCartItems {
		return domain.Cart{}, ErrCartFull
	}
	cart.ItemIDs = append(cart.ItemIDs, itemID)
	saved, err := s.carts.Upsert(ctx, cart)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("cart: save: %w", err)
	}
	return saved, nil
}

// RemoveItem drops the item from the cart. Removing an absent item succeeds.
func (s *cartService) RemoveItem(ctx context.Context, userID, itemID string) (domain.Cart, error) {
	userID = strings.TrimSpace(userID)
	itemID = strings.TrimSpace(itemID)
	if userID == "" || itemID == "" {
		return domain.Cart{}, ErrCartInvalidInput
	}
	cart, err := s.carts.Get(ctx, userID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("cart: load: %w", err)
	}
	remaining := make([]string, 0, len(cart.ItemIDs))
	for _, existing := range cart.ItemIDs {
		if existing != itemID {
			remaining = append(remaining, existing)
		}
	}
	if len(remaining) == len(cart.ItemIDs) {
		return cart, nil
	}
	cart.ItemIDs = remaining
	if len(remaining) == 0 {
		if err := s.carts.Clear(ctx, userID); err != nil {
			return domain.Cart{}, fmt.Errorf("cart: clear: %w", err)
		}
		return cart, nil
	}
	saved, err := s.carts.Upsert(ctx, cart)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("cart: save: %w", err)
	}
	return saved, nil
}

func (s *cartService) ClearCart(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrCartInvalidInput
	}
	if err := s.carts.Clear(ctx, userID); err != nil {
		return fmt.Errorf("cart: clear: %w", err)
	}
	return nil
}

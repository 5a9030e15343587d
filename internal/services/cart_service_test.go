package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loupe-market/api/internal/domain"
)

func newCartFixture(t *testing.T, catalog map[string]domain.Item) (CartService, *stubCartRepo) {
	t.Helper()
	items := &stubItemRepo{}
	items.findFn = func(_ context.Context, itemID string) (domain.Item, error) {
		item, ok := catalog[itemID]
		if !ok {
			return domain.Item{}, notFoundErr{}
		}
		return item, nil
	}
	carts := &stubCartRepo{}
	svc, err := NewCartService(CartServiceDeps{
		Carts: carts,
		Items: items,
		Clock: fixedClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	return svc, carts
}

func TestAddItemValidatesAvailability(t *testing.T) {
	sold := purchasableItem("itm_sold", "seller_1", 100, 0)
	sold.Sold = true
	svc, carts := newCartFixture(t, map[string]domain.Item{
		"itm_a":    purchasableItem("itm_a", "seller_1", 100, 0),
		"itm_sold": sold,
	})

	cart, err := svc.AddItem(context.Background(), "buyer_1", "itm_a")
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if len(cart.ItemIDs) != 1 || cart.ItemIDs[0] != "itm_a" {
		t.Fatalf("unexpected cart %+v", cart)
	}
	if len(carts.upserted) != 1 {
		t.Fatalf("expected one save, got %d", len(carts.upserted))
	}

	if _, err := svc.AddItem(context.Background(), "buyer_1", "itm_missing"); !errors.Is(err, ErrCartItemNotFound) {
		t.Fatalf("expected ErrCartItemNotFound, got %v", err)
	}
	_, err = svc.AddItem(context.Background(), "buyer_1", "itm_sold")
	unavailable, ok := AsItemsUnavailable(err)
	if !ok || unavailable.Reasons["itm_sold"] != domain.UnavailableSold {
		t.Fatalf("expected sold reason, got %v", err)
	}
}

func TestAddItemIsIdempotentPerItem(t *testing.T) {
	svc, carts := newCartFixture(t, map[string]domain.Item{
		"itm_a": purchasableItem("itm_a", "seller_1", 100, 0),
	})
	carts.getFn = func(_ context.Context, userID string) (domain.Cart, error) {
		return domain.Cart{UserID: userID, ItemIDs: []string{"itm_a"}}, nil
	}

	cart, err := svc.AddItem(context.Background(), "buyer_1", "itm_a")
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if len(cart.ItemIDs) != 1 {
		t.Fatalf("expected single entry, got %v", cart.ItemIDs)
	}
	if len(carts.upserted) != 0 {
		t.Fatal("re-adding an item must not rewrite the cart")
	}
}

func TestRemoveItemClearsEmptyCart(t *testing.T) {
	svc, carts := newCartFixture(t, nil)
	carts.getFn = func(_ context.Context, userID string) (domain.Cart, error) {
		return domain.Cart{UserID: userID, ItemIDs: []string{"itm_a"}}, nil
	}

	cart, err := svc.RemoveItem(context.Background(), "buyer_1", "itm_a")
	if err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if len(cart.ItemIDs) != 0 {
		t.Fatalf("expected empty cart, got %v", cart.ItemIDs)
	}
	if len(carts.cleared) != 1 {
		t.Fatal("expected an empty cart to be cleared")
	}

	// Removing an absent item succeeds without a write.
	carts.getFn = func(_ context.Context, userID string) (domain.Cart, error) {
		return domain.Cart{UserID: userID, ItemIDs: []string{"itm_b"}}, nil
	}
	if _, err := svc.RemoveItem(context.Background(), "buyer_1", "itm_a"); err != nil {
		t.Fatalf("RemoveItem absent: %v", err)
	}
	if len(carts.upserted) != 0 {
		t.Fatal("removing an absent item must not rewrite the cart")
	}
}

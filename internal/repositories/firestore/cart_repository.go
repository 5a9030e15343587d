package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/loupe-market/api/internal/domain"
	pfirestore "github.com/loupe-market/api/internal/platform/firestore"
)

const cartsCollection = "carts"

// CartRepository stores one cart document per buyer, keyed by user ID.
type CartRepository struct {
	provider *pfirestore.Provider
	carts    *pfirestore.BaseRepository[cartDocument]
}

// NewCartRepository constructs a CartRepository backed by the shared provider.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	carts := pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection, nil, nil)
	return &CartRepository{provider: provider, carts: carts}, nil
}

// Get implements repositories.CartRepository. A missing document reads as an empty cart.
func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.provider == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Cart{}, errors.New("cart get: user id is required")
	}

	doc, err := r.carts.Get(ctx, userID)
	if err != nil {
		var fsErr *pfirestore.Error
		if errors.As(err, &fsErr) && fsErr.IsNotFound() {
			return domain.Cart{UserID: userID}, nil
		}
		return domain.Cart{}, pfirestore.WrapError("carts.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Upsert implements repositories.CartRepository.
func (r *CartRepository) Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.provider == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	userID := strings.TrimSpace(cart.UserID)
	if userID == "" {
		return domain.Cart{}, errors.New("cart upsert: user id is required")
	}

	cart.UpdatedAt = time.Now().UTC()
	if _, err := r.carts.Set(ctx, userID, newCartDocument(cart)); err != nil {
		return domain.Cart{}, pfirestore.WrapError("carts.upsert", err)
	}
	cart.UserID = userID
	return cart, nil
}

// Clear implements repositories.CartRepository. Clearing a missing cart is a no-op.
func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	if r == nil || r.provider == nil {
		return errors.New("cart repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("cart clear: user id is required")
	}

	ref, err := r.carts.DocumentRef(ctx, userID)
	if err != nil {
		return pfirestore.WrapError("carts.clear", err)
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("carts.clear", err)
	}
	return nil
}

type cartDocument struct {
	ItemIDs   []string  `firestore:"itemIds"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newCartDocument(cart domain.Cart) cartDocument {
	return cartDocument{
		ItemIDs:   append([]string(nil), cart.ItemIDs...),
		UpdatedAt: cart.UpdatedAt.UTC(),
	}
}

func (d cartDocument) toDomain(userID string) domain.Cart {
	return domain.Cart{
		UserID:    userID,
		ItemIDs:   append([]string(nil), d.ItemIDs...),
		UpdatedAt: d.UpdatedAt,
	}
}

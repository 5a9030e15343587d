package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/loupe-market/api/internal/domain"
	pfirestore "github.com/loupe-market/api/internal/platform/firestore"
	"github.com/loupe-market/api/internal/repositories"
)

const itemsCollection = "items"

// ItemRepository persists marketplace listings. Every reservation mutation runs in a
// Firestore transaction so the availability check and the write are a single
// compare-and-set against the listing document.
type ItemRepository struct {
	provider *pfirestore.Provider
	items    *pfirestore.BaseRepository[itemDocument]
}

// NewItemRepository constructs an ItemRepository backed by the shared provider.
func NewItemRepository(provider *pfirestore.Provider) (*ItemRepository, error) {
	if provider == nil {
		return nil, errors.New("item repository requires firestore provider")
	}
	items := pfirestore.NewBaseRepository[itemDocument](provider, itemsCollection, nil, nil)
	return &ItemRepository{provider: provider, items: items}, nil
}

// FindByID loads a single listing.
func (r *ItemRepository) FindByID(ctx context.Context, itemID string) (domain.Item, error) {
	if r == nil || r.provider == nil {
		return domain.Item{}, errors.New("item repository not initialised")
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return domain.Item{}, repositories.NewItemError(repositories.ItemErrorUnknown, "item id is required", nil)
	}

	doc, err := r.items.Get(ctx, itemID)
	if err != nil {
		return domain.Item{}, wrapItemError("items.findById", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Reserve implements repositories.ItemRepository.
func (r *ItemRepository) Reserve(ctx context.Context, req repositories.ItemReserveRequest) (domain.Item, error) {
	if r == nil || r.provider == nil {
		return domain.Item{}, errors.New("item repository not initialised")
	}
	itemID := strings.TrimSpace(req.ItemID)
	if itemID == "" {
		return domain.Item{}, repositories.NewItemError(repositories.ItemErrorUnknown, "item reserve: item id is required", nil)
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return domain.Item{}, repositories.NewItemError(repositories.ItemErrorUnknown, "item reserve: order id is required", nil)
	}

	now := req.ReservedAt.UTC()
	var reserved domain.Item

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		itemRef, err := r.items.DocumentRef(ctx, itemID)
		if err != nil {
			return err
		}

		snap, err := tx.Get(itemRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewItemUnavailableError(domain.UnavailableNotFound, fmt.Sprintf("item %s not found", itemID))
			}
			return err
		}

		var doc itemDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode item %s: %w", itemID, err)
		}

		item := doc.toDomain(itemID)
		// An order re-reserving its own hold is a no-op success; retried checkouts
		// must not trip over their earlier write.
		if item.Reservation.Held(now) && item.Reservation.OrderID != nil && *item.Reservation.OrderID == req.OrderID {
			reserved = item
			return nil
		}
		if reason, ok := item.UnavailabilityFor(now); ok {
			return repositories.NewItemUnavailableError(reason, fmt.Sprintf("item %s is %s", itemID, reason))
		}

		orderID := req.OrderID
		doc.ReservedBy = &orderID
		doc.ReservedAt = &now
		doc.ReservedUntil = nil
		if req.ReservedUntil != nil {
			until := req.ReservedUntil.UTC()
			doc.ReservedUntil = &until
		}
		doc.UpdatedAt = now

		if err := tx.Set(itemRef, doc); err != nil {
			return err
		}
		reserved = doc.toDomain(itemID)
		return nil
	})
	if err != nil {
		return domain.Item{}, wrapItemError("items.reserve", err)
	}
	return reserved, nil
}

// Release implements repositories.ItemRepository.
func (r *ItemRepository) Release(ctx context.Context, itemID, orderID string) error {
	if r == nil || r.provider == nil {
		return errors.New("item repository not initialised")
	}
	itemID = strings.TrimSpace(itemID)
	orderID = strings.TrimSpace(orderID)
	if itemID == "" || orderID == "" {
		return repositories.NewItemError(repositories.ItemErrorUnknown, "item release: item and order ids are required", nil)
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		itemRef, err := r.items.DocumentRef(ctx, itemID)
		if err != nil {
			return err
		}

		snap, err := tx.Get(itemRef)
		if err != nil {
			// A missing listing makes release a no-op rather than a failure.
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}

		var doc itemDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode item %s: %w", itemID, err)
		}

		if doc.ReservedBy == nil || *doc.ReservedBy != orderID {
			return nil
		}

		doc.ReservedBy = nil
		doc.ReservedAt = nil
		doc.ReservedUntil = nil
		doc.UpdatedAt = time.Now().UTC()
		return tx.Set(itemRef, doc)
	})
	if err != nil {
		return wrapItemError("items.release", err)
	}
	return nil
}

// MarkSold implements repositories.ItemRepository.
func (r *ItemRepository) MarkSold(ctx context.Context, itemID, orderID, buyerID string, soldAt time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("item repository not initialised")
	}
	itemID = strings.TrimSpace(itemID)
	buyerID = strings.TrimSpace(buyerID)
	if itemID == "" || buyerID == "" {
		return repositories.NewItemError(repositories.ItemErrorUnknown, "item mark sold: item and buyer ids are required", nil)
	}

	now := soldAt.UTC()
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		itemRef, err := r.items.DocumentRef(ctx, itemID)
		if err != nil {
			return err
		}

		snap, err := tx.Get(itemRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewItemError(repositories.ItemErrorNotFound, fmt.Sprintf("item %s not found", itemID), err)
			}
			return err
		}

		var doc itemDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode item %s: %w", itemID, err)
		}

		if doc.Sold {
			return nil
		}
		if doc.ReservedBy != nil && *doc.ReservedBy != orderID {
			return repositories.NewItemError(repositories.ItemErrorConflict, fmt.Sprintf("item %s is reserved by another order", itemID), nil)
		}

		doc.Sold = true
		doc.SoldAt = &now
		doc.SoldTo = &buyerID
		doc.Active = false
		doc.ReservedBy = nil
		doc.ReservedAt = nil
		doc.ReservedUntil = nil
		doc.UpdatedAt = now
		return tx.Set(itemRef, doc)
	})
	if err != nil {
		return wrapItemError("items.markSold", err)
	}
	return nil
}

// ListExpiredReservations implements repositories.ItemRepository.
func (r *ItemRepository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Item, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("item repository not initialised")
	}
	if limit <= 0 {
		limit = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, wrapItemError("items.listExpired", err)
	}

	iter := client.Collection(itemsCollection).
		Where("reservedUntil", "<", now.UTC()).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var items []domain.Item
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrapItemError("items.listExpired", err)
		}
		var doc itemDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", snap.Ref.ID, err)
		}
		items = append(items, doc.toDomain(snap.Ref.ID))
	}
	return items, nil
}

// Helper structures ---------------------------------------------------------

type itemDocument struct {
	SellerID      string     `firestore:"sellerId"`
	Title         string     `firestore:"title"`
	Brand         string     `firestore:"brand,omitempty"`
	Condition     string     `firestore:"condition,omitempty"`
	ImageURL      string     `firestore:"imageUrl,omitempty"`
	Price         int64      `firestore:"priceCents"`
	Shipping      int64      `firestore:"shippingCents"`
	Currency      string     `firestore:"currency"`
	Active        bool       `firestore:"active"`
	Approved      bool       `firestore:"approved"`
	Sold          bool       `firestore:"sold"`
	SoldTo        *string    `firestore:"soldTo,omitempty"`
	SoldAt        *time.Time `firestore:"soldAt,omitempty"`
	ReservedBy    *string    `firestore:"reservedBy,omitempty"`
	ReservedAt    *time.Time `firestore:"reservedAt,omitempty"`
	ReservedUntil *time.Time `firestore:"reservedUntil,omitempty"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
}

func (d itemDocument) toDomain(id string) domain.Item {
	return domain.Item{
		ID:        id,
		SellerID:  strings.TrimSpace(d.SellerID),
		Title:     d.Title,
		Brand:     d.Brand,
		Condition: domain.ItemCondition(d.Condition),
		ImageURL:  d.ImageURL,
		Price:     d.Price,
		Shipping:  d.Shipping,
		Currency:  strings.ToUpper(strings.TrimSpace(d.Currency)),
		Active:    d.Active,
		Approved:  d.Approved,
		Sold:      d.Sold,
		SoldTo:    d.SoldTo,
		SoldAt:    d.SoldAt,
		Reservation: domain.ItemReservation{
			OrderID:       d.ReservedBy,
			ReservedAt:    d.ReservedAt,
			ReservedUntil: d.ReservedUntil,
		},
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func wrapItemError(op string, err error) error {
	if err == nil {
		return nil
	}
	var itemErr *repositories.ItemError
	if errors.As(err, &itemErr) {
		if itemErr.Op == "" {
			itemErr.Op = op
		}
		return itemErr
	}
	return pfirestore.WrapError(op, err)
}

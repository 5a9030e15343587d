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
	"github.com/loupe-market/api/internal/platform/pagination"
	"github.com/loupe-market/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order aggregates. Snapshot fields written at creation are
// never rewritten; reconciliation mutations go through Mutate so the read, the state
// gate, and the write share one transaction.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs an OrderRepository backed by the shared provider.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: orders}, nil
}

// Insert implements repositories.OrderRepository.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: order id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		return tx.Create(orderRef, newOrderDocument(order))
	})
	if err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByID implements repositories.OrderRepository.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: order id is required")
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findById", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByPaymentIntent implements repositories.OrderRepository.
func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	paymentIntentID = strings.TrimSpace(paymentIntentID)
	if paymentIntentID == "" {
		return domain.Order{}, errors.New("order find: payment intent id is required")
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentIntentId", "==", paymentIntentID).Limit(1)
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByPaymentIntent", err)
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.findByPaymentIntent", status.Error(codes.NotFound, fmt.Sprintf("no order for payment intent %s", paymentIntentID)))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// ListByBuyer implements repositories.OrderRepository.
func (r *OrderRepository) ListByBuyer(ctx context.Context, buyerID string, query repositories.OrderListQuery) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return domain.CursorPage[domain.Order]{}, errors.New("order list: buyer id is required")
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.listByBuyer", err)
	}

	q := client.Collection(ordersCollection).
		Where("buyerId", "==", buyerID).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc)
	if query.Status != nil {
		q = q.Where("status", "==", string(*query.Status))
	}
	if len(query.StartAfter) > 0 {
		q = q.StartAfter(normaliseCursorValues(query.StartAfter)...)
	}
	// Fetch one extra row to decide whether another page exists.
	iter := q.Limit(pageSize + 1).Documents(ctx)
	defer iter.Stop()

	var page domain.CursorPage[domain.Order]
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.listByBuyer", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		page.Items = append(page.Items, doc.toDomain(snap.Ref.ID))
	}

	if len(page.Items) > pageSize {
		page.Items = page.Items[:pageSize]
		last := page.Items[len(page.Items)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{
			StartAfter: []any{last.CreatedAt.UTC().Format(time.RFC3339Nano), last.ID},
		})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("orders.listByBuyer: %w", err)
		}
		page.NextPageToken = token
	}
	return page, nil
}

// normaliseCursorValues converts JSON-decoded cursor values back into the native types
// Firestore expects for the ordered fields (createdAt timestamp, then document ID).
func normaliseCursorValues(values []any) []any {
	out := make([]any, len(values))
	for i, value := range values {
		out[i] = value
		if i == 0 {
			if str, ok := value.(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, str); err == nil {
					out[i] = ts
				}
			}
		}
	}
	return out
}

// Mutate implements repositories.OrderRepository.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order mutate: order id is required")
	}
	if fn == nil {
		return domain.Order{}, errors.New("order mutate: mutation function is required")
	}

	var result domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}

		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}

		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		order := doc.toDomain(orderID)
		if err := fn(&order); err != nil {
			if errors.Is(err, repositories.ErrNoMutation) {
				result = order
				return nil
			}
			return err
		}

		order.ID = orderID
		result = order
		return tx.Set(orderRef, newOrderDocument(order))
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.mutate", err)
	}
	return result, nil
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	OrderNumber     string              `firestore:"orderNumber"`
	BuyerID         string              `firestore:"buyerId"`
	SellerID        string              `firestore:"sellerId"`
	Lines           []orderLineDocument `firestore:"lines"`
	Totals          orderTotalsDocument `firestore:"totals"`
	Currency        string              `firestore:"currency"`
	Status          string              `firestore:"status"`
	PaymentStatus   string              `firestore:"paymentStatus"`
	PaymentIntentID string              `firestore:"paymentIntentId,omitempty"`
	ShippingAddress addressDocument     `firestore:"shippingAddress"`
	CancelReason    string              `firestore:"cancelReason,omitempty"`
	Refund          *refundDocument     `firestore:"refund,omitempty"`
	Dispute         *disputeDocument    `firestore:"dispute,omitempty"`
	PaidAt          *time.Time          `firestore:"paidAt,omitempty"`
	ConfirmedAt     *time.Time          `firestore:"confirmedAt,omitempty"`
	CancelledAt     *time.Time          `firestore:"cancelledAt,omitempty"`
	RefundedAt      *time.Time          `firestore:"refundedAt,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
}

type orderLineDocument struct {
	ItemID    string `firestore:"itemId"`
	Title     string `firestore:"title"`
	Brand     string `firestore:"brand,omitempty"`
	Condition string `firestore:"condition,omitempty"`
	ImageURL  string `firestore:"imageUrl,omitempty"`
	Price     int64  `firestore:"priceCents"`
	Shipping  int64  `firestore:"shippingCents"`
	Quantity  int    `firestore:"qty"`
}

type orderTotalsDocument struct {
	Subtotal   int64 `firestore:"subtotalCents"`
	Shipping   int64 `firestore:"shippingCents"`
	Tax        int64 `firestore:"taxCents"`
	ServiceFee int64 `firestore:"serviceFeeCents"`
	Total      int64 `firestore:"totalCents"`
}

type addressDocument struct {
	Name         string `firestore:"name,omitempty"`
	Line1        string `firestore:"line1,omitempty"`
	Line2        string `firestore:"line2,omitempty"`
	City         string `firestore:"city,omitempty"`
	Region       string `firestore:"region,omitempty"`
	PostalCode   string `firestore:"postalCode,omitempty"`
	Country      string `firestore:"country,omitempty"`
	Phone        string `firestore:"phone,omitempty"`
	CollectLater bool   `firestore:"collectLater,omitempty"`
}

type refundDocument struct {
	RefundID  string    `firestore:"refundId"`
	Amount    int64     `firestore:"amountCents"`
	Status    string    `firestore:"status"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type disputeDocument struct {
	DisputeID string    `firestore:"disputeId"`
	Reason    string    `firestore:"reason,omitempty"`
	Status    string    `firestore:"status"`
	OpenedAt  time.Time `firestore:"openedAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	lines := make([]orderLineDocument, len(order.Lines))
	for i, line := range order.Lines {
		lines[i] = orderLineDocument{
			ItemID:    line.ItemID,
			Title:     line.Title,
			Brand:     line.Brand,
			Condition: string(line.Condition),
			ImageURL:  line.ImageURL,
			Price:     line.Price,
			Shipping:  line.Shipping,
			Quantity:  line.Quantity,
		}
	}

	doc := orderDocument{
		OrderNumber: order.OrderNumber,
		BuyerID:     strings.TrimSpace(order.BuyerID),
		SellerID:    strings.TrimSpace(order.SellerID),
		Lines:       lines,
		Totals: orderTotalsDocument{
			Subtotal:   order.Totals.Subtotal,
			Shipping:   order.Totals.Shipping,
			Tax:        order.Totals.Tax,
			ServiceFee: order.Totals.ServiceFee,
			Total:      order.Totals.Total,
		},
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentIntentID: strings.TrimSpace(order.PaymentIntentID),
		ShippingAddress: addressDocument{
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
		PaidAt:       order.PaidAt,
		ConfirmedAt:  order.ConfirmedAt,
		CancelledAt:  order.CancelledAt,
		RefundedAt:   order.RefundedAt,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
	}
	if order.Refund != nil {
		doc.Refund = &refundDocument{
			RefundID:  order.Refund.RefundID,
			Amount:    order.Refund.Amount,
			Status:    order.Refund.Status,
			CreatedAt: order.Refund.CreatedAt.UTC(),
		}
	}
	if order.Dispute != nil {
		doc.Dispute = &disputeDocument{
			DisputeID: order.Dispute.DisputeID,
			Reason:    order.Dispute.Reason,
			Status:    order.Dispute.Status,
			OpenedAt:  order.Dispute.OpenedAt.UTC(),
		}
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	lines := make([]domain.OrderLineItem, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.OrderLineItem{
			ItemID:    line.ItemID,
			Title:     line.Title,
			Brand:     line.Brand,
			Condition: domain.ItemCondition(line.Condition),
			ImageURL:  line.ImageURL,
			Price:     line.Price,
			Shipping:  line.Shipping,
			Quantity:  line.Quantity,
		}
	}

	order := domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		BuyerID:     d.BuyerID,
		SellerID:    d.SellerID,
		Lines:       lines,
		Totals: domain.OrderTotals{
			Subtotal:   d.Totals.Subtotal,
			Shipping:   d.Totals.Shipping,
			Tax:        d.Totals.Tax,
			ServiceFee: d.Totals.ServiceFee,
			Total:      d.Totals.Total,
		},
		Currency:        d.Currency,
		Status:          domain.OrderStatus(d.Status),
		PaymentStatus:   domain.PaymentStatus(d.PaymentStatus),
		PaymentIntentID: d.PaymentIntentID,
		ShippingAddress: domain.Address{
			Name:         d.ShippingAddress.Name,
			Line1:        d.ShippingAddress.Line1,
			Line2:        d.ShippingAddress.Line2,
			City:         d.ShippingAddress.City,
			Region:       d.ShippingAddress.Region,
			PostalCode:   d.ShippingAddress.PostalCode,
			Country:      d.ShippingAddress.Country,
			Phone:        d.ShippingAddress.Phone,
			CollectLater: d.ShippingAddress.CollectLater,
		},
		CancelReason: d.CancelReason,
		PaidAt:       d.PaidAt,
		ConfirmedAt:  d.ConfirmedAt,
		CancelledAt:  d.CancelledAt,
		RefundedAt:   d.RefundedAt,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if d.Refund != nil {
		order.Refund = &domain.RefundRecord{
			RefundID:  d.Refund.RefundID,
			Amount:    d.Refund.Amount,
			Status:    d.Refund.Status,
			CreatedAt: d.Refund.CreatedAt,
		}
	}
	if d.Dispute != nil {
		order.Dispute = &domain.DisputeRecord{
			DisputeID: d.Dispute.DisputeID,
			Reason:    d.Dispute.Reason,
			Status:    d.Dispute.Status,
			OpenedAt:  d.Dispute.OpenedAt,
		}
	}
	return order
}

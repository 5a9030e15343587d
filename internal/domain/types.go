package domain

import "time"

// ItemCondition describes the physical condition of a listed item.
type ItemCondition string

const (
	ItemConditionNew       ItemCondition = "new"
	ItemConditionLikeNew   ItemCondition = "like_new"
	ItemConditionExcellent ItemCondition = "excellent"
	ItemConditionGood      ItemCondition = "good"
	ItemConditionFair      ItemCondition = "fair"
)

// ItemReservation is the soft lock placed on an item while a checkout is in flight.
// It is mutated exclusively through conditional writes at the storage layer.
type ItemReservation struct {
	OrderID       *string
	ReservedAt    *time.Time
	ReservedUntil *time.Time
}

// Held reports whether the reservation is currently active. A reservation whose
// deadline has passed no longer blocks a new checkout.
func (r ItemReservation) Held(now time.Time) bool {
	if r.OrderID == nil || *r.OrderID == "" {
		return false
	}
	if r.ReservedUntil == nil {
		return true
	}
	return now.Before(*r.ReservedUntil)
}

// Item is a single, non-fungible physical good. Quantity is always one; a sale
// is a one-way transition to Sold=true with Active=false.
type Item struct {
	ID          string
	SellerID    string
	Title       string
	Brand       string
	Condition   ItemCondition
	ImageURL    string
	Price       int64
	Shipping    int64
	Currency    string
	Active      bool
	Approved    bool
	Sold        bool
	SoldTo      *string
	SoldAt      *time.Time
	Reservation ItemReservation
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Purchasable reports whether the item can enter a new checkout right now.
func (i Item) Purchasable(now time.Time) bool {
	return i.Active && i.Approved && !i.Sold && !i.Reservation.Held(now)
}

// UnavailabilityReason explains why an item could not be reserved.
type UnavailabilityReason string

const (
	UnavailableSold       UnavailabilityReason = "sold"
	UnavailableInactive   UnavailabilityReason = "inactive"
	UnavailableUnapproved UnavailabilityReason = "unapproved"
	UnavailableReserved   UnavailabilityReason = "reserved"
	UnavailableNotFound   UnavailabilityReason = "not_found"
)

// UnavailabilityFor derives the reservation failure reason from the item state.
// Checks run in terminality order so a sold item always reports "sold".
func (i Item) UnavailabilityFor(now time.Time) (UnavailabilityReason, bool) {
	switch {
	case i.Sold:
		return UnavailableSold, true
	case !i.Active:
		return UnavailableInactive, true
	case !i.Approved:
		return UnavailableUnapproved, true
	case i.Reservation.Held(now):
		return UnavailableReserved, true
	}
	return "", false
}

// OrderStatus tracks the order lifecycle axis.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentStatus tracks the payment axis, correlated with but independent of OrderStatus.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Terminal reports whether the payment status can no longer regress to pending.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// OrderLineItem is a denormalised snapshot of an item at order-creation time.
// Later edits to the listing never alter order history.
type OrderLineItem struct {
	ItemID    string
	Title     string
	Brand     string
	Condition ItemCondition
	ImageURL  string
	Price     int64
	Shipping  int64
	Quantity  int
}

// OrderTotals is the deterministic price breakdown in integer minor units.
type OrderTotals struct {
	Subtotal   int64
	Shipping   int64
	Tax        int64
	ServiceFee int64
	Total      int64
}

// Address is a shipping address snapshot. CollectLater marks the explicit
// placeholder used when no address is known at checkout time.
type Address struct {
	Name         string
	Line1        string
	Line2        string
	City         string
	Region       string
	PostalCode   string
	Country      string
	Phone        string
	CollectLater bool
}

// Empty reports whether the address carries no usable location data.
func (a Address) Empty() bool {
	return a.Line1 == "" && a.City == "" && a.PostalCode == "" && a.Country == ""
}

// RefundRecord captures the gateway refund applied to a paid order.
type RefundRecord struct {
	RefundID  string
	Amount    int64
	Status    string
	CreatedAt time.Time
}

// DisputeRecord captures an open dispute. It is orthogonal to order status.
type DisputeRecord struct {
	DisputeID string
	Reason    string
	Status    string
	OpenedAt  time.Time
}

// Order is an immutable-once-created purchase snapshot. After creation it is
// mutated only by the payment reconciler via state-gated transitions.
type Order struct {
	ID              string
	OrderNumber     string
	BuyerID         string
	SellerID        string
	Lines           []OrderLineItem
	Totals          OrderTotals
	Currency        string
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentIntentID string
	ShippingAddress Address
	CancelReason    string
	Refund          *RefundRecord
	Dispute         *DisputeRecord
	PaidAt          *time.Time
	ConfirmedAt     *time.Time
	CancelledAt     *time.Time
	RefundedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ItemIDs returns the line-item ids in snapshot order.
func (o Order) ItemIDs() []string {
	ids := make([]string, 0, len(o.Lines))
	for _, line := range o.Lines {
		ids = append(ids, line.ItemID)
	}
	return ids
}

// Cart is the buyer's saved item id list. Cart updates after checkout are
// best-effort and never gate order creation.
type Cart struct {
	UserID    string
	ItemIDs   []string
	UpdatedAt time.Time
}

// UserProfile is the persisted view of an authenticated buyer.
type UserProfile struct {
	ID             string
	Email          string
	Active         bool
	DefaultAddress *Address
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CursorPage wraps a page of results with an opaque continuation token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

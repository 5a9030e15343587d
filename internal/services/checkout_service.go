package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/loupe-market/api/internal/domain"
	"github.com/loupe-market/api/internal/payments"
	"github.com/loupe-market/api/internal/platform/events"
	"github.com/loupe-market/api/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput indicates a malformed checkout command.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutEmptyItems indicates a checkout attempt with no items selected.
	ErrCheckoutEmptyItems = errors.New("checkout: no items selected")
	// ErrCheckoutBuyerNotAllowed indicates the buyer profile is missing or deactivated.
	ErrCheckoutBuyerNotAllowed = errors.New("checkout: buyer not allowed to purchase")
	// ErrCheckoutMultipleSellers indicates the item set spans more than one seller.
	ErrCheckoutMultipleSellers = errors.New("checkout: items belong to multiple sellers")
	// ErrCheckoutPaymentFailed indicates the gateway rejected payment intent creation.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment intent creation failed")
)

// intentCreator is the slice of payments.Manager checkout needs.
type intentCreator interface {
	CreateIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error)
}

// CheckoutServiceDeps wires the checkout flow.
type CheckoutServiceDeps struct {
	Items        repositories.ItemRepository
	Orders       repositories.OrderRepository
	Carts        repositories.CartRepository
	Users        repositories.UserRepository
	Counters     repositories.CounterRepository
	Reservations ReservationService
	Payments     intentCreator
	Events       events.Publisher

	// ReservationTTL bounds how long a pending checkout may hold items.
	ReservationTTL  time.Duration
	DefaultCurrency string
	Clock           func() time.Time
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	items        repositories.ItemRepository
	orders       repositories.OrderRepository
	carts        repositories.CartRepository
	users        repositories.UserRepository
	counters     repositories.CounterRepository
	reservations ReservationService
	payments     intentCreator
	events       events.Publisher
	ttl          time.Duration
	currency     string
	clock        func() time.Time
	logger       func(ctx context.Context, event string, fields map[string]any)
	newOrderID   func() string
}

// NewCheckoutService validates dependencies and builds a CheckoutService.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Items == nil:
		return nil, errors.New("services: checkout service requires item repository")
	case deps.Orders == nil:
		return nil, errors.New("services: checkout service requires order repository")
	case deps.Users == nil:
		return nil, errors.New("services: checkout service requires user repository")
	case deps.Counters == nil:
		return nil, errors.New("services: checkout service requires counter repository")
	case deps.Reservations == nil:
		return nil, errors.New("services: checkout service requires reservation service")
	case deps.Payments == nil:
		return nil, errors.New("services: checkout service requires payments manager")
	}
	ttl := deps.ReservationTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "USD"
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &checkoutService{
		items:        deps.Items,
		orders:       deps.Orders,
		carts:        deps.Carts,
		users:        deps.Users,
		counters:     deps.Counters,
		reservations: deps.Reservations,
		payments:     deps.Payments,
		events:       publisher,
		ttl:          ttl,
		currency:     currency,
		clock:        func() time.Time { return clock().UTC() },
		logger:       logger,
		newOrderID:   func() string { return "ord_" + ulid.Make().String() },
	}, nil
}

// Checkout converts a buyer's item selection into a pending order with an
// active payment intent. Items are held for the full reservation window;
// any failure after the holds are taken releases them before returning.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	buyerID := strings.TrimSpace(cmd.BuyerID)
	if buyerID == "" {
		return CheckoutResult{}, ErrCheckoutInvalidInput
	}
	itemIDs := dedupeIDs(cmd.ItemIDs)
	if len(itemIDs) == 0 {
		return CheckoutResult{}, ErrCheckoutEmptyItems
	}

	buyer, err := s.users.FindByID(ctx, buyerID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return CheckoutResult{}, ErrCheckoutBuyerNotAllowed
		}
		return CheckoutResult{}, fmt.Errorf("checkout: load buyer: %w", err)
	}
	if !buyer.Active {
		return CheckoutResult{}, ErrCheckoutBuyerNotAllowed
	}

	address := s.resolveAddress(cmd.ShippingAddress, buyer)

	// Every item is checked before any hold is taken so a rejection can
	// name all unavailable items, not just the first.
	unavailable := map[string]domain.UnavailabilityReason{}
	now := s.clock()
	loaded := make([]domain.Item, 0, len(itemIDs))
	for _, itemID := range itemIDs {
		item, err := s.items.FindByID(ctx, itemID)
		if err != nil {
			if repositories.IsNotFound(err) {
				unavailable[itemID] = domain.UnavailableNotFound
				continue
			}
			return CheckoutResult{}, fmt.Errorf("checkout: load item %s: %w", itemID, err)
		}
		if reason, blocked := item.UnavailabilityFor(now); blocked {
			unavailable[itemID] = reason
			continue
		}
		loaded = append(loaded, item)
	}
	if len(unavailable) > 0 {
		return CheckoutResult{}, &ItemsUnavailableError{Reasons: unavailable}
	}

	orderID := s.newOrderID()
	reservedUntil := now.Add(s.ttl)
	items, err := s.reservations.Reserve(ctx, orderID, itemIDs, reservedUntil)
	if err != nil {
		return CheckoutResult{}, err
	}

	order, err := s.buildOrder(ctx, orderID, buyerID, items, address, cmd, now)
	if err != nil {
		s.releaseReservation(ctx, orderID, itemIDs)
		return CheckoutResult{}, err
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		s.releaseReservation(ctx, orderID, itemIDs)
		return CheckoutResult{}, fmt.Errorf("checkout: persist order: %w", err)
	}

	intent, err := s.payments.CreateIntent(ctx, payments.PaymentContext{
		PreferredProvider: cmd.Provider,
		Currency:          order.Currency,
	}, payments.IntentRequest{
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		Description:    fmt.Sprintf("Order %s", order.OrderNumber),
		IdempotencyKey: order.ID,
		Metadata: map[string]string{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
			"buyerId":     order.BuyerID,
			"sellerId":    order.SellerID,
		},
	})
	if err != nil {
		s.releaseReservation(ctx, orderID, itemIDs)
		s.cancelOrder(ctx, order.ID, "payment_intent_failed")
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutPaymentFailed, err)
	}

	if _, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) error {
		o.PaymentIntentID = intent.IntentID
		o.UpdatedAt = s.clock()
		return nil
	}); err != nil {
		s.releaseReservation(ctx, orderID, itemIDs)
		s.cancelOrder(ctx, order.ID, "payment_intent_attach_failed")
		return CheckoutResult{}, fmt.Errorf("checkout: attach payment intent: %w", err)
	}
	order.PaymentIntentID = intent.IntentID

	s.cleanupCart(ctx, buyerID, itemIDs)
	s.publishCreated(ctx, order)

	s.logger(ctx, "checkout.order.created", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"buyerId":     order.BuyerID,
		"sellerId":    order.SellerID,
		"totalCents":  order.Totals.Total,
		"itemCount":   len(order.Lines),
	})
	return CheckoutResult{Order: order, ClientSecret: intent.ClientSecret}, nil
}

func (s *checkoutService) buildOrder(ctx context.Context, orderID, buyerID string, items []domain.Item, address domain.Address, cmd CheckoutCommand, now time.Time) (domain.Order, error) {
	sellerID := items[0].SellerID
	for _, item := range items[1:] {
		if item.SellerID != sellerID {
			return domain.Order{}, ErrCheckoutMultipleSellers
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}

	lines := make([]domain.OrderLineItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.OrderLineItem{
			ItemID:    item.ID,
			Title:     item.Title,
			Brand:     item.Brand,
			Condition: item.Condition,
			ImageURL:  item.ImageURL,
			Price:     item.Price,
			Shipping:  item.Shipping,
			Quantity:  1,
		})
	}

	number, err := s.nextOrderNumber(ctx, now)
	if err != nil {
		return domain.Order{}, err
	}

	return domain.Order{
		ID:              orderID,
		OrderNumber:     number,
		BuyerID:         buyerID,
		SellerID:        sellerID,
		Lines:           lines,
		Totals:          domain.ComputeTotals(lines),
		Currency:        currency,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		ShippingAddress: address,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *checkoutService) nextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	counterID := fmt.Sprintf("orders-%d", now.Year())
	seq, err := s.counters.Next(ctx, counterID)
	if err != nil {
		return "", fmt.Errorf("checkout: allocate order number: %w", err)
	}
	return fmt.Sprintf("LM-%d-%06d", now.Year(), seq), nil
}

func (s *checkoutService) resolveAddress(input *AddressInput, buyer domain.UserProfile) domain.Address {
	if input != nil {
		addr := domain.Address{
			Name:       strings.TrimSpace(input.Name),
			Line1:      strings.TrimSpace(input.Line1),
			Line2:      strings.TrimSpace(input.Line2),
			City:       strings.TrimSpace(input.City),
			Region:     strings.TrimSpace(input.Region),
			PostalCode: strings.TrimSpace(input.PostalCode),
			Country:    strings.ToUpper(strings.TrimSpace(input.Country)),
			Phone:      strings.TrimSpace(input.Phone),
		}
		if !addr.Empty() {
			return addr
		}
	}
	if buyer.DefaultAddress != nil && !buyer.DefaultAddress.Empty() {
		return *buyer.DefaultAddress
	}
	return domain.Address{CollectLater: true}
}

// publishCreated announces the new pending order. The order is already
// persisted, so a publish failure is logged rather than surfaced.
func (s *checkoutService) publishCreated(ctx context.Context, order domain.Order) {
	_, err := s.events.PublishOrderEvent(ctx, events.OrderEvent{
		Type:        events.OrderCreated,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		BuyerID:     order.BuyerID,
		SellerID:    order.SellerID,
		ItemIDs:     order.ItemIDs(),
		TotalCents:  order.Totals.Total,
		Currency:    order.Currency,
		OccurredAt:  s.clock(),
	})
	if err != nil {
		s.logger(ctx, "checkout.event.publish_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func (s *checkoutService) releaseReservation(ctx context.Context, orderID string, itemIDs []string) {
	if err := s.reservations.Release(ctx, orderID, itemIDs); err != nil {
		s.logger(ctx, "checkout.release.failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

func (s *checkoutService) cancelOrder(ctx context.Context, orderID, reason string) {
	_, err := s.orders.Mutate(ctx, orderID, func(o *domain.Order) error {
		if o.Status != domain.OrderStatusPending {
			return repositories.ErrNoMutation
		}
		now := s.clock()
		o.Status = domain.OrderStatusCancelled
		o.PaymentStatus = domain.PaymentStatusFailed
		o.CancelReason = reason
		o.CancelledAt = &now
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.logger(ctx, "checkout.cancel.failed", map[string]any{
			"orderId": orderID,
			"reason":  reason,
			"error":   err.Error(),
		})
	}
}

// cleanupCart removes the purchased items from the buyer's cart. The order
// already exists at this point, so failures are logged and swallowed.
func (s *checkoutService) cleanupCart(ctx context.Context, buyerID string, itemIDs []string) {
	if s.carts == nil {
		return
	}
	cart, err := s.carts.Get(ctx, buyerID)
	if err != nil {
		s.logger(ctx, "checkout.cart.cleanup_failed", map[string]any{"buyerId": buyerID, "error": err.Error()})
		return
	}
	purchased := make(map[string]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		purchased[id] = struct{}{}
	}
	remaining := cart.ItemIDs[:0]
	for _, id := range cart.ItemIDs {
		if _, ok := purchased[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == len(cart.ItemIDs) {
		return
	}
	cart.ItemIDs = remaining
	if len(remaining) == 0 {
		err = s.carts.Clear(ctx, buyerID)
	} else {
		_, err = s.carts.Upsert(ctx, cart)
	}
	if err != nil {
		s.logger(ctx, "checkout.cart.cleanup_failed", map[string]any{"buyerId": buyerID, "error": err.Error()})
	}
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loupe-market/api/internal/domain"
	"github.com/loupe-market/api/internal/payments"
	"github.com/loupe-market/api/internal/platform/events"
	"github.com/loupe-market/api/internal/platform/idempotency"
	"github.com/loupe-market/api/internal/repositories"
)

var (
	// ErrReconcilerInvalidEvent indicates an event with no usable identifiers.
	ErrReconcilerInvalidEvent = errors.New("reconciler: invalid event")
	// ErrReconcilerEventInFlight indicates another delivery of the same event is
	// still being handled. Callers should report failure so the gateway retries.
	ErrReconcilerEventInFlight = errors.New("reconciler: event in flight")
)

// paymentLookup is the gateway read surface the reconciler uses to cross-check
// refund events that arrive without an amount.
type paymentLookup interface {
	LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
}

// ReconcilerServiceDeps wires the webhook reconciler.
type ReconcilerServiceDeps struct {
	Orders       repositories.OrderRepository
	Items        repositories.ItemRepository
	Reservations ReservationService
	Dedup        idempotency.Store
	Events       events.Publisher
	Payments     paymentLookup
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type reconcilerService struct {
	orders       repositories.OrderRepository
	items        repositories.ItemRepository
	reservations ReservationService
	dedup        idempotency.Store
	events       events.Publisher
	payments     paymentLookup
	clock        func() time.Time
	logger       func(ctx context.Context, event string, fields map[string]any)
}

// NewReconcilerService validates dependencies and builds a ReconcilerService.
func NewReconcilerService(deps ReconcilerServiceDeps) (ReconcilerService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("services: reconciler requires order repository")
	case deps.Items == nil:
		return nil, errors.New("services: reconciler requires item repository")
	case deps.Reservations == nil:
		return nil, errors.New("services: reconciler requires reservation service")
	case deps.Dedup == nil:
		return nil, errors.New("services: reconciler requires idempotency store")
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &reconcilerService{
		orders:       deps.Orders,
		items:        deps.Items,
		reservations: deps.Reservations,
		dedup:        deps.Dedup,
		events:       publisher,
		payments:     deps.Payments,
		clock:        func() time.Time { return clock().UTC() },
		logger:       logger,
	}, nil
}

// Process applies one verified gateway event. The call succeeds (and the
// delivery should be acknowledged) when the event was applied, was already
// applied earlier, or references no known order. Persistence failures are
// returned so the gateway redelivers.
func (s *reconcilerService) Process(ctx context.Context, event payments.WebhookEvent) error {
	if event.ID == "" {
		return ErrReconcilerInvalidEvent
	}
	if event.Kind == payments.EventKindUnknown || event.Kind == "" {
		s.logger(ctx, "reconciler.event.ignored", map[string]any{
			"eventId":   event.ID,
			"eventType": event.Type,
		})
		return nil
	}
	if event.IntentID == "" {
		return ErrReconcilerInvalidEvent
	}

	switch err := s.dedup.Reserve(ctx, event.ID, event.Type); {
	case errors.Is(err, idempotency.ErrAlreadyProcessed):
		s.logger(ctx, "reconciler.event.duplicate", map[string]any{"eventId": event.ID})
		return nil
	case errors.Is(err, idempotency.ErrInFlight):
		return ErrReconcilerEventInFlight
	case err != nil:
		return fmt.Errorf("reconciler: claim event: %w", err)
	}

	if err := s.apply(ctx, event); err != nil {
		// Releasing the claim lets the gateway's redelivery retry from scratch.
		if relErr := s.dedup.Release(ctx, event.ID); relErr != nil {
			s.logger(ctx, "reconciler.claim.release_failed", map[string]any{
				"eventId": event.ID,
				"error":   relErr.Error(),
			})
		}
		return err
	}

	if err := s.dedup.MarkProcessed(ctx, event.ID); err != nil {
		s.logger(ctx, "reconciler.claim.mark_failed", map[string]any{
			"eventId": event.ID,
			"error":   err.Error(),
		})
	}
	return nil
}

func (s *reconcilerService) apply(ctx context.Context, event payments.WebhookEvent) error {
	order, found, err := s.resolveOrder(ctx, event)
	if err != nil {
		return fmt.Errorf("reconciler: resolve order: %w", err)
	}
	if !found {
		// Events for intents this system never issued are dropped, not retried.
		s.logger(ctx, "reconciler.order.unknown", map[string]any{
			"eventId":  event.ID,
			"intentId": event.IntentID,
		})
		return nil
	}

	switch event.Kind {
	case payments.EventKindSucceeded:
		return s.applySucceeded(ctx, order, event)
	case payments.EventKindFailed, payments.EventKindCanceled:
		return s.applyFailed(ctx, order, event)
	case payments.EventKindRefunded:
		return s.applyRefunded(ctx, order, event)
	case payments.EventKindDispute:
		return s.applyDispute(ctx, order, event)
	}
	return nil
}

// resolveOrder matches the event to an order. Events minted by this system
// carry the order id in the intent metadata; when that lookup misses (older
// intents, events the gateway enriched without metadata) the intent id index
// is the fallback.
func (s *reconcilerService) resolveOrder(ctx context.Context, event payments.WebhookEvent) (domain.Order, bool, error) {
	if orderID := strings.TrimSpace(event.Metadata["orderId"]); orderID != "" {
		order, err := s.orders.FindByID(ctx, orderID)
		switch {
		case err == nil:
			if order.PaymentIntentID == "" || order.PaymentIntentID == event.IntentID {
				return order, true, nil
			}
			// Metadata points at an order bound to a different intent. Fall
			// through to the intent index rather than trusting the claim.
		case !repositories.IsNotFound(err):
			return domain.Order{}, false, err
		}
	}
	order, err := s.orders.FindByPaymentIntent(ctx, event.IntentID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Order{}, false, nil
		}
		return domain.Order{}, false, err
	}
	return order, true, nil
}

// applySucceeded confirms the order and marks its items sold. The transition
// only fires from payment pending; a success landing after a failure or
// refund leaves the order untouched. A redelivery that finds the order
// already paid still reruns the item writes so a partial first pass
// converges instead of stranding reserved items.
func (s *reconcilerService) applySucceeded(ctx context.Context, order domain.Order, event payments.WebhookEvent) error {
	current, applied, err := s.mutate(ctx, order.ID, func(o *domain.Order) error {
		if o.PaymentStatus != domain.PaymentStatusPending {
			return repositories.ErrNoMutation
		}
		now := s.clock()
		o.PaymentStatus = domain.PaymentStatusPaid
		o.Status = domain.OrderStatusConfirmed
		o.PaidAt = &now
		o.ConfirmedAt = &now
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconciler: confirm order %s: %w", order.ID, err)
	}
	if !applied {
		if current.PaymentStatus != domain.PaymentStatusPaid {
			s.logger(ctx, "reconciler.transition.skipped", map[string]any{
				"orderId": order.ID,
				"eventId": event.ID,
				"kind":    string(event.Kind),
			})
			return nil
		}
		if err := s.markItemsSold(ctx, current); err != nil {
			return err
		}
		s.publish(ctx, events.OrderPaid, current, current.Totals.Total)
		s.logger(ctx, "reconciler.order.converged", map[string]any{
			"orderId": order.ID,
			"eventId": event.ID,
		})
		return nil
	}
	if err := s.markItemsSold(ctx, order); err != nil {
		return err
	}
	s.publish(ctx, events.OrderPaid, order, order.Totals.Total)
	s.logger(ctx, "reconciler.order.paid", map[string]any{
		"orderId": order.ID,
		"eventId": event.ID,
	})
	return nil
}

// markItemsSold is idempotent per item; the repository treats an already sold
// listing as a no-op.
func (s *reconcilerService) markItemsSold(ctx context.Context, order domain.Order) error {
	soldAt := s.clock()
	for _, itemID := range order.ItemIDs() {
		if err := s.items.MarkSold(ctx, itemID, order.ID, order.BuyerID, soldAt); err != nil {
			return fmt.Errorf("reconciler: mark item %s sold: %w", itemID, err)
		}
	}
	return nil
}

// applyFailed cancels the order and frees its items. Like success, the
// transition fires only from payment pending, and a redelivery that finds the
// order already failed reruns the release so held items are not stranded.
func (s *reconcilerService) applyFailed(ctx context.Context, order domain.Order, event payments.WebhookEvent) error {
	reason := event.FailureMessage
	if reason == "" {
		if event.Kind == payments.EventKindCanceled {
			reason = "payment_canceled"
		} else {
			reason = "payment_failed"
		}
	}
	current, applied, err := s.mutate(ctx, order.ID, func(o *domain.Order) error {
		if o.PaymentStatus != domain.PaymentStatusPending {
			return repositories.ErrNoMutation
		}
		now := s.clock()
		o.PaymentStatus = domain.PaymentStatusFailed
		o.Status = domain.OrderStatusCancelled
		o.CancelReason = reason
		o.CancelledAt = &now
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconciler: cancel order %s: %w", order.ID, err)
	}
	if !applied {
		if current.PaymentStatus != domain.PaymentStatusFailed {
			s.logger(ctx, "reconciler.transition.skipped", map[string]any{
				"orderId": order.ID,
				"eventId": event.ID,
				"kind":    string(event.Kind),
			})
			return nil
		}
		if err := s.reservations.Release(ctx, order.ID, order.ItemIDs()); err != nil {
			return fmt.Errorf("reconciler: release items for order %s: %w", order.ID, err)
		}
		s.publish(ctx, events.OrderCancelled, current, current.Totals.Total)
		s.logger(ctx, "reconciler.order.converged", map[string]any{
			"orderId": order.ID,
			"eventId": event.ID,
		})
		return nil
	}
	if err := s.reservations.Release(ctx, order.ID, order.ItemIDs()); err != nil {
		return fmt.Errorf("reconciler: release items for order %s: %w", order.ID, err)
	}
	s.publish(ctx, events.OrderCancelled, order, order.Totals.Total)
	s.logger(ctx, "reconciler.order.cancelled", map[string]any{
		"orderId": order.ID,
		"eventId": event.ID,
		"reason":  reason,
	})
	return nil
}

// applyRefunded records the refund against a paid order. Refund events for
// orders that never reached paid are dropped.
func (s *reconcilerService) applyRefunded(ctx context.Context, order domain.Order, event payments.WebhookEvent) error {
	amount := event.AmountRefunded
	if amount <= 0 && s.payments != nil {
		// Some charge events omit the refunded amount. Cross-check the gateway
		// before recording a zero refund; a lookup failure keeps the event value.
		details, err := s.payments.LookupPayment(ctx, payments.PaymentContext{Currency: order.Currency}, payments.LookupRequest{IntentID: event.IntentID})
		if err != nil {
			s.logger(ctx, "reconciler.refund.lookup_failed", map[string]any{
				"orderId":  order.ID,
				"intentId": event.IntentID,
				"error":    err.Error(),
			})
		} else if details.Status == payments.StatusRefunded {
			amount = details.Amount
		}
	}
	_, applied, err := s.mutate(ctx, order.ID, func(o *domain.Order) error {
		if o.PaymentStatus != domain.PaymentStatusPaid {
			return repositories.ErrNoMutation
		}
		now := s.clock()
		o.PaymentStatus = domain.PaymentStatusRefunded
		o.Refund = &domain.RefundRecord{
			RefundID:  event.RefundID,
			Amount:    amount,
			Status:    event.RefundStatus,
			CreatedAt: now,
		}
		o.RefundedAt = &now
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconciler: record refund for order %s: %w", order.ID, err)
	}
	if !applied {
		s.logger(ctx, "reconciler.transition.skipped", map[string]any{
			"orderId": order.ID,
			"eventId": event.ID,
			"kind":    string(event.Kind),
		})
		return nil
	}
	s.publish(ctx, events.OrderRefunded, order, amount)
	s.logger(ctx, "reconciler.order.refunded", map[string]any{
		"orderId":  order.ID,
		"eventId":  event.ID,
		"refundId": event.RefundID,
	})
	return nil
}

// applyDispute only flags the order. Status and payment state are left for a
// human to resolve with the gateway.
func (s *reconcilerService) applyDispute(ctx context.Context, order domain.Order, event payments.WebhookEvent) error {
	_, applied, err := s.mutate(ctx, order.ID, func(o *domain.Order) error {
		if o.Dispute != nil && o.Dispute.DisputeID == event.DisputeID {
			return repositories.ErrNoMutation
		}
		now := s.clock()
		o.Dispute = &domain.DisputeRecord{
			DisputeID: event.DisputeID,
			Reason:    event.DisputeReason,
			Status:    event.DisputeStatus,
			OpenedAt:  now,
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconciler: flag dispute for order %s: %w", order.ID, err)
	}
	if applied {
		s.publish(ctx, events.OrderDisputed, order, order.Totals.Total)
	}
	s.logger(ctx, "reconciler.order.disputed", map[string]any{
		"orderId":   order.ID,
		"eventId":   event.ID,
		"disputeId": event.DisputeID,
	})
	return nil
}

// mutate wraps the repository transaction and reports whether the callback
// actually changed the order, along with the order as stored. Gate checks
// signal no-op via ErrNoMutation, which the repository treats as a successful
// skipped write; skips still return the current state so callers can decide
// whether the event already landed.
func (s *reconcilerService) mutate(ctx context.Context, orderID string, fn func(*domain.Order) error) (domain.Order, bool, error) {
	applied := false
	current, err := s.orders.Mutate(ctx, orderID, func(o *domain.Order) error {
		if err := fn(o); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	return current, applied, nil
}

func (s *reconcilerService) publish(ctx context.Context, eventType string, order domain.Order, amount int64) {
	_, err := s.events.PublishOrderEvent(ctx, events.OrderEvent{
		Type:        eventType,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		BuyerID:     order.BuyerID,
		SellerID:    order.SellerID,
		ItemIDs:     order.ItemIDs(),
		TotalCents:  amount,
		Currency:    order.Currency,
		OccurredAt:  s.clock(),
	})
	if err != nil {
		s.logger(ctx, "reconciler.event.publish_failed", map[string]any{
			"orderId": order.ID,
			"type":    eventType,
			"error":   err.Error(),
		})
	}
}

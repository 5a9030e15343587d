package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/loupe-market/api/internal/domain"
	"github.com/loupe-market/api/internal/repositories"
)

var (
	// ErrReservationInvalidInput indicates a missing order id or an empty item set.
	ErrReservationInvalidInput = errors.New("reservations: invalid input")
	// ErrItemsUnavailable indicates at least one requested item could not be held.
	ErrItemsUnavailable = errors.New("reservations: items unavailable")
)

// ItemsUnavailableError reports, per item, why a hold could not be taken.
// It always wraps ErrItemsUnavailable so callers can branch with errors.Is.
type ItemsUnavailableError struct {
	Reasons map[string]domain.UnavailabilityReason
}

func (e *ItemsUnavailableError) Error() string {
	ids := make([]string, 0, len(e.Reasons))
	for id := range e.Reasons {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s=%s", id, e.Reasons[id]))
	}
	return fmt.Sprintf("reservations: items unavailable: %s", strings.Join(parts, ", "))
}

func (e *ItemsUnavailableError) Unwrap() error { return ErrItemsUnavailable }

// AsItemsUnavailable extracts the per-item reasons from a reservation failure.
func AsItemsUnavailable(err error) (*ItemsUnavailableError, bool) {
	var unavailable *ItemsUnavailableError
	if errors.As(err, &unavailable) {
		return unavailable, true
	}
	return nil, false
}

// ReservationServiceDeps wires the reservation service.
type ReservationServiceDeps struct {
	Items  repositories.ItemRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type reservationService struct {
	items  repositories.ItemRepository
	clock  func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewReservationService validates dependencies and builds a ReservationService.
func NewReservationService(deps ReservationServiceDeps) (ReservationService, error) {
	if deps.Items == nil {
		return nil, errors.New("services: reservation service requires item repository")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &reservationService{
		items:  deps.Items,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// Reserve takes a hold on every item in the set or on none of them. The
// first item that cannot be held aborts the attempt; holds already taken
// for this order are released before returning. The error reports the
// availability of every item in the set, not just the one that aborted,
// so buyers learn the full picture in one round trip.
func (s *reservationService) Reserve(ctx context.Context, orderID string, itemIDs []string, until time.Time) ([]domain.Item, error) {
	if strings.TrimSpace(orderID) == "" || len(itemIDs) == 0 {
		return nil, ErrReservationInvalidInput
	}
	now := s.clock()
	untilUTC := until.UTC()
	reserved := make([]domain.Item, 0, len(itemIDs))
	for i, itemID := range itemIDs {
		item, err := s.items.Reserve(ctx, repositories.ItemReserveRequest{
			ItemID:        itemID,
			OrderID:       orderID,
			ReservedAt:    now,
			ReservedUntil: &untilUTC,
		})
		if err != nil {
			s.rollback(ctx, orderID, reserved)
			var itemErr *repositories.ItemError
			if errors.As(err, &itemErr) && itemErr.Reason != "" {
				reasons := map[string]domain.UnavailabilityReason{itemID: itemErr.Reason}
				s.collectRemaining(ctx, now, itemIDs[i+1:], reasons)
				return nil, &ItemsUnavailableError{Reasons: reasons}
			}
			return nil, fmt.Errorf("services: reserve item %s: %w", itemID, err)
		}
		reserved = append(reserved, item)
	}
	return reserved, nil
}

// collectRemaining reads the items the aborted attempt never reached and adds
// the unavailable ones to reasons. Read failures on individual items are
// skipped; the aborting reason is already in the map.
func (s *reservationService) collectRemaining(ctx context.Context, now time.Time, itemIDs []string, reasons map[string]domain.UnavailabilityReason) {
	for _, itemID := range itemIDs {
		item, err := s.items.FindByID(ctx, itemID)
		if err != nil {
			if repositories.IsNotFound(err) {
				reasons[itemID] = domain.UnavailableNotFound
			}
			continue
		}
		if reason, ok := item.UnavailabilityFor(now); ok {
			reasons[itemID] = reason
		}
	}
}

// Release drops this order's holds. Items that were never held, already
// released, or held by a different order are skipped without error.
func (s *reservationService) Release(ctx context.Context, orderID string, itemIDs []string) error {
	if strings.TrimSpace(orderID) == "" {
		return ErrReservationInvalidInput
	}
	var failed []error
	for _, itemID := range itemIDs {
		if err := s.items.Release(ctx, itemID, orderID); err != nil {
			failed = append(failed, fmt.Errorf("release item %s: %w", itemID, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("services: %w", errors.Join(failed...))
	}
	return nil
}

// ReleaseExpired sweeps holds whose deadline has passed. Each release is
// independent, so one stuck item does not block the rest of the batch.
func (s *reservationService) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, ErrReservationInvalidInput
	}
	now := s.clock()
	expired, err := s.items.ListExpiredReservations(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("services: list expired reservations: %w", err)
	}
	released := 0
	var failed []error
	for _, item := range expired {
		if item.Reservation.OrderID == nil {
			continue
		}
		if err := s.items.Release(ctx, item.ID, *item.Reservation.OrderID); err != nil {
			failed = append(failed, fmt.Errorf("release item %s: %w", item.ID, err))
			continue
		}
		released++
		s.logger(ctx, "reservations.expired.released", map[string]any{
			"itemId":  item.ID,
			"orderId": *item.Reservation.OrderID,
		})
	}
	if len(failed) > 0 {
		return released, fmt.Errorf("services: %w", errors.Join(failed...))
	}
	return released, nil
}

func (s *reservationService) rollback(ctx context.Context, orderID string, reserved []domain.Item) {
	for _, item := range reserved {
		if err := s.items.Release(ctx, item.ID, orderID); err != nil {
			s.logger(ctx, "reservations.rollback.failed", map[string]any{
				"itemId":  item.ID,
				"orderId": orderID,
				"error":   err.Error(),
			})
		}
	}
}

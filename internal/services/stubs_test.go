package services

import (
	"context"
	"sync"
	"time"

	"github.com/loupe-market/api/internal/domain"
	"github.com/loupe-market/api/internal/payments"
	"github.com/loupe-market/api/internal/platform/events"
	"github.com/loupe-market/api/internal/repositories"
)

type stubItemRepo struct {
	mu        sync.Mutex
	findFn    func(ctx context.Context, itemID string) (domain.Item, error)
	reserveFn func(ctx context.Context, req repositories.ItemReserveRequest) (domain.Item, error)
	releaseFn func(ctx context.Context, itemID, orderID string) error
	soldFn    func(ctx context.Context, itemID, orderID, buyerID string, soldAt time.Time) error
	expiredFn func(ctx context.Context, now time.Time, limit int) ([]domain.Item, error)

	reserved []string
	released []string
	sold     []string
	soldTo   []string
}

func (s *stubItemRepo) FindByID(ctx context.Context, itemID string) (domain.Item, error) {
	if s.findFn != nil {
		return s.findFn(ctx, itemID)
	}
	return domain.Item{}, nil
}

func (s *stubItemRepo) Reserve(ctx context.Context, req repositories.ItemReserveRequest) (domain.Item, error) {
	if s.reserveFn != nil {
		item, err := s.reserveFn(ctx, req)
		if err != nil {
			return domain.Item{}, err
		}
		s.mu.Lock()
		s.reserved = append(s.reserved, req.ItemID)
		s.mu.Unlock()
		return item, nil
	}
	s.mu.Lock()
	s.reserved = append(s.reserved, req.ItemID)
	s.mu.Unlock()
	return domain.Item{ID: req.ItemID}, nil
}

func (s *stubItemRepo) Release(ctx context.Context, itemID, orderID string) error {
	if s.releaseFn != nil {
		if err := s.releaseFn(ctx, itemID, orderID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.released = append(s.released, itemID)
	s.mu.Unlock()
	return nil
}

func (s *stubItemRepo) MarkSold(ctx context.Context, itemID, orderID, buyerID string, soldAt time.Time) error {
	if s.soldFn != nil {
		if err := s.soldFn(ctx, itemID, orderID, buyerID, soldAt); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sold = append(s.sold, itemID)
	s.soldTo = append(s.soldTo, buyerID)
	s.mu.Unlock()
	return nil
}

func (s *stubItemRepo) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Item, error) {
	if s.expiredFn != nil {
		return s.expiredFn(ctx, now, limit)
	}
	return nil, nil
}

type stubOrderRepo struct {
	insertFn   func(ctx context.Context, order domain.Order) error
	findFn     func(ctx context.Context, orderID string) (domain.Order, error)
	byIntentFn func(ctx context.Context, paymentIntentID string) (domain.Order, error)
	listFn     func(ctx context.Context, buyerID string, query repositories.OrderListQuery) (domain.CursorPage[domain.Order], error)
	mutateFn   func(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error)

	inserted []domain.Order
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		if err := s.insertFn(ctx, order); err != nil {
			return err
		}
	}
	s.inserted = append(s.inserted, order)
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, notFoundErr{}
}

func (s *stubOrderRepo) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error) {
	if s.byIntentFn != nil {
		return s.byIntentFn(ctx, paymentIntentID)
	}
	return domain.Order{}, notFoundErr{}
}

func (s *stubOrderRepo) ListByBuyer(ctx context.Context, buyerID string, query repositories.OrderListQuery) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, buyerID, query)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderRepo) Mutate(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error) {
	if s.mutateFn != nil {
		return s.mutateFn(ctx, orderID, fn)
	}
	return domain.Order{}, notFoundErr{}
}

// mutateOver returns a mutateFn that applies the callback against a copy of
// base, mirroring the repository's ErrNoMutation handling.
func mutateOver(base *domain.Order) func(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error) {
	return func(_ context.Context, _ string, fn func(order *domain.Order) error) (domain.Order, error) {
		order := *base
		if err := fn(&order); err != nil {
			if err == repositories.ErrNoMutation {
				return order, nil
			}
			return domain.Order{}, err
		}
		*base = order
		return order, nil
	}
}

type stubCartRepo struct {
	getFn    func(ctx context.Context, userID string) (domain.Cart, error)
	upsertFn func(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	clearFn  func(ctx context.Context, userID string) error

	upserted []domain.Cart
	cleared  []string
}

func (s *stubCartRepo) Get(ctx context.Context, userID string) (domain.Cart, error) {
	if s.getFn != nil {
		return s.getFn(ctx, userID)
	}
	return domain.Cart{UserID: userID}, nil
}

func (s *stubCartRepo) Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, cart)
	}
	s.upserted = append(s.upserted, cart)
	return cart, nil
}

func (s *stubCartRepo) Clear(ctx context.Context, userID string) error {
	if s.clearFn != nil {
		return s.clearFn(ctx, userID)
	}
	s.cleared = append(s.cleared, userID)
	return nil
}

type stubUserRepo struct {
	findFn func(ctx context.Context, userID string) (domain.UserProfile, error)
}

func (s *stubUserRepo) FindByID(ctx context.Context, userID string) (domain.UserProfile, error) {
	if s.findFn != nil {
		return s.findFn(ctx, userID)
	}
	return domain.UserProfile{ID: userID, Active: true}, nil
}

type stubCounterRepo struct {
	next int64
	err  error
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.next++
	return s.next, nil
}

type stubIntentCreator struct {
	createFn func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error)
	requests []payments.IntentRequest
}

func (s *stubIntentCreator) CreateIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error) {
	s.requests = append(s.requests, req)
	if s.createFn != nil {
		return s.createFn(ctx, paymentCtx, req)
	}
	return payments.Intent{Provider: "stripe", IntentID: "pi_test", ClientSecret: "pi_test_secret", Status: payments.StatusPending, Amount: req.Amount, Currency: req.Currency}, nil
}

type stubPaymentLookup struct {
	lookupFn func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
	requests []payments.LookupRequest
}

func (s *stubPaymentLookup) LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error) {
	s.requests = append(s.requests, req)
	if s.lookupFn != nil {
		return s.lookupFn(ctx, paymentCtx, req)
	}
	return payments.PaymentDetails{}, nil
}

type stubDedupStore struct {
	reserveFn func(ctx context.Context, eventID, eventType string) error
	markFn    func(ctx context.Context, eventID string) error
	releaseFn func(ctx context.Context, eventID string) error

	reserved  []string
	processed []string
	released  []string
}

func (s *stubDedupStore) Reserve(ctx context.Context, eventID, eventType string) error {
	if s.reserveFn != nil {
		if err := s.reserveFn(ctx, eventID, eventType); err != nil {
			return err
		}
	}
	s.reserved = append(s.reserved, eventID)
	return nil
}

func (s *stubDedupStore) MarkProcessed(ctx context.Context, eventID string) error {
	if s.markFn != nil {
		if err := s.markFn(ctx, eventID); err != nil {
			return err
		}
	}
	s.processed = append(s.processed, eventID)
	return nil
}

func (s *stubDedupStore) Release(ctx context.Context, eventID string) error {
	if s.releaseFn != nil {
		if err := s.releaseFn(ctx, eventID); err != nil {
			return err
		}
	}
	s.released = append(s.released, eventID)
	return nil
}

func (s *stubDedupStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	return 0, nil
}

type stubPublisher struct {
	published []events.OrderEvent
	err       error
}

func (s *stubPublisher) PublishOrderEvent(ctx context.Context, event events.OrderEvent) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.published = append(s.published, event)
	return "msg_1", nil
}

type stubReservations struct {
	reserveFn func(ctx context.Context, orderID string, itemIDs []string, until time.Time) ([]domain.Item, error)
	releaseFn func(ctx context.Context, orderID string, itemIDs []string) error
	expiredFn func(ctx context.Context, limit int) (int, error)

	releasedOrders []string
}

func (s *stubReservations) Reserve(ctx context.Context, orderID string, itemIDs []string, until time.Time) ([]domain.Item, error) {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, orderID, itemIDs, until)
	}
	items := make([]domain.Item, 0, len(itemIDs))
	for _, id := range itemIDs {
		items = append(items, domain.Item{ID: id})
	}
	return items, nil
}

func (s *stubReservations) Release(ctx context.Context, orderID string, itemIDs []string) error {
	s.releasedOrders = append(s.releasedOrders, orderID)
	if s.releaseFn != nil {
		return s.releaseFn(ctx, orderID, itemIDs)
	}
	return nil
}

func (s *stubReservations) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	if s.expiredFn != nil {
		return s.expiredFn(ctx, limit)
	}
	return 0, nil
}

// notFoundErr satisfies repositories.RepositoryError for missing-document cases.
type notFoundErr struct{}

func (notFoundErr) Error() string       { return "not found" }
func (notFoundErr) IsNotFound() bool    { return true }
func (notFoundErr) IsConflict() bool    { return false }
func (notFoundErr) IsUnavailable() bool { return false }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loupe-market/api/internal/domain"
	"github.com/loupe-market/api/internal/repositories"
)

func TestReserveHoldsEveryItem(t *testing.T) {
	repo := &stubItemRepo{}
	svc, err := NewReservationService(ReservationServiceDeps{
		Items: repo,
		Clock: fixedClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewReservationService: %v", err)
	}

	until := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	items, err := svc.Reserve(context.Background(), "ord_1", []string{"itm_a", "itm_b"}, until)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 reserved items, got %d", len(items))
	}
	if len(repo.reserved) != 2 {
		t.Fatalf("expected 2 repository reservations, got %d", len(repo.reserved))
	}
	if len(repo.released) != 0 {
		t.Fatalf("expected no releases, got %v", repo.released)
	}
}

func TestReserveRollsBackOnFirstFailure(t *testing.T) {
	repo := &stubItemRepo{}
	repo.reserveFn = func(_ context.Context, req repositories.ItemReserveRequest) (domain.Item, error) {
		if req.ItemID == "itm_b" {
			return domain.Item{}, repositories.NewItemUnavailableError(domain.UnavailableSold, "item itm_b is sold")
		}
		return domain.Item{ID: req.ItemID}, nil
	}
	repo.findFn = func(_ context.Context, itemID string) (domain.Item, error) {
		return domain.Item{ID: itemID, Active: true, Approved: true}, nil
	}
	svc, err := NewReservationService(ReservationServiceDeps{Items: repo})
	if err != nil {
		t.Fatalf("NewReservationService: %v", err)
	}

	_, err = svc.Reserve(context.Background(), "ord_1", []string{"itm_a", "itm_b", "itm_c"}, time.Now().Add(15*time.Minute))
	if !errors.Is(err, ErrItemsUnavailable) {
		t.Fatalf("expected ErrItemsUnavailable, got %v", err)
	}
	unavailable, ok := AsItemsUnavailable(err)
	if !ok {
		t.Fatalf("expected ItemsUnavailableError, got %T", err)
	}
	if unavailable.Reasons["itm_b"] != domain.UnavailableSold {
		t.Fatalf("expected sold reason for itm_b, got %v", unavailable.Reasons)
	}
	// itm_c is still purchasable, so only the sold item is reported.
	if len(unavailable.Reasons) != 1 {
		t.Fatalf("expected a single reason, got %v", unavailable.Reasons)
	}
	// itm_a was held before itm_b failed, so it must be released again.
	if len(repo.released) != 1 || repo.released[0] != "itm_a" {
		t.Fatalf("expected rollback release of itm_a, got %v", repo.released)
	}
	if len(repo.reserved) != 1 {
		t.Fatalf("expected only itm_a to have been reserved, got %v", repo.reserved)
	}
}

func TestReserveReportsEveryUnavailableItem(t *testing.T) {
	repo := &stubItemRepo{}
	repo.reserveFn = func(_ context.Context, req repositories.ItemReserveRequest) (domain.Item, error) {
		if req.ItemID == "itm_b" {
			return domain.Item{}, repositories.NewItemUnavailableError(domain.UnavailableSold, "item itm_b is sold")
		}
		return domain.Item{ID: req.ItemID}, nil
	}
	other := "ord_other"
	repo.findFn = func(_ context.Context, itemID string) (domain.Item, error) {
		switch itemID {
		case "itm_c":
			until := time.Now().Add(10 * time.Minute)
			return domain.Item{
				ID: itemID, Active: true, Approved: true,
				Reservation: domain.ItemReservation{OrderID: &other, ReservedUntil: &until},
			}, nil
		case "itm_d":
			return domain.Item{}, notFoundErr{}
		}
		return domain.Item{ID: itemID, Active: true, Approved: true}, nil
	}
	svc, err := NewReservationService(ReservationServiceDeps{Items: repo})
	if err != nil {
		t.Fatalf("NewReservationService: %v", err)
	}

	_, err = svc.Reserve(context.Background(), "ord_1", []string{"itm_a", "itm_b", "itm_c", "itm_d"}, time.Now().Add(15*time.Minute))
	unavailable, ok := AsItemsUnavailable(err)
	if !ok {
		t.Fatalf("expected ItemsUnavailableError, got %v", err)
	}
	want := map[string]domain.UnavailabilityReason{
		"itm_b": domain.UnavailableSold,
		"itm_c": domain.UnavailableReserved,
		"itm_d": domain.UnavailableNotFound,
	}
	if len(unavailable.Reasons) != len(want) {
		t.Fatalf("reasons = %v, want %v", unavailable.Reasons, want)
	}
	for id, reason := range want {
		if unavailable.Reasons[id] != reason {
			t.Errorf("reason for %s = %q, want %q", id, unavailable.Reasons[id], reason)
		}
	}
}

func TestReserveAdmitsSingleHolderUnderContention(t *testing.T) {
	repo := &stubItemRepo{}
	var holderMu sync.Mutex
	holder := ""
	repo.reserveFn = func(_ context.Context, req repositories.ItemReserveRequest) (domain.Item, error) {
		holderMu.Lock()
		defer holderMu.Unlock()
		if holder != "" && holder != req.OrderID {
			return domain.Item{}, repositories.NewItemUnavailableError(domain.UnavailableReserved, "item itm_a is reserved")
		}
		holder = req.OrderID
		return domain.Item{ID: req.ItemID}, nil
	}
	svc, err := NewReservationService(ReservationServiceDeps{Items: repo})
	if err != nil {
		t.Fatalf("NewReservationService: %v", err)
	}

	until := time.Now().Add(15 * time.Minute)
	results := make([]error, 2)
	var wg sync.WaitGroup
	for i, orderID := range []string{"ord_1", "ord_2"} {
		wg.Add(1)
		go func(i int, orderID string) {
			defer wg.Done()
			_, results[i] = svc.Reserve(context.Background(), orderID, []string{"itm_a"}, until)
		}(i, orderID)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrItemsUnavailable):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected exactly one winning hold, got %d wins and %d rejections", wins, losses)
	}
}

func TestReserveRejectsEmptyInput(t *testing.T) {
	svc, err := NewReservationService(ReservationServiceDeps{Items: &stubItemRepo{}})
	if err != nil {
		t.Fatalf("NewReservationService: %v", err)
	}
	if _, err := svc.Reserve(context.Background(), "ord_1", nil, time.Now()); !errors.Is(err, ErrReservationInvalidInput) {
		t.Fatalf("expected invalid input for empty set, got %v", err)
	}
	if _, err := svc.Reserve(context.Background(), " ", []string{"itm_a"}, time.Now()); !errors.Is(err, ErrReservationInvalidInput) {
		t.Fatalf("expected invalid input for blank order id, got %v", err)
	}
}

func TestReleaseContinuesPastFailures(t *testing.T) {
	repo := &stubItemRepo{}
	repo.releaseFn = func(_ context.Context, itemID, _ string) error {
		if itemID == "itm_b" {
			return errors.New("boom")
		}
		return nil
	}
	svc, err := NewReservationService(ReservationServiceDeps{Items: repo})
	if err != nil {
		t.Fatalf("NewReservationService: %v", err)
	}

	err = svc.Release(context.Background(), "ord_1", []string{"itm_a", "itm_b", "itm_c"})
	if err == nil {
		t.Fatal("expected aggregated release error")
	}
	// The failing item must not stop the remaining releases.
	if len(repo.released) != 2 {
		t.Fatalf("expected itm_a and itm_c released, got %v", repo.released)
	}
}

func TestReleaseExpiredSweepsLapsedHolds(t *testing.T) {
	orderA := "ord_a"
	orderB := "ord_b"
	repo := &stubItemRepo{}
	repo.expiredFn = func(_ context.Context, _ time.Time, limit int) ([]domain.Item, error) {
		if limit != 10 {
			t.Fatalf("expected limit 10, got %d", limit)
		}
		return []domain.Item{
			{ID: "itm_a", Reservation: domain.ItemReservation{OrderID: &orderA}},
			{ID: "itm_b", Reservation: domain.ItemReservation{OrderID: &orderB}},
			{ID: "itm_c"},
		}, nil
	}
	svc, err := NewReservationService(ReservationServiceDeps{Items: repo})
	if err != nil {
		t.Fatalf("NewReservationService: %v", err)
	}

	released, err := svc.ReleaseExpired(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReleaseExpired: %v", err)
	}
	if released != 2 {
		t.Fatalf("expected 2 released holds, got %d", released)
	}
	if len(repo.released) != 2 {
		t.Fatalf("expected releases for itm_a and itm_b, got %v", repo.released)
	}
}

package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	defaultRetention  = 72 * time.Hour
	defaultClaimGrace = 2 * time.Minute
)

// MemoryStore keeps event records in process memory. It backs tests and local
// development where a Firestore instance is unavailable.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record

	retention  time.Duration
	claimGrace time.Duration
	clock      func() time.Time
}

// MemoryOption customises MemoryStore construction.
type MemoryOption func(*MemoryStore)

// WithRetention overrides how long processed records are kept before cleanup.
func WithRetention(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClaimGrace overrides how long a pending claim blocks concurrent deliveries.
func WithClaimGrace(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.claimGrace = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records:    make(map[string]*Record),
		retention:  defaultRetention,
		claimGrace: defaultClaimGrace,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, eventID, eventType string) error {
	now := s.clock().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[eventID]; ok {
		switch existing.Status {
		case StatusProcessed:
			return ErrAlreadyProcessed
		case StatusPending:
			// A stale pending claim from a crashed handler can be taken over.
			if now.Sub(existing.ReceivedAt) < s.claimGrace {
				return ErrInFlight
			}
		}
	}

	s.records[eventID] = &Record{
		EventID:    eventID,
		EventType:  eventType,
		Status:     StatusPending,
		ReceivedAt: now,
		ExpiresAt:  now.Add(s.retention),
	}
	return nil
}

// MarkProcessed implements Store.
func (s *MemoryStore) MarkProcessed(_ context.Context, eventID string) error {
	now := s.clock().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[eventID]
	if !ok {
		record = &Record{EventID: eventID, ReceivedAt: now}
		s.records[eventID] = record
	}
	record.Status = StatusProcessed
	record.ProcessedAt = &now
	record.ExpiresAt = now.Add(s.retention)
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[eventID]; ok && record.Status == StatusPending {
		delete(s.records, eventID)
	}
	return nil
}

// CleanupExpired implements Store.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expired := make([]string, 0)
	for id, record := range s.records {
		if record.ExpiresAt.Before(now) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	if len(expired) > limit {
		expired = expired[:limit]
	}
	for _, id := range expired {
		delete(s.records, id)
	}
	return len(expired), nil
}

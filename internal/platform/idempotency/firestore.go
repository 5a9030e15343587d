package idempotency

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultEventCollection = "webhookEvents"

type eventDocument struct {
	EventID     string     `firestore:"eventId"`
	EventType   string     `firestore:"eventType"`
	Status      string     `firestore:"status"`
	ReceivedAt  time.Time  `firestore:"receivedAt"`
	ProcessedAt *time.Time `firestore:"processedAt,omitempty"`
	ExpiresAt   time.Time  `firestore:"expiresAt"`
}

// FirestoreStore persists event records in a Firestore collection so deduplication
// survives restarts and covers all API replicas.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	retention  time.Duration
	claimGrace time.Duration
	clock      func() time.Time
}

// FirestoreOption customises FirestoreStore construction.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection name used for event records.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithFirestoreRetention overrides how long processed records are kept.
func WithFirestoreRetention(d time.Duration) FirestoreOption {
	return func(s *FirestoreStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithFirestoreClock injects a time source for tests.
func WithFirestoreClock(clock func() time.Time) FirestoreOption {
	return func(s *FirestoreStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewFirestoreStore constructs a FirestoreStore backed by the provided client.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("idempotency: firestore client is required")
	}
	s := &FirestoreStore{
		client:     client,
		collection: defaultEventCollection,
		retention:  defaultRetention,
		claimGrace: defaultClaimGrace,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FirestoreStore) doc(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(eventID)
}

// Reserve implements Store.
func (s *FirestoreStore) Reserve(ctx context.Context, eventID, eventType string) error {
	now := s.clock().UTC()
	record := eventDocument{
		EventID:    eventID,
		EventType:  eventType,
		Status:     string(StatusPending),
		ReceivedAt: now,
		ExpiresAt:  now.Add(s.retention),
	}

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(s.doc(eventID))
		if status.Code(err) == codes.NotFound {
			return tx.Create(s.doc(eventID), record)
		}
		if err != nil {
			return fmt.Errorf("idempotency: load event %s: %w", eventID, err)
		}

		var existing eventDocument
		if err := snapshot.DataTo(&existing); err != nil {
			return fmt.Errorf("idempotency: decode event %s: %w", eventID, err)
		}

		if existing.Status == string(StatusProcessed) {
			return ErrAlreadyProcessed
		}
		if now.Sub(existing.ReceivedAt) < s.claimGrace {
			return ErrInFlight
		}

		// Stale pending claim from a crashed handler; take it over.
		return tx.Set(s.doc(eventID), record)
	})
}

// MarkProcessed implements Store.
func (s *FirestoreStore) MarkProcessed(ctx context.Context, eventID string) error {
	now := s.clock().UTC()
	_, err := s.doc(eventID).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(StatusProcessed)},
		{Path: "processedAt", Value: now},
		{Path: "expiresAt", Value: now.Add(s.retention)},
	})
	if err != nil {
		return fmt.Errorf("idempotency: mark event %s processed: %w", eventID, err)
	}
	return nil
}

// Release implements Store.
func (s *FirestoreStore) Release(ctx context.Context, eventID string) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(s.doc(eventID))
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}

		var existing eventDocument
		if err := snapshot.DataTo(&existing); err != nil {
			return err
		}
		if existing.Status != string(StatusPending) {
			return nil
		}
		return tx.Delete(s.doc(eventID))
	})
	if err != nil {
		return fmt.Errorf("idempotency: release event %s: %w", eventID, err)
	}
	return nil
}

// CleanupExpired implements Store.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.client.Collection(s.collection).
		Where("expiresAt", "<", now.UTC()).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	writer := s.client.BulkWriter(ctx)
	deleted := 0
	for {
		snapshot, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("idempotency: list expired events: %w", err)
		}
		if _, err := writer.Delete(snapshot.Ref); err != nil {
			return deleted, fmt.Errorf("idempotency: delete expired event %s: %w", snapshot.Ref.ID, err)
		}
		deleted++
	}
	writer.End()

	return deleted, nil
}

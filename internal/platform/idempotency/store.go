// Package idempotency deduplicates payment gateway webhook deliveries by gateway
// event ID. A delivery is claimed before processing and marked processed after the
// resulting state change is persisted; redeliveries of a processed event short-circuit
// without touching order state.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyProcessed is returned by Reserve when the event has already been handled.
var ErrAlreadyProcessed = errors.New("idempotency: event already processed")

// ErrInFlight is returned by Reserve when another delivery of the same event is being handled.
var ErrInFlight = errors.New("idempotency: event currently in flight")

// Record captures the processing state of a single gateway event.
type Record struct {
	EventID     string
	EventType   string
	Status      Status
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	ExpiresAt   time.Time
}

// Status enumerates the lifecycle of a tracked event.
type Status string

const (
	// StatusPending marks an event claimed but not yet fully processed.
	StatusPending Status = "pending"
	// StatusProcessed marks an event whose effects were durably persisted.
	StatusProcessed Status = "processed"
)

// Store tracks processed gateway events.
type Store interface {
	// Reserve claims the event for processing. It returns ErrAlreadyProcessed when the
	// event was completed by an earlier delivery and ErrInFlight when another delivery
	// holds an unexpired claim.
	Reserve(ctx context.Context, eventID, eventType string) error

	// MarkProcessed records that the event's effects were persisted. Subsequent Reserve
	// calls for the same event fail with ErrAlreadyProcessed until the record expires.
	MarkProcessed(ctx context.Context, eventID string) error

	// Release abandons a claim after a processing failure so the gateway's retry can
	// attempt the event again. Releasing an unknown or processed event is a no-op.
	Release(ctx context.Context, eventID string) error

	// CleanupExpired removes records whose retention window has passed, returning the
	// number deleted. Limit bounds the batch size.
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

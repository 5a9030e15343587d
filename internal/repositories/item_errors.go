package repositories

import (
	"fmt"

	domain "github.com/loupe-market/api/internal/domain"
)

// ItemErrorCode enumerates repository error causes for listing operations.
type ItemErrorCode string

const (
	// ItemErrorUnknown represents an unspecified failure.
	ItemErrorUnknown ItemErrorCode = "item_unknown"
	// ItemErrorNotFound indicates the listing document does not exist.
	ItemErrorNotFound ItemErrorCode = "item_not_found"
	// ItemErrorUnavailable indicates the listing cannot be reserved in its current state.
	ItemErrorUnavailable ItemErrorCode = "item_unavailable"
	// ItemErrorConflict indicates a concurrent write beat this operation.
	ItemErrorConflict ItemErrorCode = "item_conflict"
)

// ItemError wraps listing-specific failures with machine readable codes. Reservation
// failures additionally carry the availability reason reported to buyers.
type ItemError struct {
	Op      string
	Code    ItemErrorCode
	Reason  domain.UnavailabilityReason
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ItemError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *ItemError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound implements RepositoryError.
func (e *ItemError) IsNotFound() bool { return e != nil && e.Code == ItemErrorNotFound }

// IsConflict implements RepositoryError.
func (e *ItemError) IsConflict() bool { return e != nil && e.Code == ItemErrorConflict }

// IsUnavailable implements RepositoryError.
func (e *ItemError) IsUnavailable() bool { return false }

// NewItemError constructs a typed listing error.
func NewItemError(code ItemErrorCode, message string, err error) *ItemError {
	if message == "" {
		message = string(code)
	}
	return &ItemError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewItemUnavailableError constructs the reservation failure carrying a buyer-facing reason.
func NewItemUnavailableError(reason domain.UnavailabilityReason, message string) *ItemError {
	if message == "" {
		message = string(reason)
	}
	return &ItemError{
		Code:    ItemErrorUnavailable,
		Reason:  reason,
		Message: message,
	}
}

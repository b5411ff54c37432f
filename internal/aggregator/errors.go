package aggregator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// RetriableError is implemented by errors a caller may retry with fresh state.
type RetriableError interface {
	error
	IsRetriable() bool
}

func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// ValidationError rejects a request before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

type NotFoundError struct {
	Kind string // "listings", "order"
	Key  string
}

func (e *NotFoundError) Error() string {
	if e.Kind == "listings" {
		return "no available listings for " + e.Key
	}
	return e.Kind + " not found: " + e.Key
}

type InsufficientStockError struct {
	Crop      string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("not enough stock for %s: requested %s, available %s", e.Crop, e.Requested, e.Available)
}

// ConcurrencyConflictError means a committed transaction invalidated the plan
// between snapshot and apply.
type ConcurrencyConflictError struct {
	ListingID string
	Planned   decimal.Decimal
	Remaining decimal.Decimal
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("listing %s changed concurrently: planned %s, remaining %s", e.ListingID, e.Planned, e.Remaining)
}

func (e *ConcurrencyConflictError) IsRetriable() bool { return true }

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

var (
	// ErrStaleListing is returned by Tx.UpdateListing when the stored version
	// no longer matches the one the caller read.
	ErrStaleListing = errors.New("stale listing version")

	// ErrInvalidTransition rejects an order status change not allowed by CanTransition.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrDuplicateOrder is returned by stores when an external id is reused.
	ErrDuplicateOrder = errors.New("order already exists")
)

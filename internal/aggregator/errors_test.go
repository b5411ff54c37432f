package aggregator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestIsRetriable(t *testing.T) {
	conflict := &ConcurrencyConflictError{ListingID: "L1", Planned: decimal.NewFromInt(4), Remaining: decimal.NewFromInt(1)}

	if !IsRetriable(conflict) {
		t.Error("conflict should be retriable")
	}
	if !IsRetriable(fmt.Errorf("place order: %w", conflict)) {
		t.Error("wrapped conflict should be retriable")
	}
	if IsRetriable(&InsufficientStockError{Crop: "wheat"}) {
		t.Error("insufficient stock is terminal")
	}
	if IsRetriable(&PersistenceError{Op: "commit", Err: errors.New("boom")}) {
		t.Error("persistence errors are terminal")
	}
}

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&ValidationError{Field: "crop", Reason: "required"}, "invalid crop: required"},
		{&NotFoundError{Kind: "listings", Key: "wheat"}, "no available listings for wheat"},
		{&NotFoundError{Kind: "order", Key: "o-1"}, "order not found: o-1"},
		{&InsufficientStockError{Crop: "wheat", Requested: decimal.NewFromInt(100), Available: decimal.NewFromInt(80)},
			"not enough stock for wheat: requested 100, available 80"},
		{&PersistenceError{Op: "commit", Err: errors.New("reset")}, "persistence commit: reset"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}

func TestPersistenceErrorUnwraps(t *testing.T) {
	err := &PersistenceError{Op: "insert order", Err: ErrDuplicateOrder}
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Error("expected PersistenceError to wrap ErrDuplicateOrder")
	}
}

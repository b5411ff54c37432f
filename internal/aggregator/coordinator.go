package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Coordinator applies a consumption plan and writes its order in one
// transaction. It is the only writer of listing quantities.
type Coordinator struct {
	UoW   UnitOfWork
	Now   func() time.Time
	NewID func() string
}

func NewCoordinator(uow UnitOfWork) *Coordinator {
	return &Coordinator{
		UoW:   uow,
		Now:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		NewID: uuid.NewString,
	}
}

// Apply locks every listing in plan, re-checks it still covers its draw,
// decrements it and inserts a pending order. Either all of it commits or
// none of it does.
func (c *Coordinator) Apply(ctx context.Context, plan Plan, externalID string) (Allocation, error) {
	if len(plan.Draws) == 0 || !plan.Drawn().Equal(plan.Quantity) {
		return Allocation{}, &ValidationError{Field: "plan", Reason: fmt.Sprintf("draws %s of %s", plan.Drawn(), plan.Quantity)}
	}

	tx, err := c.UoW.Begin(ctx)
	if err != nil {
		return Allocation{}, &PersistenceError{Op: "begin", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	locked, err := tx.LockListings(ctx, plan.ListingIDs())
	if err != nil {
		return Allocation{}, &PersistenceError{Op: "lock listings", Err: err}
	}

	now := c.Now()
	updated := make([]Listing, 0, len(plan.Draws))
	for _, d := range plan.Draws {
		l, ok := locked[d.ListingID]
		if !ok || l.Status != ListingListed || l.RemainingQuantity.LessThan(d.Quantity) {
			return Allocation{}, &ConcurrencyConflictError{ListingID: d.ListingID, Planned: d.Quantity, Remaining: l.RemainingQuantity}
		}

		l.RemainingQuantity = l.RemainingQuantity.Sub(d.Quantity)
		l.Status = ListingListed
		if l.RemainingQuantity.IsZero() {
			l.Status = ListingSold
		}
		l.SoldInThisOrder = d.Quantity
		l.UpdatedAt = now

		if err := tx.UpdateListing(ctx, l); err != nil {
			if errors.Is(err, ErrStaleListing) {
				return Allocation{}, &ConcurrencyConflictError{ListingID: d.ListingID, Planned: d.Quantity, Remaining: l.RemainingQuantity.Add(d.Quantity)}
			}
			return Allocation{}, &PersistenceError{Op: "update listing", Err: err}
		}
		l.Version++
		updated = append(updated, l)
	}

	order := Order{
		ID:            c.NewID(),
		Crop:          plan.Crop,
		TotalQuantity: plan.Quantity,
		Price:         plan.Price,
		TotalAmount:   plan.Quantity.Mul(plan.Price),
		Status:        OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if externalID != "" {
		order.ExternalID = &externalID
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		return Allocation{}, &PersistenceError{Op: "insert order", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Allocation{}, &PersistenceError{Op: "commit", Err: err}
	}
	return Allocation{Order: order, Listings: updated, Plan: plan}, nil
}

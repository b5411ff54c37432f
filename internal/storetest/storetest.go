// Package storetest holds the behaviour every aggregator.Store backend must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-crop-aggregator/internal/aggregator"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Opener returns an empty store; the suite closes it.
type Opener func(t *testing.T) aggregator.Store

func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s aggregator.Store)
	}{
		{"FarmerUpsertByPhone", testFarmerUpsert},
		{"ListedByCropCreationOrder", testListedByCrop},
		{"ListListingsNewestFirst", testListListings},
		{"ScenarioA", testScenarioA},
		{"ScenarioB", testScenarioB},
		{"ScenarioD", testScenarioD},
		{"HighPrecisionQuantities", testHighPrecision},
		{"StalePlanConflicts", testStalePlan},
		{"StaleVersionRejected", testStaleVersion},
		{"RollbackDiscardsWrites", testRollback},
		{"DuplicateExternalID", testDuplicateExternalID},
		{"Orders", testOrders},
		{"ConcurrentAllocations", testConcurrentAllocations},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, what string) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "%s: want %s, got %s", what, want, got)
}

var epoch = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

// clock hands out strictly increasing timestamps so creation order is stable.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newService(s aggregator.Store) *aggregator.Service {
	svc := aggregator.NewService(s, zap.NewNop())
	svc.RetryBase = time.Millisecond
	svc.MaxRetryDelay = 10 * time.Millisecond
	svc.Coordinator.Now = (&clock{t: epoch}).Now
	return svc
}

func seed(t *testing.T, svc *aggregator.Service, crop string, qtyPrice ...[2]string) []aggregator.Listing {
	t.Helper()
	out := make([]aggregator.Listing, 0, len(qtyPrice))
	for i, qp := range qtyPrice {
		_, l, err := svc.CreateListing(context.Background(), aggregator.ListingRequest{
			Name:     "Farmer",
			Phone:    "98450" + string(rune('0'+i)),
			Crop:     crop,
			Quantity: dec(qp[0]),
			Price:    dec(qp[1]),
		})
		require.NoError(t, err)
		out = append(out, l)
	}
	return out
}

func byID(t *testing.T, s aggregator.Store, crop string) map[string]aggregator.Listing {
	t.Helper()
	ls, err := s.ListListings(context.Background(), crop)
	require.NoError(t, err)
	m := make(map[string]aggregator.Listing, len(ls))
	for _, l := range ls {
		m[l.ID] = l
	}
	return m
}

func testFarmerUpsert(t *testing.T, s aggregator.Store) {
	ctx := context.Background()
	f1, err := s.UpsertFarmer(ctx, aggregator.Farmer{ID: "f-1", Name: "Ravi", Phone: "900", CreatedAt: epoch})
	require.NoError(t, err)
	f2, err := s.UpsertFarmer(ctx, aggregator.Farmer{ID: "f-2", Name: "Ravi Kumar", Phone: "900", CreatedAt: epoch.Add(time.Hour)})
	require.NoError(t, err)
	_, err = s.UpsertFarmer(ctx, aggregator.Farmer{ID: "f-3", Name: "Meena", Phone: "901", CreatedAt: epoch.Add(2 * time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, "f-1", f1.ID)
	assert.Equal(t, "f-1", f2.ID)
	assert.Equal(t, "Ravi", f2.Name)

	fs, err := s.ListFarmers(ctx)
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Equal(t, "f-3", fs[0].ID, "newest first")
}

func testListedByCrop(t *testing.T, s aggregator.Store) {
	svc := newService(s)
	ls := seed(t, svc, "wheat", [2]string{"5", "10"}, [2]string{"6", "11"}, [2]string{"7", "12"})
	seed(t, svc, "rice", [2]string{"9", "30"})

	_, err := svc.PlaceOrder(context.Background(), aggregator.OrderRequest{Crop: "wheat", Quantity: dec("5")})
	require.NoError(t, err)

	got, err := s.ListedByCrop(context.Background(), "wheat")
	require.NoError(t, err)
	require.Len(t, got, 2, "sold listing and other crops excluded")
	assert.Equal(t, ls[1].ID, got[0].ID)
	assert.Equal(t, ls[2].ID, got[1].ID)
	assertDec(t, "6", got[0].RemainingQuantity, "remaining")
	assertDec(t, "11", got[0].Price, "price")
	assert.Equal(t, ls[1].CreatedAt.UTC(), got[0].CreatedAt.UTC())

	none, err := s.ListedByCrop(context.Background(), "barley")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListListings(t *testing.T, s aggregator.Store) {
	svc := newService(s)
	w := seed(t, svc, "wheat", [2]string{"5", "10"}, [2]string{"6", "11"})
	r := seed(t, svc, "rice", [2]string{"9", "30"})

	all, err := s.ListListings(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, r[0].ID, all[0].ID)
	assert.Equal(t, w[0].ID, all[2].ID)

	wheat, err := s.ListListings(context.Background(), "wheat")
	require.NoError(t, err)
	require.Len(t, wheat, 2)
	assert.Equal(t, w[1].ID, wheat[0].ID)
	assert.Equal(t, "Farmer", wheat[0].FarmerName)
}

func testScenarioA(t *testing.T, s aggregator.Store) {
	svc := newService(s)
	ls := seed(t, svc, "wheat", [2]string{"50", "10"}, [2]string{"30", "12"})

	alloc, err := svc.PlaceOrder(context.Background(), aggregator.OrderRequest{Crop: "wheat", Quantity: dec("60")})
	require.NoError(t, err)
	assertDec(t, "600", alloc.Order.TotalAmount, "total amount")
	assertDec(t, "10", alloc.Order.Price, "price")

	stored := byID(t, s, "wheat")
	l1, l2 := stored[ls[0].ID], stored[ls[1].ID]
	assertDec(t, "0", l1.RemainingQuantity, "L1 remaining")
	assert.Equal(t, aggregator.ListingSold, l1.Status)
	assertDec(t, "50", l1.SoldInThisOrder, "L1 sold in order")
	assertDec(t, "50", l1.OriginalQuantity, "L1 original")
	assertDec(t, "20", l2.RemainingQuantity, "L2 remaining")
	assert.Equal(t, aggregator.ListingListed, l2.Status)
	assertDec(t, "10", l2.SoldInThisOrder, "L2 sold in order")
	assert.Equal(t, int64(1), l2.Version)

	o, err := s.GetOrder(context.Background(), alloc.Order.ID)
	require.NoError(t, err)
	assertDec(t, "60", o.TotalQuantity, "order quantity")
	assertDec(t, "600", o.TotalAmount, "stored amount")
	assert.Equal(t, aggregator.OrderPending, o.Status)
	for _, l := range stored {
		assert.NoError(t, l.CheckInvariants())
	}
}

func testScenarioB(t *testing.T, s aggregator.Store) {
	svc := newService(s)
	ls := seed(t, svc, "wheat", [2]string{"50", "10"}, [2]string{"30", "12"})

	_, err := svc.PlaceOrder(context.Background(), aggregator.OrderRequest{Crop: "wheat", Quantity: dec("100")})
	var ise *aggregator.InsufficientStockError
	require.True(t, errors.As(err, &ise), "got %v", err)
	assertDec(t, "80", ise.Available, "available")

	stored := byID(t, s, "wheat")
	assertDec(t, "50", stored[ls[0].ID].RemainingQuantity, "L1 untouched")
	assertDec(t, "30", stored[ls[1].ID].RemainingQuantity, "L2 untouched")
	os, err := s.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, os)
}

func testScenarioD(t *testing.T, s aggregator.Store) {
	svc := newService(s)
	ls := seed(t, svc, "wheat", [2]string{"50", "10"}, [2]string{"30", "12"})

	_, err := svc.PlaceOrder(context.Background(), aggregator.OrderRequest{Crop: "wheat", Quantity: dec("60")})
	require.NoError(t, err)
	alloc, err := svc.PlaceOrder(context.Background(), aggregator.OrderRequest{Crop: "wheat", Quantity: dec("20")})
	require.NoError(t, err)
	assertDec(t, "12", alloc.Order.Price, "price of first listed")

	l2 := byID(t, s, "wheat")[ls[1].ID]
	assert.Equal(t, aggregator.ListingSold, l2.Status)
	assertDec(t, "0", l2.RemainingQuantity, "L2 remaining")
	assertDec(t, "20", l2.SoldInThisOrder, "L2 sold in order")

	_, err = svc.PlaceOrder(context.Background(), aggregator.OrderRequest{Crop: "wheat", Quantity: dec("1")})
	var nf *aggregator.NotFoundError
	assert.True(t, errors.As(err, &nf), "got %v", err)
}

func testHighPrecision(t *testing.T, s aggregator.Store) {
	svc := newService(s)
	ls := seed(t, svc, "wheat",
		[2]string{"0.1234567890123456789", "10"},
		[2]string{"1234567.123456789012", "12.5"},
	)

	stored := byID(t, s, "wheat")
	assertDec(t, "0.1234567890123456789", stored[ls[0].ID].OriginalQuantity, "L1 original")
	assertDec(t, "0.1234567890123456789", stored[ls[0].ID].RemainingQuantity, "L1 remaining")
	assertDec(t, "1234567.123456789012", stored[ls[1].ID].RemainingQuantity, "L2 remaining")

	first, err := svc.PlaceOrder(context.Background(), aggregator.OrderRequest{Crop: "wheat", Quantity: dec("0.1234567890123456789")})
	require.NoError(t, err)
	require.Len(t, first.Plan.Draws, 1)
	second, err := svc.PlaceOrder(context.Background(), aggregator.OrderRequest{Crop: "wheat", Quantity: dec("1234567.123456789012")})
	require.NoError(t, err)

	stored = byID(t, s, "wheat")
	for _, l := range ls {
		got := stored[l.ID]
		assertDec(t, "0", got.RemainingQuantity, l.ID+" remaining")
		assert.Equal(t, aggregator.ListingSold, got.Status)
		assertDec(t, l.OriginalQuantity.String(), got.SoldInThisOrder, l.ID+" sold in order")
		assert.NoError(t, got.CheckInvariants())
	}

	o, err := s.GetOrder(context.Background(), first.Order.ID)
	require.NoError(t, err)
	assertDec(t, "0.1234567890123456789", o.TotalQuantity, "first order quantity")
	assertDec(t, "1.234567890123456789", o.TotalAmount, "first order amount")
	o, err = s.GetOrder(context.Background(), second.Order.ID)
	require.NoError(t, err)
	assertDec(t, "15432089.04320986265", o.TotalAmount, "second order amount")
}

func testStalePlan(t *testing.T, s aggregator.Store) {
	svc := newService(s)
	ls := seed(t, svc, "wheat", [2]string{"50", "10"})
	ctx := context.Background()

	snap, err := s.ListedByCrop(ctx, "wheat")
	require.NoError(t, err)
	stale, err := aggregator.PlanAllocation(aggregator.OrderRequest{Crop: "wheat", Quantity: dec("40")}, snap)
	require.NoError(t, err)

	_, err = svc.PlaceOrder(ctx, aggregator.OrderRequest{Crop: "wheat", Quantity: dec("40")})
	require.NoError(t, err)

	_, err = svc.Coordinator.Apply(ctx, stale, "")
	var cce *aggregator.ConcurrencyConflictError
	require.True(t, errors.As(err, &cce), "got %v", err)

	assertDec(t, "10", byID(t, s, "wheat")[ls[0].ID].RemainingQuantity, "remaining")
	os, err := s.ListOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, os, 1)
}

func testStaleVersion(t *testing.T, s aggregator.Store) {
	svc := newService(s)
	ls := seed(t, svc, "wheat", [2]string{"50", "10"})
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	l := ls[0]
	l.Version = 7
	l.RemainingQuantity = dec("1")
	assert.ErrorIs(t, tx.UpdateListing(ctx, l), aggregator.ErrStaleListing)
	require.NoError(t, tx.Rollback(ctx))

	assertDec(t, "50", byID(t, s, "wheat")[ls[0].ID].RemainingQuantity, "remaining")
}

func testRollback(t *testing.T, s aggregator.Store) {
	svc := newService(s)
	ls := seed(t, svc, "wheat", [2]string{"50", "10"})
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	locked, err := tx.LockListings(ctx, []string{ls[0].ID, "missing"})
	require.NoError(t, err)
	require.Len(t, locked, 1)

	l := locked[ls[0].ID]
	l.RemainingQuantity = decimal.Zero
	l.Status = aggregator.ListingSold
	l.SoldInThisOrder = dec("50")
	require.NoError(t, tx.UpdateListing(ctx, l))
	require.NoError(t, tx.InsertOrder(ctx, aggregator.Order{
		ID: "o-rolled-back", Crop: "wheat", TotalQuantity: dec("50"), Price: dec("10"),
		TotalAmount: dec("500"), Status: aggregator.OrderPending, CreatedAt: epoch, UpdatedAt: epoch,
	}))
	require.NoError(t, tx.Rollback(ctx))

	stored := byID(t, s, "wheat")[ls[0].ID]
	assertDec(t, "50", stored.RemainingQuantity, "remaining")
	assert.Equal(t, aggregator.ListingListed, stored.Status)
	assert.Equal(t, int64(0), stored.Version)

	_, err = s.GetOrder(ctx, "o-rolled-back")
	var nf *aggregator.NotFoundError
	assert.True(t, errors.As(err, &nf), "got %v", err)
}

func testDuplicateExternalID(t *testing.T, s aggregator.Store) {
	svc := newService(s)
	ls := seed(t, svc, "wheat", [2]string{"50", "10"})
	ctx := context.Background()

	first, err := svc.PlaceOrder(ctx, aggregator.OrderRequest{ExternalID: "cart-1", Crop: "wheat", Quantity: dec("5")})
	require.NoError(t, err)

	snap, err := s.ListedByCrop(ctx, "wheat")
	require.NoError(t, err)
	plan, err := aggregator.PlanAllocation(aggregator.OrderRequest{Crop: "wheat", Quantity: dec("5")}, snap)
	require.NoError(t, err)
	_, err = svc.Coordinator.Apply(ctx, plan, "cart-1")
	assert.ErrorIs(t, err, aggregator.ErrDuplicateOrder)
	assertDec(t, "45", byID(t, s, "wheat")[ls[0].ID].RemainingQuantity, "remaining after rejected duplicate")

	again, err := svc.PlaceOrder(ctx, aggregator.OrderRequest{ExternalID: "cart-1", Crop: "wheat", Quantity: dec("5")})
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, first.Order.ID, again.Order.ID)

	got, ok, err := s.OrderByExternalID(ctx, "cart-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.ExternalID)
	assert.Equal(t, "cart-1", *got.ExternalID)

	_, ok, err = s.OrderByExternalID(ctx, "cart-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testOrders(t *testing.T, s aggregator.Store) {
	svc := newService(s)
	seed(t, svc, "wheat", [2]string{"50", "10"})
	ctx := context.Background()

	a1, err := svc.PlaceOrder(ctx, aggregator.OrderRequest{Crop: "wheat", Quantity: dec("1.25")})
	require.NoError(t, err)
	a2, err := svc.PlaceOrder(ctx, aggregator.OrderRequest{Crop: "wheat", Quantity: dec("2")})
	require.NoError(t, err)

	os, err := s.ListOrders(ctx)
	require.NoError(t, err)
	require.Len(t, os, 2)
	assert.Equal(t, a2.Order.ID, os[0].ID, "newest first")
	assertDec(t, "1.25", os[1].TotalQuantity, "fractional quantity")
	assertDec(t, "12.5", os[1].TotalAmount, "fractional amount")

	o, err := s.UpdateOrderStatus(ctx, a1.Order.ID, aggregator.OrderPending, aggregator.OrderCompleted)
	require.NoError(t, err)
	assert.Equal(t, aggregator.OrderCompleted, o.Status)

	_, err = s.UpdateOrderStatus(ctx, a1.Order.ID, aggregator.OrderPending, aggregator.OrderCompleted)
	assert.ErrorIs(t, err, aggregator.ErrInvalidTransition)

	_, err = s.UpdateOrderStatus(ctx, "missing", aggregator.OrderPending, aggregator.OrderCompleted)
	var nf *aggregator.NotFoundError
	assert.True(t, errors.As(err, &nf), "got %v", err)

	_, err = s.GetOrder(ctx, "missing")
	assert.True(t, errors.As(err, &nf), "got %v", err)
}

func testConcurrentAllocations(t *testing.T, s aggregator.Store) {
	svc := newService(s)
	svc.MaxAttempts = 25
	seed(t, svc, "wheat", [2]string{"50", "10"}, [2]string{"25", "11"})
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 12; i++ {
		g.Go(func() error {
			_, err := svc.PlaceOrder(ctx, aggregator.OrderRequest{Crop: "wheat", Quantity: dec("7")})
			var ise *aggregator.InsufficientStockError
			var cce *aggregator.ConcurrencyConflictError
			if err != nil && !errors.As(err, &ise) && !errors.As(err, &cce) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	os, err := s.ListOrders(ctx)
	require.NoError(t, err)
	ordered := decimal.Zero
	for _, o := range os {
		ordered = ordered.Add(o.TotalQuantity)
	}
	remaining := decimal.Zero
	for _, l := range byID(t, s, "wheat") {
		require.NoError(t, l.CheckInvariants())
		remaining = remaining.Add(l.RemainingQuantity)
	}

	assert.True(t, ordered.LessThanOrEqual(dec("75")), "supply bound: ordered %s", ordered)
	assertDec(t, "75", ordered.Add(remaining), "conservation")
	assert.GreaterOrEqual(t, len(os), 10, "at least 70 of 75 units can always be sold in 7s")
}

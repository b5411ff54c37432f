package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/ariefcatur/go-crop-aggregator/internal/aggregator"
	"github.com/ariefcatur/go-crop-aggregator/internal/storetest"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open("aggregator", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) aggregator.Store { return openMem(t) })
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, nil)
	require.NoError(t, err)
	svc := aggregator.NewService(s, zap.NewNop())
	_, _, err = svc.CreateListing(ctx, aggregator.ListingRequest{
		Name: "Gopal", Phone: "811", Crop: "jowar",
		Quantity: decimal.RequireFromString("8"), Price: decimal.RequireFromString("19.5"),
	})
	require.NoError(t, err)
	alloc, err := svc.PlaceOrder(ctx, aggregator.OrderRequest{ExternalID: "po-1", Crop: "jowar", Quantity: decimal.RequireFromString("8")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	listed, err := s.ListedByCrop(ctx, "jowar")
	require.NoError(t, err)
	assert.Empty(t, listed, "listing sold out")

	o, ok, err := s.OrderByExternalID(ctx, "po-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, alloc.Order.ID, o.ID)
	assert.True(t, o.TotalAmount.Equal(decimal.RequireFromString("156")), "amount %s", o.TotalAmount)
}

func TestStore_BeginHonoursContext(t *testing.T) {
	s := openMem(t)
	defer s.Close()

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Begin(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_CropKeysDoNotOverlap(t *testing.T) {
	s := openMem(t)
	defer s.Close()
	svc := aggregator.NewService(s, zap.NewNop())
	ctx := context.Background()

	for _, crop := range []string{"rice", "rice basmati"} {
		_, _, err := svc.CreateListing(ctx, aggregator.ListingRequest{
			Name: "N", Phone: "1", Crop: crop,
			Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(1),
		})
		require.NoError(t, err)
	}

	got, err := s.ListedByCrop(ctx, "rice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rice", got[0].Crop)
}

func TestUpperBound(t *testing.T) {
	assert.Equal(t, []byte("order0"), upperBound([]byte("order/")))
	assert.Equal(t, []byte("b"), upperBound([]byte{'a', 0xff}))
	assert.Nil(t, upperBound([]byte{0xff, 0xff}))
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ariefcatur/go-crop-aggregator/internal/aggregator"
	"github.com/ariefcatur/go-crop-aggregator/internal/storetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestDB(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "aggregator.db"))
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) aggregator.Store { return setupTestDB(t) })
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggregator.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	svc := aggregator.NewService(s, zap.NewNop())
	_, l, err := svc.CreateListing(ctx, aggregator.ListingRequest{
		Name: "Lakshmi", Phone: "700", Crop: "ragi",
		Quantity: decimal.RequireFromString("10.5"), Price: decimal.RequireFromString("31.25"),
	})
	require.NoError(t, err)
	_, err = svc.PlaceOrder(ctx, aggregator.OrderRequest{Crop: "ragi", Quantity: decimal.RequireFromString("0.5")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.ListedByCrop(ctx, "ragi")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, l.ID, got[0].ID)
	assert.True(t, got[0].RemainingQuantity.Equal(decimal.RequireFromString("10")), "remaining %s", got[0].RemainingQuantity)
	assert.True(t, got[0].Price.Equal(decimal.RequireFromString("31.25")), "price %s", got[0].Price)
	assert.Equal(t, int64(1), got[0].Version)
}

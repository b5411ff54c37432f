package redisx

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

type cached struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestJSONRoundTripAndExpiry(t *testing.T) {
	mr, rdb := newTestClient(t)
	ctx := context.Background()
	key := fmt.Sprintf(KeyOrder, "o-1")

	_, ok, err := GetJSON[cached](ctx, rdb, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetJSON(ctx, rdb, key, cached{ID: "o-1", Status: "pending"}, TTLOrderCache))
	got, ok, err := GetJSON[cached](ctx, rdb, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pending", got.Status)

	mr.FastForward(TTLOrderCache + time.Second)
	_, ok, err = GetJSON[cached](ctx, rdb, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetJSONRejectsGarbage(t *testing.T) {
	mr, rdb := newTestClient(t)
	require.NoError(t, mr.Set("order:bad", "{not json"))

	_, ok, err := GetJSON[cached](context.Background(), rdb, "order:bad")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestExists(t *testing.T) {
	mr, rdb := newTestClient(t)
	ctx := context.Background()
	key := fmt.Sprintf(KeyDedup, "fulfillment", "evt-1")

	ok, err := Exists(ctx, rdb, key)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.Set(key, "1")
	ok, err = Exists(ctx, rdb, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

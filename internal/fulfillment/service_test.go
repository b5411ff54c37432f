package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-crop-aggregator/internal/aggregator"
	"github.com/ariefcatur/go-crop-aggregator/internal/events"
	kafkax "github.com/ariefcatur/go-crop-aggregator/internal/kafka"
	"github.com/ariefcatur/go-crop-aggregator/internal/kvstore"
	"github.com/ariefcatur/go-crop-aggregator/internal/redisx"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct{ topics []string }

func (r *recorder) Publish(topic string, key, value []byte, headers ...kafkago.Header) {
	r.topics = append(r.topics, topic)
}

type fixture struct {
	svc     *Service
	orders  *aggregator.Service
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	emitted *recorder
	orderID string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, err := kvstore.Open("fulfillment", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	orders := aggregator.NewService(store, zap.NewNop())
	ctx := context.Background()
	_, _, err = orders.CreateListing(ctx, aggregator.ListingRequest{
		Name: "Ravi", Phone: "900", Crop: "wheat",
		Quantity: decimal.NewFromInt(50), Price: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	alloc, err := orders.PlaceOrder(ctx, aggregator.OrderRequest{Crop: "wheat", Quantity: decimal.NewFromInt(20)})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rec := &recorder{}
	return &fixture{
		svc: &Service{
			Orders: orders,
			Redis:  rdb,
			Events: &events.Emitter{P: rec, Producer: "fulfillment"},
			Log:    zap.NewNop(),
			Name:   "fulfillment",
		},
		orders:  orders,
		mr:      mr,
		rdb:     rdb,
		emitted: rec,
		orderID: alloc.Order.ID,
	}
}

func fulfilledMessage(t *testing.T, orderID string) (kafkago.Message, string) {
	t.Helper()
	env, err := aggregator.NewEnvelope(aggregator.EventOrderFulfilled, "logistics", "trace-1", orderID,
		aggregator.OrderFulfilledPayload{OrderID: orderID, DeliveredAt: time.Now().UTC(), Quantity: decimal.NewFromInt(20)})
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafkago.Message{
		Topic:   aggregator.TopicOrderFulfilled,
		Value:   b,
		Headers: kafkax.EventHeaders(aggregator.EventOrderFulfilled, 1),
	}, env.EventID
}

func TestHandleOrderFulfilled_CompletesOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, redisx.SetJSON(ctx, f.rdb, fmt.Sprintf(redisx.KeyOrder, f.orderID), map[string]string{"status": "pending"}, redisx.TTLOrderCache))

	m, eventID := fulfilledMessage(t, f.orderID)
	require.NoError(t, f.svc.HandleOrderFulfilled(ctx, m))

	o, err := f.orders.GetOrder(ctx, f.orderID)
	require.NoError(t, err)
	assert.Equal(t, aggregator.OrderCompleted, o.Status)
	assert.Equal(t, []string{aggregator.TopicOrderStatusChanged}, f.emitted.topics)
	assert.False(t, f.mr.Exists(fmt.Sprintf(redisx.KeyOrder, f.orderID)), "cached order invalidated")
	assert.True(t, f.mr.Exists(fmt.Sprintf(redisx.KeyDedup, "fulfillment", eventID)))
}

func TestHandleOrderFulfilled_DuplicateDeliveryIgnored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	m, _ := fulfilledMessage(t, f.orderID)
	require.NoError(t, f.svc.HandleOrderFulfilled(ctx, m))
	require.NoError(t, f.svc.HandleOrderFulfilled(ctx, m))
	assert.Len(t, f.emitted.topics, 1)

	// a second event for an already completed order is a no-op as well
	m2, _ := fulfilledMessage(t, f.orderID)
	require.NoError(t, f.svc.HandleOrderFulfilled(ctx, m2))
	assert.Len(t, f.emitted.topics, 1)
}

func TestHandleOrderFulfilled_RedisFailuresAreLogged(t *testing.T) {
	f := setup(t)
	core, logs := observer.New(zap.WarnLevel)
	f.svc.Log = zap.New(core)
	f.mr.SetError("ERR injected failure")

	m, eventID := fulfilledMessage(t, f.orderID)
	require.NoError(t, f.svc.HandleOrderFulfilled(context.Background(), m))

	o, err := f.orders.GetOrder(context.Background(), f.orderID)
	require.NoError(t, err)
	assert.Equal(t, aggregator.OrderCompleted, o.Status, "order completes without redis")

	lookups := logs.FilterMessage("dedup lookup failed").All()
	require.Len(t, lookups, 1)
	assert.Equal(t, eventID, lookups[0].ContextMap()["event_id"])
	assert.Equal(t, 1, logs.FilterMessage("order cache invalidation failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("dedup mark failed").Len())
}

func TestHandleOrderFulfilled_SkipsPoisonMessages(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	unknown, _ := fulfilledMessage(t, "no-such-order")
	cases := map[string]kafkago.Message{
		"garbage":       {Value: []byte("{")},
		"unknown order": unknown,
		"other event":   {Value: []byte(`{"event_type":"OrderPlaced"}`)},
		"other header":  {Value: []byte("{"), Headers: kafkax.EventHeaders(aggregator.EventOrderPlaced, 1)},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, f.svc.HandleOrderFulfilled(ctx, m))
		})
	}
	assert.Empty(t, f.emitted.topics)
}

type failingOrders struct{}

func (failingOrders) UpdateOrderStatus(ctx context.Context, id string, to aggregator.OrderStatus) (aggregator.Order, bool, error) {
	return aggregator.Order{}, false, &aggregator.PersistenceError{Op: "update order status", Err: errors.New("connection refused")}
}

func TestHandleOrderFulfilled_StoreFailureIsRedelivered(t *testing.T) {
	f := setup(t)
	f.svc.Orders = failingOrders{}

	m, eventID := fulfilledMessage(t, f.orderID)
	assert.Error(t, f.svc.HandleOrderFulfilled(context.Background(), m))
	assert.False(t, f.mr.Exists(fmt.Sprintf(redisx.KeyDedup, "fulfillment", eventID)), "not marked as processed")
}

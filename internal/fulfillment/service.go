// Package fulfillment consumes delivery confirmations from logistics and
// completes the matching aggregator orders.
package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-crop-aggregator/internal/aggregator"
	"github.com/ariefcatur/go-crop-aggregator/internal/events"
	kafkax "github.com/ariefcatur/go-crop-aggregator/internal/kafka"
	"github.com/ariefcatur/go-crop-aggregator/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Orders is the slice of aggregator.Service the handler needs.
type Orders interface {
	UpdateOrderStatus(ctx context.Context, id string, to aggregator.OrderStatus) (aggregator.Order, bool, error)
}

type Service struct {
	Orders Orders
	Redis  redis.Cmdable // optional; without it events are not deduplicated
	Events *events.Emitter
	Log    *zap.Logger
	Name   string // dedup namespace
}

// HandleOrderFulfilled is installed as the consumer handler. It returns an
// error only for failures worth redelivering; malformed or unknown orders are
// logged and committed.
func (s *Service) HandleOrderFulfilled(ctx context.Context, m kafkago.Message) error {
	if t := kafkax.Header(m, kafkax.HeaderEventType); t != "" && t != aggregator.EventOrderFulfilled {
		return nil
	}

	env, err := events.Decode(m.Value)
	if err != nil {
		s.Log.Warn("undecodable message skipped", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != aggregator.EventOrderFulfilled {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, s.Name, env.EventID)
	if s.Redis != nil {
		seen, err := redisx.Exists(ctx, s.Redis, dkey)
		if err != nil {
			s.Log.Warn("dedup lookup failed", zap.String("event_id", env.EventID), zap.Error(err))
		}
		if seen {
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[aggregator.OrderFulfilledPayload](env.Payload)
	if err != nil || p.OrderID == "" {
		s.Log.Warn("bad fulfillment payload skipped", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	o, changed, err := s.Orders.UpdateOrderStatus(ctx, p.OrderID, aggregator.OrderCompleted)
	var nf *aggregator.NotFoundError
	switch {
	case errors.As(err, &nf):
		s.Log.Warn("fulfillment for unknown order", zap.String("order_id", p.OrderID), zap.String("event_id", env.EventID))
		return nil
	case err != nil:
		return err
	}

	if !p.Quantity.IsZero() && !p.Quantity.Equal(o.TotalQuantity) {
		s.Log.Warn("delivered quantity differs from order",
			zap.String("order_id", o.ID),
			zap.Stringer("ordered", o.TotalQuantity),
			zap.Stringer("delivered", p.Quantity),
		)
	}

	if changed {
		if s.Redis != nil {
			if err := s.Redis.Del(ctx, fmt.Sprintf(redisx.KeyOrder, o.ID)).Err(); err != nil {
				s.Log.Warn("order cache invalidation failed", zap.String("order_id", o.ID), zap.Error(err))
			}
		}
		s.Events.OrderStatusChanged(env.TraceID, o.ID, aggregator.OrderPending, o.Status)
	}
	if s.Redis != nil {
		if err := s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err(); err != nil {
			s.Log.Warn("dedup mark failed", zap.String("event_id", env.EventID), zap.Error(err))
		}
	}
	return nil
}

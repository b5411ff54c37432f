// Package events turns aggregator state changes into envelope messages on Kafka.
package events

import (
	"encoding/json"

	"github.com/ariefcatur/go-crop-aggregator/internal/aggregator"
	kafkax "github.com/ariefcatur/go-crop-aggregator/internal/kafka"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

// Emitter publishes after the state change has committed; a lost event never
// rolls anything back. A nil Publisher turns every call into a no-op.
type Emitter struct {
	P        Publisher
	Producer string // service name stamped on every envelope
	Log      *zap.Logger
}

func (e *Emitter) emit(topic, eventType, aggregateID, traceID string, payload any) {
	if e == nil || e.P == nil {
		return
	}
	env, err := aggregator.NewEnvelope(eventType, e.Producer, traceID, aggregateID, payload)
	if err == nil {
		var b []byte
		if b, err = json.Marshal(env); err == nil {
			e.P.Publish(topic, aggregator.PartitionKey(aggregateID), b, kafkax.EventHeaders(eventType, env.EventVersion)...)
			return
		}
	}
	if e.Log != nil {
		e.Log.Error("event not published", zap.String("event_type", eventType), zap.String("id", aggregateID), zap.Error(err))
	}
}

func (e *Emitter) ListingCreated(traceID string, l aggregator.Listing) {
	e.emit(aggregator.TopicListingCreated, aggregator.EventListingCreated, l.ID, traceID,
		aggregator.ListingCreatedPayload{Listing: l})
}

func (e *Emitter) OrderPlaced(traceID string, a aggregator.Allocation) {
	e.emit(aggregator.TopicOrderPlaced, aggregator.EventOrderPlaced, a.Order.ID, traceID,
		aggregator.OrderPlacedPayload{Order: a.Order, Draws: a.Plan.Draws})
}

func (e *Emitter) OrderStatusChanged(traceID, orderID string, from, to aggregator.OrderStatus) {
	e.emit(aggregator.TopicOrderStatusChanged, aggregator.EventOrderStatusChanged, orderID, traceID,
		aggregator.OrderStatusChangedPayload{OrderID: orderID, From: from, To: to})
}

// Decode parses one envelope from a message value.
func Decode(b []byte) (aggregator.Envelope, error) {
	var env aggregator.Envelope
	err := json.Unmarshal(b, &env)
	return env, err
}

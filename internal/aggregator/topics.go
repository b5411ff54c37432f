package aggregator

const (
	TopicListingCreated     = "aggregator.listing.created"
	TopicOrderPlaced        = "aggregator.order.placed"
	TopicOrderStatusChanged = "aggregator.order.status"
	TopicOrderFulfilled     = "aggregator.order.fulfilled" // produced by the logistics side
)

// Partition key = aggregate id so every event of one order or listing stays ordered.
func PartitionKey(id string) []byte { return []byte(id) }

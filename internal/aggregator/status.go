package aggregator

type ListingStatus string

const (
	ListingListed ListingStatus = "listed"
	ListingSold   ListingStatus = "sold"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
)

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderPending:   {OrderCompleted: true},
	OrderCompleted: {},
}

func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

// ParseOrderStatus accepts only the statuses an order can hold.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	_, ok := validNext[st]
	return st, ok
}

package aggregator

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderPending, OrderCompleted, true},
		{OrderCompleted, OrderPending, false},
		{OrderPending, OrderPending, false},
		{OrderStatus("shipped"), OrderCompleted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseOrderStatus(t *testing.T) {
	if st, ok := ParseOrderStatus("completed"); !ok || st != OrderCompleted {
		t.Errorf("ParseOrderStatus(completed) = %q, %v", st, ok)
	}
	if _, ok := ParseOrderStatus("cancelled"); ok {
		t.Error("cancelled must not parse")
	}
}

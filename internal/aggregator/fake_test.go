package aggregator

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// memStore is an in-memory Store with fault injection. A transaction holds
// the store lock from Begin to Commit/Rollback and stages writes until Commit.
type memStore struct {
	mu       sync.Mutex
	listings map[string]Listing
	orders   map[string]Order
	farmers  map[string]Farmer
	order    []string // listing ids in creation order

	failUpdateAt  int // 1-based UpdateListing call that fails; 0 disables
	failInsert    error
	failCommit    error
	afterSnapshot func()
	snapshots     int
}

func newMemStore(ls ...Listing) *memStore {
	s := &memStore{
		listings: map[string]Listing{},
		orders:   map[string]Order{},
		farmers:  map[string]Farmer{},
	}
	for _, l := range ls {
		s.listings[l.ID] = l
		s.order = append(s.order, l.ID)
	}
	return s
}

func (s *memStore) listing(id string) Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listings[id]
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) Begin(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	return &memTx{s: s, listings: map[string]Listing{}}, nil
}

func (s *memStore) ListedByCrop(ctx context.Context, crop string) ([]Listing, error) {
	s.mu.Lock()
	var out []Listing
	for _, id := range s.order {
		l := s.listings[id]
		if l.Crop == crop && l.Status == ListingListed {
			out = append(out, l)
		}
	}
	s.snapshots++
	hook := s.afterSnapshot
	s.afterSnapshot = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

func (s *memStore) UpsertFarmer(ctx context.Context, f Farmer) (Farmer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.farmers {
		if existing.Phone == f.Phone {
			return existing, nil
		}
	}
	s.farmers[f.ID] = f
	return f, nil
}

func (s *memStore) ListFarmers(ctx context.Context) ([]Farmer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Farmer, 0, len(s.farmers))
	for _, f := range s.farmers {
		out = append(out, f)
	}
	return out, nil
}

func (s *memStore) CreateListing(ctx context.Context, l Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l
	s.order = append(s.order, l.ID)
	return nil
}

func (s *memStore) ListListings(ctx context.Context, crop string) ([]Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Listing
	for i := len(s.order) - 1; i >= 0; i-- {
		l := s.listings[s.order[i]]
		if crop == "" || l.Crop == crop {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) GetOrder(ctx context.Context, id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, &NotFoundError{Kind: "order", Key: id}
	}
	return o, nil
}

func (s *memStore) OrderByExternalID(ctx context.Context, externalID string) (Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.ExternalID != nil && *o.ExternalID == externalID {
			return o, true, nil
		}
	}
	return Order{}, false, nil
}

func (s *memStore) ListOrders(ctx context.Context) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) UpdateOrderStatus(ctx context.Context, id string, from, to OrderStatus) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, &NotFoundError{Kind: "order", Key: id}
	}
	if o.Status != from {
		return Order{}, ErrInvalidTransition
	}
	o.Status = to
	s.orders[id] = o
	return o, nil
}

func (s *memStore) Close() error { return nil }

type memTx struct {
	s        *memStore
	listings map[string]Listing
	orders   []Order
	updates  int
	done     bool
}

func (t *memTx) LockListings(ctx context.Context, ids []string) (map[string]Listing, error) {
	out := make(map[string]Listing, len(ids))
	for _, id := range ids {
		if l, ok := t.s.listings[id]; ok {
			out[id] = l
		}
	}
	return out, nil
}

func (t *memTx) UpdateListing(ctx context.Context, l Listing) error {
	t.updates++
	if t.s.failUpdateAt == t.updates {
		return errors.New("disk full")
	}
	cur, ok := t.s.listings[l.ID]
	if staged, ok2 := t.listings[l.ID]; ok2 {
		cur, ok = staged, true
	}
	if !ok || cur.Version != l.Version {
		return ErrStaleListing
	}
	l.Version++
	t.listings[l.ID] = l
	return nil
}

func (t *memTx) InsertOrder(ctx context.Context, o Order) error {
	if t.s.failInsert != nil {
		return t.s.failInsert
	}
	if o.ExternalID != nil {
		for _, existing := range t.s.orders {
			if existing.ExternalID != nil && *existing.ExternalID == *o.ExternalID {
				return ErrDuplicateOrder
			}
		}
	}
	t.orders = append(t.orders, o)
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("tx already closed")
	}
	t.done = true
	defer t.s.mu.Unlock()
	if t.s.failCommit != nil {
		return t.s.failCommit
	}
	for id, l := range t.listings {
		t.s.listings[id] = l
	}
	for _, o := range t.orders {
		t.s.orders[o.ID] = o
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

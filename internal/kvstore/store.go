// Package kvstore is the embedded aggregator store on top of Pebble.
//
// Records are JSON values under "farmer/", "listing/" and "order/" keys.
// Secondary indexes map phone and external id to a record id, and
// "<kind>-time/" keys keep records in creation order. A transaction holds the
// store-wide write slot from Begin to Commit or Rollback and stages its writes
// in an indexed batch, so readers only ever see committed allocations.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ariefcatur/go-crop-aggregator/internal/aggregator"
	"github.com/cockroachdb/pebble"
)

const (
	prefixFarmer      = "farmer/"
	prefixFarmerPhone = "farmer-phone/"
	prefixFarmerTime  = "farmer-time/"
	prefixListing     = "listing/"
	prefixListingTime = "listing-time/"
	prefixListingCrop = "listing-crop/"
	prefixOrder       = "order/"
	prefixOrderExt    = "order-ext/"
	prefixOrderTime   = "order-time/"
)

type Store struct {
	db *pebble.DB
	// one writer at a time; a buffered channel so waiting honours ctx
	slot chan struct{}
}

var _ aggregator.Store = (*Store)(nil)

// Open opens or creates the store in dir. opts may be nil.
func Open(dir string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, slot: make(chan struct{}, 1)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() { <-s.slot }

func (s *Store) Begin(ctx context.Context) (aggregator.Tx, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	return &Tx{s: s, b: s.db.NewIndexedBatch()}, nil
}

func (s *Store) ListedByCrop(ctx context.Context, crop string) ([]aggregator.Listing, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	var out []aggregator.Listing
	err := scanIndex(snap, cropPrefix(crop), false, func(id []byte) error {
		var l aggregator.Listing
		if err := getJSON(snap, listingKey(string(id)), &l); err != nil {
			return err
		}
		if l.Status == aggregator.ListingListed {
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

func (s *Store) UpsertFarmer(ctx context.Context, f aggregator.Farmer) (aggregator.Farmer, error) {
	if err := s.acquire(ctx); err != nil {
		return aggregator.Farmer{}, err
	}
	defer s.release()

	id, err := getRaw(s.db, []byte(prefixFarmerPhone+f.Phone))
	if err == nil {
		var existing aggregator.Farmer
		err = getJSON(s.db, []byte(prefixFarmer+string(id)), &existing)
		return existing, err
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return aggregator.Farmer{}, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, []byte(prefixFarmer+f.ID), f); err != nil {
		return aggregator.Farmer{}, err
	}
	if err := b.Set([]byte(prefixFarmerPhone+f.Phone), []byte(f.ID), nil); err != nil {
		return aggregator.Farmer{}, err
	}
	if err := b.Set(timeKey(prefixFarmerTime, f.CreatedAt, f.ID), []byte(f.ID), nil); err != nil {
		return aggregator.Farmer{}, err
	}
	return f, b.Commit(pebble.Sync)
}

func (s *Store) ListFarmers(ctx context.Context) ([]aggregator.Farmer, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	var out []aggregator.Farmer
	err := scanIndex(snap, []byte(prefixFarmerTime), true, func(id []byte) error {
		var f aggregator.Farmer
		if err := getJSON(snap, []byte(prefixFarmer+string(id)), &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	return out, err
}

func (s *Store) CreateListing(ctx context.Context, l aggregator.Listing) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, listingKey(l.ID), l); err != nil {
		return err
	}
	if err := b.Set(timeKey(prefixListingTime, l.CreatedAt, l.ID), []byte(l.ID), nil); err != nil {
		return err
	}
	if err := b.Set(cropKey(l.Crop, l.CreatedAt, l.ID), []byte(l.ID), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *Store) ListListings(ctx context.Context, crop string) ([]aggregator.Listing, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	prefix := []byte(prefixListingTime)
	if crop != "" {
		prefix = cropPrefix(crop)
	}
	var out []aggregator.Listing
	err := scanIndex(snap, prefix, true, func(id []byte) error {
		var l aggregator.Listing
		if err := getJSON(snap, listingKey(string(id)), &l); err != nil {
			return err
		}
		out = append(out, l)
		return nil
	})
	return out, err
}

func (s *Store) GetOrder(ctx context.Context, id string) (aggregator.Order, error) {
	var o aggregator.Order
	err := getJSON(s.db, orderKey(id), &o)
	if errors.Is(err, pebble.ErrNotFound) {
		return aggregator.Order{}, &aggregator.NotFoundError{Kind: "order", Key: id}
	}
	return o, err
}

func (s *Store) OrderByExternalID(ctx context.Context, externalID string) (aggregator.Order, bool, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	id, err := getRaw(snap, []byte(prefixOrderExt+externalID))
	if errors.Is(err, pebble.ErrNotFound) {
		return aggregator.Order{}, false, nil
	}
	if err != nil {
		return aggregator.Order{}, false, err
	}
	var o aggregator.Order
	if err := getJSON(snap, orderKey(string(id)), &o); err != nil {
		return aggregator.Order{}, false, err
	}
	return o, true, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]aggregator.Order, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	var out []aggregator.Order
	err := scanIndex(snap, []byte(prefixOrderTime), true, func(id []byte) error {
		var o aggregator.Order
		if err := getJSON(snap, orderKey(string(id)), &o); err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, from, to aggregator.OrderStatus) (aggregator.Order, error) {
	if err := s.acquire(ctx); err != nil {
		return aggregator.Order{}, err
	}
	defer s.release()

	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return aggregator.Order{}, err
	}
	if o.Status != from {
		return aggregator.Order{}, aggregator.ErrInvalidTransition
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	b, err := json.Marshal(o)
	if err != nil {
		return aggregator.Order{}, err
	}
	if err := s.db.Set(orderKey(id), b, pebble.Sync); err != nil {
		return aggregator.Order{}, err
	}
	return o, nil
}

// Tx stages writes in an indexed batch so its own reads see them.
type Tx struct {
	s    *Store
	b    *pebble.Batch
	done bool
}

func (t *Tx) LockListings(ctx context.Context, ids []string) (map[string]aggregator.Listing, error) {
	out := make(map[string]aggregator.Listing, len(ids))
	for _, id := range ids {
		var l aggregator.Listing
		err := getJSON(t.b, listingKey(id), &l)
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = l
	}
	return out, nil
}

func (t *Tx) UpdateListing(ctx context.Context, l aggregator.Listing) error {
	var cur aggregator.Listing
	err := getJSON(t.b, listingKey(l.ID), &cur)
	if errors.Is(err, pebble.ErrNotFound) {
		return aggregator.ErrStaleListing
	}
	if err != nil {
		return err
	}
	if cur.Version != l.Version {
		return aggregator.ErrStaleListing
	}
	l.Version++
	return setJSON(t.b, listingKey(l.ID), l)
}

func (t *Tx) InsertOrder(ctx context.Context, o aggregator.Order) error {
	if o.ExternalID != nil {
		extKey := []byte(prefixOrderExt + *o.ExternalID)
		_, err := getRaw(t.b, extKey)
		if err == nil {
			return aggregator.ErrDuplicateOrder
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return err
		}
		if err := t.b.Set(extKey, []byte(o.ID), nil); err != nil {
			return err
		}
	}
	if err := setJSON(t.b, orderKey(o.ID), o); err != nil {
		return err
	}
	return t.b.Set(timeKey(prefixOrderTime, o.CreatedAt, o.ID), []byte(o.ID), nil)
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("kvstore: transaction already closed")
	}
	t.done = true
	defer t.s.release()
	defer t.b.Close()
	return t.b.Commit(pebble.Sync)
}

func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.s.release()
	return t.b.Close()
}

// getter is satisfied by *pebble.DB, *pebble.Snapshot and an indexed *pebble.Batch.
type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

type reader interface {
	getter
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type writer interface {
	Set(key, value []byte, opts *pebble.WriteOptions) error
}

func getRaw(r getter, key []byte) ([]byte, error) {
	v, closer, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func getJSON(r getter, key []byte, dst any) error {
	v, err := getRaw(r, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func setJSON(w writer, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.Set(key, b, nil)
}

// scanIndex calls fn with the value of every key under prefix, newest first
// when reverse is set.
func scanIndex(r reader, prefix []byte, reverse bool, fn func(id []byte) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	valid, step := iter.First, iter.Next
	if reverse {
		valid, step = iter.Last, iter.Prev
	}
	for ok := valid(); ok; ok = step() {
		id := append([]byte(nil), iter.Value()...)
		if err := fn(id); err != nil {
			return err
		}
	}
	return iter.Error()
}

func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func listingKey(id string) []byte { return []byte(prefixListing + id) }
func orderKey(id string) []byte   { return []byte(prefixOrder + id) }

func timeKey(prefix string, t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefix, t.UnixNano(), id))
}

// crop names are free text, so a NUL byte terminates them inside the key
func cropPrefix(crop string) []byte { return []byte(prefixListingCrop + crop + "\x00") }

func cropKey(crop string, t time.Time, id string) []byte {
	return append(cropPrefix(crop), fmt.Sprintf("%020d/%s", t.UnixNano(), id)...)
}

package aggregator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ariefcatur/go-crop-aggregator/internal/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts   = 3
	DefaultRetryBase     = 20 * time.Millisecond
	DefaultMaxRetryDelay = 500 * time.Millisecond
)

// Service is the entry point for listing, order placement and order status
// operations.
type Service struct {
	Store         Store
	Coordinator   *Coordinator
	Log           *zap.Logger
	MaxAttempts   int
	RetryBase     time.Duration
	MaxRetryDelay time.Duration
}

func NewService(store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Store:         store,
		Coordinator:   NewCoordinator(store),
		Log:           log,
		MaxAttempts:   DefaultMaxAttempts,
		RetryBase:     DefaultRetryBase,
		MaxRetryDelay: DefaultMaxRetryDelay,
	}
}

// PlaceOrder plans req against a fresh snapshot and commits it. Concurrency
// conflicts are retried with a new snapshot up to MaxAttempts times; every
// other error is returned as is.
func (s *Service) PlaceOrder(ctx context.Context, req OrderRequest) (Allocation, error) {
	req.Crop = strings.TrimSpace(req.Crop)
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if err := req.Validate(); err != nil {
		return Allocation{}, err
	}

	if req.ExternalID != "" {
		if a, ok, err := s.existing(ctx, req.ExternalID); err != nil || ok {
			return a, err
		}
	}

	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, s.retryDelay(attempt)); err != nil {
				s.Log.Warn("allocation abandoned during retry wait",
					zap.String("crop", req.Crop),
					zap.Int("attempt", attempt),
					zap.NamedError("last_conflict", lastErr),
				)
				return Allocation{}, &PersistenceError{Op: "retry wait", Err: err}
			}
		}

		snapshot, err := s.Store.ListedByCrop(ctx, req.Crop)
		if err != nil {
			return Allocation{}, &PersistenceError{Op: "read listings", Err: err}
		}
		plan, err := PlanAllocation(req, snapshot)
		if err != nil {
			return Allocation{}, err
		}

		alloc, err := s.Coordinator.Apply(ctx, plan, req.ExternalID)
		if err == nil {
			s.Log.Info("order placed",
				zap.String("order_id", alloc.Order.ID),
				zap.String("crop", plan.Crop),
				zap.Stringer("quantity", plan.Quantity),
				zap.Stringer("price", plan.Price),
				zap.Int("listings", len(plan.Draws)),
				zap.Int("attempt", attempt+1),
			)
			return alloc, nil
		}
		if req.ExternalID != "" && errors.Is(err, ErrDuplicateOrder) {
			// lost a race against a request carrying the same external id
			if a, ok, lookupErr := s.existing(ctx, req.ExternalID); lookupErr == nil && ok {
				return a, nil
			}
			return Allocation{}, err
		}
		if !IsRetriable(err) {
			return Allocation{}, err
		}
		s.Log.Warn("allocation conflict, retrying",
			zap.String("crop", req.Crop),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		lastErr = err
	}
	return Allocation{}, lastErr
}

func (s *Service) retryDelay(attempt int) time.Duration {
	d := backoff.Exponential(s.RetryBase, attempt-1)
	if s.MaxRetryDelay > 0 && d > s.MaxRetryDelay {
		d = s.MaxRetryDelay
	}
	return backoff.FullJitter(d)
}

func (s *Service) existing(ctx context.Context, externalID string) (Allocation, bool, error) {
	o, ok, err := s.Store.OrderByExternalID(ctx, externalID)
	if err != nil {
		return Allocation{}, false, &PersistenceError{Op: "lookup order", Err: err}
	}
	if !ok {
		return Allocation{}, false, nil
	}
	return Allocation{Order: o, Existing: true}, true, nil
}

// CreateListing registers (or reuses, by phone) the farmer and lists the crop.
func (s *Service) CreateListing(ctx context.Context, req ListingRequest) (Farmer, Listing, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Crop = strings.TrimSpace(req.Crop)
	if err := req.Validate(); err != nil {
		return Farmer{}, Listing{}, err
	}

	now := s.Coordinator.Now()
	farmer, err := s.Store.UpsertFarmer(ctx, Farmer{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Phone:     req.Phone,
		CreatedAt: now,
	})
	if err != nil {
		return Farmer{}, Listing{}, &PersistenceError{Op: "upsert farmer", Err: err}
	}

	l := Listing{
		ID:                uuid.NewString(),
		FarmerID:          farmer.ID,
		FarmerName:        farmer.Name,
		Crop:              req.Crop,
		RemainingQuantity: req.Quantity,
		OriginalQuantity:  req.Quantity,
		Price:             req.Price,
		Status:            ListingListed,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.Store.CreateListing(ctx, l); err != nil {
		return Farmer{}, Listing{}, &PersistenceError{Op: "create listing", Err: err}
	}
	s.Log.Info("listing created",
		zap.String("listing_id", l.ID),
		zap.String("farmer_id", farmer.ID),
		zap.String("crop", l.Crop),
		zap.Stringer("quantity", l.OriginalQuantity),
	)
	return farmer, l, nil
}

func (s *Service) ListListings(ctx context.Context, crop string) ([]Listing, error) {
	ls, err := s.Store.ListListings(ctx, strings.TrimSpace(crop))
	if err != nil {
		return nil, &PersistenceError{Op: "list listings", Err: err}
	}
	return ls, nil
}

func (s *Service) ListFarmers(ctx context.Context) ([]Farmer, error) {
	fs, err := s.Store.ListFarmers(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list farmers", Err: err}
	}
	return fs, nil
}

func (s *Service) ListOrders(ctx context.Context) ([]Order, error) {
	os, err := s.Store.ListOrders(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list orders", Err: err}
	}
	return os, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (Order, error) {
	o, err := s.Store.GetOrder(ctx, id)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return Order{}, err
		}
		return Order{}, &PersistenceError{Op: "get order", Err: err}
	}
	return o, nil
}

// UpdateOrderStatus applies an externally driven status change. Setting the
// status an order already has is a no-op and reports changed=false.
func (s *Service) UpdateOrderStatus(ctx context.Context, id string, to OrderStatus) (o Order, changed bool, err error) {
	if _, ok := ParseOrderStatus(string(to)); !ok {
		return Order{}, false, &ValidationError{Field: "status", Reason: "unknown status " + string(to)}
	}
	cur, err := s.GetOrder(ctx, id)
	if err != nil {
		return Order{}, false, err
	}
	if cur.Status == to {
		return cur, false, nil
	}
	if !CanTransition(cur.Status, to) {
		return Order{}, false, ErrInvalidTransition
	}

	o, err = s.Store.UpdateOrderStatus(ctx, id, cur.Status, to)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return Order{}, false, err
		}
		return Order{}, false, &PersistenceError{Op: "update order status", Err: err}
	}
	s.Log.Info("order status changed",
		zap.String("order_id", id),
		zap.String("from", string(cur.Status)),
		zap.String("to", string(to)),
	)
	return o, true, nil
}

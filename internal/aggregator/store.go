package aggregator

import "context"

// Tx is one unit of work against listing and order storage. Nothing written
// through a Tx is visible to other readers until Commit succeeds.
type Tx interface {
	// LockListings re-reads the given listings inside the transaction and
	// holds them against concurrent writers until Commit or Rollback.
	// Missing ids are absent from the result.
	LockListings(ctx context.Context, ids []string) (map[string]Listing, error)

	// UpdateListing stores l with Version+1 if the stored version still
	// equals l.Version, otherwise returns ErrStaleListing.
	UpdateListing(ctx context.Context, l Listing) error

	// InsertOrder returns ErrDuplicateOrder when o.ExternalID is taken.
	InsertOrder(ctx context.Context, o Order) error

	Commit(ctx context.Context) error

	// Rollback after a successful Commit is a no-op.
	Rollback(ctx context.Context) error
}

type UnitOfWork interface {
	Begin(ctx context.Context) (Tx, error)
}

// Store is the listing and order store shared by every backend.
type Store interface {
	UnitOfWork

	// ListedByCrop returns the listed supply for crop in creation order,
	// read from a single consistent view.
	ListedByCrop(ctx context.Context, crop string) ([]Listing, error)

	// UpsertFarmer returns the farmer registered under phone, creating it if needed.
	UpsertFarmer(ctx context.Context, f Farmer) (Farmer, error)
	ListFarmers(ctx context.Context) ([]Farmer, error)

	CreateListing(ctx context.Context, l Listing) error
	// ListListings returns listings newest first; empty crop means all crops.
	ListListings(ctx context.Context, crop string) ([]Listing, error)

	// GetOrder returns a *NotFoundError for unknown ids.
	GetOrder(ctx context.Context, id string) (Order, error)
	// OrderByExternalID reports ok=false when no order carries externalID.
	OrderByExternalID(ctx context.Context, externalID string) (Order, bool, error)
	ListOrders(ctx context.Context) ([]Order, error)
	// UpdateOrderStatus moves order id from one status to another and returns
	// the updated order. It fails with ErrInvalidTransition if the stored
	// status is no longer from.
	UpdateOrderStatus(ctx context.Context, id string, from, to OrderStatus) (Order, error)

	Close() error
}

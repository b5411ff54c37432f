package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-crop-aggregator/internal/aggregator"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const listingCols = `id, farmer_id, farmer_name, crop, remaining_quantity, original_quantity, price,
	status, sold_in_this_order, version, created_at, updated_at`

const orderCols = `id, external_id, crop, total_quantity, price, total_amount, status, created_at, updated_at`

// Store keeps farmers, listings and orders in Postgres. Allocation
// transactions lock the listings they touch with SELECT ... FOR UPDATE.
type Store struct{ DB *pgxpool.Pool }

var _ aggregator.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store { return &Store{DB: pool} }

func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

func (s *Store) Begin(ctx context.Context) (aggregator.Tx, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) ListedByCrop(ctx context.Context, crop string) ([]aggregator.Listing, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+listingCols+` FROM listings
		WHERE crop=$1 AND status='listed'
		ORDER BY created_at, id`, crop)
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

func (s *Store) UpsertFarmer(ctx context.Context, f aggregator.Farmer) (aggregator.Farmer, error) {
	// the no-op update makes RETURNING yield the existing row on conflict
	var out aggregator.Farmer
	err := s.DB.QueryRow(ctx, `
		INSERT INTO farmers(id, name, phone, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (phone) DO UPDATE SET phone = EXCLUDED.phone
		RETURNING id, name, phone, created_at`,
		f.ID, f.Name, f.Phone, f.CreatedAt,
	).Scan(&out.ID, &out.Name, &out.Phone, &out.CreatedAt)
	return out, err
}

func (s *Store) ListFarmers(ctx context.Context) ([]aggregator.Farmer, error) {
	rows, err := s.DB.Query(ctx, `SELECT id, name, phone, created_at FROM farmers ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []aggregator.Farmer
	for rows.Next() {
		var f aggregator.Farmer
		if err := rows.Scan(&f.ID, &f.Name, &f.Phone, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) CreateListing(ctx context.Context, l aggregator.Listing) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO listings(`+listingCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		l.ID, l.FarmerID, l.FarmerName, l.Crop, l.RemainingQuantity, l.OriginalQuantity, l.Price,
		string(l.Status), l.SoldInThisOrder, l.Version, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (s *Store) ListListings(ctx context.Context, crop string) ([]aggregator.Listing, error) {
	q := `SELECT ` + listingCols + ` FROM listings`
	args := []any{}
	if crop != "" {
		q += ` WHERE crop=$1`
		args = append(args, crop)
	}
	rows, err := s.DB.Query(ctx, q+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

func (s *Store) GetOrder(ctx context.Context, id string) (aggregator.Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderCols+` FROM aggregator_orders WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return aggregator.Order{}, &aggregator.NotFoundError{Kind: "order", Key: id}
	}
	return o, err
}

func (s *Store) OrderByExternalID(ctx context.Context, externalID string) (aggregator.Order, bool, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderCols+` FROM aggregator_orders WHERE external_id=$1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return aggregator.Order{}, false, nil
	}
	if err != nil {
		return aggregator.Order{}, false, err
	}
	return o, true, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]aggregator.Order, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+orderCols+` FROM aggregator_orders ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []aggregator.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, from, to aggregator.OrderStatus) (aggregator.Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `
		UPDATE aggregator_orders SET status=$3, updated_at=$4
		WHERE id=$1 AND status=$2
		RETURNING `+orderCols,
		id, string(from), string(to), time.Now().UTC().Truncate(time.Microsecond),
	))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return aggregator.Order{}, err
	}
	// nothing matched: either the order is gone or its status moved on
	if _, err := s.GetOrder(ctx, id); err != nil {
		return aggregator.Order{}, err
	}
	return aggregator.Order{}, aggregator.ErrInvalidTransition
}

// Tx wraps one pgx transaction.
type Tx struct{ tx pgx.Tx }

func (t *Tx) LockListings(ctx context.Context, ids []string) (map[string]aggregator.Listing, error) {
	// id order keeps lock acquisition consistent across concurrent allocations
	rows, err := t.tx.Query(ctx, `SELECT `+listingCols+` FROM listings
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	ls, err := collectListings(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]aggregator.Listing, len(ls))
	for _, l := range ls {
		out[l.ID] = l
	}
	return out, nil
}

func (t *Tx) UpdateListing(ctx context.Context, l aggregator.Listing) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE listings
		SET remaining_quantity=$3, status=$4, sold_in_this_order=$5, updated_at=$6, version=version+1
		WHERE id=$1 AND version=$2`,
		l.ID, l.Version, l.RemainingQuantity, string(l.Status), l.SoldInThisOrder, l.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return aggregator.ErrStaleListing
	}
	return nil
}

func (t *Tx) InsertOrder(ctx context.Context, o aggregator.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO aggregator_orders(`+orderCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, o.ExternalID, o.Crop, o.TotalQuantity, o.Price, o.TotalAmount, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "aggregator_orders_external_id_key" {
		return aggregator.ErrDuplicateOrder
	}
	return err
}

func (t *Tx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func collectListings(rows pgx.Rows) ([]aggregator.Listing, error) {
	defer rows.Close()
	var out []aggregator.Listing
	for rows.Next() {
		var (
			l      aggregator.Listing
			status string
		)
		if err := rows.Scan(&l.ID, &l.FarmerID, &l.FarmerName, &l.Crop, &l.RemainingQuantity, &l.OriginalQuantity,
			&l.Price, &status, &l.SoldInThisOrder, &l.Version, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		l.Status = aggregator.ListingStatus(status)
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (aggregator.Order, error) {
	var (
		o      aggregator.Order
		status string
	)
	err := row.Scan(&o.ID, &o.ExternalID, &o.Crop, &o.TotalQuantity, &o.Price, &o.TotalAmount, &status, &o.CreatedAt, &o.UpdatedAt)
	o.Status = aggregator.OrderStatus(status)
	return o, err
}

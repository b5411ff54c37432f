// Package sqlite is the single-file aggregator store. All access goes through
// one connection, so allocation transactions are serialized by SQLite itself
// and the listing version check catches plans built from stale snapshots.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ariefcatur/go-crop-aggregator/internal/aggregator"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const pragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

type Store struct {
	db *gorm.DB
}

var _ aggregator.Store = (*Store)(nil)

// Open creates (or reopens) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path+pragmas), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&aggregator.Farmer{}, &aggregator.Listing{}, &aggregator.Order{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Begin(ctx context.Context) (aggregator.Tx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &Tx{db: tx}, nil
}

func (s *Store) ListedByCrop(ctx context.Context, crop string) ([]aggregator.Listing, error) {
	var out []aggregator.Listing
	err := s.db.WithContext(ctx).
		Where("crop = ? AND status = ?", crop, aggregator.ListingListed).
		Order("created_at, id").
		Find(&out).Error
	return out, err
}

func (s *Store) UpsertFarmer(ctx context.Context, f aggregator.Farmer) (aggregator.Farmer, error) {
	db := s.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone"}},
		DoNothing: true,
	}).Create(&f).Error
	if err != nil {
		return aggregator.Farmer{}, err
	}
	var out aggregator.Farmer
	err = db.Where("phone = ?", f.Phone).Take(&out).Error
	return out, err
}

func (s *Store) ListFarmers(ctx context.Context) ([]aggregator.Farmer, error) {
	var out []aggregator.Farmer
	err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&out).Error
	return out, err
}

func (s *Store) CreateListing(ctx context.Context, l aggregator.Listing) error {
	return s.db.WithContext(ctx).Create(&l).Error
}

func (s *Store) ListListings(ctx context.Context, crop string) ([]aggregator.Listing, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if crop != "" {
		q = q.Where("crop = ?", crop)
	}
	var out []aggregator.Listing
	err := q.Find(&out).Error
	return out, err
}

func (s *Store) GetOrder(ctx context.Context, id string) (aggregator.Order, error) {
	var out []aggregator.Order
	if err := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&out).Error; err != nil {
		return aggregator.Order{}, err
	}
	if len(out) == 0 {
		return aggregator.Order{}, &aggregator.NotFoundError{Kind: "order", Key: id}
	}
	return out[0], nil
}

func (s *Store) OrderByExternalID(ctx context.Context, externalID string) (aggregator.Order, bool, error) {
	var out []aggregator.Order
	if err := s.db.WithContext(ctx).Where("external_id = ?", externalID).Limit(1).Find(&out).Error; err != nil {
		return aggregator.Order{}, false, err
	}
	if len(out) == 0 {
		return aggregator.Order{}, false, nil
	}
	return out[0], true, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]aggregator.Order, error) {
	var out []aggregator.Order
	err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&out).Error
	return out, err
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, from, to aggregator.OrderStatus) (aggregator.Order, error) {
	res := s.db.WithContext(ctx).Model(&aggregator.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC().Truncate(time.Microsecond)})
	if res.Error != nil {
		return aggregator.Order{}, res.Error
	}
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return aggregator.Order{}, err
	}
	if res.RowsAffected == 0 {
		return aggregator.Order{}, aggregator.ErrInvalidTransition
	}
	return o, nil
}

type Tx struct {
	db   *gorm.DB
	done bool
}

func (t *Tx) LockListings(ctx context.Context, ids []string) (map[string]aggregator.Listing, error) {
	var ls []aggregator.Listing
	if err := t.db.WithContext(ctx).Where("id IN ?", ids).Find(&ls).Error; err != nil {
		return nil, err
	}
	out := make(map[string]aggregator.Listing, len(ls))
	for _, l := range ls {
		out[l.ID] = l
	}
	return out, nil
}

func (t *Tx) UpdateListing(ctx context.Context, l aggregator.Listing) error {
	res := t.db.WithContext(ctx).Model(&aggregator.Listing{}).
		Where("id = ? AND version = ?", l.ID, l.Version).
		Updates(map[string]any{
			"remaining_quantity": l.RemainingQuantity,
			"status":             l.Status,
			"sold_in_this_order": l.SoldInThisOrder,
			"updated_at":         l.UpdatedAt,
			"version":            l.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return aggregator.ErrStaleListing
	}
	return nil
}

func (t *Tx) InsertOrder(ctx context.Context, o aggregator.Order) error {
	err := t.db.WithContext(ctx).Create(&o).Error
	if isUniqueViolation(err) {
		return aggregator.ErrDuplicateOrder
	}
	return err
}

func (t *Tx) Commit(ctx context.Context) error {
	t.done = true
	return t.db.Commit().Error
}

func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	return t.db.Rollback().Error
}

// orders only carry one unique column besides the primary key, which is a fresh uuid
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

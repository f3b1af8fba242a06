// Package storage persists offers partitioned by (retailer, weekKey).
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/spherical/flyer-offers/internal/domain"
)

// Common errors
var (
	ErrNotFound         = errors.New("record not found")
	ErrInvalidPartition = errors.New("invalid partition")
)

// Store is the offer store. Upsert replaces the whole partition.
type Store interface {
	Upsert(ctx context.Context, retailer domain.Retailer, week domain.WeekKey, offers []domain.Offer) error
	Query(ctx context.Context, filter Filter) ([]domain.Offer, error)
	Partitions(ctx context.Context) ([]domain.Partition, error)
	Close() error
}

// Filter narrows a query. Nil fields match everything.
type Filter struct {
	Retailer *domain.Retailer
	WeekKey  *domain.WeekKey
}

func (f Filter) matches(retailer domain.Retailer, week domain.WeekKey) bool {
	if f.Retailer != nil && *f.Retailer != retailer {
		return false
	}
	if f.WeekKey != nil && *f.WeekKey != week {
		return false
	}
	return true
}

// Options selects and configures a backend.
type Options struct {
	Driver       string // memory, sqlite or postgres
	DSN          string
	SnapshotPath string
	MaxOpenConns int
}

// Open creates the store selected by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "memory", "":
		return NewMemoryStore(opts.SnapshotPath)
	case "sqlite", "sqlite3":
		return OpenSQL(ctx, "sqlite3", opts.DSN, opts.MaxOpenConns)
	case "postgres":
		return OpenSQL(ctx, "postgres", opts.DSN, opts.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", opts.Driver)
	}
}

// checkPartition verifies the partition key and that every offer belongs to it.
func checkPartition(retailer domain.Retailer, week domain.WeekKey, offers []domain.Offer) error {
	if retailer == "" {
		return fmt.Errorf("%w: empty retailer", ErrInvalidPartition)
	}
	if _, err := domain.ParseWeekKey(string(week)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPartition, err)
	}
	for _, o := range offers {
		if o.Retailer != retailer || o.WeekKey != week {
			return fmt.Errorf("%w: offer %s belongs to %s/%s", ErrInvalidPartition, o.ID, o.Retailer, o.WeekKey)
		}
	}
	return nil
}

// Package store defines the persistence contract for batches, regime
// records, and strategy selections, plus the sentinel errors adapters map
// their backend failures onto.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

var (
	// ErrConcurrentBatch is returned when a non-terminal batch already
	// exists for the (client, account) pair. Enforced by the backend as a
	// uniqueness constraint, not a check-then-act.
	ErrConcurrentBatch = errors.New("store: a non-terminal batch already exists for this account")

	// ErrBatchNotFound is returned for unknown batch ids.
	ErrBatchNotFound = errors.New("store: batch not found")

	// ErrStaleStatus is returned when a conditional status update matched no
	// row: the batch was not in the expected state.
	ErrStaleStatus = errors.New("store: batch not in expected status")

	// ErrNotFound is returned for missing regime records or selections.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateDate is returned when saving a regime record or selection
	// for a date that already has one. Daily records are append-only and
	// immutable once written.
	ErrDuplicateDate = errors.New("store: a record already exists for this date")
)

// BatchStore persists order batches and their trades.
type BatchStore interface {
	// CreateBatch inserts a new batch; ErrConcurrentBatch if the account
	// already has a non-terminal batch.
	CreateBatch(ctx context.Context, b *types.OrderBatch) error

	// GetBatch loads a batch by id.
	GetBatch(ctx context.Context, id string) (*types.OrderBatch, error)

	// UpdateBatch writes the batch back conditionally: the row must still be
	// in expectedStatus or ErrStaleStatus is returned and nothing changes.
	UpdateBatch(ctx context.Context, b *types.OrderBatch, expectedStatus types.BatchStatus) error

	// ListBatches returns batches for an account, newest first.
	ListBatches(ctx context.Context, account string, limit int) ([]*types.OrderBatch, error)
}

// RegimeStore persists the append-only regime time series.
type RegimeStore interface {
	SaveRegime(ctx context.Context, rec types.MarketRegimeRecord) error
	GetRegime(ctx context.Context, date time.Time) (types.MarketRegimeRecord, error)
	// LatestRegimeBefore returns the most recent record strictly before date;
	// the fallback path when today cannot be classified.
	LatestRegimeBefore(ctx context.Context, date time.Time) (types.MarketRegimeRecord, error)
}

// SelectionStore persists daily strategy selections.
type SelectionStore interface {
	SaveSelection(ctx context.Context, sel types.StrategySelection) error
	GetSelection(ctx context.Context, date time.Time) (types.StrategySelection, error)
}

// Store is the full persistence surface the engine needs.
type Store interface {
	BatchStore
	RegimeStore
	SelectionStore
}

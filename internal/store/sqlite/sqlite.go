// Package sqlite implements store.Store on SQLite via database/sql.
//
// The engine's central concurrency invariant, at most one non-terminal
// batch per (client, account), lives here as a partial unique index, so
// batch creation is atomic rather than check-then-act.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/portfolio-engine/internal/store"
	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS order_batches (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	account TEXT NOT NULL,
	strategy TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	portfolio_json TEXT NOT NULL,
	target_allocation_json TEXT NOT NULL,
	trades_json TEXT NOT NULL,
	execution_results_json TEXT,
	reject_reason TEXT
);

-- One non-terminal batch per (client, account). Terminal rows fall out of
-- the index, so a new batch can be created once the old one finishes.
CREATE UNIQUE INDEX IF NOT EXISTS idx_one_open_batch
	ON order_batches (client_id, account)
	WHERE status NOT IN ('executed', 'rejected');

CREATE INDEX IF NOT EXISTS idx_batches_account_created
	ON order_batches (account, created_at);

CREATE TABLE IF NOT EXISTS market_regimes (
	date TEXT PRIMARY KEY,
	volatility_regime TEXT NOT NULL,
	trend_regime TEXT NOT NULL,
	regime_label TEXT NOT NULL,
	regime_confidence REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_selections (
	date TEXT PRIMARY KEY,
	selected_strategy TEXT NOT NULL,
	selection_confidence REAL NOT NULL,
	market_regime TEXT NOT NULL,
	performance_json TEXT NOT NULL,
	degraded INTEGER NOT NULL DEFAULT 0
);
`

const dateLayout = "2006-01-02"

// Store implements store.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and bootstraps the
// schema. Use ":memory:" for tests.
func Open(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite at %s: %w", path, err)
	}
	// The driver benefits from a single connection; SQLite serializes writes
	// internally anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger.Named("sqlite")}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	s.logger.Info("sqlite store ready", zap.String("path", path))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateBatch inserts a batch. A unique-constraint failure on the open-batch
// index maps to store.ErrConcurrentBatch.
func (s *Store) CreateBatch(ctx context.Context, b *types.OrderBatch) error {
	portfolio, targets, trades, results, err := marshalBatch(b)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_batches
			(id, client_id, account, strategy, status, created_at, updated_at,
			 portfolio_json, target_allocation_json, trades_json, execution_results_json, reject_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ClientID, b.Account, b.Strategy, string(b.Status),
		b.CreatedAt, b.UpdatedAt, portfolio, targets, trades, results, b.RejectReason)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: client=%s account=%s", store.ErrConcurrentBatch, b.ClientID, b.Account)
		}
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}
	return nil
}

// GetBatch loads one batch.
func (s *Store) GetBatch(ctx context.Context, id string) (*types.OrderBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, account, strategy, status, created_at, updated_at,
		       portfolio_json, target_allocation_json, trades_json,
		       execution_results_json, reject_reason
		FROM order_batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrBatchNotFound, id)
	}
	return b, err
}

// UpdateBatch writes the batch back only if the stored row is still in
// expectedStatus. Zero rows affected means someone else transitioned it.
func (s *Store) UpdateBatch(ctx context.Context, b *types.OrderBatch, expectedStatus types.BatchStatus) error {
	portfolio, targets, trades, results, err := marshalBatch(b)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE order_batches
		SET status = ?, updated_at = ?, portfolio_json = ?, target_allocation_json = ?,
		    trades_json = ?, execution_results_json = ?, reject_reason = ?
		WHERE id = ? AND status = ?`,
		string(b.Status), b.UpdatedAt, portfolio, targets, trades, results,
		b.RejectReason, b.ID, string(expectedStatus))
	if err != nil {
		return fmt.Errorf("update batch %s: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update batch %s: %w", b.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: batch=%s expected=%s", store.ErrStaleStatus, b.ID, expectedStatus)
	}
	return nil
}

// ListBatches returns an account's batches, newest first.
func (s *Store) ListBatches(ctx context.Context, account string, limit int) ([]*types.OrderBatch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, account, strategy, status, created_at, updated_at,
		       portfolio_json, target_allocation_json, trades_json,
		       execution_results_json, reject_reason
		FROM order_batches WHERE account = ?
		ORDER BY created_at DESC LIMIT ?`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("list batches for %s: %w", account, err)
	}
	defer rows.Close()

	var batches []*types.OrderBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// SaveRegime appends one daily regime record. Re-inserting the same date is
// rejected: regime records are immutable once written.
func (s *Store) SaveRegime(ctx context.Context, rec types.MarketRegimeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_regimes
			(date, volatility_regime, trend_regime, regime_label, regime_confidence)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Date.Format(dateLayout), string(rec.VolatilityRegime),
		string(rec.TrendRegime), rec.RegimeLabel, rec.RegimeConfidence)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: regime %s", store.ErrDuplicateDate, rec.Date.Format(dateLayout))
	}
	if err != nil {
		return fmt.Errorf("save regime %s: %w", rec.Date.Format(dateLayout), err)
	}
	return nil
}

// GetRegime loads the record for one date.
func (s *Store) GetRegime(ctx context.Context, date time.Time) (types.MarketRegimeRecord, error) {
	return s.regimeRow(ctx, `
		SELECT date, volatility_regime, trend_regime, regime_label, regime_confidence
		FROM market_regimes WHERE date = ?`, date.Format(dateLayout))
}

// LatestRegimeBefore returns the most recent record strictly before date.
func (s *Store) LatestRegimeBefore(ctx context.Context, date time.Time) (types.MarketRegimeRecord, error) {
	return s.regimeRow(ctx, `
		SELECT date, volatility_regime, trend_regime, regime_label, regime_confidence
		FROM market_regimes WHERE date < ?
		ORDER BY date DESC LIMIT 1`, date.Format(dateLayout))
}

func (s *Store) regimeRow(ctx context.Context, query string, arg any) (types.MarketRegimeRecord, error) {
	var rec types.MarketRegimeRecord
	var dateStr, vol, trend string
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&dateStr, &vol, &trend, &rec.RegimeLabel, &rec.RegimeConfidence)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, store.ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("load regime: %w", err)
	}
	rec.Date, err = time.Parse(dateLayout, dateStr)
	if err != nil {
		return rec, fmt.Errorf("parse regime date %q: %w", dateStr, err)
	}
	rec.VolatilityRegime = types.VolatilityRegime(vol)
	rec.TrendRegime = types.TrendRegime(trend)
	return rec, nil
}

// SaveSelection persists one daily strategy selection.
func (s *Store) SaveSelection(ctx context.Context, sel types.StrategySelection) error {
	perf, err := json.Marshal(sel.RecentPerformance)
	if err != nil {
		return fmt.Errorf("marshal selection performance: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategy_selections
			(date, selected_strategy, selection_confidence, market_regime, performance_json, degraded)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sel.Date.Format(dateLayout), sel.SelectedStrategy, sel.SelectionConfidence,
		sel.MarketRegime, string(perf), boolToInt(sel.Degraded))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: selection %s", store.ErrDuplicateDate, sel.Date.Format(dateLayout))
	}
	if err != nil {
		return fmt.Errorf("save selection %s: %w", sel.Date.Format(dateLayout), err)
	}
	return nil
}

// GetSelection loads the selection for one date.
func (s *Store) GetSelection(ctx context.Context, date time.Time) (types.StrategySelection, error) {
	var sel types.StrategySelection
	var dateStr, perfJSON string
	var degraded int
	err := s.db.QueryRowContext(ctx, `
		SELECT date, selected_strategy, selection_confidence, market_regime, performance_json, degraded
		FROM strategy_selections WHERE date = ?`, date.Format(dateLayout)).
		Scan(&dateStr, &sel.SelectedStrategy, &sel.SelectionConfidence,
			&sel.MarketRegime, &perfJSON, &degraded)
	if errors.Is(err, sql.ErrNoRows) {
		return sel, store.ErrNotFound
	}
	if err != nil {
		return sel, fmt.Errorf("load selection: %w", err)
	}
	sel.Date, err = time.Parse(dateLayout, dateStr)
	if err != nil {
		return sel, fmt.Errorf("parse selection date %q: %w", dateStr, err)
	}
	if err := json.Unmarshal([]byte(perfJSON), &sel.RecentPerformance); err != nil {
		return sel, fmt.Errorf("unmarshal selection performance: %w", err)
	}
	sel.Degraded = degraded != 0
	return sel, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (*types.OrderBatch, error) {
	var b types.OrderBatch
	var status, portfolioJSON, targetsJSON, tradesJSON string
	var resultsJSON, rejectReason sql.NullString

	err := row.Scan(&b.ID, &b.ClientID, &b.Account, &b.Strategy, &status,
		&b.CreatedAt, &b.UpdatedAt, &portfolioJSON, &targetsJSON, &tradesJSON,
		&resultsJSON, &rejectReason)
	if err != nil {
		return nil, err
	}

	b.Status = types.BatchStatus(status)
	b.RejectReason = rejectReason.String

	if err := json.Unmarshal([]byte(portfolioJSON), &b.CurrentPortfolio); err != nil {
		return nil, fmt.Errorf("unmarshal batch %s portfolio: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(targetsJSON), &b.TargetAllocation); err != nil {
		return nil, fmt.Errorf("unmarshal batch %s targets: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(tradesJSON), &b.Trades); err != nil {
		return nil, fmt.Errorf("unmarshal batch %s trades: %w", b.ID, err)
	}
	if resultsJSON.Valid && resultsJSON.String != "" {
		if err := json.Unmarshal([]byte(resultsJSON.String), &b.ExecutionResults); err != nil {
			return nil, fmt.Errorf("unmarshal batch %s results: %w", b.ID, err)
		}
	}
	return &b, nil
}

func marshalBatch(b *types.OrderBatch) (portfolio, targets, trades, results string, err error) {
	pj, err := json.Marshal(b.CurrentPortfolio)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal batch %s portfolio: %w", b.ID, err)
	}
	tj, err := json.Marshal(b.TargetAllocation)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal batch %s targets: %w", b.ID, err)
	}
	trj, err := json.Marshal(b.Trades)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal batch %s trades: %w", b.ID, err)
	}
	rj, err := json.Marshal(b.ExecutionResults)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal batch %s results: %w", b.ID, err)
	}
	return string(pj), string(tj), string(trj), string(rj), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package portfolio

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/astrolin/vigil/internal/domain"
)

// SnapshotRepository handles portfolio_snapshots database operations.
//
// The (portfolio_id, snapshot_date) key is unique. A completed snapshot
// is final: saving over it is a benign no-op. An incomplete snapshot left
// by a failed run is replaced, never duplicated.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("repo", "snapshots").Logger(),
	}
}

// Get returns the snapshot for a (portfolio, date) key, or nil if absent
func (r *SnapshotRepository) Get(portfolioID, date string) (*domain.PortfolioSnapshot, error) {
	var snap domain.PortfolioSnapshot
	err := r.db.QueryRow(
		`SELECT portfolio_id, snapshot_date, equity_balance, daily_pnl, cumulative_pnl, is_complete
		 FROM portfolio_snapshots WHERE portfolio_id = ? AND snapshot_date = ?`,
		portfolioID, date).Scan(
		&snap.PortfolioID, &snap.SnapshotDate, &snap.EquityBalance,
		&snap.DailyPnL, &snap.CumulativePnL, &snap.IsComplete)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s/%s: %w", portfolioID, date, err)
	}
	return &snap, nil
}

// GetLatestComplete returns the most recent complete snapshot strictly
// before the given date, or nil when none exists.
func (r *SnapshotRepository) GetLatestComplete(portfolioID, beforeDate string) (*domain.PortfolioSnapshot, error) {
	var snap domain.PortfolioSnapshot
	err := r.db.QueryRow(
		`SELECT portfolio_id, snapshot_date, equity_balance, daily_pnl, cumulative_pnl, is_complete
		 FROM portfolio_snapshots
		 WHERE portfolio_id = ? AND snapshot_date < ? AND is_complete = 1
		 ORDER BY snapshot_date DESC LIMIT 1`,
		portfolioID, beforeDate).Scan(
		&snap.PortfolioID, &snap.SnapshotDate, &snap.EquityBalance,
		&snap.DailyPnL, &snap.CumulativePnL, &snap.IsComplete)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot for %s: %w", portfolioID, err)
	}
	return &snap, nil
}

// Save writes a snapshot. An existing complete row for the same key is
// left untouched (no-op); an incomplete row is overwritten in place.
func (r *SnapshotRepository) Save(snap domain.PortfolioSnapshot) error {
	_, err := r.db.Exec(
		`INSERT INTO portfolio_snapshots
		 (portfolio_id, snapshot_date, equity_balance, daily_pnl, cumulative_pnl, is_complete)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(portfolio_id, snapshot_date) DO UPDATE SET
		   equity_balance = excluded.equity_balance,
		   daily_pnl = excluded.daily_pnl,
		   cumulative_pnl = excluded.cumulative_pnl,
		   is_complete = excluded.is_complete
		 WHERE portfolio_snapshots.is_complete = 0`,
		snap.PortfolioID, snap.SnapshotDate, snap.EquityBalance,
		snap.DailyPnL, snap.CumulativePnL, snap.IsComplete)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s/%s: %w", snap.PortfolioID, snap.SnapshotDate, err)
	}
	return nil
}

// CountForDate returns how many snapshot rows exist for a date
func (r *SnapshotRepository) CountForDate(date string) (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM portfolio_snapshots WHERE snapshot_date = ?`, date).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count snapshots for %s: %w", date, err)
	}
	return count, nil
}

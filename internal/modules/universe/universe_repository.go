// Package universe manages the symbol universe and per-symbol market data:
// which symbols the system tracks, their price history, derived daily
// metrics, and company reference metadata.
package universe

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/astrolin/vigil/internal/domain"
)

// Repository handles symbol_universe database operations.
//
// The universe table is the only entity written by both the nightly batch
// and the onboarding path, so every write here is an idempotent upsert.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new universe repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "universe").Logger(),
	}
}

// Get returns the universe entry for a symbol, or nil if unknown
func (r *Repository) Get(symbol string) (*domain.UniverseEntry, error) {
	row := r.db.QueryRow(
		`SELECT symbol, is_active, COALESCE(last_processed_date, ''), added_at
		 FROM symbol_universe WHERE symbol = ?`, symbol)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get universe entry for %s: %w", symbol, err)
	}

	return entry, nil
}

// GetActiveSymbols returns all symbols with is_active=1, ordered by symbol
func (r *Repository) GetActiveSymbols() ([]string, error) {
	rows, err := r.db.Query(`SELECT symbol FROM symbol_universe WHERE is_active = 1 ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, symbol)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active symbols: %w", err)
	}

	return symbols, nil
}

// Add registers a symbol in the universe as inactive. It is a no-op if
// the symbol already exists, preserving is_active and the watermark.
func (r *Repository) Add(symbol string) error {
	_, err := r.db.Exec(
		`INSERT OR IGNORE INTO symbol_universe (symbol, is_active, added_at) VALUES (?, 0, ?)`,
		symbol, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to add symbol %s to universe: %w", symbol, err)
	}
	return nil
}

// MarkProcessed marks a symbol active and advances its watermark.
// The watermark only moves forward: a nightly backfill re-run for an
// older date must not regress a symbol already processed by onboarding.
func (r *Repository) MarkProcessed(symbol, processedDate string) error {
	_, err := r.db.Exec(
		`INSERT INTO symbol_universe (symbol, is_active, last_processed_date, added_at)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET
		   is_active = 1,
		   last_processed_date = MAX(COALESCE(last_processed_date, ''), excluded.last_processed_date)`,
		symbol, processedDate, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to mark %s processed: %w", symbol, err)
	}
	return nil
}

// Deactivate marks a symbol inactive so the nightly batch skips it
func (r *Repository) Deactivate(symbol string) error {
	_, err := r.db.Exec(`UPDATE symbol_universe SET is_active = 0 WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("failed to deactivate %s: %w", symbol, err)
	}
	return nil
}

// EarliestWatermark returns the oldest last_processed_date among active
// symbols, or empty when no active symbol has been processed yet. The
// batch runner uses this together with run history to bound backfill.
func (r *Repository) EarliestWatermark() (string, error) {
	var watermark sql.NullString
	err := r.db.QueryRow(
		`SELECT MIN(last_processed_date) FROM symbol_universe
		 WHERE is_active = 1 AND last_processed_date IS NOT NULL`).Scan(&watermark)
	if err != nil {
		return "", fmt.Errorf("failed to query earliest watermark: %w", err)
	}
	if !watermark.Valid {
		return "", nil
	}
	return watermark.String, nil
}

func scanEntry(row *sql.Row) (*domain.UniverseEntry, error) {
	var entry domain.UniverseEntry
	var addedAt string

	if err := row.Scan(&entry.Symbol, &entry.IsActive, &entry.LastProcessedDate, &addedAt); err != nil {
		return nil, err
	}

	if parsed, err := time.Parse(time.RFC3339, addedAt); err == nil {
		entry.AddedAt = parsed
	}

	return &entry, nil
}

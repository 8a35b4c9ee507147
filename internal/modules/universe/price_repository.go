package universe

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/astrolin/vigil/internal/database"
	"github.com/astrolin/vigil/internal/domain"
)

// PriceRepository handles daily_prices database operations
type PriceRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPriceRepository creates a new price repository
func NewPriceRepository(db *sql.DB, log zerolog.Logger) *PriceRepository {
	return &PriceRepository{
		db:  db,
		log: log.With().Str("repo", "prices").Logger(),
	}
}

// Get returns the price record for a (symbol, date) key, or nil if absent
func (r *PriceRepository) Get(symbol, date string) (*domain.PriceRecord, error) {
	var rec domain.PriceRecord
	err := r.db.QueryRow(
		`SELECT symbol, date, COALESCE(open, 0), COALESCE(high, 0), COALESCE(low, 0), close
		 FROM daily_prices WHERE symbol = ? AND date = ?`,
		symbol, date).Scan(&rec.Symbol, &rec.Date, &rec.Open, &rec.High, &rec.Low, &rec.Close)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get price for %s on %s: %w", symbol, date, err)
	}
	return &rec, nil
}

// GetRecent returns up to `limit` most recent price records for a symbol,
// ascending by date.
func (r *PriceRepository) GetRecent(symbol string, limit int) ([]domain.PriceRecord, error) {
	rows, err := r.db.Query(
		`SELECT symbol, date, COALESCE(open, 0), COALESCE(high, 0), COALESCE(low, 0), close
		 FROM (SELECT * FROM daily_prices WHERE symbol = ? ORDER BY date DESC LIMIT ?)
		 ORDER BY date ASC`,
		symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent prices for %s: %w", symbol, err)
	}
	defer rows.Close()

	return collectPrices(rows)
}

// GetRange returns price records for a symbol in [from, to], ascending
func (r *PriceRepository) GetRange(symbol, from, to string) ([]domain.PriceRecord, error) {
	rows, err := r.db.Query(
		`SELECT symbol, date, COALESCE(open, 0), COALESCE(high, 0), COALESCE(low, 0), close
		 FROM daily_prices WHERE symbol = ? AND date >= ? AND date <= ?
		 ORDER BY date ASC`,
		symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query price range for %s: %w", symbol, err)
	}
	defer rows.Close()

	return collectPrices(rows)
}

// GetAll returns every stored price record, used by the cache bulk load.
// Rows are streamed to the callback to avoid materialising the whole
// table in an intermediate slice.
func (r *PriceRepository) GetAll(fn func(domain.PriceRecord) error) error {
	rows, err := r.db.Query(
		`SELECT symbol, date, COALESCE(open, 0), COALESCE(high, 0), COALESCE(low, 0), close
		 FROM daily_prices`)
	if err != nil {
		return fmt.Errorf("failed to query all prices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec domain.PriceRecord
		if err := rows.Scan(&rec.Symbol, &rec.Date, &rec.Open, &rec.High, &rec.Low, &rec.Close); err != nil {
			return fmt.Errorf("failed to scan price record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Upsert writes price records in a single transaction. Existing
// (symbol, date) rows are replaced with identical data, so re-running a
// backfill or racing with onboarding produces the same persisted state.
func (r *PriceRepository) Upsert(records []domain.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`INSERT OR REPLACE INTO daily_prices (symbol, date, open, high, low, close)
			 VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare price upsert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			if _, err := stmt.Exec(rec.Symbol, rec.Date, rec.Open, rec.High, rec.Low, rec.Close); err != nil {
				return fmt.Errorf("failed to upsert price %s/%s: %w", rec.Symbol, rec.Date, err)
			}
		}
		return nil
	})
}

func collectPrices(rows *sql.Rows) ([]domain.PriceRecord, error) {
	var records []domain.PriceRecord
	for rows.Next() {
		var rec domain.PriceRecord
		if err := rows.Scan(&rec.Symbol, &rec.Date, &rec.Open, &rec.High, &rec.Low, &rec.Close); err != nil {
			return nil, fmt.Errorf("failed to scan price record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prices: %w", err)
	}

	return records, nil
}

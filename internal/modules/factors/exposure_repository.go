// Package factors computes and stores per-symbol risk factor exposures.
// A factor exposure is the OLS beta of a symbol's daily returns against a
// factor's benchmark return series.
package factors

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/astrolin/vigil/internal/database"
	"github.com/astrolin/vigil/internal/domain"
)

// ExposureRepository handles factor_exposures database operations
type ExposureRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewExposureRepository creates a new exposure repository
func NewExposureRepository(db *sql.DB, log zerolog.Logger) *ExposureRepository {
	return &ExposureRepository{
		db:  db,
		log: log.With().Str("repo", "exposures").Logger(),
	}
}

// Get returns all factor exposures for a (symbol, date) key.
// Returns an empty slice when none exist.
func (r *ExposureRepository) Get(symbol, date string) ([]domain.FactorExposure, error) {
	rows, err := r.db.Query(
		`SELECT symbol, calculation_date, factor_id, beta, COALESCE(r_squared, 0)
		 FROM factor_exposures WHERE symbol = ? AND calculation_date = ?
		 ORDER BY factor_id`,
		symbol, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query exposures for %s on %s: %w", symbol, date, err)
	}
	defer rows.Close()

	return collectExposures(rows)
}

// GetLatestDate returns the most recent calculation_date for a symbol,
// or empty when the symbol has no exposures.
func (r *ExposureRepository) GetLatestDate(symbol string) (string, error) {
	var date sql.NullString
	err := r.db.QueryRow(
		`SELECT MAX(calculation_date) FROM factor_exposures WHERE symbol = ?`, symbol).Scan(&date)
	if err != nil {
		return "", fmt.Errorf("failed to query latest exposure date for %s: %w", symbol, err)
	}
	if !date.Valid {
		return "", nil
	}
	return date.String, nil
}

// GetAll streams every stored exposure to the callback, used by the
// cache bulk load.
func (r *ExposureRepository) GetAll(fn func(domain.FactorExposure) error) error {
	rows, err := r.db.Query(
		`SELECT symbol, calculation_date, factor_id, beta, COALESCE(r_squared, 0)
		 FROM factor_exposures`)
	if err != nil {
		return fmt.Errorf("failed to query all exposures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var exp domain.FactorExposure
		if err := rows.Scan(&exp.Symbol, &exp.CalculationDate, &exp.FactorID, &exp.Beta, &exp.RSquared); err != nil {
			return fmt.Errorf("failed to scan exposure: %w", err)
		}
		if err := fn(exp); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Upsert writes exposures in a single transaction, replacing existing
// (symbol, date, factor) rows. Backfill re-runs overwrite rather than
// duplicate.
func (r *ExposureRepository) Upsert(exposures []domain.FactorExposure) error {
	if len(exposures) == 0 {
		return nil
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`INSERT OR REPLACE INTO factor_exposures
			 (symbol, calculation_date, factor_id, beta, r_squared)
			 VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare exposure upsert: %w", err)
		}
		defer stmt.Close()

		for _, exp := range exposures {
			if _, err := stmt.Exec(exp.Symbol, exp.CalculationDate, exp.FactorID, exp.Beta, exp.RSquared); err != nil {
				return fmt.Errorf("failed to upsert exposure %s/%s/%s: %w",
					exp.Symbol, exp.CalculationDate, exp.FactorID, err)
			}
		}
		return nil
	})
}

func collectExposures(rows *sql.Rows) ([]domain.FactorExposure, error) {
	exposures := []domain.FactorExposure{}
	for rows.Next() {
		var exp domain.FactorExposure
		if err := rows.Scan(&exp.Symbol, &exp.CalculationDate, &exp.FactorID, &exp.Beta, &exp.RSquared); err != nil {
			return nil, fmt.Errorf("failed to scan exposure: %w", err)
		}
		exposures = append(exposures, exp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exposures: %w", err)
	}

	return exposures, nil
}

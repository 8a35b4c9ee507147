package portfolio

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/astrolin/vigil/internal/database"
	"github.com/astrolin/vigil/internal/domain"
)

// AnalyticsRepository stores the derived per-portfolio analytics:
// correlations, aggregated factor exposures, and stress test results.
// Each result set is replaced wholesale per (portfolio, date) so refresh
// re-runs converge to the same rows.
type AnalyticsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAnalyticsRepository creates a new analytics repository
func NewAnalyticsRepository(db *sql.DB, log zerolog.Logger) *AnalyticsRepository {
	return &AnalyticsRepository{
		db:  db,
		log: log.With().Str("repo", "analytics").Logger(),
	}
}

// ReplaceCorrelations replaces all correlation rows for a (portfolio, date)
func (r *AnalyticsRepository) ReplaceCorrelations(portfolioID, date string, pairs []domain.CorrelationPair) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM position_correlations WHERE portfolio_id = ? AND calculation_date = ?`,
			portfolioID, date); err != nil {
			return fmt.Errorf("failed to clear correlations: %w", err)
		}

		stmt, err := tx.Prepare(
			`INSERT INTO position_correlations
			 (portfolio_id, calculation_date, symbol_a, symbol_b, correlation)
			 VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare correlation insert: %w", err)
		}
		defer stmt.Close()

		for _, pair := range pairs {
			if _, err := stmt.Exec(portfolioID, date, pair.SymbolA, pair.SymbolB, pair.Correlation); err != nil {
				return fmt.Errorf("failed to insert correlation %s/%s: %w", pair.SymbolA, pair.SymbolB, err)
			}
		}
		return nil
	})
}

// GetCorrelations returns correlation rows for a (portfolio, date)
func (r *AnalyticsRepository) GetCorrelations(portfolioID, date string) ([]domain.CorrelationPair, error) {
	rows, err := r.db.Query(
		`SELECT portfolio_id, calculation_date, symbol_a, symbol_b, correlation
		 FROM position_correlations WHERE portfolio_id = ? AND calculation_date = ?
		 ORDER BY symbol_a, symbol_b`,
		portfolioID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlations: %w", err)
	}
	defer rows.Close()

	var pairs []domain.CorrelationPair
	for rows.Next() {
		var pair domain.CorrelationPair
		if err := rows.Scan(&pair.PortfolioID, &pair.CalculationDate, &pair.SymbolA, &pair.SymbolB, &pair.Correlation); err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		pairs = append(pairs, pair)
	}

	return pairs, rows.Err()
}

// ReplaceFactorExposures replaces aggregated exposures for a (portfolio, date)
func (r *AnalyticsRepository) ReplaceFactorExposures(portfolioID, date string, exposures []domain.PortfolioFactorExposure) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM portfolio_factor_exposures WHERE portfolio_id = ? AND calculation_date = ?`,
			portfolioID, date); err != nil {
			return fmt.Errorf("failed to clear portfolio exposures: %w", err)
		}

		stmt, err := tx.Prepare(
			`INSERT INTO portfolio_factor_exposures
			 (portfolio_id, calculation_date, factor_id, exposure)
			 VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare exposure insert: %w", err)
		}
		defer stmt.Close()

		for _, exp := range exposures {
			if _, err := stmt.Exec(portfolioID, date, exp.FactorID, exp.Exposure); err != nil {
				return fmt.Errorf("failed to insert portfolio exposure %s: %w", exp.FactorID, err)
			}
		}
		return nil
	})
}

// GetFactorExposures returns aggregated exposures for a (portfolio, date)
func (r *AnalyticsRepository) GetFactorExposures(portfolioID, date string) ([]domain.PortfolioFactorExposure, error) {
	rows, err := r.db.Query(
		`SELECT portfolio_id, calculation_date, factor_id, exposure
		 FROM portfolio_factor_exposures WHERE portfolio_id = ? AND calculation_date = ?
		 ORDER BY factor_id`,
		portfolioID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio exposures: %w", err)
	}
	defer rows.Close()

	var exposures []domain.PortfolioFactorExposure
	for rows.Next() {
		var exp domain.PortfolioFactorExposure
		if err := rows.Scan(&exp.PortfolioID, &exp.CalculationDate, &exp.FactorID, &exp.Exposure); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio exposure: %w", err)
		}
		exposures = append(exposures, exp)
	}

	return exposures, rows.Err()
}

// ReplaceStressResults replaces stress results for a (portfolio, date)
func (r *AnalyticsRepository) ReplaceStressResults(portfolioID, date string, results []domain.StressResult) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM stress_test_results WHERE portfolio_id = ? AND calculation_date = ?`,
			portfolioID, date); err != nil {
			return fmt.Errorf("failed to clear stress results: %w", err)
		}

		stmt, err := tx.Prepare(
			`INSERT INTO stress_test_results
			 (portfolio_id, calculation_date, scenario_id, pnl_amount, pnl_pct)
			 VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare stress insert: %w", err)
		}
		defer stmt.Close()

		for _, result := range results {
			if _, err := stmt.Exec(portfolioID, date, result.ScenarioID, result.PnLAmount, result.PnLPct); err != nil {
				return fmt.Errorf("failed to insert stress result %s: %w", result.ScenarioID, err)
			}
		}
		return nil
	})
}

// GetStressResults returns stress results for a (portfolio, date)
func (r *AnalyticsRepository) GetStressResults(portfolioID, date string) ([]domain.StressResult, error) {
	rows, err := r.db.Query(
		`SELECT portfolio_id, calculation_date, scenario_id, pnl_amount, pnl_pct
		 FROM stress_test_results WHERE portfolio_id = ? AND calculation_date = ?
		 ORDER BY scenario_id`,
		portfolioID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query stress results: %w", err)
	}
	defer rows.Close()

	var results []domain.StressResult
	for rows.Next() {
		var result domain.StressResult
		if err := rows.Scan(&result.PortfolioID, &result.CalculationDate, &result.ScenarioID, &result.PnLAmount, &result.PnLPct); err != nil {
			return nil, fmt.Errorf("failed to scan stress result: %w", err)
		}
		results = append(results, result)
	}

	return results, rows.Err()
}

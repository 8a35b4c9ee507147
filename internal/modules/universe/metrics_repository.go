package universe

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/astrolin/vigil/internal/domain"
)

// MetricsRepository handles daily_metrics database operations
type MetricsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMetricsRepository creates a new metrics repository
func NewMetricsRepository(db *sql.DB, log zerolog.Logger) *MetricsRepository {
	return &MetricsRepository{
		db:  db,
		log: log.With().Str("repo", "metrics").Logger(),
	}
}

// Get returns the metrics row for a (symbol, date) key, or nil if absent
func (r *MetricsRepository) Get(symbol, date string) (*domain.DailyMetrics, error) {
	var m domain.DailyMetrics
	err := r.db.QueryRow(
		`SELECT symbol, metrics_date,
		   COALESCE(return_1d, 0), COALESCE(return_mtd, 0), COALESCE(return_ytd, 0),
		   COALESCE(return_1m, 0), COALESCE(return_3m, 0), COALESCE(return_1y, 0),
		   COALESCE(sector, ''), COALESCE(pe_ratio, 0), COALESCE(market_cap, 0)
		 FROM daily_metrics WHERE symbol = ? AND metrics_date = ?`,
		symbol, date).Scan(
		&m.Symbol, &m.MetricsDate,
		&m.Return1D, &m.ReturnMTD, &m.ReturnYTD,
		&m.Return1M, &m.Return3M, &m.Return1Y,
		&m.Sector, &m.PERatio, &m.MarketCap)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics for %s on %s: %w", symbol, date, err)
	}
	return &m, nil
}

// Upsert writes a metrics row, replacing any existing (symbol, date) row
func (r *MetricsRepository) Upsert(m domain.DailyMetrics) error {
	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO daily_metrics
		 (symbol, metrics_date, return_1d, return_mtd, return_ytd, return_1m, return_3m, return_1y,
		  sector, pe_ratio, market_cap)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Symbol, m.MetricsDate, m.Return1D, m.ReturnMTD, m.ReturnYTD,
		m.Return1M, m.Return3M, m.Return1Y, m.Sector, m.PERatio, m.MarketCap)
	if err != nil {
		return fmt.Errorf("failed to upsert metrics for %s on %s: %w", m.Symbol, m.MetricsDate, err)
	}
	return nil
}

// ReferenceRepository handles company_reference database operations
type ReferenceRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewReferenceRepository creates a new company reference repository
func NewReferenceRepository(db *sql.DB, log zerolog.Logger) *ReferenceRepository {
	return &ReferenceRepository{
		db:  db,
		log: log.With().Str("repo", "reference").Logger(),
	}
}

// Get returns company reference data for a symbol, or nil if absent
func (r *ReferenceRepository) Get(symbol string) (*domain.CompanyReference, error) {
	var ref domain.CompanyReference
	var updatedAt string
	err := r.db.QueryRow(
		`SELECT symbol, COALESCE(name, ''), COALESCE(sector, ''), COALESCE(industry, ''),
		   COALESCE(pe_ratio, 0), COALESCE(market_cap, 0), updated_at
		 FROM company_reference WHERE symbol = ?`,
		symbol).Scan(&ref.Symbol, &ref.Name, &ref.Sector, &ref.Industry, &ref.PERatio, &ref.MarketCap, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company reference for %s: %w", symbol, err)
	}
	return &ref, nil
}

// Upsert writes company reference data for a symbol
func (r *ReferenceRepository) Upsert(ref domain.CompanyReference) error {
	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO company_reference
		 (symbol, name, sector, industry, pe_ratio, market_cap, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, datetime('now'))`,
		ref.Symbol, ref.Name, ref.Sector, ref.Industry, ref.PERatio, ref.MarketCap)
	if err != nil {
		return fmt.Errorf("failed to upsert company reference for %s: %w", ref.Symbol, err)
	}
	return nil
}

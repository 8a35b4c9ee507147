// Package domain contains the core types shared across the pipeline.
// It has no infrastructure dependencies.
package domain

import "time"

// DateFormat is the canonical date layout used in persisted rows and cache keys.
const DateFormat = "2006-01-02"

// UniverseEntry is a tracked symbol in the universe, independent of any portfolio.
type UniverseEntry struct {
	Symbol            string
	IsActive          bool
	LastProcessedDate string // empty when the symbol has never been processed
	AddedAt           time.Time
}

// PriceRecord is a single (symbol, date) price bar.
// Immutable once written for a given key.
type PriceRecord struct {
	Symbol string
	Date   string
	Open   float64
	High   float64
	Low    float64
	Close  float64
}

// FactorExposure is a symbol's regression beta against a named risk factor.
// One row per (symbol, date, factor); recomputed and overwritten on backfill.
type FactorExposure struct {
	Symbol          string
	CalculationDate string
	FactorID        string
	Beta            float64
	RSquared        float64
}

// DailyMetrics holds derived per-symbol return and valuation metrics.
type DailyMetrics struct {
	Symbol      string
	MetricsDate string
	Return1D    float64
	ReturnMTD   float64
	ReturnYTD   float64
	Return1M    float64
	Return3M    float64
	Return1Y    float64
	Sector      string
	PERatio     float64
	MarketCap   float64
}

// CompanyReference holds provider-supplied company metadata.
type CompanyReference struct {
	Symbol    string
	Name      string
	Sector    string
	Industry  string
	PERatio   float64
	MarketCap float64
	UpdatedAt time.Time
}

// Portfolio is a set of positions owned by one account.
type Portfolio struct {
	ID           string
	Name         string
	BaseCurrency string
	CreatedAt    time.Time
}

// Position is a holding within a portfolio.
type Position struct {
	PortfolioID string
	Symbol      string
	Quantity    float64
	CostBasis   float64
}

// PortfolioSnapshot is the per-date equity/P&L record for a portfolio.
// Unique per (portfolio_id, snapshot_date); IsComplete distinguishes
// partially built rows from finished ones.
type PortfolioSnapshot struct {
	PortfolioID    string
	SnapshotDate   string
	EquityBalance  float64
	DailyPnL       float64
	CumulativePnL  float64
	IsComplete     bool
}

// CorrelationPair is the Pearson correlation between two held symbols.
type CorrelationPair struct {
	PortfolioID     string
	CalculationDate string
	SymbolA         string
	SymbolB         string
	Correlation     float64
}

// PortfolioFactorExposure is a symbol-level exposure aggregated to portfolio level.
type PortfolioFactorExposure struct {
	PortfolioID     string
	CalculationDate string
	FactorID        string
	Exposure        float64
}

// StressResult is the P&L impact of one stress scenario on a portfolio.
type StressResult struct {
	PortfolioID     string
	CalculationDate string
	ScenarioID      string
	PnLAmount       float64
	PnLPct          float64
}

package batch

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PhaseStatus is the lifecycle of one phase within a run.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	// PhaseSkipped marks the reserved fundamentals phase, which the
	// pipeline deliberately does not execute.
	PhaseSkipped PhaseStatus = "skipped"
)

// RunHistory is the persisted per-date audit record of a nightly run.
// It is written at phase boundaries so a crash mid-run leaves the
// last-completed phase inspectable.
type RunHistory struct {
	RunDate             string
	MetricsStatus       PhaseStatus
	MetricsDuration     time.Duration
	PricesStatus        PhaseStatus
	PricesDuration      time.Duration
	FundamentalsStatus  PhaseStatus
	FactorsStatus       PhaseStatus
	FactorsDuration     time.Duration
	PortfoliosProcessed int
	SymbolsFetched      int
	DataCoveragePct     float64
	ErrorMessage        string
	CompletedAt         *time.Time
}

// HistoryRepository handles batch_run_history database operations
type HistoryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryRepository creates a new run history repository
func NewHistoryRepository(db *sql.DB, log zerolog.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:  db,
		log: log.With().Str("repo", "run_history").Logger(),
	}
}

// Get returns the history row for a run date, or nil if absent
func (r *HistoryRepository) Get(runDate string) (*RunHistory, error) {
	row := r.db.QueryRow(
		`SELECT run_date, metrics_status, metrics_duration_ms, prices_status, prices_duration_ms,
		   fundamentals_status, factors_status, factors_duration_ms, portfolios_processed,
		   symbols_fetched, data_coverage_pct, COALESCE(error_message, ''), completed_at
		 FROM batch_run_history WHERE run_date = ?`, runDate)

	h, err := scanHistory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run history for %s: %w", runDate, err)
	}
	return h, nil
}

// GetRecent returns up to `limit` most recent history rows, newest first
func (r *HistoryRepository) GetRecent(limit int) ([]RunHistory, error) {
	rows, err := r.db.Query(
		`SELECT run_date, metrics_status, metrics_duration_ms, prices_status, prices_duration_ms,
		   fundamentals_status, factors_status, factors_duration_ms, portfolios_processed,
		   symbols_fetched, data_coverage_pct, COALESCE(error_message, ''), completed_at
		 FROM batch_run_history ORDER BY run_date DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	var histories []RunHistory
	for rows.Next() {
		var h RunHistory
		var metricsMs, pricesMs, factorsMs int64
		var completedAt sql.NullString
		if err := rows.Scan(
			&h.RunDate, &h.MetricsStatus, &metricsMs, &h.PricesStatus, &pricesMs,
			&h.FundamentalsStatus, &h.FactorsStatus, &factorsMs, &h.PortfoliosProcessed,
			&h.SymbolsFetched, &h.DataCoveragePct, &h.ErrorMessage, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run history: %w", err)
		}
		h.MetricsDuration = time.Duration(metricsMs) * time.Millisecond
		h.PricesDuration = time.Duration(pricesMs) * time.Millisecond
		h.FactorsDuration = time.Duration(factorsMs) * time.Millisecond
		h.CompletedAt = parseCompletedAt(completedAt)
		histories = append(histories, h)
	}

	return histories, rows.Err()
}

// LastCompletedRunDate returns the most recent run date whose factors
// phase completed, or empty when none exists. This is the backfill anchor.
func (r *HistoryRepository) LastCompletedRunDate() (string, error) {
	var runDate sql.NullString
	err := r.db.QueryRow(
		`SELECT MAX(run_date) FROM batch_run_history WHERE factors_status = ?`,
		string(PhaseCompleted)).Scan(&runDate)
	if err != nil {
		return "", fmt.Errorf("failed to query last completed run date: %w", err)
	}
	if !runDate.Valid {
		return "", nil
	}
	return runDate.String, nil
}

// Upsert writes the full history row for a run date, replacing any
// existing row. Called at every phase boundary.
func (r *HistoryRepository) Upsert(h RunHistory) error {
	var completedAt interface{}
	if h.CompletedAt != nil {
		completedAt = h.CompletedAt.UTC().Format(time.RFC3339)
	}

	fundamentals := h.FundamentalsStatus
	if fundamentals == "" {
		fundamentals = PhaseSkipped
	}

	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO batch_run_history
		 (run_date, metrics_status, metrics_duration_ms, prices_status, prices_duration_ms,
		  fundamentals_status, factors_status, factors_duration_ms, portfolios_processed,
		  symbols_fetched, data_coverage_pct, error_message, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.RunDate,
		string(h.MetricsStatus), h.MetricsDuration.Milliseconds(),
		string(h.PricesStatus), h.PricesDuration.Milliseconds(),
		string(fundamentals),
		string(h.FactorsStatus), h.FactorsDuration.Milliseconds(),
		h.PortfoliosProcessed, h.SymbolsFetched, h.DataCoveragePct,
		nullable(h.ErrorMessage), completedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert run history for %s: %w", h.RunDate, err)
	}
	return nil
}

// SetPortfoliosProcessed updates the portfolio counter on an existing row.
// The portfolio refresh runner reports through this after the symbol
// batch already owns the rest of the row.
func (r *HistoryRepository) SetPortfoliosProcessed(runDate string, count int) error {
	_, err := r.db.Exec(
		`UPDATE batch_run_history SET portfolios_processed = ? WHERE run_date = ?`,
		count, runDate)
	if err != nil {
		return fmt.Errorf("failed to update portfolios_processed for %s: %w", runDate, err)
	}
	return nil
}

func scanHistory(row *sql.Row) (*RunHistory, error) {
	var h RunHistory
	var metricsMs, pricesMs, factorsMs int64
	var completedAt sql.NullString

	if err := row.Scan(
		&h.RunDate, &h.MetricsStatus, &metricsMs, &h.PricesStatus, &pricesMs,
		&h.FundamentalsStatus, &h.FactorsStatus, &factorsMs, &h.PortfoliosProcessed,
		&h.SymbolsFetched, &h.DataCoveragePct, &h.ErrorMessage, &completedAt); err != nil {
		return nil, err
	}

	h.MetricsDuration = time.Duration(metricsMs) * time.Millisecond
	h.PricesDuration = time.Duration(pricesMs) * time.Millisecond
	h.FactorsDuration = time.Duration(factorsMs) * time.Millisecond
	h.CompletedAt = parseCompletedAt(completedAt)

	return &h, nil
}

func parseCompletedAt(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

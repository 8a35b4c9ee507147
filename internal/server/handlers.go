package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/astrolin/vigil/internal/batch"
	"github.com/astrolin/vigil/internal/calendar"
	"github.com/astrolin/vigil/internal/domain"
	"github.com/astrolin/vigil/internal/onboarding"
)

// RunTracker exposes the currently executing batch run.
type RunTracker interface {
	Current() (batch.CurrentRun, bool)
}

// RunHistoryReader serves persisted run history rows.
type RunHistoryReader interface {
	GetRecent(limit int) ([]batch.RunHistory, error)
}

// OnboardingService is the queue surface exposed over HTTP.
type OnboardingService interface {
	Enqueue(symbol string) (onboarding.Job, error)
	Status(symbol string) (onboarding.Job, bool)
	PendingCount() int
}

// CacheStatus reports cache readiness for the readiness probe.
type CacheStatus interface {
	IsReady() bool
	Stats() (prices, factorSets int, loaded bool)
}

// PortfolioReader serves portfolio and position rows.
type PortfolioReader interface {
	GetAll() ([]domain.Portfolio, error)
	GetPositions(portfolioID string) ([]domain.Position, error)
}

// SnapshotReader serves snapshot rows.
type SnapshotReader interface {
	Get(portfolioID, date string) (*domain.PortfolioSnapshot, error)
}

// AnalyticsReader serves derived per-portfolio analytics.
type AnalyticsReader interface {
	GetCorrelations(portfolioID, date string) ([]domain.CorrelationPair, error)
	GetFactorExposures(portfolioID, date string) ([]domain.PortfolioFactorExposure, error)
	GetStressResults(portfolioID, date string) ([]domain.StressResult, error)
}

// UniverseReader serves the tracked symbol list.
type UniverseReader interface {
	GetActiveSymbols() ([]string, error)
}

// HealthChecker is the database surface the health probe pings.
type HealthChecker interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// Handlers bundles the HTTP handlers and their dependencies.
type Handlers struct {
	log         zerolog.Logger
	startupTime time.Time

	tracker    RunTracker
	history    RunHistoryReader
	queue      OnboardingService
	cache      CacheStatus
	portfolios PortfolioReader
	snapshots  SnapshotReader
	analytics  AnalyticsReader
	universe   UniverseReader
	databases  []HealthChecker
	cal        calendar.TradingCalendar
}

// NewHandlers creates the handler set
func NewHandlers(
	tracker RunTracker,
	history RunHistoryReader,
	queue OnboardingService,
	cache CacheStatus,
	portfolios PortfolioReader,
	snapshots SnapshotReader,
	analytics AnalyticsReader,
	universe UniverseReader,
	databases []HealthChecker,
	cal calendar.TradingCalendar,
	log zerolog.Logger,
) *Handlers {
	return &Handlers{
		log:         log.With().Str("component", "handlers").Logger(),
		startupTime: time.Now(),
		tracker:     tracker,
		history:     history,
		queue:       queue,
		cache:       cache,
		portfolios:  portfolios,
		snapshots:   snapshots,
		analytics:   analytics,
		universe:    universe,
		databases:   databases,
		cal:         cal,
	}
}

// HandleHealth pings every database and reports per-database status
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	dbs := make(map[string]string, len(h.databases))
	for _, db := range h.databases {
		if err := db.HealthCheck(ctx); err != nil {
			dbs[db.Name()] = err.Error()
			status = "degraded"
		} else {
			dbs[db.Name()] = "ok"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"databases": dbs,
		"uptime":    time.Since(h.startupTime).String(),
	})
}

// HandleReady reports whether the symbol cache has finished (or timed
// out) its warm-up. Batch runs should not start against a cold cache.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	prices, factorSets, loaded := h.cache.Stats()
	body := map[string]interface{}{
		"ready":             h.cache.IsReady(),
		"cache_loaded":      loaded,
		"cached_prices":     prices,
		"cached_factorsets": factorSets,
	}

	if !h.cache.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleCurrentRun returns live progress of the executing batch run
func (h *Handlers) HandleCurrentRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.tracker.Current()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"running": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":                true,
		"run_id":                 run.RunID,
		"started_at":             run.StartedAt.UTC().Format(time.RFC3339),
		"triggered_by":           run.TriggeredBy,
		"total_jobs":             run.TotalJobs,
		"completed_jobs":         run.CompletedJobs,
		"failed_jobs":            run.FailedJobs,
		"current_job_name":       run.CurrentJobName,
		"current_portfolio_name": run.CurrentPortfolioName,
	})
}

// HandleRunHistory returns recent nightly run records, newest first
func (h *Handlers) HandleRunHistory(w http.ResponseWriter, r *http.Request) {
	limit := 30
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 365 {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 365")
			return
		}
		limit = parsed
	}

	histories, err := h.history.GetRecent(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load run history")
		writeError(w, http.StatusInternalServerError, "failed to load run history")
		return
	}

	out := make([]map[string]interface{}, len(histories))
	for i, rec := range histories {
		out[i] = historyJSON(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

type onboardingRequest struct {
	Symbol string `json:"symbol"`
}

// HandleEnqueueOnboarding requests onboarding for a new symbol
func (h *Handlers) HandleEnqueueOnboarding(w http.ResponseWriter, r *http.Request) {
	var req onboardingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	job, err := h.queue.Enqueue(symbol)
	if err != nil {
		h.log.Warn().Err(err).Str("symbol", symbol).Msg("Onboarding enqueue rejected")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, jobJSON(job))
}

// HandleOnboardingStatus returns the last job state for a symbol
func (h *Handlers) HandleOnboardingStatus(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	job, ok := h.queue.Status(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no onboarding job for symbol")
		return
	}
	writeJSON(w, http.StatusOK, jobJSON(job))
}

// HandleListPortfolios returns all portfolios
func (h *Handlers) HandleListPortfolios(w http.ResponseWriter, r *http.Request) {
	portfolios, err := h.portfolios.GetAll()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load portfolios")
		writeError(w, http.StatusInternalServerError, "failed to load portfolios")
		return
	}
	writeJSON(w, http.StatusOK, portfolios)
}

// HandleListPositions returns a portfolio's positions
func (h *Handlers) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	positions, err := h.portfolios.GetPositions(id)
	if err != nil {
		h.log.Error().Err(err).Str("portfolio_id", id).Msg("Failed to load positions")
		writeError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// HandlePortfolioAnalytics returns the snapshot and derived analytics
// for a portfolio on a date (defaulting to the latest trading day)
func (h *Handlers) HandlePortfolioAnalytics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	date := r.URL.Query().Get("date")
	if date == "" {
		date = h.cal.MostRecentTradingDay(time.Now().UTC()).Format(domain.DateFormat)
	} else if _, err := time.Parse(domain.DateFormat, date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be formatted YYYY-MM-DD")
		return
	}

	snapshot, err := h.snapshots.Get(id, date)
	if err != nil {
		h.log.Error().Err(err).Str("portfolio_id", id).Msg("Failed to load snapshot")
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}

	correlations, err := h.analytics.GetCorrelations(id, date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load correlations")
		return
	}
	exposures, err := h.analytics.GetFactorExposures(id, date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load factor exposures")
		return
	}
	stress, err := h.analytics.GetStressResults(id, date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stress results")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"portfolio_id":     id,
		"date":             date,
		"snapshot":         snapshot,
		"correlations":     correlations,
		"factor_exposures": exposures,
		"stress_results":   stress,
	})
}

// HandleUniverse returns the active symbol universe
func (h *Handlers) HandleUniverse(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.universe.GetActiveSymbols()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load universe")
		writeError(w, http.StatusInternalServerError, "failed to load universe")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

// HandleSystemStatus reports host resource usage and queue depth
func (h *Handlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU percentage")
		cpuPercent = []float64{0}
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memPct := 0.0
	if memStat, err := mem.VirtualMemory(); err == nil {
		memPct = memStat.UsedPercent
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory statistics")
	}

	prices, factorSets, loaded := h.cache.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":             time.Since(h.startupTime).String(),
		"cpu_percent":        cpuAvg,
		"memory_percent":     memPct,
		"onboarding_pending": h.queue.PendingCount(),
		"cache": map[string]interface{}{
			"loaded":     loaded,
			"prices":     prices,
			"factorsets": factorSets,
		},
	})
}

func historyJSON(h batch.RunHistory) map[string]interface{} {
	out := map[string]interface{}{
		"run_date":             h.RunDate,
		"metrics_status":       string(h.MetricsStatus),
		"metrics_duration_ms":  h.MetricsDuration.Milliseconds(),
		"prices_status":        string(h.PricesStatus),
		"prices_duration_ms":   h.PricesDuration.Milliseconds(),
		"fundamentals_status":  string(h.FundamentalsStatus),
		"factors_status":       string(h.FactorsStatus),
		"factors_duration_ms":  h.FactorsDuration.Milliseconds(),
		"portfolios_processed": h.PortfoliosProcessed,
		"symbols_fetched":      h.SymbolsFetched,
		"data_coverage_pct":    h.DataCoveragePct,
	}
	if h.ErrorMessage != "" {
		out["error_message"] = h.ErrorMessage
	}
	if h.CompletedAt != nil {
		out["completed_at"] = h.CompletedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func jobJSON(job onboarding.Job) map[string]interface{} {
	out := map[string]interface{}{
		"job_id":       job.ID,
		"symbol":       job.Symbol,
		"status":       string(job.Status),
		"requested_at": job.RequestedAt.UTC().Format(time.RFC3339),
	}
	if job.Error != "" {
		out["error"] = job.Error
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

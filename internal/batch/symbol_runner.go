package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/astrolin/vigil/internal/calendar"
	"github.com/astrolin/vigil/internal/clients/marketdata"
	"github.com/astrolin/vigil/internal/domain"
)

// Pipeline phases for a nightly symbol run. Phase 2 (fundamentals) is
// reserved and deliberately skipped.
const (
	phaseMetricsName = "metrics"
	phasePricesName  = "prices"
	phaseFactorsName = "factors"
)

// UniverseStore is the slice of universe repository behaviour the runner needs.
type UniverseStore interface {
	GetActiveSymbols() ([]string, error)
	MarkProcessed(symbol, processedDate string) error
	EarliestWatermark() (string, error)
}

// PriceStore persists fetched price bars.
type PriceStore interface {
	Upsert(records []domain.PriceRecord) error
}

// ReferenceStore persists company reference metadata.
type ReferenceStore interface {
	Upsert(ref domain.CompanyReference) error
}

// MetricsComputer derives and persists the daily metrics row for a (symbol, date).
type MetricsComputer interface {
	Compute(symbol, date string) (*domain.DailyMetrics, error)
}

// FactorComputer computes and persists factor exposures for a (symbol, date).
type FactorComputer interface {
	Compute(symbol, date string) ([]domain.FactorExposure, error)
	BenchmarkSymbols() []string
}

// CacheWriter receives the exact keys written to storage.
type CacheWriter interface {
	PutPrices(records []domain.PriceRecord)
	PutFactors(symbol, date string, exposures []domain.FactorExposure)
}

// SymbolRunnerConfig holds operational parameters for the nightly run.
type SymbolRunnerConfig struct {
	MinCoveragePct   float64 // Below this symbol coverage the run is marked failed
	FetchConcurrency int     // Parallel per-symbol computations within a phase
}

// SymbolRunner executes the nightly universe-wide refresh: company
// valuation data, prices, derived metrics, and factor exposures, exactly
// once per trading day per symbol, with automatic backfill of missed days.
type SymbolRunner struct {
	universe  UniverseStore
	prices    PriceStore
	reference ReferenceStore
	metrics   MetricsComputer
	factors   FactorComputer
	provider  marketdata.Provider
	cache     CacheWriter
	history   *HistoryRepository
	tracker   *Tracker
	cal       calendar.TradingCalendar
	cfg       SymbolRunnerConfig
	log       zerolog.Logger

	// now is stubbed in tests
	now func() time.Time
}

// NewSymbolRunner creates a nightly symbol batch runner
func NewSymbolRunner(
	universe UniverseStore,
	prices PriceStore,
	reference ReferenceStore,
	metrics MetricsComputer,
	factors FactorComputer,
	provider marketdata.Provider,
	cache CacheWriter,
	history *HistoryRepository,
	tracker *Tracker,
	cal calendar.TradingCalendar,
	cfg SymbolRunnerConfig,
	log zerolog.Logger,
) *SymbolRunner {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}
	return &SymbolRunner{
		universe:  universe,
		prices:    prices,
		reference: reference,
		metrics:   metrics,
		factors:   factors,
		provider:  provider,
		cache:     cache,
		history:   history,
		tracker:   tracker,
		cal:       cal,
		cfg:       cfg,
		log:       log.With().Str("runner", "symbol_batch").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the nightly refresh for every trading day between the
// last completed run and the most recent completed trading day,
// ascending, so missed nights are caught up rather than silently skipped.
func (r *SymbolRunner) Run(ctx context.Context, triggeredBy string) error {
	dates, err := r.backfillDates()
	if err != nil {
		return fmt.Errorf("failed to determine run dates: %w", err)
	}
	if len(dates) == 0 {
		r.log.Info().Msg("No trading days to process")
		return nil
	}

	r.log.Info().
		Str("from", dates[0]).
		Str("to", dates[len(dates)-1]).
		Int("days", len(dates)).
		Msg("Starting symbol batch run")

	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.RunDate(ctx, date, triggeredBy); err != nil {
			return err
		}
	}

	return nil
}

// backfillDates returns the trading days to process, ascending. The
// anchor is the newest of the run-history completion date and the
// universe watermark; with neither, only the most recent trading day is
// processed.
func (r *SymbolRunner) backfillDates() ([]string, error) {
	latest := r.cal.MostRecentTradingDay(r.now())

	anchor, err := r.history.LastCompletedRunDate()
	if err != nil {
		return nil, err
	}
	watermark, err := r.universe.EarliestWatermark()
	if err != nil {
		return nil, err
	}
	if watermark > anchor {
		anchor = watermark
	}

	if anchor == "" {
		return []string{latest.Format(domain.DateFormat)}, nil
	}

	anchorDay, err := time.Parse(domain.DateFormat, anchor)
	if err != nil {
		return nil, fmt.Errorf("invalid anchor date %q: %w", anchor, err)
	}

	days := r.cal.TradingDaysBetween(anchorDay, latest)
	dates := make([]string, len(days))
	for i, day := range days {
		dates[i] = day.Format(domain.DateFormat)
	}
	return dates, nil
}

// RunDate executes the phased refresh for a single trading day.
func (r *SymbolRunner) RunDate(ctx context.Context, date, triggeredBy string) error {
	symbols, err := r.universe.GetActiveSymbols()
	if err != nil {
		return fmt.Errorf("failed to load active symbols: %w", err)
	}
	symbols = withBenchmarks(symbols, r.factors.BenchmarkSymbols())

	r.tracker.Start(CurrentRun{
		RunID:       uuid.NewString(),
		StartedAt:   r.now(),
		TriggeredBy: triggeredBy,
		TotalJobs:   len(symbols) * 3, // three executed phases
	})
	defer r.tracker.Complete()

	h := RunHistory{
		RunDate:            date,
		MetricsStatus:      PhaseRunning,
		PricesStatus:       PhasePending,
		FundamentalsStatus: PhaseSkipped,
		FactorsStatus:      PhasePending,
	}
	if err := r.history.Upsert(h); err != nil {
		return err
	}

	failedSymbols := make(map[string]bool)
	completed := 0

	// Phase 0: valuation metrics (company reference refresh).
	// Daily metrics rows need same-day closes, so they are derived at the
	// end of the prices phase; this phase refreshes the valuation inputs.
	phaseStart := r.now()
	r.setJob(phaseMetricsName, completed)
	if err := r.runReferencePhase(ctx, symbols); err != nil {
		return r.failRun(&h, fmt.Sprintf("metrics phase: %v", err))
	}
	completed += len(symbols)
	h.MetricsStatus = PhaseCompleted
	h.MetricsDuration = r.now().Sub(phaseStart)
	h.PricesStatus = PhaseRunning
	if err := r.history.Upsert(h); err != nil {
		return err
	}

	// Phase 1: prices, then per-symbol derived metrics
	phaseStart = r.now()
	r.setJob(phasePricesName, completed)
	fetched, err := r.runPricesPhase(ctx, symbols, date, failedSymbols)
	if err != nil {
		return r.failRun(&h, fmt.Sprintf("prices phase: %v", err))
	}
	completed += len(symbols)
	h.SymbolsFetched = fetched
	h.PricesStatus = PhaseCompleted
	h.PricesDuration = r.now().Sub(phaseStart)
	h.FactorsStatus = PhaseRunning
	if err := r.history.Upsert(h); err != nil {
		return err
	}

	// Phase 2 (fundamentals) is reserved and skipped.

	// Phase 3: factor regressions
	phaseStart = r.now()
	r.setJob(phaseFactorsName, completed)
	if err := r.runFactorsPhase(ctx, symbols, date, failedSymbols); err != nil {
		return r.failRun(&h, fmt.Sprintf("factors phase: %v", err))
	}
	completed += len(symbols)
	h.FactorsDuration = r.now().Sub(phaseStart)

	coverage := 100.0
	if len(symbols) > 0 {
		coverage = 100.0 * float64(len(symbols)-len(failedSymbols)) / float64(len(symbols))
	}
	h.DataCoveragePct = coverage

	if coverage < r.cfg.MinCoveragePct {
		return r.failRun(&h, fmt.Sprintf("coverage %.1f%% below threshold %.1f%% (%d of %d symbols failed)",
			coverage, r.cfg.MinCoveragePct, len(failedSymbols), len(symbols)))
	}

	h.FactorsStatus = PhaseCompleted
	now := r.now()
	h.CompletedAt = &now
	if err := r.history.Upsert(h); err != nil {
		return err
	}

	r.tracker.Update(RunUpdate{CompletedJobs: &completed})
	r.log.Info().
		Str("date", date).
		Float64("coverage_pct", coverage).
		Int("symbols", len(symbols)).
		Int("failed", len(failedSymbols)).
		Msg("Symbol batch run completed")

	return nil
}

// runReferencePhase refreshes company valuation metadata wholesale.
// Provider unreachable is a phase-level failure; symbols the provider
// does not know are tolerated.
func (r *SymbolRunner) runReferencePhase(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}

	refs, err := r.provider.FetchCompanyReference(ctx, symbols)
	if err != nil {
		return err
	}

	for _, ref := range refs {
		if err := r.reference.Upsert(ref); err != nil {
			return err
		}
	}

	return nil
}

// runPricesPhase fetches the day's bars for all symbols in one batched
// call, persists them, updates the cache, and derives daily metrics.
// Returns the number of symbols with fetched bars.
func (r *SymbolRunner) runPricesPhase(ctx context.Context, symbols []string, date string, failedSymbols map[string]bool) (int, error) {
	if len(symbols) == 0 {
		return 0, nil
	}

	day, err := time.Parse(domain.DateFormat, date)
	if err != nil {
		return 0, fmt.Errorf("invalid run date %q: %w", date, err)
	}

	resp, err := r.provider.FetchPrices(ctx, symbols, day, day)
	if err != nil {
		// Wholesale failure aborts the phase
		return 0, err
	}

	for symbol, symErr := range resp.Failed {
		failedSymbols[symbol] = true
		r.log.Warn().Err(symErr).Str("symbol", symbol).Str("date", date).Msg("Symbol price fetch failed, skipping")
	}

	fetched := 0
	var toCache []domain.PriceRecord
	for symbol, records := range resp.Prices {
		if len(records) == 0 {
			// No trading activity for this symbol on this day
			continue
		}
		if err := r.prices.Upsert(records); err != nil {
			failedSymbols[symbol] = true
			r.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to persist prices, skipping symbol")
			continue
		}
		toCache = append(toCache, records...)
		fetched++
	}
	r.cache.PutPrices(toCache)

	// Derive per-symbol daily metrics now that the day's closes exist
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FetchConcurrency)
	for symbol := range resp.Prices {
		if failedSymbols[symbol] || len(resp.Prices[symbol]) == 0 {
			continue
		}
		symbol := symbol
		g.Go(func() error {
			if _, err := r.metrics.Compute(symbol, date); err != nil {
				// Metrics need history; a thin series is not a symbol failure
				r.log.Debug().Err(err).Str("symbol", symbol).Msg("Daily metrics not computed")
			}
			return nil
		})
	}
	_ = g.Wait()

	return fetched, nil
}

// runFactorsPhase computes exposures for every symbol that survived the
// prices phase, updates the cache, and advances each symbol's watermark.
func (r *SymbolRunner) runFactorsPhase(ctx context.Context, symbols []string, date string, failedSymbols map[string]bool) error {
	// Snapshot the surviving symbols before dispatch; workers below write
	// failedSymbols concurrently, so the map must not be read mid-flight.
	eligible := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		if !failedSymbols[symbol] {
			eligible = append(eligible, symbol)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FetchConcurrency)

	var mu sync.Mutex

	for _, symbol := range eligible {
		symbol := symbol
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			exposures, err := r.factors.Compute(symbol, date)
			if err != nil {
				mu.Lock()
				failedSymbols[symbol] = true
				mu.Unlock()
				r.log.Warn().Err(err).Str("symbol", symbol).Str("date", date).Msg("Factor computation failed, skipping symbol")
				return nil
			}

			r.cache.PutFactors(symbol, date, exposures)
			return r.universe.MarkProcessed(symbol, date)
		})
	}

	return g.Wait()
}

// failRun persists the failure and returns an error carrying the message.
func (r *SymbolRunner) failRun(h *RunHistory, message string) error {
	switch {
	case h.MetricsStatus == PhaseRunning:
		h.MetricsStatus = PhaseFailed
	case h.PricesStatus == PhaseRunning:
		h.PricesStatus = PhaseFailed
	case h.FactorsStatus == PhaseRunning:
		h.FactorsStatus = PhaseFailed
	}
	h.ErrorMessage = message

	if err := r.history.Upsert(*h); err != nil {
		r.log.Error().Err(err).Msg("Failed to persist run failure")
	}

	r.log.Error().Str("date", h.RunDate).Str("error", message).Msg("Symbol batch run failed")
	return errors.New(message)
}

func (r *SymbolRunner) setJob(name string, completed int) {
	r.tracker.Update(RunUpdate{CurrentJobName: &name, CompletedJobs: &completed})
}

// withBenchmarks unions the active universe with the factor benchmark
// symbols so benchmark series stay fresh for the regressions.
func withBenchmarks(symbols, benchmarks []string) []string {
	seen := make(map[string]bool, len(symbols)+len(benchmarks))
	out := make([]string, 0, len(symbols)+len(benchmarks))
	for _, s := range symbols {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, b := range benchmarks {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	sort.Strings(out)
	return out
}

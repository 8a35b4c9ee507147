package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/astrolin/vigil/internal/calendar"
	"github.com/astrolin/vigil/internal/domain"
	"github.com/astrolin/vigil/internal/modules/portfolio"
)

// ErrDependencyNotSatisfied is returned when the portfolio refresh gives
// up waiting for its upstream dependencies. The wrapped message names
// the unmet dependency.
var ErrDependencyNotSatisfied = errors.New("dependency not satisfied")

// OnboardingStatus reports whether onboarding work is still in flight.
type OnboardingStatus interface {
	PendingCount() int
}

// PortfolioStore is the slice of portfolio repository behaviour the
// runner needs.
type PortfolioStore interface {
	GetAll() ([]domain.Portfolio, error)
	GetPositions(portfolioID string) ([]domain.Position, error)
}

// SnapshotStore persists portfolio snapshots.
type SnapshotStore interface {
	Get(portfolioID, date string) (*domain.PortfolioSnapshot, error)
	GetLatestComplete(portfolioID, beforeDate string) (*domain.PortfolioSnapshot, error)
	Save(snap domain.PortfolioSnapshot) error
}

// AnalyticsStore persists the derived analytics result sets.
type AnalyticsStore interface {
	ReplaceCorrelations(portfolioID, date string, pairs []domain.CorrelationPair) error
	ReplaceFactorExposures(portfolioID, date string, exposures []domain.PortfolioFactorExposure) error
	ReplaceStressResults(portfolioID, date string, results []domain.StressResult) error
}

// Analytics computes the per-portfolio phases. Implemented by
// portfolio.AnalyticsService.
type Analytics interface {
	ValuePositions(positions []domain.Position, date string) (*Valuation, error)
	ComputeCorrelations(portfolioID string, positions []domain.Position, date string) ([]domain.CorrelationPair, error)
	AggregateExposures(portfolioID string, valuation *Valuation, date string) ([]domain.PortfolioFactorExposure, error)
	RunStressTests(portfolioID string, valuation *Valuation, exposures []domain.PortfolioFactorExposure, date string) []domain.StressResult
}

// Valuation aliases the portfolio module's valuation result so the
// concrete analytics service satisfies Analytics directly.
type Valuation = portfolio.Valuation

// PortfolioRunnerConfig holds the dependency-wait and concurrency knobs.
type PortfolioRunnerConfig struct {
	WaitTimeout time.Duration // Overall bound on the dependency wait
	WaitBackoff time.Duration // Initial poll interval; doubles up to a cap
	Concurrency int           // Portfolios processed in parallel
}

// PortfolioRunner derives per-portfolio analytics after the symbol batch
// has refreshed the cache and the onboarding queue has drained. Phases
// for one portfolio are strictly ordered; portfolios run concurrently.
type PortfolioRunner struct {
	portfolios PortfolioStore
	snapshots  SnapshotStore
	results    AnalyticsStore
	analytics  Analytics
	history    *HistoryRepository
	onboarding OnboardingStatus
	tracker    *Tracker
	cal        calendar.TradingCalendar
	cfg        PortfolioRunnerConfig
	log        zerolog.Logger

	now func() time.Time
}

// NewPortfolioRunner creates a portfolio refresh runner
func NewPortfolioRunner(
	portfolios PortfolioStore,
	snapshots SnapshotStore,
	results AnalyticsStore,
	analytics Analytics,
	history *HistoryRepository,
	onboarding OnboardingStatus,
	tracker *Tracker,
	cal calendar.TradingCalendar,
	cfg PortfolioRunnerConfig,
	log zerolog.Logger,
) *PortfolioRunner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &PortfolioRunner{
		portfolios: portfolios,
		snapshots:  snapshots,
		results:    results,
		analytics:  analytics,
		history:    history,
		onboarding: onboarding,
		tracker:    tracker,
		cal:        cal,
		cfg:        cfg,
		log:        log.With().Str("runner", "portfolio_refresh").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run refreshes every portfolio for the most recent completed trading day.
func (r *PortfolioRunner) Run(ctx context.Context, triggeredBy string) error {
	date := r.cal.MostRecentTradingDay(r.now()).Format(domain.DateFormat)
	return r.RunDate(ctx, date, triggeredBy)
}

// RunDate refreshes every portfolio for a specific date. It first waits,
// with backoff and a hard timeout, for the symbol batch's factors phase
// to complete and for the onboarding queue to drain. On timeout the run
// is marked failed and no partial-data processing is attempted.
func (r *PortfolioRunner) RunDate(ctx context.Context, date, triggeredBy string) error {
	if err := r.waitForDependencies(ctx, date); err != nil {
		r.recordFailure(date, err.Error())
		return err
	}

	portfolios, err := r.portfolios.GetAll()
	if err != nil {
		return fmt.Errorf("failed to load portfolios: %w", err)
	}

	r.tracker.Start(CurrentRun{
		RunID:       uuid.NewString(),
		StartedAt:   r.now(),
		TriggeredBy: triggeredBy,
		TotalJobs:   len(portfolios),
	})
	defer r.tracker.Complete()

	var (
		processed int
		failed    int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	done := make(chan string, len(portfolios))
	for _, p := range portfolios {
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			name := p.Name
			r.tracker.Update(RunUpdate{CurrentPortfolioName: &name})

			if err := r.processPortfolio(p, date); err != nil {
				r.log.Error().Err(err).Str("portfolio", p.Name).Str("date", date).Msg("Portfolio refresh failed")
				done <- ""
				return nil // One portfolio's failure does not abort the others
			}
			done <- p.ID
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	close(done)
	for id := range done {
		if id == "" {
			failed++
		} else {
			processed++
		}
	}

	completed := processed
	failedJobs := failed
	r.tracker.Update(RunUpdate{CompletedJobs: &completed, FailedJobs: &failedJobs})

	if err := r.history.SetPortfoliosProcessed(date, processed); err != nil {
		r.log.Warn().Err(err).Msg("Failed to record portfolios_processed")
	}

	r.log.Info().
		Str("date", date).
		Int("processed", processed).
		Int("failed", failed).
		Msg("Portfolio refresh completed")

	if failed > 0 {
		return fmt.Errorf("portfolio refresh for %s: %d of %d portfolios failed", date, failed, processed+failed)
	}
	return nil
}

// waitForDependencies polls until the symbol batch's factors phase shows
// completed for the date and the onboarding queue is idle. The poll
// interval doubles from cfg.WaitBackoff up to one minute; the overall
// wait is bounded by cfg.WaitTimeout.
func (r *PortfolioRunner) waitForDependencies(ctx context.Context, date string) error {
	deadline := r.now().Add(r.cfg.WaitTimeout)
	backoff := r.cfg.WaitBackoff
	const maxBackoff = time.Minute

	for {
		unmet, err := r.unmetDependency(date)
		if err != nil {
			return err
		}
		if unmet == "" {
			return nil
		}

		if !r.now().Add(backoff).Before(deadline) {
			return fmt.Errorf("%w: %s (waited %s)", ErrDependencyNotSatisfied, unmet, r.cfg.WaitTimeout)
		}

		r.log.Debug().Str("date", date).Str("waiting_on", unmet).Dur("backoff", backoff).Msg("Dependency not ready, backing off")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s (context cancelled)", ErrDependencyNotSatisfied, unmet)
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// unmetDependency names the first unsatisfied dependency, or returns
// empty when all are met.
func (r *PortfolioRunner) unmetDependency(date string) (string, error) {
	h, err := r.history.Get(date)
	if err != nil {
		return "", err
	}
	if h == nil || h.FactorsStatus != PhaseCompleted {
		return fmt.Sprintf("symbol batch factors phase not completed for %s", date), nil
	}
	if pending := r.onboarding.PendingCount(); pending > 0 {
		return fmt.Sprintf("onboarding queue has %d pending jobs", pending), nil
	}
	return "", nil
}

// processPortfolio runs the four ordered phases for one portfolio:
// snapshot, correlations, factor aggregation, stress tests.
func (r *PortfolioRunner) processPortfolio(p domain.Portfolio, date string) error {
	existing, err := r.snapshots.Get(p.ID, date)
	if err != nil {
		return err
	}
	if existing != nil && existing.IsComplete {
		// Already fully refreshed for this date
		r.log.Debug().Str("portfolio", p.Name).Str("date", date).Msg("Snapshot already complete, skipping")
		return nil
	}

	positions, err := r.portfolios.GetPositions(p.ID)
	if err != nil {
		return err
	}

	// Phase 1: snapshot from cached prices. Written incomplete first so
	// a crash leaves a row that the next run replaces rather than skips.
	valuation, err := r.analytics.ValuePositions(positions, date)
	if err != nil {
		return fmt.Errorf("snapshot phase: %w", err)
	}

	prev, err := r.snapshots.GetLatestComplete(p.ID, date)
	if err != nil {
		return err
	}

	snap := domain.PortfolioSnapshot{
		PortfolioID:   p.ID,
		SnapshotDate:  date,
		EquityBalance: valuation.Equity,
		CumulativePnL: valuation.Equity - valuation.CostBasis,
	}
	if prev != nil {
		snap.DailyPnL = valuation.Equity - prev.EquityBalance
	}
	if err := r.snapshots.Save(snap); err != nil {
		return fmt.Errorf("snapshot phase: %w", err)
	}

	// Phase 2: pairwise correlations
	pairs, err := r.analytics.ComputeCorrelations(p.ID, positions, date)
	if err != nil {
		return fmt.Errorf("correlation phase: %w", err)
	}
	if err := r.results.ReplaceCorrelations(p.ID, date, pairs); err != nil {
		return fmt.Errorf("correlation phase: %w", err)
	}

	// Phase 3: factor aggregation
	exposures, err := r.analytics.AggregateExposures(p.ID, valuation, date)
	if err != nil {
		return fmt.Errorf("aggregation phase: %w", err)
	}
	if err := r.results.ReplaceFactorExposures(p.ID, date, exposures); err != nil {
		return fmt.Errorf("aggregation phase: %w", err)
	}

	// Phase 4: stress tests against the aggregated exposures
	stress := r.analytics.RunStressTests(p.ID, valuation, exposures, date)
	if err := r.results.ReplaceStressResults(p.ID, date, stress); err != nil {
		return fmt.Errorf("stress phase: %w", err)
	}

	// All phases done: finalize the snapshot
	snap.IsComplete = true
	if err := r.snapshots.Save(snap); err != nil {
		return err
	}

	return nil
}

// recordFailure persists the refresh failure message onto the run-date
// history row, creating a pending row when the symbol batch never ran.
func (r *PortfolioRunner) recordFailure(date, message string) {
	h, err := r.history.Get(date)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to load history while recording failure")
		return
	}
	if h == nil {
		h = &RunHistory{
			RunDate:            date,
			MetricsStatus:      PhasePending,
			PricesStatus:       PhasePending,
			FundamentalsStatus: PhaseSkipped,
			FactorsStatus:      PhasePending,
		}
	}
	h.ErrorMessage = message

	if err := r.history.Upsert(*h); err != nil {
		r.log.Error().Err(err).Msg("Failed to persist refresh failure")
	}
}

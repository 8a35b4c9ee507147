package factors

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/astrolin/vigil/internal/domain"
)

// Factor pairs a factor identifier with the benchmark symbol whose price
// history provides the factor's return series.
type Factor struct {
	ID        string
	Benchmark string
}

// DefaultFactors is the factor model used when none is configured.
// Benchmarks are broad ETFs whose bars are fetched by the nightly batch
// alongside the rest of the universe.
var DefaultFactors = []Factor{
	{ID: "market", Benchmark: "SPY"},
	{ID: "size", Benchmark: "IWM"},
	{ID: "value", Benchmark: "VTV"},
	{ID: "growth", Benchmark: "VUG"},
	{ID: "rates", Benchmark: "TLT"},
}

// RegressionLookbackDays is the trading-day window used for beta estimation.
const RegressionLookbackDays = 252

// MinObservations is the fewest paired return observations accepted for
// a regression. Below this, the exposure is skipped rather than reported
// with meaningless confidence.
const MinObservations = 20

// PriceHistory is the slice of price repository behaviour the service
// needs, kept narrow so tests can substitute a stub.
type PriceHistory interface {
	GetRecent(symbol string, limit int) ([]domain.PriceRecord, error)
}

// Service computes factor exposures via OLS regression of symbol returns
// against each factor's benchmark returns.
type Service struct {
	prices    PriceHistory
	exposures *ExposureRepository
	factors   []Factor
	log       zerolog.Logger
}

// NewService creates a new factor regression service
func NewService(prices PriceHistory, exposures *ExposureRepository, factors []Factor, log zerolog.Logger) *Service {
	if len(factors) == 0 {
		factors = DefaultFactors
	}
	return &Service{
		prices:    prices,
		exposures: exposures,
		factors:   factors,
		log:       log.With().Str("service", "factors").Logger(),
	}
}

// Factors returns the configured factor model.
func (s *Service) Factors() []Factor {
	return s.factors
}

// BenchmarkSymbols returns the benchmark symbols the factor model depends on.
func (s *Service) BenchmarkSymbols() []string {
	symbols := make([]string, len(s.factors))
	for i, f := range s.factors {
		symbols[i] = f.Benchmark
	}
	return symbols
}

// Compute calculates and persists exposures for a symbol as of a date.
// Factors whose benchmark series cannot be aligned with enough
// observations are skipped with a warning; the remaining factors are
// still written.
func (s *Service) Compute(symbol, date string) ([]domain.FactorExposure, error) {
	symbolReturns, err := s.returnsByDate(symbol, date)
	if err != nil {
		return nil, err
	}
	if len(symbolReturns) < MinObservations {
		return nil, fmt.Errorf("insufficient return history for %s as of %s (%d observations)",
			symbol, date, len(symbolReturns))
	}

	var exposures []domain.FactorExposure
	for _, factor := range s.factors {
		benchReturns, err := s.returnsByDate(factor.Benchmark, date)
		if err != nil {
			s.log.Warn().Err(err).
				Str("factor", factor.ID).
				Str("benchmark", factor.Benchmark).
				Msg("Failed to load benchmark returns, skipping factor")
			continue
		}

		xs, ys := alignReturns(benchReturns, symbolReturns)
		if len(xs) < MinObservations {
			s.log.Warn().
				Str("symbol", symbol).
				Str("factor", factor.ID).
				Int("observations", len(xs)).
				Msg("Too few aligned observations, skipping factor")
			continue
		}

		alpha, beta := stat.LinearRegression(xs, ys, nil, false)
		rsq := stat.RSquared(xs, ys, nil, alpha, beta)

		exposures = append(exposures, domain.FactorExposure{
			Symbol:          symbol,
			CalculationDate: date,
			FactorID:        factor.ID,
			Beta:            beta,
			RSquared:        rsq,
		})
	}

	if len(exposures) == 0 {
		return nil, fmt.Errorf("no factor exposures computable for %s as of %s", symbol, date)
	}

	if err := s.exposures.Upsert(exposures); err != nil {
		return nil, err
	}

	return exposures, nil
}

// returnsByDate loads recent bars for a symbol and converts them to a
// date-keyed map of daily returns, dropping bars after the as-of date.
func (s *Service) returnsByDate(symbol, asOf string) (map[string]float64, error) {
	// One extra bar for the first return, plus slack for the as-of cut.
	bars, err := s.prices.GetRecent(symbol, RegressionLookbackDays+30)
	if err != nil {
		return nil, err
	}

	returns := make(map[string]float64)
	var prev *domain.PriceRecord
	for i := range bars {
		bar := bars[i]
		if bar.Date > asOf {
			break
		}
		if prev != nil && prev.Close != 0 {
			returns[bar.Date] = (bar.Close - prev.Close) / prev.Close
		}
		prev = &bars[i]
	}

	return returns, nil
}

// alignReturns intersects two date-keyed return series, producing paired
// observation slices ordered consistently.
func alignReturns(xByDate, yByDate map[string]float64) (xs, ys []float64) {
	dates := make([]string, 0, len(xByDate))
	for date := range xByDate {
		if _, ok := yByDate[date]; ok {
			dates = append(dates, date)
		}
	}
	sort.Strings(dates)

	xs = make([]float64, len(dates))
	ys = make([]float64, len(dates))
	for i, date := range dates {
		xs[i] = xByDate[date]
		ys[i] = yByDate[date]
	}
	return xs, ys
}

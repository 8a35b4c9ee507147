package universe

import (
	"fmt"
	"strings"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/astrolin/vigil/internal/domain"
)

// Trading-day window lengths for fixed-horizon returns.
const (
	window1M = 21
	window3M = 63
	window1Y = 252
)

// MetricsService derives per-symbol daily metrics from price history and
// company reference data.
type MetricsService struct {
	prices    *PriceRepository
	reference *ReferenceRepository
	metrics   *MetricsRepository
	log       zerolog.Logger
}

// NewMetricsService creates a new metrics service
func NewMetricsService(
	prices *PriceRepository,
	reference *ReferenceRepository,
	metrics *MetricsRepository,
	log zerolog.Logger,
) *MetricsService {
	return &MetricsService{
		prices:    prices,
		reference: reference,
		metrics:   metrics,
		log:       log.With().Str("service", "metrics").Logger(),
	}
}

// Compute calculates and persists metrics for a symbol as of a date.
// It needs at least two price bars up to and including the date; with a
// shorter history the longer-horizon returns are simply zero.
func (s *MetricsService) Compute(symbol, date string) (*domain.DailyMetrics, error) {
	history, err := s.prices.GetRange(symbol, horizonStart(date), date)
	if err != nil {
		return nil, err
	}
	if len(history) < 2 {
		return nil, fmt.Errorf("insufficient price history for %s as of %s (%d bars)", symbol, date, len(history))
	}
	if history[len(history)-1].Date != date {
		return nil, fmt.Errorf("no price for %s on %s", symbol, date)
	}

	closes := make([]float64, len(history))
	for i, rec := range history {
		closes[i] = rec.Close
	}

	m := domain.DailyMetrics{
		Symbol:      symbol,
		MetricsDate: date,
		Return1D:    lastRocp(closes, 1),
		Return1M:    lastRocp(closes, window1M),
		Return3M:    lastRocp(closes, window3M),
		Return1Y:    lastRocp(closes, window1Y),
		ReturnMTD:   periodReturn(history, date[:8]+"01"),
		ReturnYTD:   periodReturn(history, date[:4]+"-01-01"),
	}

	if ref, err := s.reference.Get(symbol); err == nil && ref != nil {
		m.Sector = ref.Sector
		m.PERatio = ref.PERatio
		m.MarketCap = ref.MarketCap
	}

	if err := s.metrics.Upsert(m); err != nil {
		return nil, err
	}

	return &m, nil
}

// lastRocp returns the latest rate-of-change over `period` bars, or zero
// when the series is too short.
func lastRocp(closes []float64, period int) float64 {
	if len(closes) <= period {
		return 0
	}
	rocp := talib.Rocp(closes, period)
	return rocp[len(rocp)-1]
}

// periodReturn computes the return from the first bar at or after the
// period start to the last bar in the series.
func periodReturn(history []domain.PriceRecord, periodStart string) float64 {
	last := history[len(history)-1]

	for _, rec := range history {
		if strings.Compare(rec.Date, periodStart) >= 0 {
			if rec.Close == 0 || rec.Date == last.Date {
				return 0
			}
			return (last.Close - rec.Close) / rec.Close
		}
	}

	return 0
}

// horizonStart returns the earliest date worth loading for metric
// computation: a calendar buffer past the 1-year trading window.
func horizonStart(date string) string {
	t, err := time.Parse(domain.DateFormat, date)
	if err != nil {
		return ""
	}
	return t.AddDate(-1, -1, 0).Format(domain.DateFormat)
}

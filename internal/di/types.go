// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/astrolin/vigil/internal/batch"
	"github.com/astrolin/vigil/internal/cache"
	"github.com/astrolin/vigil/internal/calendar"
	"github.com/astrolin/vigil/internal/clients/marketdata"
	"github.com/astrolin/vigil/internal/database"
	"github.com/astrolin/vigil/internal/modules/factors"
	"github.com/astrolin/vigil/internal/modules/portfolio"
	"github.com/astrolin/vigil/internal/modules/universe"
	"github.com/astrolin/vigil/internal/onboarding"
)

// Container holds all application dependencies. It is created by Wire()
// and passed to the server and the scheduler registration in main.
type Container struct {
	// Databases
	UniverseDB  *database.DB
	PortfolioDB *database.DB
	CacheDB     *database.DB

	// Clients
	MarketData marketdata.Provider

	// Repositories
	UniverseRepo  *universe.Repository
	PriceRepo     *universe.PriceRepository
	MetricsRepo   *universe.MetricsRepository
	ReferenceRepo *universe.ReferenceRepository
	ExposureRepo  *factors.ExposureRepository
	PortfolioRepo *portfolio.Repository
	SnapshotRepo  *portfolio.SnapshotRepository
	AnalyticsRepo *portfolio.AnalyticsRepository
	HistoryRepo   *batch.HistoryRepository

	// Services
	Calendar         calendar.TradingCalendar
	MetricsService   *universe.MetricsService
	FactorService    *factors.Service
	AnalyticsService *portfolio.AnalyticsService
	Cache            *cache.SymbolCache
	Onboarding       *onboarding.Queue
	Tracker          *batch.Tracker
	SymbolRunner     *batch.SymbolRunner
	PortfolioRunner  *batch.PortfolioRunner
}

// Close shuts down everything the container owns, workers first so
// in-flight jobs finish against open databases.
func (c *Container) Close() {
	if c.Onboarding != nil {
		c.Onboarding.Stop()
	}
	for _, db := range []*database.DB{c.CacheDB, c.PortfolioDB, c.UniverseDB} {
		if db != nil {
			db.Close()
		}
	}
}

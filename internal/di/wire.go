package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/astrolin/vigil/internal/batch"
	"github.com/astrolin/vigil/internal/cache"
	"github.com/astrolin/vigil/internal/calendar"
	"github.com/astrolin/vigil/internal/clients/marketdata"
	"github.com/astrolin/vigil/internal/config"
	"github.com/astrolin/vigil/internal/database"
	"github.com/astrolin/vigil/internal/modules/factors"
	"github.com/astrolin/vigil/internal/modules/portfolio"
	"github.com/astrolin/vigil/internal/modules/universe"
	"github.com/astrolin/vigil/internal/onboarding"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
//  1. Open and migrate databases
//  2. Initialize repositories
//  3. Initialize services, cache, queue, and runners
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{}

	if err := initDatabases(c, cfg); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	initRepositories(c, log)
	initServices(c, cfg, log)

	log.Info().Msg("Dependency injection wiring completed")
	return c, nil
}

func initDatabases(c *Container, cfg *config.Config) error {
	var err error

	c.UniverseDB, err = database.New(database.Config{
		Path: cfg.DatabasePath("universe"), Name: "universe", Profile: database.ProfileStandard,
	})
	if err != nil {
		return err
	}

	c.PortfolioDB, err = database.New(database.Config{
		Path: cfg.DatabasePath("portfolio"), Name: "portfolio", Profile: database.ProfileStandard,
	})
	if err != nil {
		return err
	}

	c.CacheDB, err = database.New(database.Config{
		Path: cfg.DatabasePath("cache"), Name: "cache", Profile: database.ProfileCache,
	})
	if err != nil {
		return err
	}

	for _, db := range []*database.DB{c.UniverseDB, c.PortfolioDB, c.CacheDB} {
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", db.Name(), err)
		}
	}

	return nil
}

func initRepositories(c *Container, log zerolog.Logger) {
	c.UniverseRepo = universe.NewRepository(c.UniverseDB.Conn(), log)
	c.PriceRepo = universe.NewPriceRepository(c.UniverseDB.Conn(), log)
	c.MetricsRepo = universe.NewMetricsRepository(c.UniverseDB.Conn(), log)
	c.ReferenceRepo = universe.NewReferenceRepository(c.UniverseDB.Conn(), log)
	c.ExposureRepo = factors.NewExposureRepository(c.UniverseDB.Conn(), log)

	c.PortfolioRepo = portfolio.NewRepository(c.PortfolioDB.Conn(), log)
	c.SnapshotRepo = portfolio.NewSnapshotRepository(c.PortfolioDB.Conn(), log)
	c.AnalyticsRepo = portfolio.NewAnalyticsRepository(c.PortfolioDB.Conn(), log)

	c.HistoryRepo = batch.NewHistoryRepository(c.CacheDB.Conn(), log)
}

func initServices(c *Container, cfg *config.Config, log zerolog.Logger) {
	c.Calendar = calendar.NewWeekdayCalendar()
	c.MarketData = marketdata.NewClient(
		cfg.MarketDataBaseURL, cfg.MarketDataAPIKey, cfg.MarketDataRateLimit, log)

	c.MetricsService = universe.NewMetricsService(c.PriceRepo, c.ReferenceRepo, c.MetricsRepo, log)
	c.FactorService = factors.NewService(c.PriceRepo, c.ExposureRepo, factors.DefaultFactors, log)

	c.Cache = cache.New(
		&cacheStorage{prices: c.PriceRepo, factors: c.ExposureRepo},
		cfg.CacheWarmupTimeout, log)

	c.AnalyticsService = portfolio.NewAnalyticsService(
		c.Cache, c.Cache, c.PriceRepo, portfolio.DefaultScenarios, log)

	c.Onboarding = onboarding.New(
		c.UniverseRepo, c.MarketData, c.PriceRepo, c.FactorService, c.Cache,
		c.Calendar,
		onboarding.Config{
			Workers:      cfg.OnboardingWorkers,
			QueueSize:    cfg.OnboardingQueueSize,
			LookbackDays: cfg.OnboardingLookbackDays,
		},
		log)

	c.Tracker = batch.NewTracker()
	c.SymbolRunner = batch.NewSymbolRunner(
		c.UniverseRepo, c.PriceRepo, c.ReferenceRepo, c.MetricsService,
		c.FactorService, c.MarketData, c.Cache, c.HistoryRepo, c.Tracker,
		c.Calendar,
		batch.SymbolRunnerConfig{
			MinCoveragePct:   cfg.MinCoveragePct,
			FetchConcurrency: cfg.FetchConcurrency,
		},
		log)

	c.PortfolioRunner = batch.NewPortfolioRunner(
		c.PortfolioRepo, c.SnapshotRepo, c.AnalyticsRepo, c.AnalyticsService,
		c.HistoryRepo, c.Onboarding, c.Tracker, c.Calendar,
		batch.PortfolioRunnerConfig{
			WaitTimeout: cfg.DependencyWaitTimeout,
			WaitBackoff: cfg.DependencyWaitBackoff,
			Concurrency: cfg.FetchConcurrency,
		},
		log)
}

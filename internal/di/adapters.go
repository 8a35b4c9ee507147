package di

import (
	"github.com/astrolin/vigil/internal/domain"
	"github.com/astrolin/vigil/internal/modules/factors"
	"github.com/astrolin/vigil/internal/modules/universe"
)

// cacheStorage adapts the price and exposure repositories to the symbol
// cache's storage contract. Storage stays the source of truth; the cache
// only shadows it.
type cacheStorage struct {
	prices  *universe.PriceRepository
	factors *factors.ExposureRepository
}

func (s *cacheStorage) GetPrice(symbol, date string) (*domain.PriceRecord, error) {
	return s.prices.Get(symbol, date)
}

func (s *cacheStorage) GetFactors(symbol, date string) ([]domain.FactorExposure, error) {
	return s.factors.Get(symbol, date)
}

func (s *cacheStorage) LoadAllPrices(fn func(domain.PriceRecord) error) error {
	return s.prices.GetAll(fn)
}

func (s *cacheStorage) LoadAllFactors(fn func(domain.FactorExposure) error) error {
	return s.factors.GetAll(fn)
}

// Package cache provides the unified in-memory symbol cache.
//
// The cache shadows persisted price and factor rows. On process start it
// bulk-loads asynchronously; until the load finishes, every lookup falls
// through to storage so readers never see a cold-start flicker. Writers
// (the batch runners and the onboarding queue) persist to storage first,
// then update the exact keys that changed.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/astrolin/vigil/internal/domain"
)

// Storage is the persisted source of truth the cache shadows.
type Storage interface {
	GetPrice(symbol, date string) (*domain.PriceRecord, error)
	GetFactors(symbol, date string) ([]domain.FactorExposure, error)
	LoadAllPrices(fn func(domain.PriceRecord) error) error
	LoadAllFactors(fn func(domain.FactorExposure) error) error
}

type key struct {
	symbol string
	date   string
}

// SymbolCache is the unified read-through cache for price and factor data.
type SymbolCache struct {
	storage       Storage
	warmupTimeout time.Duration
	log           zerolog.Logger

	mu      sync.RWMutex
	prices  map[key]domain.PriceRecord
	factors map[key][]domain.FactorExposure
	loaded  bool // Bulk load finished; memory is authoritative

	readyMu sync.RWMutex
	ready   bool // Reported by the readiness probe; forced true after timeout
}

// New creates a symbol cache. Call Start to begin the warm-up.
func New(storage Storage, warmupTimeout time.Duration, log zerolog.Logger) *SymbolCache {
	return &SymbolCache{
		storage:       storage,
		warmupTimeout: warmupTimeout,
		log:           log.With().Str("component", "symbol_cache").Logger(),
		prices:        make(map[key]domain.PriceRecord),
		factors:       make(map[key][]domain.FactorExposure),
	}
}

// Start launches the asynchronous bulk load. It returns immediately; the
// readiness flag flips when the load completes or the warm-up timeout
// elapses, whichever comes first. Availability is chosen over strictness:
// the process never blocks indefinitely on warm-up.
func (c *SymbolCache) Start(ctx context.Context) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		start := time.Now()

		if err := c.bulkLoad(); err != nil {
			c.log.Error().Err(err).Msg("Cache bulk load failed, lookups stay on storage fallback")
			return
		}

		c.mu.Lock()
		c.loaded = true
		priceCount := len(c.prices)
		factorCount := len(c.factors)
		c.mu.Unlock()

		c.log.Info().
			Int("prices", priceCount).
			Int("factor_sets", factorCount).
			Dur("elapsed", time.Since(start)).
			Msg("Cache warm-up complete")
	}()

	go func() {
		timer := time.NewTimer(c.warmupTimeout)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			c.log.Warn().Dur("timeout", c.warmupTimeout).Msg("Cache warm-up timeout elapsed, reporting ready")
		case <-ctx.Done():
		}

		c.readyMu.Lock()
		c.ready = true
		c.readyMu.Unlock()
	}()
}

// bulkLoad reads every persisted row into staging maps, then swaps them
// in under the write lock so per-key writes racing the load are not lost.
func (c *SymbolCache) bulkLoad() error {
	stagedPrices := make(map[key]domain.PriceRecord)
	err := c.storage.LoadAllPrices(func(rec domain.PriceRecord) error {
		stagedPrices[key{rec.Symbol, rec.Date}] = rec
		return nil
	})
	if err != nil {
		return err
	}

	stagedFactors := make(map[key][]domain.FactorExposure)
	err = c.storage.LoadAllFactors(func(exp domain.FactorExposure) error {
		k := key{exp.Symbol, exp.CalculationDate}
		stagedFactors[k] = append(stagedFactors[k], exp)
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Keys written while the load ran are fresher than the staged rows.
	for k, rec := range c.prices {
		stagedPrices[k] = rec
	}
	for k, exps := range c.factors {
		stagedFactors[k] = exps
	}
	c.prices = stagedPrices
	c.factors = stagedFactors

	return nil
}

// IsReady reports readiness: true once the warm-up finished or timed out.
func (c *SymbolCache) IsReady() bool {
	c.readyMu.RLock()
	defer c.readyMu.RUnlock()
	return c.ready
}

// GetPrice returns the price record for a (symbol, date) key.
// The second return is false when the key is absent.
func (c *SymbolCache) GetPrice(symbol, date string) (domain.PriceRecord, bool, error) {
	c.mu.RLock()
	rec, hit := c.prices[key{symbol, date}]
	loaded := c.loaded
	c.mu.RUnlock()

	if hit {
		return rec, true, nil
	}
	if loaded {
		// Memory is authoritative after the bulk load; a miss is a miss.
		return domain.PriceRecord{}, false, nil
	}

	// Cold start: fall through to storage
	stored, err := c.storage.GetPrice(symbol, date)
	if err != nil {
		return domain.PriceRecord{}, false, err
	}
	if stored == nil {
		return domain.PriceRecord{}, false, nil
	}
	return *stored, true, nil
}

// GetFactors returns all factor exposures for a (symbol, date) key.
// The second return is false when the key is absent.
func (c *SymbolCache) GetFactors(symbol, date string) ([]domain.FactorExposure, bool, error) {
	c.mu.RLock()
	exps, hit := c.factors[key{symbol, date}]
	loaded := c.loaded
	c.mu.RUnlock()

	if hit {
		out := make([]domain.FactorExposure, len(exps))
		copy(out, exps)
		return out, true, nil
	}
	if loaded {
		return nil, false, nil
	}

	stored, err := c.storage.GetFactors(symbol, date)
	if err != nil {
		return nil, false, err
	}
	if len(stored) == 0 {
		return nil, false, nil
	}
	return stored, true, nil
}

// PutPrice updates a single price key. The whole record is swapped under
// the lock, so readers never observe a half-written entry.
func (c *SymbolCache) PutPrice(rec domain.PriceRecord) {
	c.mu.Lock()
	c.prices[key{rec.Symbol, rec.Date}] = rec
	c.mu.Unlock()
}

// PutPrices updates a batch of price keys in one lock acquisition.
func (c *SymbolCache) PutPrices(records []domain.PriceRecord) {
	c.mu.Lock()
	for _, rec := range records {
		c.prices[key{rec.Symbol, rec.Date}] = rec
	}
	c.mu.Unlock()
}

// PutFactors replaces the factor set for a (symbol, date) key.
func (c *SymbolCache) PutFactors(symbol, date string, exposures []domain.FactorExposure) {
	stored := make([]domain.FactorExposure, len(exposures))
	copy(stored, exposures)

	c.mu.Lock()
	c.factors[key{symbol, date}] = stored
	c.mu.Unlock()
}

// Invalidate drops the cached entries for a (symbol, date) key. The next
// lookup falls back to storage only during cold start; after warm-up the
// caller is expected to Put the refreshed rows instead.
func (c *SymbolCache) Invalidate(symbol, date string) {
	k := key{symbol, date}
	c.mu.Lock()
	delete(c.prices, k)
	delete(c.factors, k)
	c.mu.Unlock()
}

// Stats returns current entry counts for the status surface.
func (c *SymbolCache) Stats() (prices, factorSets int, loaded bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices), len(c.factors), c.loaded
}

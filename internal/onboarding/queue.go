// Package onboarding computes price and factor data for brand-new
// symbols within seconds, outside the nightly cycle.
//
// The queue is in-memory by design: jobs are sub-minute and restarts are
// rare, so durable queueing was judged unnecessary complexity. A job
// lost to a restart (or a failed job) must be re-triggered by the caller.
package onboarding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/astrolin/vigil/internal/calendar"
	"github.com/astrolin/vigil/internal/clients/marketdata"
	"github.com/astrolin/vigil/internal/domain"
)

// JobStatus is the lifecycle of an onboarding job.
type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusFailed  JobStatus = "failed"
)

// Job is an in-memory onboarding request for one symbol.
type Job struct {
	ID          string
	Symbol      string
	RequestedAt time.Time
	Status      JobStatus
	Error       string
}

// UniverseStore is the slice of universe repository behaviour the queue needs.
type UniverseStore interface {
	Get(symbol string) (*domain.UniverseEntry, error)
	Add(symbol string) error
	MarkProcessed(symbol, processedDate string) error
}

// PriceStore persists fetched price bars.
type PriceStore interface {
	Upsert(records []domain.PriceRecord) error
}

// FactorComputer computes and persists factor exposures for a (symbol, date).
type FactorComputer interface {
	Compute(symbol, date string) ([]domain.FactorExposure, error)
}

// CacheWriter receives the exact keys written to storage.
type CacheWriter interface {
	PutPrices(records []domain.PriceRecord)
	PutFactors(symbol, date string, exposures []domain.FactorExposure)
}

// Queue is a bounded worker pool onboarding new symbols with
// at-most-once semantics.
type Queue struct {
	universe UniverseStore
	provider marketdata.Provider
	prices   PriceStore
	factors  FactorComputer
	cache    CacheWriter
	cal      calendar.TradingCalendar

	lookbackDays int
	log          zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*Job // keyed by symbol; last job per symbol

	work    chan string
	stop    chan struct{}
	stopped sync.WaitGroup
}

// Config holds queue sizing parameters.
type Config struct {
	Workers      int
	QueueSize    int
	LookbackDays int
}

// New creates an onboarding queue and starts its workers.
func New(
	universe UniverseStore,
	provider marketdata.Provider,
	prices PriceStore,
	factors FactorComputer,
	cache CacheWriter,
	cal calendar.TradingCalendar,
	cfg Config,
	log zerolog.Logger,
) *Queue {
	q := &Queue{
		universe:     universe,
		provider:     provider,
		prices:       prices,
		factors:      factors,
		cache:        cache,
		cal:          cal,
		lookbackDays: cfg.LookbackDays,
		log:          log.With().Str("component", "onboarding").Logger(),
		jobs:         make(map[string]*Job),
		work:         make(chan string, cfg.QueueSize),
		stop:         make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		q.stopped.Add(1)
		go q.worker()
	}

	return q
}

// Stop shuts the workers down. In-flight jobs finish; queued jobs are
// dropped, matching the restart-losing design.
func (q *Queue) Stop() {
	close(q.stop)
	q.stopped.Wait()
}

// Enqueue requests onboarding for a symbol. If the symbol is already
// active in the universe, the returned job reports done without any work
// being scheduled. A queued or running job for the same symbol is
// returned as-is rather than duplicated.
func (q *Queue) Enqueue(symbol string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.jobs[symbol]; ok {
		if existing.Status == StatusQueued || existing.Status == StatusRunning || existing.Status == StatusDone {
			return *existing, nil
		}
		// A failed job is replaced by the new request
	}

	entry, err := q.universe.Get(symbol)
	if err != nil {
		return Job{}, fmt.Errorf("failed to check universe for %s: %w", symbol, err)
	}
	if entry != nil && entry.IsActive {
		job := &Job{
			ID:          uuid.NewString(),
			Symbol:      symbol,
			RequestedAt: time.Now().UTC(),
			Status:      StatusDone,
		}
		q.jobs[symbol] = job
		return *job, nil
	}

	// Capacity is checked before the universe row is created so a
	// rejected request leaves no inactive symbol behind. Only Enqueue
	// writes to work, and it holds mu, so the check holds through the
	// send below.
	if len(q.work) == cap(q.work) {
		return Job{}, fmt.Errorf("onboarding queue is full (%d pending)", cap(q.work))
	}

	if err := q.universe.Add(symbol); err != nil {
		return Job{}, err
	}

	job := &Job{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		RequestedAt: time.Now().UTC(),
		Status:      StatusQueued,
	}

	q.work <- symbol
	q.jobs[symbol] = job

	q.log.Info().Str("symbol", symbol).Str("job_id", job.ID).Msg("Onboarding job queued")
	return *job, nil
}

// Status returns the last job state for a symbol.
func (q *Queue) Status(symbol string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[symbol]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// PendingCount returns the number of queued or running jobs. The
// portfolio refresh runner gates on this reaching zero.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, job := range q.jobs {
		if job.Status == StatusQueued || job.Status == StatusRunning {
			count++
		}
	}
	return count
}

func (q *Queue) worker() {
	defer q.stopped.Done()

	for {
		select {
		case <-q.stop:
			return
		case symbol := <-q.work:
			q.process(symbol)
		}
	}
}

// process onboards one symbol: fetch the lookback window, compute factor
// exposures for the latest trading day, persist both, update the cache,
// then mark the symbol active. Any failure marks the job failed with no
// automatic retry.
func (q *Queue) process(symbol string) {
	q.setStatus(symbol, StatusRunning, "")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	latestDay := q.cal.MostRecentTradingDay(time.Now().UTC())
	// Calendar-day window wide enough to contain lookbackDays trading days
	from := latestDay.AddDate(0, 0, -(q.lookbackDays*7/5 + 10))

	resp, err := q.provider.FetchPrices(ctx, []string{symbol}, from, latestDay)
	if err != nil {
		q.fail(symbol, fmt.Errorf("price fetch failed: %w", err))
		return
	}
	if symErr, ok := resp.Failed[symbol]; ok {
		q.fail(symbol, symErr)
		return
	}
	records := resp.Prices[symbol]
	if len(records) == 0 {
		q.fail(symbol, fmt.Errorf("provider returned no bars for %s", symbol))
		return
	}

	if err := q.prices.Upsert(records); err != nil {
		q.fail(symbol, err)
		return
	}
	q.cache.PutPrices(records)

	latestDate := records[len(records)-1].Date
	exposures, err := q.factors.Compute(symbol, latestDate)
	if err != nil {
		q.fail(symbol, fmt.Errorf("factor computation failed: %w", err))
		return
	}
	q.cache.PutFactors(symbol, latestDate, exposures)

	if err := q.universe.MarkProcessed(symbol, latestDate); err != nil {
		q.fail(symbol, err)
		return
	}

	q.setStatus(symbol, StatusDone, "")
	q.log.Info().
		Str("symbol", symbol).
		Int("bars", len(records)).
		Int("factors", len(exposures)).
		Dur("elapsed", time.Since(start)).
		Msg("Symbol onboarded")
}

func (q *Queue) fail(symbol string, err error) {
	q.log.Error().Err(err).Str("symbol", symbol).Msg("Onboarding failed")
	q.setStatus(symbol, StatusFailed, err.Error())
}

func (q *Queue) setStatus(symbol string, status JobStatus, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.jobs[symbol]; ok {
		job.Status = status
		job.Error = errMsg
	}
}

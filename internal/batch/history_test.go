package batch

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func setupHistoryDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE batch_run_history (
			run_date             TEXT PRIMARY KEY,
			metrics_status       TEXT NOT NULL DEFAULT 'pending',
			metrics_duration_ms  INTEGER NOT NULL DEFAULT 0,
			prices_status        TEXT NOT NULL DEFAULT 'pending',
			prices_duration_ms   INTEGER NOT NULL DEFAULT 0,
			fundamentals_status  TEXT NOT NULL DEFAULT 'skipped',
			factors_status       TEXT NOT NULL DEFAULT 'pending',
			factors_duration_ms  INTEGER NOT NULL DEFAULT 0,
			portfolios_processed INTEGER NOT NULL DEFAULT 0,
			symbols_fetched      INTEGER NOT NULL DEFAULT 0,
			data_coverage_pct    REAL NOT NULL DEFAULT 0,
			error_message        TEXT,
			completed_at         TEXT
		)`)
	require.NoError(t, err)

	return db
}

func TestHistoryUpsertAndGet(t *testing.T) {
	repo := NewHistoryRepository(setupHistoryDB(t), zerolog.Nop())

	completedAt := time.Date(2025, 10, 7, 2, 45, 0, 0, time.UTC)
	h := RunHistory{
		RunDate:         "2025-10-06",
		MetricsStatus:   PhaseCompleted,
		MetricsDuration: 1200 * time.Millisecond,
		PricesStatus:    PhaseCompleted,
		PricesDuration:  8 * time.Second,
		FactorsStatus:   PhaseCompleted,
		FactorsDuration: 30 * time.Second,
		SymbolsFetched:  412,
		DataCoveragePct: 98.5,
		CompletedAt:     &completedAt,
	}
	require.NoError(t, repo.Upsert(h))

	got, err := repo.Get("2025-10-06")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, PhaseCompleted, got.FactorsStatus)
	assert.Equal(t, PhaseSkipped, got.FundamentalsStatus, "reserved phase defaults to skipped")
	assert.Equal(t, 8*time.Second, got.PricesDuration)
	assert.Equal(t, 412, got.SymbolsFetched)
	assert.InDelta(t, 98.5, got.DataCoveragePct, 1e-9)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completedAt))
	assert.Empty(t, got.ErrorMessage)
}

func TestHistoryGetMissingReturnsNil(t *testing.T) {
	repo := NewHistoryRepository(setupHistoryDB(t), zerolog.Nop())

	got, err := repo.Get("2025-10-06")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHistoryUpsertReplacesExistingRow(t *testing.T) {
	repo := NewHistoryRepository(setupHistoryDB(t), zerolog.Nop())

	require.NoError(t, repo.Upsert(RunHistory{
		RunDate:       "2025-10-06",
		MetricsStatus: PhaseRunning,
		PricesStatus:  PhasePending,
		FactorsStatus: PhasePending,
	}))
	require.NoError(t, repo.Upsert(RunHistory{
		RunDate:       "2025-10-06",
		MetricsStatus: PhaseCompleted,
		PricesStatus:  PhaseFailed,
		FactorsStatus: PhasePending,
		ErrorMessage:  "prices phase: provider unavailable",
	}))

	got, err := repo.Get("2025-10-06")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, PhaseCompleted, got.MetricsStatus)
	assert.Equal(t, PhaseFailed, got.PricesStatus)
	assert.Equal(t, "prices phase: provider unavailable", got.ErrorMessage)
}

func TestHistoryLastCompletedRunDate(t *testing.T) {
	repo := NewHistoryRepository(setupHistoryDB(t), zerolog.Nop())

	date, err := repo.LastCompletedRunDate()
	require.NoError(t, err)
	assert.Empty(t, date, "no history means no anchor")

	require.NoError(t, repo.Upsert(RunHistory{
		RunDate: "2025-10-02", MetricsStatus: PhaseCompleted,
		PricesStatus: PhaseCompleted, FactorsStatus: PhaseCompleted,
	}))
	require.NoError(t, repo.Upsert(RunHistory{
		RunDate: "2025-10-03", MetricsStatus: PhaseCompleted,
		PricesStatus: PhaseCompleted, FactorsStatus: PhaseCompleted,
	}))
	require.NoError(t, repo.Upsert(RunHistory{
		RunDate: "2025-10-06", MetricsStatus: PhaseCompleted,
		PricesStatus: PhaseFailed, FactorsStatus: PhasePending,
	}))

	date, err = repo.LastCompletedRunDate()
	require.NoError(t, err)
	assert.Equal(t, "2025-10-03", date, "a failed run does not advance the anchor")
}

func TestHistoryGetRecentNewestFirst(t *testing.T) {
	repo := NewHistoryRepository(setupHistoryDB(t), zerolog.Nop())

	for _, d := range []string{"2025-10-01", "2025-10-02", "2025-10-03"} {
		require.NoError(t, repo.Upsert(RunHistory{
			RunDate: d, MetricsStatus: PhaseCompleted,
			PricesStatus: PhaseCompleted, FactorsStatus: PhaseCompleted,
		}))
	}

	recent, err := repo.GetRecent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "2025-10-03", recent[0].RunDate)
	assert.Equal(t, "2025-10-02", recent[1].RunDate)
}

func TestHistorySetPortfoliosProcessed(t *testing.T) {
	repo := NewHistoryRepository(setupHistoryDB(t), zerolog.Nop())

	require.NoError(t, repo.Upsert(RunHistory{
		RunDate: "2025-10-06", MetricsStatus: PhaseCompleted,
		PricesStatus: PhaseCompleted, FactorsStatus: PhaseCompleted,
	}))
	require.NoError(t, repo.SetPortfoliosProcessed("2025-10-06", 7))

	got, err := repo.Get("2025-10-06")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 7, got.PortfoliosProcessed)
	assert.Equal(t, PhaseCompleted, got.FactorsStatus, "counter update must not touch phase statuses")
}

// Package batch contains the nightly calculation pipeline: the symbol
// batch runner, the portfolio refresh runner, the run tracker, and the
// persisted run history.
package batch

import (
	"sync"
	"time"
)

// CurrentRun describes the batch run currently executing. Exactly one
// run is tracked at a time.
type CurrentRun struct {
	RunID                string
	StartedAt            time.Time
	TriggeredBy          string
	TotalJobs            int
	CompletedJobs        int
	FailedJobs           int
	CurrentJobName       string
	CurrentPortfolioName string
}

// RunUpdate carries partial field updates for the current run. Nil
// pointers leave the corresponding field untouched.
type RunUpdate struct {
	TotalJobs            *int
	CompletedJobs        *int
	FailedJobs           *int
	CurrentJobName       *string
	CurrentPortfolioName *string
}

// Tracker exposes live progress of the executing run to status-polling
// callers. It is an explicitly owned, mutex-guarded object injected into
// the runners and the status handlers rather than process-global state.
type Tracker struct {
	mu      sync.RWMutex
	current *CurrentRun
}

// NewTracker creates an empty run tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

// Start registers a new current run. A run already in progress is
// replaced (last-writer-wins): the status surface follows whichever run
// an operator most recently started.
func (t *Tracker) Start(run CurrentRun) {
	t.mu.Lock()
	defer t.mu.Unlock()

	copied := run
	t.current = &copied
}

// Update merges the present fields into the current run. It is a no-op
// when no run is current.
func (t *Tracker) Update(update RunUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return
	}

	if update.TotalJobs != nil {
		t.current.TotalJobs = *update.TotalJobs
	}
	if update.CompletedJobs != nil {
		t.current.CompletedJobs = *update.CompletedJobs
	}
	if update.FailedJobs != nil {
		t.current.FailedJobs = *update.FailedJobs
	}
	if update.CurrentJobName != nil {
		t.current.CurrentJobName = *update.CurrentJobName
	}
	if update.CurrentPortfolioName != nil {
		t.current.CurrentPortfolioName = *update.CurrentPortfolioName
	}
}

// Current returns a consistent snapshot of the current run.
// The second return is false when no run is executing.
func (t *Tracker) Current() (CurrentRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current == nil {
		return CurrentRun{}, false
	}
	return *t.current, true
}

// Complete clears the current run state.
func (t *Tracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = nil
}

package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tracker := NewTracker()

	_, ok := tracker.Current()
	assert.False(t, ok, "empty tracker should report no current run")

	tracker.Start(CurrentRun{
		RunID:       "run-1",
		StartedAt:   time.Now(),
		TriggeredBy: "schedule",
		TotalJobs:   30,
	})

	current, ok := tracker.Current()
	require.True(t, ok)
	assert.Equal(t, "run-1", current.RunID)
	assert.Equal(t, 30, current.TotalJobs)
	assert.Equal(t, 0, current.CompletedJobs)

	tracker.Complete()
	_, ok = tracker.Current()
	assert.False(t, ok)
}

func TestTrackerUpdateMergesOnlyProvidedFields(t *testing.T) {
	tracker := NewTracker()
	tracker.Start(CurrentRun{RunID: "run-1", TotalJobs: 10, CurrentJobName: "prices"})

	completed := 4
	tracker.Update(RunUpdate{CompletedJobs: &completed})

	current, ok := tracker.Current()
	require.True(t, ok)
	assert.Equal(t, 4, current.CompletedJobs)
	assert.Equal(t, "prices", current.CurrentJobName, "unset fields must be untouched")
	assert.Equal(t, 10, current.TotalJobs)

	name := "factors"
	failed := 1
	tracker.Update(RunUpdate{CurrentJobName: &name, FailedJobs: &failed})

	current, _ = tracker.Current()
	assert.Equal(t, "factors", current.CurrentJobName)
	assert.Equal(t, 1, current.FailedJobs)
	assert.Equal(t, 4, current.CompletedJobs)
}

func TestTrackerUpdateWithoutRunIsNoOp(t *testing.T) {
	tracker := NewTracker()

	completed := 5
	tracker.Update(RunUpdate{CompletedJobs: &completed})

	_, ok := tracker.Current()
	assert.False(t, ok)
}

func TestTrackerStartReplacesRunningRun(t *testing.T) {
	tracker := NewTracker()
	tracker.Start(CurrentRun{RunID: "nightly", TriggeredBy: "schedule"})
	tracker.Start(CurrentRun{RunID: "manual", TriggeredBy: "operator"})

	current, ok := tracker.Current()
	require.True(t, ok)
	assert.Equal(t, "manual", current.RunID, "later start wins")
	assert.Equal(t, "operator", current.TriggeredBy)
}

func TestTrackerCurrentReturnsCopy(t *testing.T) {
	tracker := NewTracker()
	tracker.Start(CurrentRun{RunID: "run-1", TotalJobs: 10})

	snapshot, _ := tracker.Current()
	snapshot.TotalJobs = 999

	current, _ := tracker.Current()
	assert.Equal(t, 10, current.TotalJobs, "mutating a snapshot must not affect the tracker")
}

package scheduler

import "context"

// Runner is the shared surface of the batch runners.
type Runner interface {
	Run(ctx context.Context, triggeredBy string) error
}

// BatchJob adapts a batch runner to the scheduler's Job interface.
type BatchJob struct {
	name   string
	runner Runner
}

// NewBatchJob wraps a runner as a named scheduled job
func NewBatchJob(name string, runner Runner) *BatchJob {
	return &BatchJob{name: name, runner: runner}
}

// Name returns the job name used in logs
func (j *BatchJob) Name() string { return j.name }

// Run executes the runner with the scheduled trigger source
func (j *BatchJob) Run() error {
	return j.runner.Run(context.Background(), "schedule")
}

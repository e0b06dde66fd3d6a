package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial" // finished with skipped locations
	RunStatusFailed   RunStatus = "failed"
)

// Command names recorded in the run log.
const (
	CommandBackfill = "backfill"
	CommandFeatures = "features"
	CommandTrain    = "train"
	CommandPredict  = "predict"
	CommandDaily    = "daily"
)

// Run is one execution of a pipeline step.
type Run struct {
	ID          string         `json:"id"`
	Command     string         `json:"command"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Rows        int64          `json:"rows"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RunResult is what a finished step reports to the run log.
type RunResult struct {
	Status   RunStatus      `json:"status"`
	Rows     int64          `json:"rows"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Duration returns the elapsed time of a finished run, or zero.
func (r Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

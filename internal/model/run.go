package model

import "time"

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunMode says how a run picked its coordinates.
type RunMode string

const (
	RunModeCrawl  RunMode = "crawl"
	RunModeRetry  RunMode = "retry"
	RunModeResume RunMode = "resume"
)

// Run is one invocation of the crawl engine, persisted for the status command.
type Run struct {
	ID           string     `json:"id"`
	Vendor       Vendor     `json:"vendor"`
	Mode         RunMode    `json:"mode"`
	Status       RunStatus  `json:"status"`
	Attempted    int        `json:"attempted"`
	Succeeded    int        `json:"succeeded"`
	Failed       int        `json:"failed"`
	Skipped      int        `json:"skipped"`
	Empty        int        `json:"empty"`
	RowsInserted int64      `json:"rows_inserted"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

package model

import "time"

// RunStatus is the terminal (or in-flight) state of a batch run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusPartial RunStatus = "partial"
)

// ETLRun is one tracked batch invocation. A row is created at job start
// and finalized exactly once at job end; runs are append-only.
type ETLRun struct {
	ID            int64      `json:"id"`
	SourceSystem  string     `json:"source_system"`
	Status        RunStatus  `json:"status"`
	RowsProcessed int64      `json:"rows_processed"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// MatchBatchResult reports an entity-resolution batch as counts, never as
// a single pass/fail.
type MatchBatchResult struct {
	Status    RunStatus `json:"status"`
	Processed int       `json:"processed"`
	Matched   int       `json:"matched"`
	Unmatched int       `json:"unmatched"`
	Errored   int       `json:"errored"`
	Error     string    `json:"error_message,omitempty"`
}

// ScoreBatchResult reports a scoring batch as counts.
type ScoreBatchResult struct {
	Status   RunStatus `json:"status"`
	Scored   int       `json:"scored"`
	Failed   int       `json:"failed"`
	Fallback int       `json:"fallback"`
	Error    string    `json:"error_message,omitempty"`
}

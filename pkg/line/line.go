// Package line defines the data contract between the batch pool and its
// callers: the Task fed into a run and the Result produced for every task.
package line

import (
	"sort"
	"time"
)

// Status represents the lifecycle state of a single line execution.
type Status string

const (
	// StatusPending means the line has been submitted but not picked up yet.
	StatusPending Status = "Pending"

	// StatusRunning means a worker is currently executing the line.
	StatusRunning Status = "Running"

	// StatusCompleted means the line executed successfully.
	StatusCompleted Status = "Completed"

	// StatusFailed means the line raised a user-classified error.
	StatusFailed Status = "Failed"

	// StatusTimeout means the line exceeded its per-line deadline.
	StatusTimeout Status = "Timeout"
)

// IsTerminal reports whether the status is final. Terminal states never
// transition again; retries, if any, happen above the pool.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Task is one row of input to be executed once through the flow executor.
// Tasks are immutable and consumed exactly once by exactly one worker.
type Task struct {
	Index     int            `json:"index"`
	Inputs    map[string]any `json:"inputs"`
	VariantID string         `json:"variant_id,omitempty"`
}

// ErrorInfo is the serialized error payload attached to a failed line.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Result is the outcome of executing one Task. The pool guarantees exactly
// one Result per submitted Task, whatever happened to the line.
type Result struct {
	Index      int            `json:"index"`
	Status     Status         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	StartTime  time.Time      `json:"start_time,omitzero"`
	EndTime    time.Time      `json:"end_time,omitzero"`
	RunID      string         `json:"run_id,omitempty"`
	VariantID  string         `json:"variant_id,omitempty"`
}

// Failed reports whether the line did not complete, either through a
// user-classified error or a timeout.
func (r Result) Failed() bool {
	return r.Status == StatusFailed || r.Status == StatusTimeout
}

// NewTasks builds an indexed task list from raw input rows.
func NewTasks(inputs []map[string]any, variantID string) []Task {
	tasks := make([]Task, len(inputs))
	for i, in := range inputs {
		tasks[i] = Task{
			Index:     i,
			Inputs:    in,
			VariantID: variantID,
		}
	}
	return tasks
}

// SortByIndex orders results by their original submission index. Workers
// race, so arrival order says nothing about row order.
func SortByIndex(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Index < results[j].Index
	})
}

// Summarize counts terminal outcomes for aggregate run logging.
func Summarize(results []Result) (completed, failed int) {
	for _, r := range results {
		if r.Status == StatusCompleted {
			completed++
		} else if r.Failed() {
			failed++
		}
	}
	return completed, failed
}

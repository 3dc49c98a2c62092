// Package store provides typed, transactional persistence for runs, tasks,
// metrics, benchmarks, steps, and tool errors.
package store

import (
	"encoding/json"
	"time"
)

// Run is one evaluation batch.
type Run struct {
	ID          int64
	Model       string
	Concurrency int
	SocketPath  string
	Settings    json.RawMessage
	CreatedAt   time.Time
	Passed      int
	Failed      int
}

// RunSpec is the subset of fields needed to create a Run.
type RunSpec struct {
	Model       string
	Concurrency int
	SocketPath  string
	Settings    json.RawMessage
}

// Task is one (language, exercise) attempt within a run. Passed is nil
// while the task is still running. (runID, language, exercise) is unique.
type Task struct {
	ID         int64
	RunID      int64
	Language   string
	Exercise   string
	Passed     *bool
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// TaskMetrics holds per-task token/cost/duration/tool-usage figures.
type TaskMetrics struct {
	TokensIn      int64
	TokensOut     int64
	TokensContext int64
	CacheReads    int64
	CacheWrites   int64
	CostUSD       float64
	DurationMs    int64
	ToolUsage     map[string]int64
}

// Benchmark is a per-task MCP benchmark header; exactly one exists per
// (runID, taskID) once a session has started.
type Benchmark struct {
	ID                int64
	RunID             int64
	TaskID            int64
	MCPServerName     string
	UserIntent        string
	TotalSteps        int
	CodeExecutionSucc bool
	ErrorCount        int
}

// Step is a single persisted MCP call, densely numbered within its
// benchmark starting at 1.
type Step struct {
	BenchmarkID      int64
	StepNumber       int
	Request          json.RawMessage
	Response         json.RawMessage
	ResponseSizeByte int64
	DurationMs       int64
	ErrorMessage     string
	Source           string
	TimeoutMs        int64
}

// ToolError is an append-only record of a tool failure.
type ToolError struct {
	RunID     int64
	TaskID    int64
	ToolName  string
	Error     string
	CreatedAt time.Time
}

// RunAggregate is the result of aggregating a run's tasks at finalization.
type RunAggregate struct {
	Passed      int
	Failed      int
	TotalTokens TaskMetrics
}

// OutstandingTask is a task still in flight when a run is resumed.
type OutstandingTask struct {
	TaskID   int64
	Language string
	Exercise string
}

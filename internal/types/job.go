// Package types provides type definitions for the jobs, tool results and requests
// shared by the orchestrator, the registry and the HTTP API.
package types

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of an analysis job.
type JobStatus string

const (
	// JobStatusPending indicates a job has been registered but not yet accepted for dispatch.
	JobStatusPending JobStatus = "pending"

	// JobStatusProcessing indicates the dispatch loop owns the job.
	JobStatusProcessing JobStatus = "processing"

	// JobStatusCompleted indicates every requested tool was attempted.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed indicates an orchestration fault stopped the job.
	JobStatusFailed JobStatus = "failed"
)

// ErrInvalidTransition is returned when a job is asked to move to a state its
// current state cannot reach.
var ErrInvalidTransition = errors.New("invalid job status transition")

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions can leave s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusPending:
		// A pending job can fail before dispatch (e.g. the worker pool shut down).
		return target == JobStatusProcessing || target == JobStatusFailed
	case JobStatusProcessing:
		return target == JobStatusCompleted || target == JobStatusFailed
	default:
		return false
	}
}

// Job is one orchestrated analysis run over one uploaded artifact.
// The job ID equals the artifact ID.
type Job struct {
	ID          string     `json:"job_id"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentTool *string    `json:"current_tool"`
	ToolOrder   []string   `json:"tool_order"`
	Results     Results    `json:"results"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// NewJob returns a pending job for the given tool order.
func NewJob(id string, toolOrder []string, now time.Time) *Job {
	order := make([]string, len(toolOrder))
	copy(order, toolOrder)
	return &Job{
		ID:        id,
		Status:    JobStatusPending,
		ToolOrder: order,
		CreatedAt: now,
	}
}

// Clone returns a deep copy of the job that shares no mutable state with j.
// ToolResult extras are treated as immutable once stored and are shared.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ToolOrder = append([]string(nil), j.ToolOrder...)
	c.Results = j.Results.clone()
	if j.CurrentTool != nil {
		tool := *j.CurrentTool
		c.CurrentTool = &tool
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Start moves a pending job into processing.
func (j *Job) Start(now time.Time) error {
	if err := j.Status.ValidateTransition(JobStatusProcessing); err != nil {
		return err
	}
	j.Status = JobStatusProcessing
	j.StartedAt = &now
	return nil
}

// BeginTool marks the tool at index i of ToolOrder as running.
func (j *Job) BeginTool(i int) error {
	if j.Status != JobStatusProcessing {
		return fmt.Errorf("%w: cannot begin tool while %s", ErrInvalidTransition, j.Status)
	}
	if i < 0 || i >= len(j.ToolOrder) {
		return fmt.Errorf("tool index %d out of range", i)
	}
	name := j.ToolOrder[i]
	j.CurrentTool = &name
	j.setProgress(ProgressBefore(i, len(j.ToolOrder)))
	j.Results.Set(ToolResult{Tool: name, Status: ToolStatusRunning})
	return nil
}

// FinishTool stores the result of the tool at index i. Progress stays below
// 100 until the job reaches a terminal state.
func (j *Job) FinishTool(i int, result ToolResult) error {
	if j.Status != JobStatusProcessing {
		return fmt.Errorf("%w: cannot finish tool while %s", ErrInvalidTransition, j.Status)
	}
	if i < 0 || i >= len(j.ToolOrder) {
		return fmt.Errorf("tool index %d out of range", i)
	}
	result.Tool = j.ToolOrder[i]
	j.Results.Set(result)
	j.setProgress(min(ProgressAfter(i, len(j.ToolOrder)), 99))
	return nil
}

// Complete moves a processing job to completed.
func (j *Job) Complete(now time.Time) error {
	if err := j.Status.ValidateTransition(JobStatusCompleted); err != nil {
		return err
	}
	j.finish(JobStatusCompleted, now)
	return nil
}

// Fail moves a non-terminal job to failed with the given reason.
func (j *Job) Fail(reason string, now time.Time) error {
	if err := j.Status.ValidateTransition(JobStatusFailed); err != nil {
		return err
	}
	j.Error = reason
	j.finish(JobStatusFailed, now)
	return nil
}

func (j *Job) finish(status JobStatus, now time.Time) {
	j.Status = status
	j.CurrentTool = nil
	j.Progress = 100
	j.FinishedAt = &now
}

func (j *Job) setProgress(p int) {
	if p > j.Progress {
		j.Progress = p
	}
}

// ProgressBefore is the progress reported while the tool at index i of n is about to run.
func ProgressBefore(i, n int) int {
	if n <= 0 {
		return 0
	}
	return 100 * i / n
}

// ProgressAfter is the progress reported once the tool at index i of n has returned.
func ProgressAfter(i, n int) int {
	if n <= 0 {
		return 0
	}
	return 100 * (i + 1) / n
}

// JobSummary is the compact projection used by status polling and job listings.
type JobSummary struct {
	ID          string     `json:"job_id"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentTool *string    `json:"current_tool"`
	ToolOrder   []string   `json:"tool_order"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Summary projects the job without its per-tool results.
func (j *Job) Summary() JobSummary {
	c := j.Clone()
	return JobSummary{
		ID:          c.ID,
		Status:      c.Status,
		Progress:    c.Progress,
		CurrentTool: c.CurrentTool,
		ToolOrder:   c.ToolOrder,
		Error:       c.Error,
		CreatedAt:   c.CreatedAt,
		FinishedAt:  c.FinishedAt,
	}
}

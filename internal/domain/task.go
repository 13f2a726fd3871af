package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of an analysis task.
type TaskStatus string

// Possible task status values. Transitions only move forward:
// queued to running, then done, queued (retry), error, or canceled.
const (
	TaskStatusQueued   TaskStatus = "queued"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusDone     TaskStatus = "done"
	TaskStatusError    TaskStatus = "error"
	TaskStatusCanceled TaskStatus = "canceled"
)

// Default bookkeeping values for new tasks.
const (
	DefaultTaskPriority    = 100
	DefaultEstimatedTokens = 1300
)

// Common validation errors for AnalysisTask
var (
	ErrEmptyTaskID       = errors.New("task ID cannot be empty")
	ErrEmptyTaskReportID = errors.New("task report ID cannot be empty")
	ErrEmptyTaskOwnerID  = errors.New("task owner ID cannot be empty")
	ErrEmptyTaskKeyword  = errors.New("task keyword cannot be empty")
	ErrEmptyTaskIssueID  = errors.New("task issue ID cannot be empty")
	ErrInvalidTaskStatus = errors.New("invalid task status")
	ErrTaskNotFound      = errors.New("task not found")
)

// AnalysisTask is one unit of queued work: a single issue within a report
// awaiting or undergoing LLM scoring. The issue is embedded as a snapshot
// so the worker never has to load the whole report to run an analysis.
type AnalysisTask struct {
	ID          uuid.UUID  `json:"id"`
	ReportID    uuid.UUID  `json:"report_id"`
	OwnerUserID uuid.UUID  `json:"owner_user_id"`
	Keyword     string     `json:"keyword"`
	Issue       Issue      `json:"issue"`
	EstTokens   int        `json:"est_tokens"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewAnalysisTask creates a queued task for one issue of a report.
// Returns an error if validation fails.
func NewAnalysisTask(reportID, ownerUserID uuid.UUID, keyword string, issue Issue) (*AnalysisTask, error) {
	now := time.Now().UTC()
	task := &AnalysisTask{
		ID:          uuid.New(),
		ReportID:    reportID,
		OwnerUserID: ownerUserID,
		Keyword:     keyword,
		Issue:       issue,
		EstTokens:   DefaultEstimatedTokens,
		Status:      TaskStatusQueued,
		Priority:    DefaultTaskPriority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the AnalysisTask has valid data.
func (t *AnalysisTask) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if t.ReportID == uuid.Nil {
		return ErrEmptyTaskReportID
	}
	if t.OwnerUserID == uuid.Nil {
		return ErrEmptyTaskOwnerID
	}
	if t.Keyword == "" {
		return ErrEmptyTaskKeyword
	}
	if t.Issue.ID == "" {
		return ErrEmptyTaskIssueID
	}
	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}
	return nil
}

// Terminal reports whether the task is in a state the vacuum may delete.
func (t *AnalysisTask) Terminal() bool {
	switch t.Status {
	case TaskStatusDone, TaskStatusError, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// isValidTaskStatus checks if the given status is a valid TaskStatus.
func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusDone,
		TaskStatusError, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

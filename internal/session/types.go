package session

import (
	"errors"
	"fmt"
	"time"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
)

// StepStatus is the terminal state of one executed step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepDeferred  StepStatus = "deferred"
	StepSkipped   StepStatus = "skipped"
)

// Session is one run over a set of target files.
type Session struct {
	ID               string
	Status           Status
	StartedAt        time.Time
	FinishedAt       *time.Time
	CheckpointCursor int64
}

// StepResult records the outcome of one worker invocation. Every result is
// durably persisted before its file lock is released.
type StepResult struct {
	ID           string
	SessionID    string
	TargetPath   string
	WorkerType   string
	Status       StepStatus
	Risk         string
	CostConsumed int64
	RolledBack   bool
	Error        string
	Seq          int64
	Timestamp    time.Time
}

// ResumeCursor tells a resuming caller what to skip and how much of the
// current budget window is already gone.
type ResumeCursor struct {
	Session        Session
	ProcessedPaths map[string]struct{}
	// BudgetConsumed is the session's cumulative committed cost.
	BudgetConsumed int64
	// WindowConsumed is the committed cost inside the current sliding hour,
	// across all sessions.
	WindowConsumed int64
}

// Summary is the operator-facing rollup. Failed, deferred and rolled-back are
// reported as distinct categories, never merged.
type Summary struct {
	SessionID        string `json:"session_id"`
	Status           Status `json:"status"`
	FilesProcessed   int    `json:"files_processed"`
	Succeeded        int    `json:"succeeded"`
	Failed           int    `json:"failed"`
	Deferred         int    `json:"deferred"`
	Skipped          int    `json:"skipped"`
	RolledBack       int    `json:"rolled_back"`
	CriticalFailures int    `json:"critical_failures"`
	BudgetConsumed   int64  `json:"budget_consumed"`
}

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// PersistenceError marks a storage failure that exhausted its retries. It is
// fatal to the session: dispatch must stop and the session flips to
// interrupted.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

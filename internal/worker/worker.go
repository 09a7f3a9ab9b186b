package worker

import (
	"context"
	"fmt"

	"github.com/mattjoyce/reforge/internal/plan"
)

// Context carries the non-content inputs a worker may use. Workers receive
// file content from the engine and must not touch the filesystem themselves;
// the engine owns all I/O.
type Context struct {
	SessionID  string
	TargetPath string
	WorkerType string
	Signals    plan.Signals
}

// Finding is a single observation a worker reports about the content.
type Finding struct {
	Message  string `json:"message"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// Result is a worker's output. NewContent nil means the worker proposes no
// change; CostUsed is the actual metered consumption.
type Result struct {
	NewContent []byte
	Findings   []Finding
	CostUsed   int64
}

// Worker is the capability interface every analysis/transformation
// implementation satisfies. New worker types register without engine changes.
type Worker interface {
	Type() string
	Process(ctx context.Context, content []byte, wctx Context) (*Result, error)
}

// Failure is the typed error workers return for internal faults, so the
// engine never has to guess from an empty result.
type Failure struct {
	WorkerType string
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("worker %q failed: %v", f.WorkerType, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

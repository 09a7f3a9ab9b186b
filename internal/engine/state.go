package engine

// Step execution states, logged as each step moves through its lifecycle.
const (
	statePending   = "pending"
	stateReserving = "reserving_budget"
	stateLocked    = "locked"
	stateRunning   = "running"
)

// stepOutcome tells runFile how to proceed after one step.
type stepOutcome int

const (
	// outcomeDone: the step reached a terminal state; continue with the next.
	outcomeDone stepOutcome = iota
	// outcomeDeferred: the budget window has no room; requeue the file from
	// this step. Nothing was recorded yet.
	outcomeDeferred
	// outcomeCritical: a critical-risk step failed; the file's remaining
	// steps must be skipped.
	outcomeCritical
	// outcomeLockSkipped: lock acquisition timed out under the skip policy;
	// the file's remaining steps cannot run either.
	outcomeLockSkipped
	// outcomeFatal: persistence failed or the run was cancelled; the whole
	// session must halt.
	outcomeFatal
)

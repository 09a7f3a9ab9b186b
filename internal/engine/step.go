package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/reforge/internal/budget"
	"github.com/mattjoyce/reforge/internal/config"
	"github.com/mattjoyce/reforge/internal/coord"
	"github.com/mattjoyce/reforge/internal/events"
	"github.com/mattjoyce/reforge/internal/plan"
	"github.com/mattjoyce/reforge/internal/session"
	"github.com/mattjoyce/reforge/internal/worker"
)

// runFile drives one target file's steps in plan order. Steps for a single
// file never run concurrently; parallelism is across files only.
func (e *Engine) runFile(ctx context.Context, sessionID string, job fileJob, q *budget.DeferralQueue[fileJob], final bool) error {
	steps := job.plan.Steps
	for i := job.next; i < len(steps); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := steps[i]
		last := i == len(steps)-1

		outcome, retryAfter, err := e.runStep(ctx, sessionID, job.plan.Item, step, last)
		switch outcome {
		case outcomeFatal:
			return err

		case outcomeDeferred:
			if !final {
				e.logger.Info("budget exhausted, requeueing file",
					"session_id", sessionID, "target", job.plan.Item.TargetPath,
					"worker", step.WorkerType, "retry_after", retryAfter)
				q.Push(int(step.Risk), fileJob{plan: job.plan, next: i})
				return nil
			}
			// Final pass and still no room: the remainder stays deferred on
			// record, and the file stays out of the processed set.
			for j := i; j < len(steps); j++ {
				if err := e.recordTerminal(ctx, sessionID, job.plan.Item, steps[j],
					session.StepDeferred, "budget window exhausted", 0, false, false); err != nil {
					return err
				}
			}
			return nil

		case outcomeCritical:
			// Fail fast: nothing after a critical failure runs for this file.
			for j := i + 1; j < len(steps); j++ {
				if err := e.recordTerminal(ctx, sessionID, job.plan.Item, steps[j],
					session.StepSkipped, fmt.Sprintf("skipped after critical failure of %s", step.WorkerType),
					0, false, j == len(steps)-1); err != nil {
					return err
				}
			}
			return nil

		case outcomeLockSkipped:
			for j := i + 1; j < len(steps); j++ {
				if err := e.recordTerminal(ctx, sessionID, job.plan.Item, steps[j],
					session.StepSkipped, "lock unavailable", 0, false, false); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return nil
}

// runStep executes one planned step through its full lifecycle. markProcessed
// is true for the file's last step; a terminal result there moves the file
// into the processed set.
func (e *Engine) runStep(ctx context.Context, sessionID string, item plan.WorkItem, step plan.Step, markProcessed bool) (stepOutcome, time.Duration, error) {
	logger := e.logger.With("session_id", sessionID,
		"target", item.TargetPath, "worker", step.WorkerType)
	logger.Debug("step", "state", statePending, "estimated_cost", step.EstimatedCost)

	wk, ok := e.registry.Get(step.WorkerType)
	if !ok {
		err := e.recordTerminal(ctx, sessionID, item, step, session.StepFailed,
			fmt.Sprintf("no worker registered for type %q", step.WorkerType), 0, false, markProcessed)
		if err != nil {
			return outcomeFatal, 0, err
		}
		if step.Risk == plan.RiskCritical {
			return outcomeCritical, 0, nil
		}
		return outcomeDone, 0, nil
	}

	logger.Debug("step", "state", stateReserving)
	decision, err := e.governor.Reserve(ctx, step.EstimatedCost)
	if err != nil {
		logger.Warn("budget counters unavailable, deferring", "error", err)
	}
	if decision.Outcome == budget.Deferred {
		return outcomeDeferred, decision.RetryAfter, nil
	}
	reservation := decision.Reservation

	lockType := coord.Exclusive
	if insp, ok := wk.(worker.Inspector); ok && insp.InspectOnly() {
		lockType = coord.Shared
	}

	lock, err := e.acquireWithPolicy(ctx, item.TargetPath, sessionID, lockType)
	if err != nil {
		reservation.Cancel()
		var timeout *coord.LockTimeoutError
		if !errors.As(err, &timeout) {
			return outcomeFatal, 0, err
		}
		logger.Warn("lock acquisition timed out, skipping file", "error", err)
		if rerr := e.recordTerminal(ctx, sessionID, item, step,
			session.StepSkipped, err.Error(), 0, false, false); rerr != nil {
			return outcomeFatal, 0, rerr
		}
		return outcomeLockSkipped, 0, nil
	}
	logger.Debug("step", "state", stateLocked, "lock_type", string(lockType))

	content, err := os.ReadFile(item.TargetPath)
	if err != nil {
		reservation.Cancel()
		return e.failStep(ctx, sessionID, item, step, lock, 0, markProcessed, false,
			fmt.Errorf("read target: %w", err))
	}

	logger.Debug("step", "state", stateRunning)
	stepCtx := ctx
	if e.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.cfg.StepTimeout)
		defer cancel()
	}
	result, workErr := wk.Process(stepCtx, content, worker.Context{
		SessionID:  sessionID,
		TargetPath: item.TargetPath,
		WorkerType: step.WorkerType,
		Signals:    item.Signals,
	})

	var actual int64
	if result != nil {
		actual = result.CostUsed
	}

	if workErr != nil {
		// A worker that reported cost alongside its error still consumed the
		// metered resource; commit that part, cancel the rest.
		committed := int64(0)
		if actual > 0 {
			if cerr := reservation.Commit(ctx, actual); cerr != nil {
				logger.Warn("could not commit partial cost", "error", cerr)
			} else {
				committed = actual
			}
		} else {
			reservation.Cancel()
		}
		return e.failStep(ctx, sessionID, item, step, lock, committed, markProcessed, false, workErr)
	}

	// The metered resource is spent once the worker returns, whatever happens
	// to the write below.
	if cerr := reservation.Commit(ctx, actual); cerr != nil {
		logger.Warn("could not commit cost", "error", cerr)
	}

	if result != nil && len(result.NewContent) > 0 && !bytes.Equal(result.NewContent, content) {
		if lockType != coord.Exclusive {
			logger.Warn("inspect-only worker proposed a content change, ignoring")
		} else {
			outcome, ferr := e.applyWrite(ctx, sessionID, item, step, lock, result.NewContent, actual, markProcessed)
			if relErr := e.coord.Release(ctx, lock); relErr != nil {
				logger.Warn("lock release failed", "error", relErr)
			}
			return outcome, 0, ferr
		}
	}

	if err := e.recordTerminal(ctx, sessionID, item, step,
		session.StepSucceeded, "", actual, false, markProcessed); err != nil {
		return outcomeFatal, 0, err
	}
	if err := e.coord.Release(ctx, lock); err != nil {
		logger.Warn("lock release failed", "error", err)
	}
	return outcomeDone, 0, nil
}

// applyWrite backs up the resource and commits the worker's replacement
// content through the validated atomic write path. It records the step's
// terminal state but leaves the lock for the caller to release.
func (e *Engine) applyWrite(ctx context.Context, sessionID string, item plan.WorkItem, step plan.Step, lock *coord.Lock, newContent []byte, actual int64, markProcessed bool) (stepOutcome, error) {
	backup, err := e.coord.Backup(ctx, item.TargetPath)
	if err != nil {
		outcome, _, ferr := e.failStepHeld(ctx, sessionID, item, step, actual, markProcessed, false,
			fmt.Errorf("backup before write: %w", err))
		return outcome, ferr
	}

	err = e.coord.SafeWrite(ctx, lock, backup, newContent, e.validate)
	switch {
	case err == nil:
		if rerr := e.recordTerminal(ctx, sessionID, item, step,
			session.StepSucceeded, "", actual, false, markProcessed); rerr != nil {
			return outcomeFatal, rerr
		}
		return outcomeDone, nil

	case errors.Is(err, coord.ErrValidationFailed):
		// The resource was never touched; the unused backup can go.
		if perr := e.coord.Purge(backup); perr != nil {
			e.logger.Warn("could not purge unused backup", "error", perr)
		}
		outcome, _, ferr := e.failStepHeld(ctx, sessionID, item, step, actual, markProcessed, false, err)
		return outcome, ferr

	default:
		var werr *coord.WriteError
		rolledBack := errors.As(err, &werr) && werr.RolledBack
		cost := actual
		if rolledBack {
			e.publish(events.TypeResourceRolledBack, map[string]any{
				"resource": item.TargetPath,
				"backup":   backup.Location,
			})
			// The transformation was discarded, so its cost flows back.
			if actual > 0 {
				if rerr := e.governor.Refund(ctx, actual); rerr != nil {
					e.logger.Warn("could not refund rolled-back cost", "error", rerr)
				} else {
					cost = 0
				}
			}
		}
		outcome, _, ferr := e.failStepHeld(ctx, sessionID, item, step, cost, markProcessed, rolledBack, err)
		return outcome, ferr
	}
}

// failStep records a failure and releases the lock.
func (e *Engine) failStep(ctx context.Context, sessionID string, item plan.WorkItem, step plan.Step, lock *coord.Lock, cost int64, markProcessed, rolledBack bool, cause error) (stepOutcome, time.Duration, error) {
	outcome, retry, err := e.failStepHeld(ctx, sessionID, item, step, cost, markProcessed, rolledBack, cause)
	if relErr := e.coord.Release(ctx, lock); relErr != nil {
		e.logger.Warn("lock release failed", "resource", item.TargetPath, "error", relErr)
	}
	return outcome, retry, err
}

// failStepHeld records a failure without touching the lock.
func (e *Engine) failStepHeld(ctx context.Context, sessionID string, item plan.WorkItem, step plan.Step, cost int64, markProcessed, rolledBack bool, cause error) (stepOutcome, time.Duration, error) {
	if err := e.recordTerminal(ctx, sessionID, item, step,
		session.StepFailed, cause.Error(), cost, rolledBack, markProcessed); err != nil {
		return outcomeFatal, 0, err
	}
	if step.Risk == plan.RiskCritical {
		e.logger.Warn("critical step failed, skipping remaining steps",
			"session_id", sessionID, "target", item.TargetPath,
			"worker", step.WorkerType, "error", cause)
		return outcomeCritical, 0, nil
	}
	return outcomeDone, 0, nil
}

// recordTerminal persists a step's terminal state. Persistence failure here is
// fatal to the session: a result that cannot be recorded must stop dispatch.
func (e *Engine) recordTerminal(ctx context.Context, sessionID string, item plan.WorkItem, step plan.Step, status session.StepStatus, detail string, cost int64, rolledBack, markProcessed bool) error {
	res := &session.StepResult{
		SessionID:    sessionID,
		TargetPath:   item.TargetPath,
		WorkerType:   step.WorkerType,
		Status:       status,
		Risk:         step.Risk.String(),
		CostConsumed: cost,
		RolledBack:   rolledBack,
		Error:        detail,
	}
	if err := e.store.RecordResult(ctx, res, markProcessed); err != nil {
		return err
	}

	eventType := events.TypeStepSucceeded
	switch status {
	case session.StepFailed:
		eventType = events.TypeStepFailed
	case session.StepDeferred:
		eventType = events.TypeStepDeferred
	case session.StepSkipped:
		eventType = events.TypeStepSkipped
	}
	e.publish(eventType, map[string]any{
		"session_id": sessionID,
		"target":     item.TargetPath,
		"worker":     step.WorkerType,
		"risk":       step.Risk.String(),
	})
	return nil
}

// acquireWithPolicy wraps lock acquisition with the configured timeout policy:
// retry waits and tries again a bounded number of times, skip gives up after
// the first timeout.
func (e *Engine) acquireWithPolicy(ctx context.Context, resource, holder string, typ coord.LockType) (*coord.Lock, error) {
	attempts := 1
	if e.cfg.OnLockTimeout == config.LockPolicyRetry && e.cfg.LockRetryLimit > 0 {
		attempts += e.cfg.LockRetryLimit
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		lock, err := e.coord.Acquire(ctx, resource, holder, typ, 0)
		if err == nil {
			return lock, nil
		}
		lastErr = err
		var timeout *coord.LockTimeoutError
		if !errors.As(err, &timeout) {
			return nil, err
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.cfg.LockRetryDelay):
			}
		}
	}
	return nil, lastErr
}

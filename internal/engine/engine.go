// Package engine dispatches execution plans over a bounded worker pool. Each
// step moves through a fixed lifecycle: budget reservation, lock acquisition,
// worker execution, validated write, durable result. A result is always
// persisted before its lock is released, so an interrupted session never
// leaves invisible work behind.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/reforge/internal/budget"
	"github.com/mattjoyce/reforge/internal/config"
	"github.com/mattjoyce/reforge/internal/coord"
	"github.com/mattjoyce/reforge/internal/events"
	"github.com/mattjoyce/reforge/internal/log"
	"github.com/mattjoyce/reforge/internal/plan"
	"github.com/mattjoyce/reforge/internal/session"
	"github.com/mattjoyce/reforge/internal/worker"
)

// Engine executes plans against the coordination core.
type Engine struct {
	cfg      config.EngineConfig
	governor *budget.Governor
	coord    *coord.Manager
	registry *worker.Registry
	store    *session.Store
	hub      *events.Hub
	logger   *slog.Logger

	// validate gates every content write; nil means the default guard.
	validate coord.ValidateFunc
	aging    int
}

func New(cfg config.EngineConfig, gov *budget.Governor, cm *coord.Manager, reg *worker.Registry, st *session.Store, hub *events.Hub) *Engine {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	cfg.PoolSize = poolSize
	return &Engine{
		cfg:      cfg,
		governor: gov,
		coord:    cm,
		registry: reg,
		store:    st,
		hub:      hub,
		logger:   log.WithComponent("engine"),
		validate: defaultValidate,
		aging:    3,
	}
}

// SetValidator replaces the content guard applied before every write.
func (e *Engine) SetValidator(v coord.ValidateFunc) { e.validate = v }

// SetDeferralAging sets how many requeue passes a starved tier tolerates
// before it is promoted.
func (e *Engine) SetDeferralAging(n int) {
	if n > 0 {
		e.aging = n
	}
}

// defaultValidate rejects writes that would empty a previously non-empty file.
func defaultValidate(content []byte) error {
	if len(content) == 0 {
		return fmt.Errorf("refusing to write empty content")
	}
	return nil
}

// fileJob is one target file plus the index of its next pending step. Deferred
// files requeue with next pointing past the steps that already finished.
type fileJob struct {
	plan plan.ExecutionPlan
	next int
}

// Run starts a new session and executes the plans to completion.
func (e *Engine) Run(ctx context.Context, plans []plan.ExecutionPlan) (*session.Summary, error) {
	sess, err := e.store.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	e.publish(events.TypeSessionStarted, map[string]any{"session_id": sess.ID})
	e.logger.Info("session started", "session_id", sess.ID, "targets", len(plans))
	return e.execute(ctx, sess.ID, plans)
}

// Resume reactivates an interrupted session and executes only the plans whose
// targets are not yet in the processed set.
func (e *Engine) Resume(ctx context.Context, sessionID string, plans []plan.ExecutionPlan) (*session.Summary, error) {
	cursor, err := e.store.Resume(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}

	pending := make([]plan.ExecutionPlan, 0, len(plans))
	for _, p := range plans {
		if _, done := cursor.ProcessedPaths[p.Item.TargetPath]; done {
			e.logger.Info("skipping processed target",
				"session_id", sessionID, "target", p.Item.TargetPath)
			continue
		}
		pending = append(pending, p)
	}

	e.logger.Info("session resumed", "session_id", sessionID,
		"pending", len(pending), "skipped", len(plans)-len(pending),
		"budget_consumed", cursor.BudgetConsumed, "window_consumed", cursor.WindowConsumed)
	return e.execute(ctx, sessionID, pending)
}

func (e *Engine) execute(ctx context.Context, sessionID string, plans []plan.ExecutionPlan) (*session.Summary, error) {
	deferred := budget.NewDeferralQueue[fileJob](e.aging)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PoolSize)
	for _, p := range plans {
		job := fileJob{plan: p}
		g.Go(func() error {
			return e.runFile(gctx, sessionID, job, deferred, false)
		})
	}
	err := g.Wait()

	if err == nil {
		err = e.drainDeferred(ctx, sessionID, deferred)
	}

	if err != nil {
		return e.halt(ctx, sessionID, err)
	}

	if err := e.store.Complete(ctx, sessionID); err != nil {
		return e.halt(ctx, sessionID, err)
	}
	e.publish(events.TypeSessionCompleted, map[string]any{"session_id": sessionID})

	sum, err := e.store.Summarize(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("summarize session: %w", err)
	}
	e.logger.Info("session completed", "session_id", sessionID,
		"succeeded", sum.Succeeded, "failed", sum.Failed,
		"deferred", sum.Deferred, "skipped", sum.Skipped,
		"budget_consumed", sum.BudgetConsumed)
	return sum, nil
}

// drainDeferred gives each deferred file one final pass. A file that still has
// no budget room is recorded deferred and left unprocessed, so a later resume
// picks it up. Deferred work is never dropped.
func (e *Engine) drainDeferred(ctx context.Context, sessionID string, q *budget.DeferralQueue[fileJob]) error {
	for {
		job, ok := q.Pop()
		if !ok {
			return nil
		}
		if err := e.runFile(ctx, sessionID, job, q, true); err != nil {
			return err
		}
	}
}

// halt flips the session to interrupted and releases everything it still
// holds. Best-effort: the storage that failed may be the storage we are
// flipping the flag in, and crash recovery covers that case at next startup.
func (e *Engine) halt(ctx context.Context, sessionID string, cause error) (*session.Summary, error) {
	haltCtx := context.WithoutCancel(ctx)

	e.logger.Error("halting session", "session_id", sessionID, "error", cause)
	if err := e.store.MarkInterrupted(haltCtx, sessionID); err != nil {
		e.logger.Error("could not mark session interrupted; startup recovery will",
			"session_id", sessionID, "error", err)
	}
	e.coord.ReleaseAllForHolder(haltCtx, sessionID)
	e.publish(events.TypeSessionInterrupted, map[string]any{
		"session_id": sessionID,
		"error":      cause.Error(),
	})

	sum, err := e.store.Summarize(haltCtx, sessionID)
	if err != nil {
		return nil, cause
	}
	return sum, cause
}

func (e *Engine) publish(eventType string, data any) {
	if e.hub != nil {
		e.hub.Publish(eventType, data)
	}
}

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/reforge/internal/config"
	"github.com/mattjoyce/reforge/internal/log"
)

// Store persists session lifecycle, step results and checkpoints. The step
// result and the checkpoint cursor always commit in one transaction: a result
// without its checkpoint (or the reverse) can never be observed.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	retries int
	backoff time.Duration
	now     func() time.Time
}

func NewStore(db *sql.DB, cfg config.EngineConfig) *Store {
	retries := cfg.PersistRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := cfg.PersistBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Store{
		db:      db,
		logger:  log.WithComponent("session"),
		retries: retries,
		backoff: backoff,
		now:     time.Now,
	}
}

// Start creates a new active session with an empty checkpoint.
func (s *Store) Start(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	now := s.now().UTC()
	nowS := now.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions(id, status, started_at, checkpoint_cursor)
VALUES(?, ?, ?, 0);
`, id, StatusActive, nowS); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints(session_id, processed_paths, budget_consumed, updated_at)
VALUES(?, '[]', 0, ?);
`, id, nowS); err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &Session{ID: id, Status: StatusActive, StartedAt: now}, nil
}

// RecordResult persists a step result and advances the checkpoint atomically.
// When markProcessed is true the target path joins the processed set (the set
// only ever grows). Transient failures are retried with bounded backoff;
// exhaustion returns a *PersistenceError.
func (s *Store) RecordResult(ctx context.Context, res *StepResult, markProcessed bool) error {
	if res == nil {
		return fmt.Errorf("result is nil")
	}
	if res.SessionID == "" {
		return fmt.Errorf("result has no session id")
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = s.now().UTC()
	}

	var lastErr error
	delay := s.backoff
	for attempt := 1; attempt <= s.retries; attempt++ {
		lastErr = s.recordOnce(ctx, res, markProcessed)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			break
		}
		s.logger.Warn("record_result failed, retrying",
			"session_id", res.SessionID, "attempt", attempt, "error", lastErr)
		if attempt < s.retries {
			select {
			case <-ctx.Done():
				return &PersistenceError{Op: "record_result", Err: ctx.Err()}
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return &PersistenceError{Op: "record_result", Err: lastErr}
}

func (s *Store) recordOnce(ctx context.Context, res *StepResult, markProcessed bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cursor int64
	if err := tx.QueryRowContext(ctx,
		"SELECT checkpoint_cursor FROM sessions WHERE id = ?;", res.SessionID).Scan(&cursor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, res.SessionID)
		}
		return fmt.Errorf("load checkpoint cursor: %w", err)
	}
	seq := cursor + 1
	res.Seq = seq

	rolledBack := 0
	if res.RolledBack {
		rolledBack = 1
	}
	var lastError any
	if res.Error != "" {
		lastError = res.Error
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO step_results(
  id, session_id, target_path, worker_type, status, risk, cost_consumed, rolled_back,
  last_error, seq, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, res.ID, res.SessionID, res.TargetPath, res.WorkerType, res.Status, res.Risk,
		res.CostConsumed, rolledBack, lastError, seq,
		res.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert step result: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET checkpoint_cursor = ? WHERE id = ?;", seq, res.SessionID); err != nil {
		return fmt.Errorf("advance checkpoint cursor: %w", err)
	}

	var pathsRaw string
	var budget int64
	if err := tx.QueryRowContext(ctx,
		"SELECT processed_paths, budget_consumed FROM checkpoints WHERE session_id = ?;",
		res.SessionID).Scan(&pathsRaw, &budget); err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	var paths []string
	if err := json.Unmarshal([]byte(pathsRaw), &paths); err != nil {
		return fmt.Errorf("decode processed paths: %w", err)
	}
	if markProcessed && !containsPath(paths, res.TargetPath) {
		paths = append(paths, res.TargetPath)
		sort.Strings(paths)
	}
	encoded, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("encode processed paths: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE checkpoints
SET processed_paths = ?, budget_consumed = ?, updated_at = ?
WHERE session_id = ?;
`, string(encoded), budget+res.CostConsumed,
		s.now().UTC().Format(time.RFC3339Nano), res.SessionID); err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Checkpoint bumps the checkpoint timestamp without recording a result.
func (s *Store) Checkpoint(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE checkpoints SET updated_at = ? WHERE session_id = ?;",
		s.now().UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return fmt.Errorf("touch checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// Resume reactivates a session and returns what has already been done so the
// caller skips completed paths.
func (s *Store) Resume(ctx context.Context, sessionID string) (*ResumeCursor, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusCompleted {
		return nil, fmt.Errorf("session %s already completed", sessionID)
	}

	var pathsRaw string
	var budget int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT processed_paths, budget_consumed FROM checkpoints WHERE session_id = ?;",
		sessionID).Scan(&pathsRaw, &budget); err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var paths []string
	if err := json.Unmarshal([]byte(pathsRaw), &paths); err != nil {
		return nil, fmt.Errorf("decode processed paths: %w", err)
	}
	processed := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		processed[p] = struct{}{}
	}

	windowStart := s.now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
	var window int64
	if err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount), 0) FROM resource_usage WHERE committed_at > ?;
`, windowStart).Scan(&window); err != nil {
		return nil, fmt.Errorf("read window consumption: %w", err)
	}
	if window < 0 {
		window = 0
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = ?, finished_at = NULL WHERE id = ?;",
		StatusActive, sessionID); err != nil {
		return nil, fmt.Errorf("reactivate session: %w", err)
	}
	sess.Status = StatusActive

	return &ResumeCursor{
		Session:        *sess,
		ProcessedPaths: processed,
		BudgetConsumed: budget,
		WindowConsumed: window,
	}, nil
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var (
		sess      Session
		statusS   string
		startedS  string
		finishedS sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, status, started_at, finished_at, checkpoint_cursor FROM sessions WHERE id = ?;
`, sessionID).Scan(&sess.ID, &statusS, &startedS, &finishedS, &sess.CheckpointCursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	sess.Status = Status(statusS)
	if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
		sess.StartedAt = t
	}
	if finishedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedS.String); err == nil {
			sess.FinishedAt = &t
		}
	}
	return &sess, nil
}

// Complete marks a session finished.
func (s *Store) Complete(ctx context.Context, sessionID string) error {
	return s.finish(ctx, sessionID, StatusCompleted)
}

// MarkInterrupted flags a session as interrupted; no further dispatch may
// happen for it until it is resumed.
func (s *Store) MarkInterrupted(ctx context.Context, sessionID string) error {
	return s.finish(ctx, sessionID, StatusInterrupted)
}

func (s *Store) finish(ctx context.Context, sessionID string, status Status) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET status = ?, finished_at = ? WHERE id = ?;
`, status, s.now().UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// RecoverOrphaned flips sessions left active by a crashed process to
// interrupted. Called once on startup before any dispatch.
func (s *Store) RecoverOrphaned(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET status = ?, finished_at = ? WHERE status = ?;
`, StatusInterrupted, s.now().UTC().Format(time.RFC3339Nano), StatusActive)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn("recovered orphaned sessions", "count", n)
	}
	return int(n), nil
}

// Results returns a session's step results in persist order.
func (s *Store) Results(ctx context.Context, sessionID string) ([]StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, target_path, worker_type, status, risk, cost_consumed, rolled_back,
       last_error, seq, created_at
FROM step_results
WHERE session_id = ?
ORDER BY seq ASC;
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load step results: %w", err)
	}
	defer rows.Close()

	var out []StepResult
	for rows.Next() {
		var (
			r         StepResult
			statusS   string
			rolled    int
			lastError sql.NullString
			createdS  string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.TargetPath, &r.WorkerType, &statusS,
			&r.Risk, &r.CostConsumed, &rolled, &lastError, &r.Seq, &createdS); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		r.Status = StepStatus(statusS)
		r.RolledBack = rolled != 0
		if lastError.Valid {
			r.Error = lastError.String
		}
		if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
			r.Timestamp = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summarize builds the operator-facing rollup for a session.
func (s *Store) Summarize(ctx context.Context, sessionID string) (*Summary, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	results, err := s.Results(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{SessionID: sessionID, Status: sess.Status}
	files := make(map[string]struct{})
	for _, r := range results {
		files[r.TargetPath] = struct{}{}
		sum.BudgetConsumed += r.CostConsumed
		switch r.Status {
		case StepSucceeded:
			sum.Succeeded++
		case StepFailed:
			sum.Failed++
			if r.Risk == "critical" {
				sum.CriticalFailures++
			}
		case StepDeferred:
			sum.Deferred++
		case StepSkipped:
			sum.Skipped++
		}
		if r.RolledBack {
			sum.RolledBack++
		}
	}
	sum.FilesProcessed = len(files)
	return sum, nil
}

func containsPath(paths []string, p string) bool {
	for _, x := range paths {
		if x == p {
			return true
		}
	}
	return false
}

package coord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/reforge/internal/config"
	"github.com/mattjoyce/reforge/internal/events"
	"github.com/mattjoyce/reforge/internal/log"
)

// Manager mediates all cross-worker access to shared files: per-resource
// EXCLUSIVE/SHARED locks, verified backups, and validated atomic writes.
// Workers never touch the lock table or the filesystem directly.
type Manager struct {
	db        *sql.DB
	hub       *events.Hub
	cfg       config.LockConfig
	backupDir string
	logger    *slog.Logger

	mu        sync.Mutex
	resources map[string]*resourceState

	// pidAlive is swapped out in tests to simulate crashed holders.
	pidAlive func(pid int) bool
	now      func() time.Time
}

type resourceState struct {
	holders      map[string]*Lock
	writePending bool
	// changed is closed and replaced whenever a lock is released or
	// reclaimed, waking blocked Acquire calls without busy polling.
	changed chan struct{}
}

func NewManager(db *sql.DB, hub *events.Hub, cfg config.LockConfig, backupDir string) (*Manager, error) {
	if backupDir == "" {
		return nil, fmt.Errorf("backup directory is empty")
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	return &Manager{
		db:        db,
		hub:       hub,
		cfg:       cfg,
		backupDir: backupDir,
		logger:    log.WithComponent("coord"),
		resources: make(map[string]*resourceState),
		pidAlive:  pidAlive,
		now:       time.Now,
	}, nil
}

// Acquire blocks until the lock is granted, the timeout elapses, or ctx is
// cancelled. A timeout of 0 uses the configured default.
func (m *Manager) Acquire(ctx context.Context, resourceID, holderID string, typ LockType, timeout time.Duration) (*Lock, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("resourceID is empty")
	}
	if holderID == "" {
		return nil, fmt.Errorf("holderID is empty")
	}
	if typ != Exclusive && typ != Shared {
		return nil, fmt.Errorf("invalid lock type %q", typ)
	}
	if timeout <= 0 {
		timeout = m.cfg.AcquireTimeout
	}

	deadline := m.now().Add(timeout)

	for {
		m.mu.Lock()
		st := m.stateLocked(resourceID)
		m.reclaimDeadLocked(resourceID, st)

		if lock, ok := m.tryGrantLocked(resourceID, st, holderID, typ); ok {
			m.mu.Unlock()
			m.persistLock(ctx, lock)
			return lock, nil
		}

		waitCh := st.changed
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &LockTimeoutError{ResourceID: resourceID, Timeout: timeout}
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, &LockTimeoutError{ResourceID: resourceID, Timeout: timeout}
		case <-waitCh:
			timer.Stop()
		}
	}
}

// Release drops the lock and wakes any waiters.
func (m *Manager) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return fmt.Errorf("lock is nil")
	}

	m.mu.Lock()
	st, ok := m.resources[lock.ResourceID]
	if !ok || st.holders[lock.HolderID] == nil {
		m.mu.Unlock()
		return fmt.Errorf("lock on %q not held by %q", lock.ResourceID, lock.HolderID)
	}
	if st.writePending {
		m.mu.Unlock()
		return fmt.Errorf("lock on %q released while a write is pending", lock.ResourceID)
	}
	delete(st.holders, lock.HolderID)
	m.wakeLocked(st)
	m.mu.Unlock()

	m.deleteLockRow(ctx, lock)
	return nil
}

// ReleaseAllForHolder drops every lock held by holderID. Used when a session
// is interrupted so nothing stays pinned.
func (m *Manager) ReleaseAllForHolder(ctx context.Context, holderID string) {
	m.mu.Lock()
	var dropped []*Lock
	for _, st := range m.resources {
		if lock, ok := st.holders[holderID]; ok {
			delete(st.holders, holderID)
			st.writePending = false
			dropped = append(dropped, lock)
			m.wakeLocked(st)
		}
	}
	m.mu.Unlock()

	for _, lock := range dropped {
		m.deleteLockRow(ctx, lock)
	}
}

// StartSweeper runs the TTL/liveness sweep until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Sweep reclaims expired and dead-holder locks across all resources.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	for resourceID, st := range m.resources {
		m.reclaimDeadLocked(resourceID, st)
	}
	m.mu.Unlock()
}

// ClearStaleRows removes lock rows left behind by a crashed process. Called
// once on startup before any dispatch.
func (m *Manager) ClearStaleRows(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, "SELECT resource_id, holder_id, holder_pid FROM locks;")
	if err != nil {
		return fmt.Errorf("read lock rows: %w", err)
	}
	defer rows.Close()

	type staleRow struct {
		resource, holder string
	}
	var stale []staleRow
	for rows.Next() {
		var resource, holder string
		var pid int
		if err := rows.Scan(&resource, &holder, &pid); err != nil {
			return fmt.Errorf("scan lock row: %w", err)
		}
		if !m.pidAlive(pid) {
			stale = append(stale, staleRow{resource, holder})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate lock rows: %w", err)
	}

	for _, s := range stale {
		if _, err := m.db.ExecContext(ctx,
			"DELETE FROM locks WHERE resource_id = ? AND holder_id = ?;", s.resource, s.holder); err != nil {
			return fmt.Errorf("clear stale lock row: %w", err)
		}
		m.logger.Warn("cleared stale lock row from dead process",
			"resource", s.resource, "holder", s.holder)
	}
	return nil
}

func (m *Manager) stateLocked(resourceID string) *resourceState {
	st, ok := m.resources[resourceID]
	if !ok {
		st = &resourceState{
			holders: make(map[string]*Lock),
			changed: make(chan struct{}),
		}
		m.resources[resourceID] = st
	}
	return st
}

// tryGrantLocked applies the compatibility rules: SHARED locks coexist,
// EXCLUSIVE is incompatible with everything.
func (m *Manager) tryGrantLocked(resourceID string, st *resourceState, holderID string, typ LockType) (*Lock, bool) {
	if _, held := st.holders[holderID]; held {
		return nil, false
	}

	if typ == Exclusive && len(st.holders) > 0 {
		return nil, false
	}
	if typ == Shared {
		for _, l := range st.holders {
			if l.Type == Exclusive {
				return nil, false
			}
		}
	}

	now := m.now().UTC()
	lock := &Lock{
		ResourceID: resourceID,
		HolderID:   holderID,
		HolderPID:  os.Getpid(),
		Type:       typ,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.cfg.TTL),
	}
	st.holders[holderID] = lock
	return lock, true
}

// reclaimDeadLocked removes locks whose TTL expired or whose holder process is
// gone. Reclaims are logged as warnings; they indicate a crashed or hung holder.
func (m *Manager) reclaimDeadLocked(resourceID string, st *resourceState) {
	now := m.now().UTC()
	reclaimed := false
	for holderID, lock := range st.holders {
		expired := now.After(lock.ExpiresAt)
		dead := !m.pidAlive(lock.HolderPID)
		if !expired && !dead {
			continue
		}
		delete(st.holders, holderID)
		st.writePending = false
		reclaimed = true

		reason := "ttl_expired"
		if dead {
			reason = "holder_dead"
		}
		m.logger.Warn("reclaimed lock",
			"resource", resourceID, "holder", holderID, "reason", reason)
		if m.hub != nil {
			m.hub.Publish(events.TypeLockReclaimed, map[string]any{
				"resource": resourceID,
				"holder":   holderID,
				"reason":   reason,
			})
		}
		go m.deleteLockRow(context.Background(), lock)
	}
	if reclaimed {
		m.wakeLocked(st)
	}
}

func (m *Manager) wakeLocked(st *resourceState) {
	close(st.changed)
	st.changed = make(chan struct{})
}

// persistLock mirrors the grant into the locks table. The row is advisory
// crash-visibility state; a failed insert does not invalidate the grant.
func (m *Manager) persistLock(ctx context.Context, lock *Lock) {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO locks(resource_id, holder_id, holder_pid, lock_type, acquired_at, expires_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(resource_id, holder_id) DO UPDATE SET
  holder_pid = excluded.holder_pid,
  lock_type = excluded.lock_type,
  acquired_at = excluded.acquired_at,
  expires_at = excluded.expires_at;
`, lock.ResourceID, lock.HolderID, lock.HolderPID, string(lock.Type),
		lock.AcquiredAt.Format(time.RFC3339Nano), lock.ExpiresAt.Format(time.RFC3339Nano))
	if err != nil {
		m.logger.Warn("failed to persist lock row", "resource", lock.ResourceID, "error", err)
	}
}

func (m *Manager) deleteLockRow(ctx context.Context, lock *Lock) {
	_, err := m.db.ExecContext(ctx,
		"DELETE FROM locks WHERE resource_id = ? AND holder_id = ?;", lock.ResourceID, lock.HolderID)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("failed to delete lock row", "resource", lock.ResourceID, "error", err)
	}
}

// pidAlive probes a process with signal 0. EPERM means the process exists but
// belongs to someone else, which still counts as alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

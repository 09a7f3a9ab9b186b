package coord

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/reforge/internal/events"
)

// ValidateFunc inspects candidate content before it replaces the resource.
type ValidateFunc func(content []byte) error

// SafeWrite replaces the resource content through a staged, validated, atomic
// rename. The caller must hold an EXCLUSIVE lock and supply the verified
// backup taken for this write.
//
// Failure modes:
//   - validation rejection: stage discarded, resource unchanged, ErrValidationFailed
//   - any later write-path failure: resource restored from backup, *WriteError
func (m *Manager) SafeWrite(ctx context.Context, lock *Lock, backup *Backup, newContent []byte, validate ValidateFunc) error {
	if lock == nil || lock.Type != Exclusive {
		return fmt.Errorf("safe write requires an exclusive lock")
	}
	if backup == nil || backup.ResourceID != lock.ResourceID {
		return fmt.Errorf("safe write requires a verified backup for %q", lock.ResourceID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.enterWritePending(lock); err != nil {
		return err
	}
	defer m.leaveWritePending(lock)

	if validate != nil {
		if err := validate(newContent); err != nil {
			return fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
	}

	// Stage in the resource's directory so the final rename stays on one
	// filesystem and is atomic.
	stage := lock.ResourceID + ".stage-" + uuid.NewString()[:8]
	if err := os.WriteFile(stage, newContent, 0o644); err != nil {
		// Nothing replaced yet; the resource is untouched.
		return &WriteError{ResourceID: lock.ResourceID, RolledBack: false,
			Err: fmt.Errorf("write stage: %w", err)}
	}

	if err := os.Rename(stage, lock.ResourceID); err != nil {
		_ = os.Remove(stage)
		rolledBack := true
		if restoreErr := m.Restore(backup); restoreErr != nil {
			rolledBack = false
			m.logger.Error("rollback from backup failed",
				"resource", lock.ResourceID, "error", restoreErr)
		}
		return &WriteError{ResourceID: lock.ResourceID, RolledBack: rolledBack,
			Err: fmt.Errorf("replace resource: %w", err)}
	}

	m.recordModification(ctx, lock.ResourceID, backup.Location)
	return nil
}

func (m *Manager) enterWritePending(lock *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.resources[lock.ResourceID]
	if !ok || st.holders[lock.HolderID] == nil {
		return fmt.Errorf("safe write without a held lock on %q", lock.ResourceID)
	}
	if st.writePending {
		return fmt.Errorf("write already pending on %q", lock.ResourceID)
	}
	st.writePending = true
	return nil
}

func (m *Manager) leaveWritePending(lock *Lock) {
	m.mu.Lock()
	if st, ok := m.resources[lock.ResourceID]; ok {
		st.writePending = false
	}
	m.mu.Unlock()
}

// recordModification leaves a visible trail of every committed write.
func (m *Manager) recordModification(ctx context.Context, resourceID, backupLocation string) {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO modifications(resource_id, backup_location, modified_at)
VALUES(?, ?, ?);
`, resourceID, backupLocation, m.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		m.logger.Warn("failed to record modification", "resource", resourceID, "error", err)
	}
	if m.hub != nil {
		m.hub.Publish(events.TypeResourceModified, map[string]any{
			"resource": resourceID,
			"backup":   backupLocation,
		})
	}
}

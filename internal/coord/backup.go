package coord

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Backup snapshots the resource into the backup directory and verifies the
// copy by reading it back and comparing BLAKE3 checksums. No write to the
// resource may proceed without a verified backup.
func (m *Manager) Backup(ctx context.Context, resourceID string) (*Backup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("read resource for backup: %w", err)
	}
	sum := blake3.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	name := fmt.Sprintf("%s.%s.bak", filepath.Base(resourceID), uuid.NewString()[:8])
	location := filepath.Join(m.backupDir, name)

	if err := os.WriteFile(location, data, 0o644); err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}

	// Read-back verification: a backup we cannot restore from is no backup.
	readBack, err := os.ReadFile(location)
	if err != nil {
		_ = os.Remove(location)
		return nil, fmt.Errorf("verify backup read-back: %w", err)
	}
	readSum := blake3.Sum256(readBack)
	if hex.EncodeToString(readSum[:]) != checksum {
		_ = os.Remove(location)
		return nil, fmt.Errorf("backup verification failed for %q: checksum mismatch", resourceID)
	}

	return &Backup{
		ResourceID: resourceID,
		Location:   location,
		Checksum:   checksum,
		CreatedAt:  m.now().UTC(),
	}, nil
}

// Restore writes the backup content back over the resource atomically.
func (m *Manager) Restore(b *Backup) error {
	if b == nil {
		return fmt.Errorf("backup is nil")
	}

	data, err := os.ReadFile(b.Location)
	if err != nil {
		return fmt.Errorf("read backup %q: %w", b.Location, err)
	}
	sum := blake3.Sum256(data)
	if hex.EncodeToString(sum[:]) != b.Checksum {
		return fmt.Errorf("backup %q is corrupt: checksum mismatch", b.Location)
	}

	stage := b.ResourceID + ".restore-" + uuid.NewString()[:8]
	if err := os.WriteFile(stage, data, 0o644); err != nil {
		return fmt.Errorf("stage restore: %w", err)
	}
	if err := os.Rename(stage, b.ResourceID); err != nil {
		_ = os.Remove(stage)
		return fmt.Errorf("replace resource from backup: %w", err)
	}
	return nil
}

// Purge removes a backup file once its retention ends (session close or after
// a rollback consumed it).
func (m *Manager) Purge(b *Backup) error {
	if b == nil {
		return nil
	}
	if err := os.Remove(b.Location); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove backup %q: %w", b.Location, err)
	}
	return nil
}

package coord

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/reforge/internal/config"
	"github.com/mattjoyce/reforge/internal/storage"
)

func testLockConfig() config.LockConfig {
	return config.LockConfig{
		AcquireTimeout: 2 * time.Second,
		TTL:            time.Minute,
		SweepInterval:  time.Minute,
	}
}

func newTestManager(t *testing.T) (*Manager, *sql.DB) {
	t.Helper()

	tmp := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(tmp, "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	m, err := NewManager(db, nil, testLockConfig(), filepath.Join(tmp, "backups"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, db
}

func TestExclusiveLockMutualExclusion(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "/tmp/a.go", "holder-1", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	// Second holder blocks until the first releases.
	granted := make(chan *Lock, 1)
	errCh := make(chan error, 1)
	go func() {
		l, err := m.Acquire(ctx, "/tmp/a.go", "holder-2", Exclusive, 5*time.Second)
		if err != nil {
			errCh <- err
			return
		}
		granted <- l
	}()

	select {
	case <-granted:
		t.Fatal("second exclusive lock granted while first still held")
	case err := <-errCh:
		t.Fatalf("second Acquire failed early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := m.Release(ctx, first); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case second := <-granted:
		if err := m.Release(ctx, second); err != nil {
			t.Fatalf("Release second: %v", err)
		}
	case err := <-errCh:
		t.Fatalf("second Acquire: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestSharedLocksCoexist(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Acquire(ctx, "/tmp/b.go", "holder-1", Shared, time.Second)
	if err != nil {
		t.Fatalf("Acquire shared 1: %v", err)
	}
	b, err := m.Acquire(ctx, "/tmp/b.go", "holder-2", Shared, time.Second)
	if err != nil {
		t.Fatalf("Acquire shared 2: %v", err)
	}

	// Exclusive must wait for both.
	if _, err := m.Acquire(ctx, "/tmp/b.go", "holder-3", Exclusive, 150*time.Millisecond); err == nil {
		t.Fatal("exclusive granted alongside shared holders")
	}

	_ = m.Release(ctx, a)
	_ = m.Release(ctx, b)

	excl, err := m.Acquire(ctx, "/tmp/b.go", "holder-3", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire exclusive after shared released: %v", err)
	}
	_ = m.Release(ctx, excl)
}

func TestAcquireTimeoutError(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	held, err := m.Acquire(ctx, "/tmp/c.go", "holder-1", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = m.Release(ctx, held) }()

	_, err = m.Acquire(ctx, "/tmp/c.go", "holder-2", Exclusive, 100*time.Millisecond)
	var timeoutErr *LockTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected LockTimeoutError, got %v", err)
	}
}

func TestDeadHolderLockIsReclaimed(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "/tmp/d.go", "crashed-holder", Exclusive, time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Simulate the holder process dying.
	m.pidAlive = func(pid int) bool { return false }

	lock, err := m.Acquire(ctx, "/tmp/d.go", "survivor", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire after holder death: %v", err)
	}
	m.pidAlive = func(pid int) bool { return true }
	_ = m.Release(ctx, lock)
}

func TestTTLExpiredLockIsReclaimed(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "/tmp/e.go", "slow-holder", Exclusive, time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Jump past the TTL.
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	lock, err := m.Acquire(ctx, "/tmp/e.go", "next-holder", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire after TTL expiry: %v", err)
	}
	_ = m.Release(ctx, lock)
}

func TestReleaseAllForHolder(t *testing.T) {
	t.Parallel()

	m, db := newTestManager(t)
	ctx := context.Background()

	for _, res := range []string{"/tmp/f1.go", "/tmp/f2.go", "/tmp/f3.go"} {
		if _, err := m.Acquire(ctx, res, "session-x", Exclusive, time.Second); err != nil {
			t.Fatalf("Acquire %s: %v", res, err)
		}
	}

	m.ReleaseAllForHolder(ctx, "session-x")

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM locks WHERE holder_id = 'session-x';").Scan(&count); err != nil {
		t.Fatalf("count locks: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 lock rows after ReleaseAll, got %d", count)
	}

	lock, err := m.Acquire(ctx, "/tmp/f1.go", "other", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire after ReleaseAll: %v", err)
	}
	_ = m.Release(ctx, lock)
}

func TestAcquireCancelledByContext(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	held, err := m.Acquire(context.Background(), "/tmp/g.go", "holder-1", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = m.Release(context.Background(), held) }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = m.Acquire(ctx, "/tmp/g.go", "holder-2", Exclusive, 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackupRoundTrip(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	resource := filepath.Join(t.TempDir(), "target.go")
	original := []byte("package main\n\nfunc main() {}\n")
	if err := os.WriteFile(resource, original, 0o644); err != nil {
		t.Fatalf("write resource: %v", err)
	}

	b, err := m.Backup(ctx, resource)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	// Clobber the resource, then restore.
	if err := os.WriteFile(resource, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("clobber: %v", err)
	}
	if err := m.Restore(b); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := os.ReadFile(resource)
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if string(got) != string(original) {
		t.Fatalf("restore mismatch: got %q", got)
	}

	if err := m.Purge(b); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := os.Stat(b.Location); !os.IsNotExist(err) {
		t.Fatal("backup file still present after purge")
	}
}

func TestBackupMissingResource(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	if _, err := m.Backup(context.Background(), "/nonexistent/file.go"); err == nil {
		t.Fatal("expected error backing up missing resource")
	}
}

func TestSafeWriteValidationFailureLeavesResourceUnchanged(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	resource := filepath.Join(t.TempDir(), "target.go")
	original := []byte("original content\n")
	if err := os.WriteFile(resource, original, 0o644); err != nil {
		t.Fatalf("write resource: %v", err)
	}

	lock, err := m.Acquire(ctx, resource, "writer", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = m.Release(ctx, lock) }()

	backup, err := m.Backup(ctx, resource)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	err = m.SafeWrite(ctx, lock, backup, []byte("bad content"), func(content []byte) error {
		return errors.New("rejected")
	})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}

	got, _ := os.ReadFile(resource)
	if string(got) != string(original) {
		t.Fatalf("resource changed after validation failure: %q", got)
	}
}

func TestSafeWriteCommitsAndRecordsModification(t *testing.T) {
	t.Parallel()

	m, db := newTestManager(t)
	ctx := context.Background()

	resource := filepath.Join(t.TempDir(), "target.go")
	if err := os.WriteFile(resource, []byte("before"), 0o644); err != nil {
		t.Fatalf("write resource: %v", err)
	}

	lock, err := m.Acquire(ctx, resource, "writer", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = m.Release(ctx, lock) }()

	backup, err := m.Backup(ctx, resource)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if err := m.SafeWrite(ctx, lock, backup, []byte("after"), nil); err != nil {
		t.Fatalf("SafeWrite: %v", err)
	}

	got, _ := os.ReadFile(resource)
	if string(got) != "after" {
		t.Fatalf("expected new content, got %q", got)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM modifications WHERE resource_id = ?;", resource).Scan(&count); err != nil {
		t.Fatalf("count modifications: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 modification row, got %d", count)
	}
}

func TestSafeWriteRequiresExclusiveLock(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	resource := filepath.Join(t.TempDir(), "target.go")
	if err := os.WriteFile(resource, []byte("x"), 0o644); err != nil {
		t.Fatalf("write resource: %v", err)
	}

	lock, err := m.Acquire(ctx, resource, "reader", Shared, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = m.Release(ctx, lock) }()

	backup, err := m.Backup(ctx, resource)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if err := m.SafeWrite(ctx, lock, backup, []byte("y"), nil); err == nil {
		t.Fatal("expected error writing under shared lock")
	}
}

func TestSafeWriteRequiresMatchingBackup(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	resource := filepath.Join(t.TempDir(), "target.go")
	if err := os.WriteFile(resource, []byte("x"), 0o644); err != nil {
		t.Fatalf("write resource: %v", err)
	}

	lock, err := m.Acquire(ctx, resource, "writer", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = m.Release(ctx, lock) }()

	if err := m.SafeWrite(ctx, lock, nil, []byte("y"), nil); err == nil {
		t.Fatal("expected error writing without a backup")
	}
}

func TestClearStaleRows(t *testing.T) {
	t.Parallel()

	m, db := newTestManager(t)
	ctx := context.Background()

	_, err := db.Exec(`
INSERT INTO locks(resource_id, holder_id, holder_pid, lock_type, acquired_at, expires_at)
VALUES('/tmp/stale.go', 'dead-session', 999999, 'exclusive', '2026-01-01T00:00:00Z', '2026-01-01T00:10:00Z');
`)
	if err != nil {
		t.Fatalf("insert stale row: %v", err)
	}

	m.pidAlive = func(pid int) bool { return false }
	if err := m.ClearStaleRows(ctx); err != nil {
		t.Fatalf("ClearStaleRows: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM locks;").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected stale rows cleared, got %d", count)
	}
}

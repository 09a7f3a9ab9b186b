package coord

import (
	"errors"
	"fmt"
	"time"
)

// LockType selects the compatibility mode for a resource lock.
type LockType string

const (
	Exclusive LockType = "exclusive"
	Shared    LockType = "shared"
)

// Lock is a granted hold on a resource. It must be released by the holder or
// it will be reclaimed by the TTL sweep.
type Lock struct {
	ResourceID string
	HolderID   string
	HolderPID  int
	Type       LockType
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Backup is a verified pre-write snapshot of a resource.
type Backup struct {
	ResourceID string
	Location   string
	Checksum   string
	CreatedAt  time.Time
}

// ErrValidationFailed is returned by SafeWrite when validate_fn rejects the
// new content. The resource is left unchanged.
var ErrValidationFailed = errors.New("validation failed")

// LockTimeoutError is returned when Acquire gives up waiting.
type LockTimeoutError struct {
	ResourceID string
	Timeout    time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring lock on %q after %v", e.ResourceID, e.Timeout)
}

// WriteError is returned when the write path fails. RolledBack reports whether
// the resource was restored from its backup.
type WriteError struct {
	ResourceID string
	RolledBack bool
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %q failed (rolled_back=%v): %v", e.ResourceID, e.RolledBack, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

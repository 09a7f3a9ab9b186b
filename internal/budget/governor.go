package budget

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/reforge/internal/config"
	"github.com/mattjoyce/reforge/internal/log"
)

// Outcome is the result of a reservation attempt. Deferral is a value, not an
// error: callers are expected to requeue deferred work explicitly.
type Outcome int

const (
	Allowed Outcome = iota
	Deferred
)

func (o Outcome) String() string {
	if o == Allowed {
		return "allowed"
	}
	return "deferred"
}

// Decision carries the outcome of Reserve. When deferred, RetryAfter is a hint
// for when the window is expected to have room again.
type Decision struct {
	Outcome    Outcome
	RetryAfter time.Duration
	// Reservation is non-nil only when Outcome is Allowed.
	Reservation *Reservation
}

// Reservation is an in-flight budget hold. It must be resolved with exactly
// one of Commit or Cancel.
type Reservation struct {
	g        *Governor
	cost     int64
	resolved bool
}

// Governor throttles consumption of the metered external resource against a
// sliding hourly window and a fixed daily counter, both read from the
// resource_usage table. If the counter storage fails, the governor fails
// closed and denies the reservation.
type Governor struct {
	db     *sql.DB
	hourly int64
	daily  int64
	logger *slog.Logger

	mu       sync.Mutex
	reserved int64

	now func() time.Time
}

func New(db *sql.DB, cfg config.BudgetConfig) *Governor {
	return &Governor{
		db:     db,
		hourly: cfg.HourlyCeiling,
		daily:  cfg.DailyCeiling,
		logger: log.WithComponent("budget"),
		now:    time.Now,
	}
}

// Reserve attempts to hold cost units against both ceilings. Zero-cost
// requests are always allowed. A non-nil error means the counter storage was
// unreachable; the decision is then a denial (fail closed).
func (g *Governor) Reserve(ctx context.Context, cost int64) (Decision, error) {
	if cost < 0 {
		return Decision{Outcome: Deferred}, fmt.Errorf("cost must be non-negative, got %d", cost)
	}
	if cost == 0 {
		return Decision{Outcome: Allowed, Reservation: &Reservation{g: g}}, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()

	hourlyUsed, dailyUsed, err := g.usedLocked(ctx, now)
	if err != nil {
		g.logger.Error("budget counters unreadable, failing closed", "error", err)
		return Decision{Outcome: Deferred, RetryAfter: time.Minute},
			fmt.Errorf("read budget counters: %w", err)
	}

	if dailyUsed+g.reserved+cost > g.daily {
		retry := nextUTCMidnight(now).Sub(now)
		return Decision{Outcome: Deferred, RetryAfter: retry}, nil
	}
	if hourlyUsed+g.reserved+cost > g.hourly {
		retry, err := g.hourlyRetryLocked(ctx, now)
		if err != nil {
			g.logger.Error("budget retry hint unreadable, failing closed", "error", err)
			return Decision{Outcome: Deferred, RetryAfter: time.Minute},
				fmt.Errorf("read budget window: %w", err)
		}
		return Decision{Outcome: Deferred, RetryAfter: retry}, nil
	}

	g.reserved += cost
	return Decision{Outcome: Allowed, Reservation: &Reservation{g: g, cost: cost}}, nil
}

// Commit records the actual cost consumed and releases the hold. The actual
// cost may differ from the reserved estimate.
func (r *Reservation) Commit(ctx context.Context, actual int64) error {
	if r == nil || r.resolved {
		return fmt.Errorf("reservation already resolved")
	}
	if actual < 0 {
		return fmt.Errorf("actual cost must be non-negative, got %d", actual)
	}
	r.resolved = true

	r.g.mu.Lock()
	r.g.reserved -= r.cost
	r.g.mu.Unlock()

	if actual == 0 {
		return nil
	}
	return r.g.record(ctx, actual)
}

// Cancel releases the hold without consuming anything.
func (r *Reservation) Cancel() {
	if r == nil || r.resolved {
		return
	}
	r.resolved = true
	r.g.mu.Lock()
	r.g.reserved -= r.cost
	r.g.mu.Unlock()
}

// Refund returns previously committed budget, recorded as a negative usage
// entry so both windows shrink durably.
func (g *Governor) Refund(ctx context.Context, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("refund amount must be positive, got %d", amount)
	}
	return g.record(ctx, -amount)
}

// Used returns the committed consumption in the current hourly and daily
// windows. In-flight reservations are not included.
func (g *Governor) Used(ctx context.Context) (hourly, daily int64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usedLocked(ctx, g.now().UTC())
}

func (g *Governor) record(ctx context.Context, amount int64) error {
	now := g.now().UTC()
	_, err := g.db.ExecContext(ctx, `
INSERT INTO resource_usage(amount, committed_at, day_bucket)
VALUES(?, ?, ?);
`, amount, now.Format(time.RFC3339Nano), now.Format(time.DateOnly))
	if err != nil {
		return fmt.Errorf("record resource usage: %w", err)
	}
	return nil
}

func (g *Governor) usedLocked(ctx context.Context, now time.Time) (hourly, daily int64, err error) {
	windowStart := now.Add(-time.Hour).Format(time.RFC3339Nano)
	err = g.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(CASE WHEN committed_at > ? THEN amount ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN day_bucket = ? THEN amount ELSE 0 END), 0)
FROM resource_usage;
`, windowStart, now.Format(time.DateOnly)).Scan(&hourly, &daily)
	if err != nil {
		return 0, 0, fmt.Errorf("sum resource usage: %w", err)
	}
	if hourly < 0 {
		hourly = 0
	}
	if daily < 0 {
		daily = 0
	}
	return hourly, daily, nil
}

// hourlyRetryLocked estimates when the oldest usage row still inside the
// sliding hour ages out.
func (g *Governor) hourlyRetryLocked(ctx context.Context, now time.Time) (time.Duration, error) {
	windowStart := now.Add(-time.Hour).Format(time.RFC3339Nano)

	var oldest sql.NullString
	err := g.db.QueryRowContext(ctx, `
SELECT MIN(committed_at) FROM resource_usage WHERE committed_at > ? AND amount > 0;
`, windowStart).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("oldest usage in window: %w", err)
	}

	if !oldest.Valid {
		// Window pressure comes from in-flight reservations only.
		return 30 * time.Second, nil
	}
	t, err := time.Parse(time.RFC3339Nano, oldest.String)
	if err != nil {
		return 30 * time.Second, nil
	}
	retry := t.Add(time.Hour).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return retry, nil
}

func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

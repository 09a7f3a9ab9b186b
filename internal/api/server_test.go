package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/reforge/internal/budget"
	"github.com/mattjoyce/reforge/internal/config"
	"github.com/mattjoyce/reforge/internal/events"
	"github.com/mattjoyce/reforge/internal/session"
	"github.com/mattjoyce/reforge/internal/storage"
	"github.com/mattjoyce/reforge/internal/worker"
)

func newTestServer(t *testing.T) (*Server, *session.Store, *events.Hub) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st := session.NewStore(db, config.EngineConfig{PersistRetries: 1, PersistBackoff: time.Millisecond})
	gov := budget.New(db, config.BudgetConfig{HourlyCeiling: 100, DailyCeiling: 800})
	hub := events.NewHub(16)
	reg := worker.NewRegistry()
	if err := worker.RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	return NewServer(config.APIConfig{Listen: "127.0.0.1:0"}, st, gov, hub, reg), st, hub
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := get(t, srv.Router(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStatusReportsBudgetAndWorkers(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := get(t, srv.Router(), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		HourlyUsed  int64    `json:"hourly_used"`
		DailyUsed   int64    `json:"daily_used"`
		WorkerTypes []string `json:"worker_types"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.WorkerTypes) != 4 {
		t.Fatalf("expected 4 builtin workers, got %v", body.WorkerTypes)
	}
}

func TestSessionSummaryEndpoint(t *testing.T) {
	t.Parallel()

	srv, st, _ := newTestServer(t)
	ctx := context.Background()
	sess, err := st.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := st.RecordResult(ctx, &session.StepResult{
		SessionID: sess.ID, TargetPath: "/a.go", WorkerType: "format",
		Status: session.StepSucceeded, Risk: "low", CostConsumed: 3,
	}, true); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	rec := get(t, srv.Router(), "/sessions/"+sess.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var sum session.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Succeeded != 1 || sum.BudgetConsumed != 3 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	rec = get(t, srv.Router(), "/sessions/"+sess.ID+"/results")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	if rec := get(t, srv.Router(), "/sessions/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := get(t, srv.Router(), "/sessions/nope/results"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEventsSnapshot(t *testing.T) {
	t.Parallel()

	srv, _, hub := newTestServer(t)
	hub.Publish(events.TypeSessionStarted, map[string]string{"session_id": "s1"})
	hub.Publish(events.TypeStepSucceeded, map[string]string{"session_id": "s1"})

	rec := get(t, srv.Router(), "/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var evs []events.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &evs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}

	rec = get(t, srv.Router(), "/events?since=1")
	if err := json.Unmarshal(rec.Body.Bytes(), &evs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != events.TypeStepSucceeded {
		t.Fatalf("expected the second event only, got %v", evs)
	}

	if rec := get(t, srv.Router(), "/events?since=banana"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"newswatch/internal/run"
	"newswatch/internal/runner"
	"newswatch/internal/scheduler"
	"newswatch/internal/storage"
	logx "newswatch/pkg/logx"
)

type stubRunner struct {
	mu  sync.Mutex
	err error
}

func (s *stubRunner) Trigger(ctx context.Context, req runner.TriggerRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return "run-42", nil
}

func (s *stubRunner) Running(category string) bool { return false }

type fixture struct {
	store  storage.Store
	sched  *scheduler.Service
	exec   *stubRunner
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	exec := &stubRunner{}
	sched := scheduler.New(scheduler.Config{
		Enabled:     true,
		Timezone:    "America/Sao_Paulo",
		DefaultCron: "0 8 * * 1-5",
	}, st, exec, logx.Nop())

	if err := sched.Register(context.Background(), "Health", "0 8 * * 1-5", true); err != nil {
		t.Fatalf("Register: %v", err)
	}

	srv := New(Config{}, sched, st, logx.Nop())
	return &fixture{store: st, sched: sched, exec: exec, router: srv.Router()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, "GET", "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Status    string `json:"status"`
		Scheduler bool   `json:"scheduler_running"`
		Timezone  string `json:"timezone"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Timezone != "America/Sao_Paulo" {
		t.Fatalf("response: %+v", resp)
	}
}

func TestTriggerRunAccepted(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, "POST", "/api/runs/trigger", `{"category":"Health"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp["run_id"] != "run-42" {
		t.Fatalf("response: %v", resp)
	}
}

func TestTriggerRunConflict(t *testing.T) {
	f := newFixture(t)
	f.exec.err = runner.ErrRunConflict
	rr := f.do(t, "POST", "/api/runs/trigger", `{"category":"Health"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestTriggerRunUnknownCategory(t *testing.T) {
	f := newFixture(t)
	f.exec.err = runner.ErrUnknownCategory
	rr := f.do(t, "POST", "/api/runs/trigger", `{"category":"Pets"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestTriggerRunBadRequests(t *testing.T) {
	f := newFixture(t)
	if rr := f.do(t, "POST", "/api/runs/trigger", `{`); rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rr.Code)
	}
	if rr := f.do(t, "POST", "/api/runs/trigger", `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty category status = %d", rr.Code)
	}
}

func TestListSchedules(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, "GET", "/api/schedules", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var list []struct {
		Category string `json:"category"`
		CronExpr string `json:"cron_expr"`
		Enabled  bool   `json:"enabled"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].Category != "Health" || !list[0].Enabled {
		t.Fatalf("schedules: %+v", list)
	}
}

func TestUpdateScheduleValidation(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, "PATCH", "/api/schedules/Health", `{"cron_expr":"bogus"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid cron status = %d", rr.Code)
	}

	rr = f.do(t, "PATCH", "/api/schedules/Pets", `{"cron_expr":"0 9 * * *"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown category status = %d", rr.Code)
	}

	rr = f.do(t, "PATCH", "/api/schedules/Health", `{"cron_expr":"0 9 * * *"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("valid update status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, "PATCH", "/api/schedules/Health", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty body status = %d", rr.Code)
	}
}

func TestUpdateScheduleEnabledFlag(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, "PATCH", "/api/schedules/Health", `{"enabled":false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("disable status = %d, body = %s", rr.Code, rr.Body.String())
	}
	sc, err := f.store.GetSchedule(context.Background(), "Health")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sc.Enabled {
		t.Fatal("enabled flag not persisted")
	}
	if sc.CronExpr == "" {
		t.Fatal("expression lost on enabled-only update")
	}

	rr = f.do(t, "PATCH", "/api/schedules/Health", `{"cron_expr":"15 7 * * *","enabled":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("re-enable status = %d", rr.Code)
	}
	sc, _ = f.store.GetSchedule(context.Background(), "Health")
	if !sc.Enabled || sc.CronExpr != "15 7 * * *" {
		t.Fatalf("schedule: %+v", sc)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	f := newFixture(t)

	if rr := f.do(t, "POST", "/api/schedules/Health/pause", ""); rr.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rr.Code)
	}
	sc, err := f.store.GetSchedule(context.Background(), "Health")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if !sc.Paused {
		t.Fatal("pause not persisted")
	}

	if rr := f.do(t, "POST", "/api/schedules/Health/resume", ""); rr.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rr.Code)
	}
	sc, _ = f.store.GetSchedule(context.Background(), "Health")
	if sc.Paused {
		t.Fatal("resume not persisted")
	}

	if rr := f.do(t, "POST", "/api/schedules/Pets/pause", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown category status = %d", rr.Code)
	}
}

func TestGetRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := &run.Run{
		ID:            "r1",
		Category:      "Health",
		TriggerOrigin: run.TriggerManual,
		Status:        run.StatusPending,
		CreatedAt:     time.Now(),
	}
	if err := f.store.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	rr := f.do(t, "GET", "/api/runs/r1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got run.Run
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "r1" || got.Status != run.StatusPending {
		t.Fatalf("run: %+v", got)
	}

	if rr := f.do(t, "GET", "/api/runs/missing", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing run status = %d", rr.Code)
	}
}

func TestListRunsFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		r := &run.Run{
			ID: id, Category: "Health", TriggerOrigin: run.TriggerManual,
			Status: run.StatusPending, CreatedAt: time.Now(),
		}
		if err := f.store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	rr := f.do(t, "GET", "/api/runs?category=Health&limit=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var runs []run.Run
	if err := json.NewDecoder(rr.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}

	if rr := f.do(t, "GET", "/api/runs?status=bogus", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d", rr.Code)
	}
	if rr := f.do(t, "GET", "/api/runs?limit=nope", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rr.Code)
	}
}

func TestRunStats(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, "GET", "/api/runs/stats?group_by=category", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr := f.do(t, "GET", "/api/runs/stats?group_by=bogus", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad group_by status = %d", rr.Code)
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"newswatch/internal/run"
	"newswatch/internal/scheduler"
	"newswatch/internal/storage"
	logx "newswatch/pkg/logx"
)

type healthResponse struct {
	Status    string               `json:"status"`
	Scheduler bool                 `json:"scheduler_running"`
	Timezone  string               `json:"timezone"`
	Jobs      int                  `json:"jobs"`
	NextFires map[string]time.Time `json:"next_fires,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.sched.Snapshot()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Scheduler: snap.Running,
		Timezone:  snap.Timezone,
		Jobs:      snap.Jobs,
		NextFires: snap.NextFires,
	})
}

type scheduleResponse struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	CronExpr  string    `json:"cron_expr"`
	Enabled   bool      `json:"enabled"`
	Paused    bool      `json:"paused"`
	NextFire  time.Time `json:"next_fire,omitzero"`
	LastFired time.Time `json:"last_fired,omitzero"`
	Running   bool      `json:"running"`
	LastRun   *run.Run  `json:"last_run,omitempty"`
}

func toScheduleResponse(st scheduler.ScheduleStatus) scheduleResponse {
	return scheduleResponse{
		ID:        st.Schedule.ID,
		Category:  st.Schedule.Category,
		CronExpr:  st.Schedule.CronExpr,
		Enabled:   st.Schedule.Enabled,
		Paused:    st.Schedule.Paused,
		NextFire:  st.Next,
		LastFired: st.Schedule.LastFiredAt,
		Running:   st.Running,
		LastRun:   st.LastRun,
	}
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.sched.Schedules(r.Context())
	if err != nil {
		s.log.Error("list schedules failed", logx.Err(err))
		jsonError(w, errMessageInternal, http.StatusInternalServerError)
		return
	}
	out := make([]scheduleResponse, 0, len(list))
	for _, st := range list {
		out = append(out, toScheduleResponse(st))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUpdateSchedule changes the cron expression and/or enabled
// flag. Body: {"cron_expr": "0 8 * * 1-5", "enabled": false}; omitted
// fields keep their current value.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")

	var input struct {
		CronExpr string `json:"cron_expr"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(input.CronExpr) == "" && input.Enabled == nil {
		jsonError(w, "cron_expr or enabled is required", http.StatusBadRequest)
		return
	}

	err := s.sched.Update(r.Context(), category, input.CronExpr, input.Enabled)
	switch {
	case errors.Is(err, scheduler.ErrUnknownSchedule):
		jsonError(w, "unknown category", http.StatusNotFound)
		return
	case errors.Is(err, scheduler.ErrInvalidCron):
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error("update schedule failed", logx.String("category", category), logx.Err(err))
		jsonError(w, errMessageInternal, http.StatusInternalServerError)
		return
	}

	resp := map[string]any{"category": category}
	if input.CronExpr != "" {
		resp["cron_expr"] = input.CronExpr
	}
	if input.Enabled != nil {
		resp["enabled"] = *input.Enabled
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handlePauseState(w, r, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handlePauseState(w, r, false)
}

func (s *Server) handlePauseState(w http.ResponseWriter, r *http.Request, paused bool) {
	category := chi.URLParam(r, "category")
	var err error
	if paused {
		err = s.sched.Pause(r.Context(), category)
	} else {
		err = s.sched.Resume(r.Context(), category)
	}
	switch {
	case errors.Is(err, scheduler.ErrUnknownSchedule):
		jsonError(w, "unknown category", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("pause state change failed", logx.String("category", category), logx.Err(err))
		jsonError(w, errMessageInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "paused": paused})
}

// handleTrigger starts a manual run. Body: {"category": "Health"}.
// Responds 202 with the run id; the run itself proceeds in the
// background and is observed via /api/runs/{id}.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(input.Category) == "" {
		jsonError(w, "category is required", http.StatusBadRequest)
		return
	}

	runID, err := s.sched.FireNow(r.Context(), input.Category)
	if err != nil {
		status, msg := mapTriggerError(err)
		if status == http.StatusInternalServerError {
			s.log.Error("manual trigger failed", logx.String("category", input.Category), logx.Err(err))
		}
		jsonError(w, msg, status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := run.Filter{
		Category: q.Get("category"),
		Status:   run.Status(q.Get("status")),
		Origin:   run.TriggerOrigin(q.Get("origin")),
	}
	if f.Status != "" && !run.ValidStatus(f.Status) {
		jsonError(w, "invalid status filter", http.StatusBadRequest)
		return
	}
	if f.Origin != "" && !run.ValidOrigin(f.Origin) {
		jsonError(w, "invalid origin filter", http.StatusBadRequest)
		return
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), f)
	if err != nil {
		s.log.Error("list runs failed", logx.Err(err))
		jsonError(w, errMessageInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleLatestRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.LatestPerCategory(r.Context())
	if err != nil {
		s.log.Error("latest runs failed", logx.Err(err))
		jsonError(w, errMessageInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleRunStats aggregates runs. Query: group_by=status|trigger_origin|category.
func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	group := run.StatGroup(r.URL.Query().Get("group_by"))
	if group == "" {
		group = run.GroupByStatus
	}
	switch group {
	case run.GroupByStatus, run.GroupByOrigin, run.GroupByCategory:
	default:
		jsonError(w, "invalid group_by", http.StatusBadRequest)
		return
	}

	buckets, err := s.store.Stats(r.Context(), group)
	if err != nil {
		s.log.Error("run stats failed", logx.Err(err))
		jsonError(w, errMessageInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_by": group, "buckets": buckets})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rn, err := s.store.GetRun(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		jsonError(w, "run not found", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("get run failed", logx.String("run_id", id), logx.Err(err))
		jsonError(w, errMessageInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

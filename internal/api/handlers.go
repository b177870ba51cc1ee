// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"etlflow/internal/executor"
	"etlflow/internal/run"
	"etlflow/internal/scheduler"
	"etlflow/internal/store"
	"etlflow/pkg/dag"
	"etlflow/pkg/types"
)

type handlers struct {
	svc    Service
	logger *slog.Logger
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// TriggerBody is the body of POST /api/dags/{dag}/runs.
type TriggerBody struct {
	Window types.Window      `json:"window"`
	Params map[string]string `json:"params,omitempty"`
}

// DAGView describes a registered DAG.
type DAGView struct {
	Name               string     `json:"name"`
	Version            int64      `json:"version"`
	Schedule           string     `json:"schedule"`
	StartDate          *time.Time `json:"start_date,omitempty"`
	MaxActiveRuns      int        `json:"max_active_runs"`
	MaxConcurrentTasks int        `json:"max_concurrent_tasks,omitempty"`
	Catchup            bool       `json:"catchup"`
	Tasks              []TaskView `json:"tasks"`
}

// TaskView describes one task of a DAG.
type TaskView struct {
	Name       string   `json:"name"`
	Upstream   []string `json:"upstream,omitempty"`
	Downstream []string `json:"downstream,omitempty"`
	Retries    int      `json:"retries"`
	Timeout    string   `json:"timeout,omitempty"`
}

// RunView is a run with its failure summary.
type RunView struct {
	*types.Run
	Failures []run.Failure `json:"failures,omitempty"`
}

func newDAGView(d *dag.DAG) DAGView {
	v := DAGView{
		Name:               d.Name,
		Version:            d.Version,
		Schedule:           "manual",
		MaxActiveRuns:      d.MaxActiveRuns,
		MaxConcurrentTasks: d.MaxConcurrentTasks,
		Catchup:            d.Catchup,
	}
	if !d.Manual() {
		v.Schedule = d.Schedule.String()
	}
	if !d.StartDate.IsZero() {
		start := d.StartDate
		v.StartDate = &start
	}
	for _, name := range d.Order() {
		t, _ := d.Task(name)
		tv := TaskView{
			Name:       name,
			Upstream:   t.Upstreams(),
			Retries:    t.RetryPolicy().Retries,
			Downstream: d.Downstream(name),
		}
		if t.Timeout > 0 {
			tv.Timeout = t.Timeout.String()
		}
		v.Tasks = append(v.Tasks, tv)
	}
	return v
}

func newRunView(r *types.Run) RunView {
	v := RunView{Run: r}
	if r.State == types.RunFailed {
		v.Failures = run.FailureSummary(r)
	}
	return v
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *handlers) listDAGs(w http.ResponseWriter, r *http.Request) {
	dags := h.svc.DAGs()
	views := make([]DAGView, 0, len(dags))
	for _, d := range dags {
		views = append(views, newDAGView(d))
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *handlers) getDAG(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "dag")
	d, ok := h.svc.DAG(name)
	if !ok {
		httpError(w, fmt.Sprintf("DAG %s not found", name), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, newDAGView(d))
}

func (h *handlers) triggerRun(w http.ResponseWriter, r *http.Request) {
	var body TriggerBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		httpError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.svc.Trigger(r.Context(), scheduler.TriggerRequest{
		DAG:    chi.URLParam(r, "dag"),
		Window: body.Window,
		Params: body.Params,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, res)
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			httpError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.svc.Runs(r.Context(), chi.URLParam(r, "dag"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, runViews(runs))
}

func (h *handlers) runForWindow(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err1 := time.Parse(time.RFC3339, q.Get("start"))
	end, err2 := time.Parse(time.RFC3339, q.Get("end"))
	if err := errors.Join(err1, err2); err != nil {
		httpError(w, "start and end must be RFC 3339 timestamps", http.StatusBadRequest)
		return
	}

	rn, err := h.svc.RunForWindow(r.Context(), chi.URLParam(r, "dag"), types.NewWindow(start, end))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newRunView(rn))
}

func (h *handlers) activeRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.svc.ActiveRuns(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, runViews(runs))
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	rn, err := h.svc.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newRunView(rn))
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := h.svc.GetRun(r.Context(), runID); err != nil {
		h.fail(w, r, err)
		return
	}
	trs, err := h.svc.History(r.Context(), runID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if trs == nil {
		trs = []types.Transition{}
	}
	respondJSON(w, http.StatusOK, trs)
}

func (h *handlers) abortRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := h.svc.Abort(r.Context(), runID); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "aborting"})
}

func runViews(runs []*types.Run) []RunView {
	views := make([]RunView, 0, len(runs))
	for _, rn := range runs {
		views = append(views, newRunView(rn))
	}
	return views
}

// fail maps err to a status code and writes it.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	httpError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrUnknownDAG), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidWindow):
		return http.StatusBadRequest
	case errors.Is(err, executor.ErrRunNotActive), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func httpError(w http.ResponseWriter, message string, code int) {
	respondJSON(w, code, ErrorResponse{Error: message, Code: strconv.Itoa(code)})
}

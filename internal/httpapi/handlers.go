package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"delegator/internal/task"
	"delegator/pkg/logx"
)

const (
	maxLaunchBody     = 1 << 20
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

type launchRequest struct {
	ParentSessionID string `json:"parent_session_id"`
	AgentKind       string `json:"agent_kind"`
	Prompt          string `json:"prompt"`
}

type healthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	GoVersion string         `json:"go_version"`
	Uptime    string         `json:"uptime"`
	Tasks     map[string]int `json:"tasks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	counts := map[string]int{}
	for st, n := range s.sched.Counts() {
		counts[string(st)] = n
	}
	h := healthResponse{
		Status:    "healthy",
		Version:   s.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Tasks:     counts,
	}
	if s.sched.Closing() {
		h.Status = "shutting_down"
		respondJSON(w, http.StatusServiceUnavailable, reqID, h, nil)
		return
	}
	respondOK(w, reqID, h)
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.sched.Limits())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.sched.Agents()
	sort.Slice(agents, func(i, j int) bool { return agents[i].Kind < agents[j].Kind })
	out := make([]map[string]string, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]string{
			"kind":            a.Kind,
			"model":           a.Model,
			"concurrency_key": a.ConcurrencyKey,
		})
	}
	respondOK(w, RequestIDFromContext(r.Context()), out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.audit == nil {
		respondError(w, reqID, http.StatusNotFound, &APIError{Code: CodeNotFound, Message: "audit storage is disabled"})
		return
	}
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, reqID, http.StatusBadRequest, &APIError{Code: CodeValidation, Message: "limit must be a positive integer", Field: "limit"})
			return
		}
		limit = min(n, maxAuditLimit)
	}
	entries, err := s.audit.RecentAudit(r.Context(), limit)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, &APIError{Code: CodeInternal, Message: err.Error()})
		return
	}
	respondOK(w, reqID, entries)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.sched.List(r.URL.Query().Get("parent"))
	if st := r.URL.Query().Get("status"); st != "" {
		kept := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == st {
				kept = append(kept, t)
			}
		}
		tasks = kept
	}
	respondOK(w, RequestIDFromContext(r.Context()), tasks)
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req launchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLaunchBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &APIError{Code: CodeValidation, Message: "invalid request body: " + err.Error()})
		return
	}

	id, err := s.sched.Launch(r.Context(), req.ParentSessionID, req.AgentKind, req.Prompt)
	if err != nil {
		respondTaskError(w, reqID, err)
		return
	}
	snap, err := s.sched.Get(id)
	if err != nil {
		// Pruned between launch and lookup; the ID is still the answer.
		snap = task.Snapshot{ID: id}
	}
	w.Header().Set("Location", "/api/v1/tasks/"+id)
	respondAccepted(w, reqID, snap)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	snap, err := s.sched.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondTaskError(w, reqID, err)
		return
	}
	respondOK(w, reqID, snap)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	out, err := s.sched.Output(chi.URLParam(r, "id"))
	if err != nil {
		respondTaskError(w, reqID, err)
		return
	}
	respondOK(w, reqID, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	snap, err := s.sched.Cancel(id)
	if err != nil {
		respondTaskError(w, reqID, err)
		return
	}
	s.log.Info("task cancelled via api", logx.String("task", id), logx.String("request_id", reqID))
	respondOK(w, reqID, snap)
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/obadiaha/veritas-kanban/internal/agent"
	"github.com/obadiaha/veritas-kanban/internal/attemptlog"
	"github.com/obadiaha/veritas-kanban/internal/metrics"
	"github.com/obadiaha/veritas-kanban/internal/telemetry"
)

// StartAgentRequest is the POST /tasks/{id}/agent body. Agent is optional;
// empty means the configured default.
type StartAgentRequest struct {
	Agent string `json:"agent,omitempty"`
}

// SendMessageRequest is the POST /tasks/{id}/agent/message body.
type SendMessageRequest struct {
	Message string `json:"message"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	var req StartAgentRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}

	status, err := s.deps.Supervisor.Start(r.Context(), taskID, req.Agent)
	if err != nil {
		writeError(w, agentErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if err := s.deps.Supervisor.Stop(r.Context(), taskID); err != nil {
		writeError(w, agentErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	status := s.deps.Supervisor.Status(taskID)
	if status == nil {
		writeJSON(w, http.StatusOK, map[string]any{"taskId": taskID, "running": false})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if err := s.deps.Supervisor.SendMessage(taskID, req.Message); err != nil {
		writeError(w, agentErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	attempts, err := s.deps.Supervisor.ListAttempts(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attempts == nil {
		attempts = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": taskID, "attempts": attempts})
}

func (s *Server) handleAttemptLog(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	attemptID := r.PathValue("attemptId")

	content, err := s.deps.Supervisor.AttemptLog(taskID, attemptID)
	if err != nil {
		writeError(w, agentErrorStatus(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, content)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	q := r.URL.Query()
	ctx := r.Context()

	period := metrics.Period(q.Get("period"))
	if period == "" {
		period = metrics.Period7d
	}
	project := q.Get("project")

	var v any
	var err error
	switch kind {
	case "all":
		v, err = s.deps.Metrics.AllMetrics(ctx, period, project)
	case "runs":
		v, err = s.deps.Metrics.RunMetrics(ctx, period, project)
	case "tokens":
		v, err = s.deps.Metrics.TokenMetrics(ctx, period, project)
	case "durations":
		v, err = s.deps.Metrics.DurationMetrics(ctx, period, project)
	case "tasks":
		v, err = s.deps.Metrics.TaskMetrics(ctx, project)
	case "trends":
		v, err = s.deps.Metrics.Trends(ctx, period, project)
	case "budget":
		tokenBudget := queryInt64(q.Get("tokenBudget"), 0)
		costBudget := queryFloat(q.Get("costBudget"), 0)
		warning := queryFloat(q.Get("warningThreshold"), 80)
		v, err = s.deps.Metrics.BudgetMetrics(ctx, tokenBudget, costBudget, warning, project)
	case "velocity":
		limit := int(queryInt64(q.Get("limit"), 0))
		v, err = s.deps.Metrics.VelocityMetrics(ctx, limit, project)
	case "agents":
		minRuns := int(queryInt64(q.Get("minRuns"), 0))
		v, err = s.deps.Metrics.AgentComparison(ctx, period, minRuns, project)
	case "failures":
		limit := int(queryInt64(q.Get("limit"), 0))
		v, err = s.deps.Metrics.FailedRuns(ctx, period, limit, project)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown metrics kind %q", kind))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleTelemetryExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := telemetry.QueryFilter{
		TaskID:  q.Get("taskId"),
		Project: q.Get("project"),
		Limit:   int(queryInt64(q.Get("limit"), 0)),
	}
	if types := q["type"]; len(types) > 0 {
		filter.Types = types
	}

	events, err := s.deps.Telemetry.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="telemetry.csv"`)
	w.WriteHeader(http.StatusOK)
	if err := telemetry.WriteCSV(w, events); err != nil {
		s.logger.Printf("csv export failed: %v", err)
	}
}

// agentErrorStatus maps the supervisor error taxonomy to HTTP statuses.
func agentErrorStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrTaskNotFound),
		errors.Is(err, agent.ErrNoLiveAgent),
		errors.Is(err, attemptlog.ErrLogNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrAgentAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, agent.ErrTaskNotCode),
		errors.Is(err, agent.ErrNoWorktree),
		errors.Is(err, agent.ErrAgentNotConfigured),
		errors.Is(err, agent.ErrAgentDisabled),
		errors.Is(err, agent.ErrStdinNotWritable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func queryInt64(v string, def int64) int64 {
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func queryFloat(v string, def float64) float64 {
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

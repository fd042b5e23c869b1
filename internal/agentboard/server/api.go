package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/agentboard/agentboard/internal/agentboard/db"
	"github.com/agentboard/agentboard/internal/agentboard/gate"
	"github.com/agentboard/agentboard/internal/agentboard/lifecycle"
	"github.com/agentboard/agentboard/internal/agentboard/spawn"
	"github.com/agentboard/agentboard/internal/agentboard/timeline"
)

type apiHandler struct {
	db            *db.DB
	lifecycle     *lifecycle.Service
	spawner       *spawn.Service
	hub           *Hub
	autoImplement bool
	startAt       time.Time
}

// apiError is the consistent error response format.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// writeOpError maps service errors to HTTP statuses: unknown records are
// 404, illegal state transitions and concurrency conflicts are 409.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, db.ErrRunInFlight):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (h *apiHandler) notify(msgType string, payload any) {
	if h.hub != nil {
		h.hub.BroadcastEvent(msgType, payload)
	}
}

func (h *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if h.hub != nil {
		clients = h.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(h.startAt).Round(time.Second).String(),
		"viewers": clients,
	})
}

func (h *apiHandler) handleListIssues(w http.ResponseWriter, r *http.Request) {
	filter := db.IssueFilter{
		StatusID:    r.URL.Query().Get("status"),
		AgentStatus: r.URL.Query().Get("agent_status"),
	}
	if p := r.URL.Query().Get("priority"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 4 {
			writeError(w, http.StatusBadRequest, "priority must be 1..4")
			return
		}
		filter.Priority = n
	}

	issues, err := h.db.ListIssues(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list issues")
		return
	}
	if issues == nil {
		issues = []db.Issue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

// issueDetail is the full read model for one issue.
type issueDetail struct {
	Issue  db.Issue          `json:"issue"`
	Labels []string          `json:"labels"`
	Links  []db.ExternalLink `json:"links"`
	Runs   []db.AgentRun     `json:"runs"`
}

func (h *apiHandler) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := h.db.GetIssue(r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}

	labels, err := h.db.IssueLabels(issue.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load labels")
		return
	}
	if labels == nil {
		labels = []string{}
	}
	links, err := h.db.ListLinks(issue.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load links")
		return
	}
	runs, err := h.db.ListRuns(issue.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load runs")
		return
	}

	writeJSON(w, http.StatusOK, issueDetail{Issue: issue, Labels: labels, Links: links, Runs: runs})
}

func (h *apiHandler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	issue, err := h.db.GetIssue(r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}

	runs, err := h.db.ListRuns(issue.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load runs")
		return
	}
	activities, err := h.db.ListActivity(issue.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load activity")
		return
	}
	history, err := h.db.ListHistory(issue.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	terminal, err := h.db.TerminalLinesByRun(issue.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load terminal output")
		return
	}

	writeJSON(w, http.StatusOK, timeline.Merge(issue, runs, activities, history, linkedPRs(runs), terminal))
}

// linkedPRs projects PR references recorded on completed runs.
func linkedPRs(runs []db.AgentRun) []timeline.LinkedPR {
	var prs []timeline.LinkedPR
	for _, run := range runs {
		if run.PRNumber <= 0 {
			continue
		}
		pr := timeline.LinkedPR{Number: run.PRNumber, URL: run.PRURL, LinkedAt: run.StartedAt}
		if run.CompletedAt != nil {
			pr.LinkedAt = *run.CompletedAt
		}
		prs = append(prs, pr)
	}
	return prs
}

func (h *apiHandler) handleDeleteIssue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.db.DeleteIssue(id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "issue not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.notify(MsgIssueRemoved, map[string]string{"issue_id": id})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *apiHandler) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	issue, err := h.lifecycle.ApprovePlan(r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}

	resp := map[string]any{"issue": issue}
	if h.autoImplement && h.spawner != nil {
		res, err := h.spawner.Spawn(r.Context(), spawn.Request{
			IssueID:      issue.ID,
			WorkflowType: gate.WorkflowPRDImplement,
			SpawnType:    spawn.TypeAuto,
		})
		if err != nil {
			resp["spawn_error"] = err.Error()
		} else {
			resp["spawn"] = res
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) handleRejectPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Feedback string `json:"feedback"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	issue, err := h.lifecycle.RejectPlan(r.PathValue("id"), req.Feedback)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (h *apiHandler) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowType string `json:"workflow_type"`
		Force        bool   `json:"force"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	switch req.WorkflowType {
	case gate.WorkflowErrorFix, gate.WorkflowPRDInvestigate, gate.WorkflowPRDImplement:
	default:
		writeError(w, http.StatusBadRequest, "unknown workflow_type")
		return
	}

	res, err := h.spawner.Spawn(r.Context(), spawn.Request{
		IssueID:      r.PathValue("id"),
		WorkflowType: req.WorkflowType,
		SpawnType:    spawn.TypeManual,
		Force:        req.Force,
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *apiHandler) handleUnblock(w http.ResponseWriter, r *http.Request) {
	issue, err := h.lifecycle.Unblock(r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (h *apiHandler) handleAgentPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Content    string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Identifier == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "identifier and content are required")
		return
	}
	issue, err := h.lifecycle.SubmitPlan(req.Identifier, req.Content)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (h *apiHandler) handleAgentBlocker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Reason     string `json:"reason"`
		Category   string `json:"category"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Identifier == "" || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "identifier and reason are required")
		return
	}
	issue, err := h.lifecycle.ReportBlocker(req.Identifier, req.Reason, req.Category)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (h *apiHandler) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Status     string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	issue, err := h.lifecycle.UpdateAgentStatus(req.Identifier, lifecycle.AgentStatus(req.Status))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (h *apiHandler) handleAgentActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier   string `json:"identifier"`
		RunID        string `json:"run_id"`
		ActivityType string `json:"activity_type"`
		Content      string `json:"content"`
		Metadata     string `json:"metadata"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Identifier == "" || req.ActivityType == "" {
		writeError(w, http.StatusBadRequest, "identifier and activity_type are required")
		return
	}

	issue, err := h.db.GetIssueByIdentifier(req.Identifier)
	if err != nil {
		writeOpError(w, err)
		return
	}
	activity, err := h.db.LogActivity(issue.ID, req.RunID, req.ActivityType, req.Content, req.Metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to log activity")
		return
	}
	h.notify(MsgIssueUpdated, map[string]string{"issue_id": issue.ID})
	writeJSON(w, http.StatusOK, activity)
}

func (h *apiHandler) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome  string  `json:"outcome"`
		Summary  string  `json:"summary"`
		CostUSD  float64 `json:"cost_usd"`
		NumTurns int     `json:"num_turns"`
		PRNumber int     `json:"pr_number"`
		PRURL    string  `json:"pr_url"`
		RunURL   string  `json:"run_url"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Outcome == "" {
		writeError(w, http.StatusBadRequest, "outcome is required")
		return
	}

	issue, err := h.lifecycle.CompleteRun(r.PathValue("id"), lifecycle.CompletionReport{
		Outcome:  req.Outcome,
		Summary:  req.Summary,
		CostUSD:  req.CostUSD,
		NumTurns: req.NumTurns,
		PRNumber: req.PRNumber,
		PRURL:    req.PRURL,
		RunURL:   req.RunURL,
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (h *apiHandler) handleTerminal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lines []string `json:"lines"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	runID := r.PathValue("id")
	run, err := h.db.GetRun(runID)
	if err != nil {
		writeOpError(w, err)
		return
	}
	if err := h.db.AppendTerminalLines(runID, req.Lines); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to append terminal lines")
		return
	}
	h.notify(MsgTerminalOutput, map[string]any{
		"issue_id": run.IssueID,
		"run_id":   runID,
		"lines":    req.Lines,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

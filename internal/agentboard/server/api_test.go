package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentboard/agentboard/internal/agentboard/db"
	"github.com/agentboard/agentboard/internal/agentboard/gate"
	"github.com/agentboard/agentboard/internal/agentboard/lifecycle"
	"github.com/agentboard/agentboard/internal/agentboard/server"
	"github.com/agentboard/agentboard/internal/agentboard/spawn"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := db.Open(path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(_ context.Context, _ string, _ db.Issue, runID string) (string, error) {
	return "https://github.com/acme/app/actions/runs/1", nil
}

func (fakeDispatcher) Cancel(context.Context, string) error { return nil }

func newAPIServer(t *testing.T, d *db.DB) *server.Server {
	t.Helper()
	g := gate.New(d, gate.Config{Budgets: map[string]int{
		gate.WorkflowErrorFix:       10,
		gate.WorkflowPRDInvestigate: 5,
		gate.WorkflowPRDImplement:   5,
	}}, nil)
	srv, err := server.New("127.0.0.1:0", server.Config{
		DB:        d,
		Lifecycle: lifecycle.New(d, nil, nil),
		Spawner:   spawn.New(d, g, fakeDispatcher{}, nil, nil),
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	go srv.Serve()
	return srv
}

func apiURL(srv *server.Server, path string) string {
	return "http://" + srv.Addr() + path
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

// startRun claims the issue for a running agent run, the way the spawn
// service records an admitted dispatch.
func startRun(t *testing.T, d *db.DB, issueID, workflowType, runID string) {
	t.Helper()
	err := d.Tx(func(tx *db.Tx) error {
		if _, err := tx.CreateRun(db.AgentRun{
			ID: runID, IssueID: issueID, WorkflowType: workflowType,
			StartedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		target := "investigating"
		if workflowType == gate.WorkflowPRDImplement {
			target = "implementing"
		}
		return tx.ClaimAgentStatus(issueID, "idle", target, "auto", runID)
	})
	if err != nil {
		t.Fatalf("starting run: %v", err)
	}
}

func TestAPI_Status(t *testing.T) {
	srv := newAPIServer(t, testDB(t))

	resp, err := http.Get(apiURL(srv, "/api/status"))
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	if result["status"] != "ok" {
		t.Fatalf("unexpected status body: %v", result)
	}
}

func TestAPI_ListIssues_Empty(t *testing.T) {
	srv := newAPIServer(t, testDB(t))

	resp, err := http.Get(apiURL(srv, "/api/issues"))
	if err != nil {
		t.Fatalf("GET /api/issues failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result []map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	if len(result) != 0 {
		t.Fatalf("expected empty list, got %d items", len(result))
	}
}

func TestAPI_ListIssues_FilterByAgentStatus(t *testing.T) {
	d := testDB(t)
	srv := newAPIServer(t, d)

	d.CreateIssue(db.Issue{Title: "one"})
	busy, _ := d.CreateIssue(db.Issue{Title: "two"})
	startRun(t, d, busy.ID, gate.WorkflowErrorFix, "run-1")

	resp, err := http.Get(apiURL(srv, "/api/issues?agent_status=investigating"))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var result []db.Issue
	json.NewDecoder(resp.Body).Decode(&result)
	if len(result) != 1 || result[0].ID != busy.ID {
		t.Fatalf("unexpected filter result: %+v", result)
	}
}

func TestAPI_GetIssue_NotFound(t *testing.T) {
	srv := newAPIServer(t, testDB(t))

	resp, err := http.Get(apiURL(srv, "/api/issues/nope"))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAPI_GetIssue_Detail(t *testing.T) {
	d := testDB(t)
	srv := newAPIServer(t, d)

	issue, _ := d.CreateIssue(db.Issue{Title: "detail me"})
	labelID, _ := d.EnsureLabel("Loki")
	d.AttachLabel(issue.ID, labelID)
	d.LinkExternalIssue(issue.ID, "loki", "fp-1", "", "")

	resp, err := http.Get(apiURL(srv, "/api/issues/"+issue.ID))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var detail struct {
		Issue  db.Issue          `json:"issue"`
		Labels []string          `json:"labels"`
		Links  []db.ExternalLink `json:"links"`
	}
	json.NewDecoder(resp.Body).Decode(&detail)
	if detail.Issue.ID != issue.ID {
		t.Fatalf("unexpected issue: %+v", detail.Issue)
	}
	if len(detail.Labels) != 1 || detail.Labels[0] != "Loki" {
		t.Fatalf("unexpected labels: %v", detail.Labels)
	}
	if len(detail.Links) != 1 || detail.Links[0].ExternalID != "fp-1" {
		t.Fatalf("unexpected links: %+v", detail.Links)
	}
}

func TestAPI_AgentPlan_SubmitsFromInvestigating(t *testing.T) {
	d := testDB(t)
	srv := newAPIServer(t, d)

	issue, _ := d.CreateIssue(db.Issue{Identifier: "ABD-1", Title: "x"})
	startRun(t, d, issue.ID, gate.WorkflowPRDInvestigate, "run-1")

	resp := postJSON(t, apiURL(srv, "/api/agent/plan"), map[string]string{
		"identifier": "ABD-1",
		"content":    "1. fix it",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	got, _ := d.GetIssue(issue.ID)
	if got.AgentStatus != "awaiting_review" || got.PlanStatus != "awaiting_review" {
		t.Fatalf("issue state = %s/%s", got.AgentStatus, got.PlanStatus)
	}
}

func TestAPI_AgentPlan_RejectedFromIdle(t *testing.T) {
	d := testDB(t)
	srv := newAPIServer(t, d)
	d.CreateIssue(db.Issue{Identifier: "ABD-1", Title: "x"})

	resp := postJSON(t, apiURL(srv, "/api/agent/plan"), map[string]string{
		"identifier": "ABD-1",
		"content":    "1. fix it",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestAPI_PlanReject_ReturnsToIdle(t *testing.T) {
	d := testDB(t)
	srv := newAPIServer(t, d)

	issue, _ := d.CreateIssue(db.Issue{Identifier: "ABD-1", Title: "x"})
	startRun(t, d, issue.ID, gate.WorkflowPRDInvestigate, "run-1")
	postJSON(t, apiURL(srv, "/api/agent/plan"), map[string]string{
		"identifier": "ABD-1", "content": "plan",
	}).Body.Close()

	resp := postJSON(t, apiURL(srv, "/api/issues/"+issue.ID+"/plan/reject"), map[string]string{
		"feedback": "needs different approach",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	got, _ := d.GetIssue(issue.ID)
	if got.PlanStatus != "needs_revision" || got.AgentStatus != "idle" {
		t.Fatalf("issue state = %s/%s", got.PlanStatus, got.AgentStatus)
	}
	if got.PlanFeedback != "needs different approach" {
		t.Fatalf("feedback = %q", got.PlanFeedback)
	}
}

func TestAPI_ManualSpawn(t *testing.T) {
	d := testDB(t)
	srv := newAPIServer(t, d)
	issue, _ := d.CreateIssue(db.Issue{Title: "x"})

	resp := postJSON(t, apiURL(srv, "/api/issues/"+issue.ID+"/spawn"), map[string]any{
		"workflow_type": "prd_investigate",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var res spawn.Result
	json.NewDecoder(resp.Body).Decode(&res)
	if !res.Started {
		t.Fatalf("result = %+v", res)
	}
	got, _ := d.GetIssue(issue.ID)
	if got.AgentStatus != "investigating" || got.SpawnType != "manual" {
		t.Fatalf("issue state = %s/%s", got.AgentStatus, got.SpawnType)
	}
}

func TestAPI_ManualSpawn_UnknownWorkflowType(t *testing.T) {
	d := testDB(t)
	srv := newAPIServer(t, d)
	issue, _ := d.CreateIssue(db.Issue{Title: "x"})

	resp := postJSON(t, apiURL(srv, "/api/issues/"+issue.ID+"/spawn"), map[string]any{
		"workflow_type": "nonsense",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAPI_CompleteRun_ReleasesIssue(t *testing.T) {
	d := testDB(t)
	srv := newAPIServer(t, d)

	issue, _ := d.CreateIssue(db.Issue{Title: "x"})
	startRun(t, d, issue.ID, gate.WorkflowErrorFix, "run-1")

	resp := postJSON(t, apiURL(srv, "/api/runs/run-1/complete"), map[string]any{
		"outcome":   "completed",
		"summary":   "patched",
		"pr_number": 7,
		"pr_url":    "https://github.com/acme/app/pull/7",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	got, _ := d.GetIssue(issue.ID)
	if got.AgentStatus != "idle" || got.RunOutcome != "completed" {
		t.Fatalf("issue state = %s/%s", got.AgentStatus, got.RunOutcome)
	}
}

func TestAPI_CompleteRun_UnknownRun(t *testing.T) {
	srv := newAPIServer(t, testDB(t))

	resp := postJSON(t, apiURL(srv, "/api/runs/nope/complete"), map[string]any{"outcome": "failed"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAPI_TerminalAppend(t *testing.T) {
	d := testDB(t)
	srv := newAPIServer(t, d)

	issue, _ := d.CreateIssue(db.Issue{Title: "x"})
	startRun(t, d, issue.ID, gate.WorkflowErrorFix, "run-1")

	resp := postJSON(t, apiURL(srv, "/api/runs/run-1/terminal"), map[string]any{
		"lines": []string{"cloning repo", "running tests"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	byRun, _ := d.TerminalLinesByRun(issue.ID)
	if len(byRun["run-1"]) != 2 {
		t.Fatalf("stored lines = %+v", byRun["run-1"])
	}
}

func TestAPI_Timeline_AnchorFirst(t *testing.T) {
	d := testDB(t)
	srv := newAPIServer(t, d)

	issue, _ := d.CreateIssue(db.Issue{Title: "x"})
	startRun(t, d, issue.ID, gate.WorkflowErrorFix, "run-1")

	resp, err := http.Get(apiURL(srv, "/api/issues/"+issue.ID+"/timeline"))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var entries []map[string]any
	json.NewDecoder(resp.Body).Decode(&entries)
	if len(entries) < 2 {
		t.Fatalf("expected anchor plus run entries, got %d", len(entries))
	}
	if entries[0]["kind"] != "issue_created" {
		t.Fatalf("first entry kind = %v", entries[0]["kind"])
	}
}

func TestAPI_Unblock_FromIdleRejected(t *testing.T) {
	d := testDB(t)
	srv := newAPIServer(t, d)
	issue, _ := d.CreateIssue(db.Issue{Title: "x"})

	resp := postJSON(t, apiURL(srv, "/api/issues/"+issue.ID+"/unblock"), map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestAPI_DeleteIssue_RefusesRunningSpawn(t *testing.T) {
	d := testDB(t)
	srv := newAPIServer(t, d)

	issue, _ := d.CreateIssue(db.Issue{Title: "x"})
	startRun(t, d, issue.ID, gate.WorkflowErrorFix, "run-1")

	req, _ := http.NewRequest(http.MethodDelete, apiURL(srv, "/api/issues/"+issue.ID), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

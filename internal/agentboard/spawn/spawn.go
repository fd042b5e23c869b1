// Package spawn ties admission control to CI dispatch. The service is the
// only code path that starts agent runs: webhook ingestion, the HTTP API and
// the auto-investigate flow all come through Spawn.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agentboard/agentboard/internal/agentboard/db"
	"github.com/agentboard/agentboard/internal/agentboard/gate"
	"github.com/agentboard/agentboard/internal/agentboard/metrics"
)

// Spawn types recorded on the issue.
const (
	TypeAuto   = "auto"
	TypeManual = "manual"
)

// Dispatcher starts and cancels CI workflow runs. Implementations must be
// safe for concurrent use.
type Dispatcher interface {
	// Dispatch triggers the workflow for the given run and returns a URL
	// where the run can be observed, if one is known.
	Dispatch(ctx context.Context, workflowType string, issue db.Issue, runID string) (runURL string, err error)
	// Cancel best-effort stops a previously dispatched run.
	Cancel(ctx context.Context, runURL string) error
}

// Request describes one spawn attempt.
type Request struct {
	IssueID      string
	WorkflowType string
	Fingerprint  string
	SpawnType    string // TypeAuto or TypeManual
	Force        bool
}

// Result reports what happened. Exactly one of Started or Denied holds:
// a dispatch or recording failure returns an error instead.
type Result struct {
	Started bool   `json:"started"`
	RunID   string `json:"run_id,omitempty"`
	RunURL  string `json:"run_url,omitempty"`
	Denied  string `json:"denied,omitempty"`
}

// Service coordinates gate, dispatcher and storage for one spawn.
type Service struct {
	db         *db.DB
	gate       *gate.Gate
	dispatcher Dispatcher
	broadcast  func(event string, payload any)
	logger     *slog.Logger
}

func New(database *db.DB, g *gate.Gate, dispatcher Dispatcher, broadcast func(string, any), logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: database, gate: g, dispatcher: dispatcher, broadcast: broadcast, logger: logger}
}

// Spawn runs the full admission-then-dispatch sequence. The gate check is
// optimistic; the authoritative claim happens in RecordSpawn, so a lost race
// after dispatch cancels the CI run rather than leaving an orphan.
func (s *Service) Spawn(ctx context.Context, req Request) (Result, error) {
	issue, err := s.db.GetIssue(req.IssueID)
	if err != nil {
		return Result{}, err
	}

	decision, err := s.gate.Check(issue.ID, req.WorkflowType, req.Fingerprint, req.Force)
	if err != nil {
		return Result{}, fmt.Errorf("gate check: %w", err)
	}
	if !decision.Allowed {
		metrics.GateDecisions.WithLabelValues(req.WorkflowType, decision.Reason).Inc()
		s.logger.Info("spawn denied", "issue", issue.Identifier, "workflow", req.WorkflowType, "reason", decision.Reason)
		return Result{Denied: decision.Reason}, nil
	}
	metrics.GateDecisions.WithLabelValues(req.WorkflowType, "allowed").Inc()

	runID := uuid.NewString()
	runURL, err := s.dispatcher.Dispatch(ctx, req.WorkflowType, issue, runID)
	if err != nil {
		s.recordDispatchFailure(issue, req, err)
		return Result{}, fmt.Errorf("dispatching %s for %s: %w", req.WorkflowType, issue.Identifier, err)
	}

	err = s.gate.RecordSpawn(issue.ID, req.WorkflowType, req.Fingerprint, runID, runURL,
		req.SpawnType, targetStatus(req.WorkflowType), req.Force)
	if err != nil {
		if errors.Is(err, db.ErrRunInFlight) || errors.Is(err, db.ErrBudgetExhausted) {
			// Someone else won the race between Check and RecordSpawn.
			if cancelErr := s.dispatcher.Cancel(ctx, runURL); cancelErr != nil {
				s.logger.Warn("canceling superseded run failed", "run", runID, "error", cancelErr)
			}
			return Result{Denied: deniedReason(err)}, nil
		}
		return Result{}, fmt.Errorf("recording spawn: %w", err)
	}

	metrics.SpawnsDispatched.WithLabelValues(req.WorkflowType).Inc()
	s.logger.Info("agent run started",
		"issue", issue.Identifier, "workflow", req.WorkflowType, "run", runID, "type", req.SpawnType)
	if s.broadcast != nil {
		s.broadcast("run_started", map[string]any{
			"issue_id": issue.ID, "run_id": runID, "workflow_type": req.WorkflowType,
		})
	}
	return Result{Started: true, RunID: runID, RunURL: runURL}, nil
}

// recordDispatchFailure marks the spawn as failed without touching
// agent_status: the issue was never claimed, so it stays spawnable.
func (s *Service) recordDispatchFailure(issue db.Issue, req Request, cause error) {
	issue.SpawnStatus = "spawn_failed"
	issue.SpawnType = req.SpawnType
	if err := s.db.UpdateIssue(issue); err != nil {
		s.logger.Error("recording spawn failure", "issue", issue.Identifier, "error", err)
		return
	}
	if err := s.db.LogHistory(issue.ID, "spawn_failed", "", "",
		fmt.Sprintf("%s dispatch failed: %v", req.WorkflowType, cause)); err != nil {
		s.logger.Error("logging spawn failure", "issue", issue.Identifier, "error", err)
	}
}

func targetStatus(workflowType string) string {
	if workflowType == gate.WorkflowPRDImplement {
		return "implementing"
	}
	return "investigating"
}

func deniedReason(err error) string {
	if errors.Is(err, db.ErrBudgetExhausted) {
		return gate.ReasonBudgetExhausted
	}
	return gate.ReasonAlreadyRunning
}

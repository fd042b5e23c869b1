// Package gate implements admission control for agent spawns: daily budgets,
// per-issue concurrency, and per-fingerprint cooldown.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentboard/agentboard/internal/agentboard/db"
)

// Workflow types with per-type daily budgets.
const (
	WorkflowErrorFix       = "error_fix"
	WorkflowPRDInvestigate = "prd_investigate"
	WorkflowPRDImplement   = "prd_implement"
)

// Denial reasons. These are actionable results, not errors.
const (
	ReasonAlreadyRunning  = "already running"
	ReasonBudgetExhausted = "budget exhausted"
	ReasonCooldownActive  = "cooldown active"
)

// Decision is the gate's answer for one spawn request.
type Decision struct {
	Allowed bool
	Reason  string
}

// Config holds the gate's policy knobs.
type Config struct {
	// Budgets maps workflow type to its daily spawn limit.
	Budgets map[string]int
	// Cooldown is the window during which a second auto-spawn for the same
	// error fingerprint is suppressed.
	Cooldown time.Duration
}

// Gate evaluates whether an agent run may be started for an issue. Checks
// are read optimistically; RecordSpawn and the storage constraints are the
// actual correctness boundary under concurrency.
type Gate struct {
	db     *db.DB
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(database *db.DB, cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{db: database, cfg: cfg, logger: logger, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (g *Gate) WithNow(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Check runs the admission checks in order, short-circuiting on the first
// failure: concurrency, budget, cooldown. force bypasses budget and cooldown
// but never concurrency — only one CI job may touch an issue's workspace at
// a time, so concurrency is a correctness invariant while the other two are
// policy limits. The fingerprint is only consulted for auto error-fix spawns.
func (g *Gate) Check(issueID, workflowType, fingerprint string, force bool) (Decision, error) {
	if _, err := g.db.RunningRun(issueID); err == nil {
		return Decision{Allowed: false, Reason: ReasonAlreadyRunning}, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return Decision{}, fmt.Errorf("checking running run: %w", err)
	}

	if force {
		return Decision{Allowed: true}, nil
	}

	limit := g.cfg.Budgets[workflowType]
	count, err := g.db.BudgetCount(workflowType, db.DayKey(g.now()))
	if err != nil {
		return Decision{}, fmt.Errorf("checking budget: %w", err)
	}
	if count >= limit {
		return Decision{Allowed: false, Reason: ReasonBudgetExhausted}, nil
	}

	if workflowType == WorkflowErrorFix && fingerprint != "" {
		last, err := g.db.LastAttempt(fingerprint)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return Decision{}, fmt.Errorf("checking cooldown: %w", err)
		}
		if err == nil && g.now().Sub(last) < g.cfg.Cooldown {
			return Decision{Allowed: false, Reason: ReasonCooldownActive}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// RecordSpawn persists an approved, externally-accepted spawn in a single
// transaction: the AgentRun row (the partial unique index is the hard
// concurrency guard), the budget increment, the cooldown attempt, and the
// conditional agent_status claim away from idle (or, for implement spawns,
// away from an approved awaiting_review plan). It must only be called
// after the external dispatcher confirmed acceptance. A lost race surfaces
// as db.ErrRunInFlight with no partial writes.
func (g *Gate) RecordSpawn(issueID, workflowType, fingerprint, runID, runURL, spawnType, targetStatus string, force bool) error {
	now := g.now()
	err := g.db.Tx(func(tx *db.Tx) error {
		if _, err := tx.CreateRun(db.AgentRun{
			ID:           runID,
			IssueID:      issueID,
			WorkflowType: workflowType,
			StartedAt:    now.UTC(),
			GithubRunURL: runURL,
		}); err != nil {
			return err
		}
		if err := tx.IncrementBudget(workflowType, db.DayKey(now), g.cfg.Budgets[workflowType], force); err != nil {
			return err
		}
		if fingerprint != "" {
			if err := tx.RecordAttempt(fingerprint, workflowType, issueID, now); err != nil {
				return err
			}
		}
		issue, err := tx.GetIssue(issueID)
		if err != nil {
			return err
		}
		// Most spawns claim an idle issue. An implement spawn may also claim
		// one whose approved plan is awaiting dispatch, which is where
		// SubmitPlan + ApprovePlan leave it.
		switch {
		case issue.AgentStatus == "idle":
		case targetStatus == "implementing" &&
			issue.AgentStatus == "awaiting_review" && issue.PlanStatus == "approved":
		default:
			return db.ErrRunInFlight
		}
		if err := tx.ClaimAgentStatus(issueID, issue.AgentStatus, targetStatus, spawnType, runID); err != nil {
			return err
		}
		return tx.LogHistory(issueID, "agent_run_started", issue.AgentStatus, targetStatus,
			fmt.Sprintf("%s run %s dispatched", workflowType, runID))
	})
	if err != nil {
		return err
	}

	g.logger.Info("spawn recorded",
		"issue_id", issueID, "workflow", workflowType, "run_id", runID, "force", force)
	return nil
}

// Package lifecycle owns the agent state machine for an issue: which agent
// statuses exist, which transitions are legal, and the mutations triggered
// by agent tool calls, plan review actions, and CI completion reports.
package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentboard/agentboard/internal/agentboard/db"
	"github.com/agentboard/agentboard/internal/agentboard/metrics"
)

// AgentStatus represents where an issue's agent work currently stands.
type AgentStatus string

const (
	StatusIdle           AgentStatus = "idle"
	StatusInvestigating  AgentStatus = "investigating"
	StatusAwaitingReview AgentStatus = "awaiting_review"
	StatusImplementing   AgentStatus = "implementing"
	StatusBlocked        AgentStatus = "blocked"
)

// Plan review states.
const (
	PlanAwaitingReview = "awaiting_review"
	PlanApproved       = "approved"
	PlanNeedsRevision  = "needs_revision"
)

// Terminal run outcomes, recorded per run and mirrored on the issue.
const (
	OutcomeCompleted             = "completed"
	OutcomeNoChangesNeeded       = "no_changes_needed"
	OutcomeBlocked               = "blocked"
	OutcomeNeedsHumanDecision    = "needs_human_decision"
	OutcomeInvestigationComplete = "investigation_complete"
	OutcomeFailed                = "failed"
)

var validStatuses = map[AgentStatus]bool{
	StatusIdle:           true,
	StatusInvestigating:  true,
	StatusAwaitingReview: true,
	StatusImplementing:   true,
	StatusBlocked:        true,
}

// ValidStatus returns true if s is a recognized AgentStatus.
func ValidStatus(s AgentStatus) bool {
	return validStatuses[s]
}

// transitions lists the legal state changes. Entering investigating or
// implementing from idle happens through the spawn gate's claim, not here.
var transitions = map[AgentStatus][]AgentStatus{
	StatusIdle:           {StatusInvestigating, StatusImplementing},
	StatusInvestigating:  {StatusAwaitingReview, StatusImplementing, StatusBlocked, StatusIdle},
	StatusAwaitingReview: {StatusImplementing, StatusBlocked, StatusIdle},
	StatusImplementing:   {StatusBlocked, StatusIdle},
	StatusBlocked:        {StatusIdle, StatusInvestigating, StatusImplementing},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to AgentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// activeStatuses are the states in which a spawn may be running.
var activeStatuses = map[AgentStatus]bool{
	StatusInvestigating: true,
	StatusImplementing:  true,
}

// ErrInvalidTransition is returned when an operation is applied to an issue
// whose current state does not permit it.
var ErrInvalidTransition = errors.New("invalid agent status transition")

// Service applies lifecycle operations against the store. Broadcast is an
// optional callback invoked after a successful mutation; failures to
// broadcast never affect the mutation itself.
type Service struct {
	DB        *db.DB
	Broadcast func(msgType string, payload any)
	Logger    *slog.Logger
}

func New(database *db.DB, broadcast func(string, any), logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{DB: database, Broadcast: broadcast, Logger: logger}
}

func (s *Service) notify(msgType string, payload any) {
	if s.Broadcast != nil {
		s.Broadcast(msgType, payload)
	}
}

// checkConsistent rejects writes that would leave agent_status and
// spawn_status in a contradictory pair. Fail closed: a rejected mutation is
// recoverable, a corrupted pair is not.
func checkConsistent(issue db.Issue) error {
	if issue.SpawnStatus == "running" && !activeStatuses[AgentStatus(issue.AgentStatus)] {
		return fmt.Errorf("spawn running with agent_status %q: %w", issue.AgentStatus, ErrInvalidTransition)
	}
	if issue.AgentStatus == string(StatusIdle) && issue.SpawnStatus == "running" {
		return fmt.Errorf("idle issue with running spawn: %w", ErrInvalidTransition)
	}
	return nil
}

// SubmitPlan handles the agent's post_plan tool call: the issue moves from
// investigating to awaiting_review and the investigate run is closed out
// with investigation_complete (a plan is the investigation's deliverable, so
// the run is done the moment it is posted; the later CI completion report
// for the same run becomes a no-op).
func (s *Service) SubmitPlan(identifier, content string) (db.Issue, error) {
	issue, err := s.DB.GetIssueByIdentifier(identifier)
	if err != nil {
		return db.Issue{}, err
	}
	if AgentStatus(issue.AgentStatus) != StatusInvestigating {
		return db.Issue{}, fmt.Errorf("post_plan from %q: %w", issue.AgentStatus, ErrInvalidTransition)
	}

	err = s.DB.Tx(func(tx *db.Tx) error {
		fresh, err := tx.GetIssue(issue.ID)
		if err != nil {
			return err
		}
		if fresh.SpawnRunID != "" {
			if err := tx.CompleteRun(fresh.SpawnRunID, OutcomeInvestigationComplete, "plan submitted for review", 0, ""); err != nil && !errors.Is(err, db.ErrNotFound) {
				return err
			}
		}
		fresh.AgentStatus = string(StatusAwaitingReview)
		fresh.PlanStatus = PlanAwaitingReview
		fresh.PlanContent = content
		fresh.SpawnStatus = OutcomeInvestigationComplete
		fresh.RunOutcome = OutcomeInvestigationComplete
		if err := checkConsistent(fresh); err != nil {
			return err
		}
		if err := tx.UpdateIssue(fresh); err != nil {
			return err
		}
		issue = fresh
		return tx.LogHistory(issue.ID, "plan_submitted", string(StatusInvestigating), string(StatusAwaitingReview), "")
	})
	if err != nil {
		return db.Issue{}, err
	}

	s.Logger.Info("plan submitted", "identifier", identifier)
	s.notify("issue_updated", issue)
	return issue, nil
}

// ApprovePlan marks the plan approved. Whether an implement run is then
// dispatched is the caller's decision (auto-implement policy).
func (s *Service) ApprovePlan(issueID string) (db.Issue, error) {
	issue, err := s.DB.GetIssue(issueID)
	if err != nil {
		return db.Issue{}, err
	}
	if issue.PlanStatus != PlanAwaitingReview {
		return db.Issue{}, fmt.Errorf("approve with plan_status %q: %w", issue.PlanStatus, ErrInvalidTransition)
	}

	err = s.DB.Tx(func(tx *db.Tx) error {
		issue.PlanStatus = PlanApproved
		issue.PlanFeedback = ""
		if err := tx.UpdateIssue(issue); err != nil {
			return err
		}
		return tx.LogHistory(issue.ID, "plan_approved", "", "", "")
	})
	if err != nil {
		return db.Issue{}, err
	}

	s.notify("issue_updated", issue)
	return issue, nil
}

// RejectPlan records reviewer feedback and returns the issue to idle;
// re-investigation is a new, separate spawn decision.
func (s *Service) RejectPlan(issueID, feedback string) (db.Issue, error) {
	issue, err := s.DB.GetIssue(issueID)
	if err != nil {
		return db.Issue{}, err
	}
	if issue.PlanStatus != PlanAwaitingReview {
		return db.Issue{}, fmt.Errorf("reject with plan_status %q: %w", issue.PlanStatus, ErrInvalidTransition)
	}

	err = s.DB.Tx(func(tx *db.Tx) error {
		from := issue.AgentStatus
		issue.PlanStatus = PlanNeedsRevision
		issue.PlanFeedback = feedback
		issue.AgentStatus = string(StatusIdle)
		if err := checkConsistent(issue); err != nil {
			return err
		}
		if err := tx.UpdateIssue(issue); err != nil {
			return err
		}
		return tx.LogHistory(issue.ID, "plan_rejected", from, string(StatusIdle), feedback)
	})
	if err != nil {
		return db.Issue{}, err
	}

	s.notify("issue_updated", issue)
	return issue, nil
}

// ReportBlocker handles the agent's report_blocker tool call: any active
// state moves to blocked and a running run is closed with the blocked
// outcome. The state only clears via an explicit unblock.
func (s *Service) ReportBlocker(identifier, reason, category string) (db.Issue, error) {
	issue, err := s.DB.GetIssueByIdentifier(identifier)
	if err != nil {
		return db.Issue{}, err
	}
	from := AgentStatus(issue.AgentStatus)
	if from == StatusIdle || from == StatusBlocked {
		return db.Issue{}, fmt.Errorf("report_blocker from %q: %w", issue.AgentStatus, ErrInvalidTransition)
	}

	err = s.DB.Tx(func(tx *db.Tx) error {
		fresh, err := tx.GetIssue(issue.ID)
		if err != nil {
			return err
		}
		if fresh.SpawnRunID != "" {
			if err := tx.CompleteRun(fresh.SpawnRunID, OutcomeBlocked, reason, 0, ""); err != nil && !errors.Is(err, db.ErrNotFound) {
				return err
			}
		}
		fresh.AgentStatus = string(StatusBlocked)
		fresh.BlockedReason = reason
		fresh.SpawnStatus = OutcomeBlocked
		fresh.RunOutcome = OutcomeBlocked
		if err := checkConsistent(fresh); err != nil {
			return err
		}
		if err := tx.UpdateIssue(fresh); err != nil {
			return err
		}
		issue = fresh
		detail := reason
		if category != "" {
			detail = category + ": " + reason
		}
		return tx.LogHistory(issue.ID, "blocker_reported", string(from), string(StatusBlocked), detail)
	})
	if err != nil {
		return db.Issue{}, err
	}

	if _, err := s.DB.LogActivity(issue.ID, issue.SpawnRunID, "blocker_reported", reason, ""); err != nil {
		s.Logger.Error("logging blocker activity", "identifier", identifier, "error", err)
	}

	s.Logger.Info("blocker reported", "identifier", identifier, "category", category)
	s.notify("issue_updated", issue)
	return issue, nil
}

// Unblock clears a blocked issue back to idle so a new spawn decision can
// be made.
func (s *Service) Unblock(issueID string) (db.Issue, error) {
	issue, err := s.DB.GetIssue(issueID)
	if err != nil {
		return db.Issue{}, err
	}
	if AgentStatus(issue.AgentStatus) != StatusBlocked {
		return db.Issue{}, fmt.Errorf("unblock from %q: %w", issue.AgentStatus, ErrInvalidTransition)
	}

	err = s.DB.Tx(func(tx *db.Tx) error {
		issue.AgentStatus = string(StatusIdle)
		issue.BlockedReason = ""
		if err := tx.UpdateIssue(issue); err != nil {
			return err
		}
		return tx.LogHistory(issue.ID, "unblocked", string(StatusBlocked), string(StatusIdle), "")
	})
	if err != nil {
		return db.Issue{}, err
	}

	s.notify("issue_updated", issue)
	return issue, nil
}

// UpdateAgentStatus handles the agent's update_agent_status tool call,
// validating the requested move against the transition table.
func (s *Service) UpdateAgentStatus(identifier string, to AgentStatus) (db.Issue, error) {
	if !ValidStatus(to) {
		return db.Issue{}, fmt.Errorf("unknown agent status %q: %w", to, ErrInvalidTransition)
	}
	issue, err := s.DB.GetIssueByIdentifier(identifier)
	if err != nil {
		return db.Issue{}, err
	}
	from := AgentStatus(issue.AgentStatus)
	if !CanTransition(from, to) {
		return db.Issue{}, fmt.Errorf("transition %s -> %s: %w", from, to, ErrInvalidTransition)
	}

	err = s.DB.Tx(func(tx *db.Tx) error {
		issue.AgentStatus = string(to)
		if err := checkConsistent(issue); err != nil {
			return err
		}
		if err := tx.UpdateIssue(issue); err != nil {
			return err
		}
		return tx.LogHistory(issue.ID, "status_changed", string(from), string(to), "")
	})
	if err != nil {
		return db.Issue{}, err
	}

	s.notify("issue_updated", issue)
	return issue, nil
}

// CompletionReport is the terminal status delivered by the external CI
// system for one run.
type CompletionReport struct {
	Outcome  string
	Summary  string
	CostUSD  float64
	NumTurns int
	PRNumber int
	PRURL    string
	RunURL   string
}

// CompleteRun applies a CI completion report: the run is closed, the issue
// returns to idle with the terminal outcome recorded, and a linked PR (if
// any) lands in history. Duplicate reports for an already-completed run are
// acknowledged without effect — the gate must treat the issue as having no
// running run once any terminal report arrived, or concurrency would
// permanently deadlock the issue.
func (s *Service) CompleteRun(runID string, report CompletionReport) (db.Issue, error) {
	run, err := s.DB.GetRun(runID)
	if err != nil {
		return db.Issue{}, err
	}
	issue, err := s.DB.GetIssue(run.IssueID)
	if err != nil {
		return db.Issue{}, err
	}
	if run.CompletedAt != nil {
		return issue, nil
	}

	err = s.DB.Tx(func(tx *db.Tx) error {
		if err := tx.CompleteRun(runID, report.Outcome, report.Summary, report.PRNumber, report.PRURL); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil // lost a duplicate-report race; first writer won
			}
			return err
		}
		if report.RunURL != "" {
			if err := tx.SetRunURL(runID, report.RunURL); err != nil {
				return err
			}
		}

		from := issue.AgentStatus
		// A blocked issue stays blocked: the terminal report for a run that
		// ended in a blocker must not silently clear the blocked state.
		if AgentStatus(issue.AgentStatus) != StatusBlocked {
			issue.AgentStatus = string(StatusIdle)
		}
		issue.SpawnStatus = report.Outcome
		issue.RunOutcome = report.Outcome
		issue.OutcomeSummary = report.Summary
		issue.CostUSD += report.CostUSD
		issue.NumTurns += report.NumTurns
		if err := checkConsistent(issue); err != nil {
			return err
		}
		if err := tx.UpdateIssue(issue); err != nil {
			return err
		}
		if err := tx.LogHistory(issue.ID, "agent_run_completed", from, issue.AgentStatus, report.Outcome); err != nil {
			return err
		}
		if report.PRNumber > 0 {
			if err := tx.LogHistory(issue.ID, "pr_linked", "", "", report.PRURL); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return db.Issue{}, err
	}

	metrics.RunsCompleted.WithLabelValues(report.Outcome).Inc()
	s.Logger.Info("run completed",
		"run_id", runID, "issue_id", issue.ID, "outcome", report.Outcome)
	s.notify("issue_updated", issue)
	return issue, nil
}

// FailStaleRuns closes out runs that have been running longer than timeout
// without a terminal report. The CI job is presumed dead; the issue is
// released so the concurrency gate does not deadlock it forever.
func (s *Service) FailStaleRuns(timeout time.Duration) (int, error) {
	stale, err := s.DB.ListStaleRuns(time.Now().UTC().Add(-timeout))
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, run := range stale {
		_, err := s.CompleteRun(run.ID, CompletionReport{
			Outcome: OutcomeFailed,
			Summary: fmt.Sprintf("no terminal report after %s; run presumed dead", timeout),
		})
		if err != nil {
			s.Logger.Error("failing stale run", "run_id", run.ID, "error", err)
			continue
		}
		failed++
	}
	return failed, nil
}

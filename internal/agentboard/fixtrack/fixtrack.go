// Package fixtrack watches for recurrence of error fingerprints on issues
// whose last agent run claimed a fix. A recurrence inside the monitoring
// window means the fix did not hold.
package fixtrack

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentboard/agentboard/internal/agentboard/db"
	"github.com/agentboard/agentboard/internal/agentboard/lifecycle"
)

// fixOutcomes are the run outcomes that count as "the agent fixed it".
var fixOutcomes = map[string]bool{
	lifecycle.OutcomeCompleted:       true,
	lifecycle.OutcomeNoChangesNeeded: true,
}

// Monitor downgrades fix verdicts on recurrence. It runs before the spawn
// gate on every recurring signal: the verdict must be corrected whether or
// not a new spawn is subsequently allowed.
type Monitor struct {
	db        *db.DB
	window    time.Duration
	broadcast func(msgType string, payload any)
	logger    *slog.Logger
	now       func() time.Time
}

func New(database *db.DB, window time.Duration, broadcast func(string, any), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{db: database, window: window, broadcast: broadcast, logger: logger, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (m *Monitor) WithNow(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// HandleRecurrence checks a new occurrence of an issue's linked fingerprint
// against the post-fix monitoring window. If the issue's most recent run
// outcome is a fix and that run completed within the window, the verdict is
// forced to failed — regardless of the issue's current agent_status. Returns
// true when a downgrade happened.
func (m *Monitor) HandleRecurrence(issue db.Issue, fingerprint string) (bool, error) {
	if !fixOutcomes[issue.RunOutcome] {
		return false, nil
	}

	lastRun, err := m.db.LastCompletedRun(issue.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("reading last completed run: %w", err)
	}
	if lastRun.CompletedAt == nil || m.now().Sub(*lastRun.CompletedAt) > m.window {
		return false, nil
	}

	summary := fmt.Sprintf("fix did not hold: %s recurred within the monitoring window", fingerprint)
	err = m.db.Tx(func(tx *db.Tx) error {
		fresh, err := tx.GetIssue(issue.ID)
		if err != nil {
			return err
		}
		previous := fresh.RunOutcome
		fresh.RunOutcome = lifecycle.OutcomeFailed
		fresh.OutcomeSummary = summary
		if err := tx.UpdateIssue(fresh); err != nil {
			return err
		}
		return tx.LogHistory(issue.ID, "fix_regressed", previous, lifecycle.OutcomeFailed, summary)
	})
	if err != nil {
		return false, err
	}

	m.logger.Warn("fix regressed",
		"issue_id", issue.ID, "fingerprint", fingerprint, "previous_outcome", issue.RunOutcome)
	if m.broadcast != nil {
		m.broadcast("issue_updated", issue.ID)
	}
	return true, nil
}

package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrBudgetExhausted is returned by IncrementBudget when the daily counter
// for a workflow type has reached its configured limit.
var ErrBudgetExhausted = fmt.Errorf("spawn budget exhausted")

// DayKey returns the budget day bucket for a point in time (UTC calendar day).
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// BudgetCount returns today's spawn count for a workflow type. This is the
// gate's optimistic read; the authoritative check happens in IncrementBudget.
func (db *DB) BudgetCount(workflowType, day string) (int, error) {
	var count int
	err := db.conn.QueryRow(`
		SELECT count FROM spawn_budgets WHERE workflow_type = ? AND day = ?`,
		workflowType, day,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading budget count: %w", err)
	}
	return count, nil
}

// IncrementBudget bumps the daily counter for a workflow type as a single
// atomic increment-and-compare: the conditional upsert either advances the
// counter or matches nothing when the limit is reached, closing the
// read-then-write race between concurrent spawns. With force set the limit
// is ignored (human-initiated retries); the counter still advances so the
// day's total stays accurate.
func (tx *Tx) IncrementBudget(workflowType, day string, limit int, force bool) error {
	if force {
		_, err := tx.tx.Exec(`
			INSERT INTO spawn_budgets (workflow_type, day, count) VALUES (?, ?, 1)
			ON CONFLICT(workflow_type, day) DO UPDATE SET count = count + 1`,
			workflowType, day)
		if err != nil {
			return fmt.Errorf("incrementing budget: %w", err)
		}
		return nil
	}

	if limit <= 0 {
		return fmt.Errorf("budget for %s: %w", workflowType, ErrBudgetExhausted)
	}

	result, err := tx.tx.Exec(`
		INSERT INTO spawn_budgets (workflow_type, day, count) VALUES (?, ?, 1)
		ON CONFLICT(workflow_type, day) DO UPDATE SET count = count + 1
		WHERE count < ?`,
		workflowType, day, limit)
	if err != nil {
		return fmt.Errorf("incrementing budget: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("budget for %s: %w", workflowType, ErrBudgetExhausted)
	}
	return nil
}

// RecordAttempt stores a spawn attempt for cooldown bookkeeping.
func (tx *Tx) RecordAttempt(fingerprint, workflowType, issueID string, at time.Time) error {
	_, err := tx.tx.Exec(`
		INSERT INTO spawn_attempts (id, fingerprint, workflow_type, issue_id, attempted_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), fingerprint, workflowType, issueID,
		at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording spawn attempt: %w", err)
	}
	return nil
}

// LastAttempt returns the time of the most recent spawn attempt for an error
// fingerprint, or ErrNotFound when none exists.
func (db *DB) LastAttempt(fingerprint string) (time.Time, error) {
	var at string
	err := db.conn.QueryRow(`
		SELECT attempted_at FROM spawn_attempts
		WHERE fingerprint = ? ORDER BY attempted_at DESC LIMIT 1`,
		fingerprint,
	).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("attempt for %s: %w", fingerprint, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading last attempt: %w", err)
	}
	t, _ := time.Parse(time.RFC3339, at)
	return t, nil
}

// PruneAttempts removes spawn attempts older than the cutoff. Attempts only
// matter within the cooldown window, so expired rows are swept periodically.
func (db *DB) PruneAttempts(cutoff time.Time) (int, error) {
	result, err := db.conn.Exec(`DELETE FROM spawn_attempts WHERE attempted_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("pruning spawn attempts: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

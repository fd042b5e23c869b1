package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type IssueFilter struct {
	StatusID    string
	AgentStatus string
	Priority    int
}

const issueColumns = `id, identifier, title, description, priority, status_id,
	agent_status, plan_status, plan_content, plan_feedback, blocked_reason,
	spawn_type, spawn_status, spawn_run_id, spawn_attempt_count,
	run_outcome, outcome_summary, cost_usd, num_turns, created_at, updated_at`

func (db *DB) CreateIssue(issue Issue) (Issue, error) {
	if issue.ID == "" {
		issue.ID = uuid.New().String()
	}
	if issue.Priority == 0 {
		issue.Priority = 4
	}
	if issue.StatusID == "" {
		issue.StatusID = "triage"
	}
	if issue.AgentStatus == "" {
		issue.AgentStatus = "idle"
	}
	now := time.Now().UTC()
	issue.CreatedAt = now
	issue.UpdatedAt = now

	_, err := db.conn.Exec(`
		INSERT INTO issues (id, identifier, title, description, priority, status_id,
			agent_status, plan_status, plan_content, plan_feedback, blocked_reason,
			spawn_type, spawn_status, spawn_run_id, spawn_attempt_count,
			run_outcome, outcome_summary, cost_usd, num_turns, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.Identifier, issue.Title, issue.Description, issue.Priority,
		issue.StatusID, issue.AgentStatus, issue.PlanStatus, issue.PlanContent,
		issue.PlanFeedback, issue.BlockedReason, issue.SpawnType, issue.SpawnStatus,
		issue.SpawnRunID, issue.SpawnAttemptCount, issue.RunOutcome,
		issue.OutcomeSummary, issue.CostUSD, issue.NumTurns,
		issue.CreatedAt.Format(time.RFC3339), issue.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Issue{}, fmt.Errorf("creating issue: %w", err)
	}
	return issue, nil
}

func (db *DB) ListIssues(filter IssueFilter) ([]Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues`

	var conditions []string
	var args []any

	if filter.StatusID != "" {
		conditions = append(conditions, "status_id = ?")
		args = append(args, filter.StatusID)
	}
	if filter.AgentStatus != "" {
		conditions = append(conditions, "agent_status = ?")
		args = append(args, filter.AgentStatus)
	}
	if filter.Priority != 0 {
		conditions = append(conditions, "priority = ?")
		args = append(args, filter.Priority)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

func (db *DB) GetIssue(id string) (Issue, error) {
	row := db.conn.QueryRow(`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	issue, err := scanIssueRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Issue{}, fmt.Errorf("issue %s: %w", id, ErrNotFound)
		}
		return Issue{}, fmt.Errorf("getting issue: %w", err)
	}
	return issue, nil
}

// GetIssueByIdentifier returns the issue with the given human-readable
// identifier (e.g. "ABD-42"). Agent tool calls address issues this way.
func (db *DB) GetIssueByIdentifier(identifier string) (Issue, error) {
	row := db.conn.QueryRow(`SELECT `+issueColumns+` FROM issues WHERE identifier = ?`, identifier)
	issue, err := scanIssueRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Issue{}, fmt.Errorf("issue %s: %w", identifier, ErrNotFound)
		}
		return Issue{}, fmt.Errorf("getting issue by identifier: %w", err)
	}
	return issue, nil
}

func (db *DB) UpdateIssue(issue Issue) error {
	return updateIssue(db.conn, issue)
}

func (tx *Tx) UpdateIssue(issue Issue) error {
	return updateIssue(tx.tx, issue)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func updateIssue(e execer, issue Issue) error {
	issue.UpdatedAt = time.Now().UTC()
	result, err := e.Exec(`
		UPDATE issues SET identifier = ?, title = ?, description = ?, priority = ?,
			status_id = ?, agent_status = ?, plan_status = ?, plan_content = ?,
			plan_feedback = ?, blocked_reason = ?, spawn_type = ?, spawn_status = ?,
			spawn_run_id = ?, spawn_attempt_count = ?, run_outcome = ?,
			outcome_summary = ?, cost_usd = ?, num_turns = ?, updated_at = ?
		WHERE id = ?`,
		issue.Identifier, issue.Title, issue.Description, issue.Priority,
		issue.StatusID, issue.AgentStatus, issue.PlanStatus, issue.PlanContent,
		issue.PlanFeedback, issue.BlockedReason, issue.SpawnType, issue.SpawnStatus,
		issue.SpawnRunID, issue.SpawnAttemptCount, issue.RunOutcome,
		issue.OutcomeSummary, issue.CostUSD, issue.NumTurns,
		issue.UpdatedAt.Format(time.RFC3339), issue.ID,
	)
	if err != nil {
		return fmt.Errorf("updating issue: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("issue %s: %w", issue.ID, ErrNotFound)
	}
	return nil
}

// GetIssue reads an issue within the transaction, preserving changes made by
// earlier writes in the same transaction.
func (tx *Tx) GetIssue(id string) (Issue, error) {
	row := tx.tx.QueryRow(`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	issue, err := scanIssueRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Issue{}, fmt.Errorf("issue %s: %w", id, ErrNotFound)
		}
		return Issue{}, fmt.Errorf("getting issue in tx: %w", err)
	}
	return issue, nil
}

// ClaimAgentStatus transitions agent_status from an expected current value in
// a single conditional update, together with the spawn bookkeeping fields.
// This is the storage-level guard against two concurrent spawns: whichever
// writer commits second matches zero rows and gets ErrRunInFlight.
func (tx *Tx) ClaimAgentStatus(issueID, from, to, spawnType, runID string) error {
	result, err := tx.tx.Exec(`
		UPDATE issues SET agent_status = ?, spawn_status = 'running',
			spawn_type = ?, spawn_run_id = ?,
			spawn_attempt_count = spawn_attempt_count + 1, updated_at = ?
		WHERE id = ? AND agent_status = ?`,
		to, spawnType, runID, time.Now().UTC().Format(time.RFC3339), issueID, from,
	)
	if err != nil {
		return fmt.Errorf("claiming agent status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrRunInFlight
	}
	return nil
}

// DeleteIssue removes an issue and its dependent rows. Issues with a running
// spawn are never deleted.
func (db *DB) DeleteIssue(id string) error {
	issue, err := db.GetIssue(id)
	if err != nil {
		return err
	}
	if issue.SpawnStatus == "running" {
		return fmt.Errorf("issue %s has a running agent run", id)
	}
	return db.Tx(func(tx *Tx) error {
		for _, q := range []string{
			`DELETE FROM terminal_lines WHERE run_id IN (SELECT id FROM agent_runs WHERE issue_id = ?)`,
			`DELETE FROM agent_runs WHERE issue_id = ?`,
			`DELETE FROM agent_activity WHERE issue_id = ?`,
			`DELETE FROM history WHERE issue_id = ?`,
			`DELETE FROM external_links WHERE issue_id = ?`,
			`DELETE FROM issue_labels WHERE issue_id = ?`,
		} {
			if _, err := tx.tx.Exec(q, id); err != nil {
				return fmt.Errorf("deleting issue dependents: %w", err)
			}
		}
		if _, err := tx.tx.Exec(`DELETE FROM issues WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting issue: %w", err)
		}
		return nil
	})
}

// NextIdentifier allocates the next workspace-scoped sequential identifier
// with the given prefix (e.g. "ABD" -> "ABD-17"). The counter increment is a
// single atomic statement.
func (db *DB) NextIdentifier(prefix string) (string, error) {
	var n int
	err := db.conn.QueryRow(`
		INSERT INTO counters (key, value) VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET value = value + 1
		RETURNING value`, "identifier:"+prefix,
	).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("allocating identifier: %w", err)
	}
	return fmt.Sprintf("%s-%d", prefix, n), nil
}

func scanIssue(rows *sql.Rows) (Issue, error) {
	var issue Issue
	var createdAt, updatedAt string
	err := rows.Scan(&issue.ID, &issue.Identifier, &issue.Title, &issue.Description,
		&issue.Priority, &issue.StatusID, &issue.AgentStatus, &issue.PlanStatus,
		&issue.PlanContent, &issue.PlanFeedback, &issue.BlockedReason,
		&issue.SpawnType, &issue.SpawnStatus, &issue.SpawnRunID,
		&issue.SpawnAttemptCount, &issue.RunOutcome, &issue.OutcomeSummary,
		&issue.CostUSD, &issue.NumTurns, &createdAt, &updatedAt)
	if err != nil {
		return Issue{}, fmt.Errorf("scanning issue: %w", err)
	}
	issue.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	issue.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return issue, nil
}

func scanIssueRow(row *sql.Row) (Issue, error) {
	var issue Issue
	var createdAt, updatedAt string
	err := row.Scan(&issue.ID, &issue.Identifier, &issue.Title, &issue.Description,
		&issue.Priority, &issue.StatusID, &issue.AgentStatus, &issue.PlanStatus,
		&issue.PlanContent, &issue.PlanFeedback, &issue.BlockedReason,
		&issue.SpawnType, &issue.SpawnStatus, &issue.SpawnRunID,
		&issue.SpawnAttemptCount, &issue.RunOutcome, &issue.OutcomeSummary,
		&issue.CostUSD, &issue.NumTurns, &createdAt, &updatedAt)
	if err != nil {
		return Issue{}, err
	}
	issue.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	issue.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return issue, nil
}

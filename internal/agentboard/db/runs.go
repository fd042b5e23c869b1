package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const runColumns = `id, issue_id, workflow_type, started_at, completed_at,
	outcome, summary, github_run_url, pr_number, pr_url, created_at`

// CreateRun inserts a new running AgentRun within a transaction. The partial
// unique index on (issue_id) WHERE completed_at IS NULL makes this the hard
// enforcement of the one-running-run-per-issue invariant; a second concurrent
// writer gets ErrRunInFlight.
func (tx *Tx) CreateRun(run AgentRun) (AgentRun, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.CreatedAt = now

	_, err := tx.tx.Exec(`
		INSERT INTO agent_runs (id, issue_id, workflow_type, started_at, completed_at,
			outcome, summary, github_run_url, pr_number, pr_url, created_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.IssueID, run.WorkflowType, run.StartedAt.Format(time.RFC3339),
		run.Outcome, run.Summary, run.GithubRunURL, run.PRNumber, run.PRURL,
		run.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return AgentRun{}, fmt.Errorf("run for issue %s: %w", run.IssueID, ErrRunInFlight)
		}
		return AgentRun{}, fmt.Errorf("creating run: %w", err)
	}
	return run, nil
}

func (db *DB) GetRun(id string) (AgentRun, error) {
	row := db.conn.QueryRow(`SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id)
	run, err := scanRunRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return AgentRun{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return AgentRun{}, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

// RunningRun returns the issue's currently running run, or ErrNotFound.
func (db *DB) RunningRun(issueID string) (AgentRun, error) {
	row := db.conn.QueryRow(`
		SELECT `+runColumns+` FROM agent_runs
		WHERE issue_id = ? AND completed_at IS NULL`, issueID)
	run, err := scanRunRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return AgentRun{}, fmt.Errorf("no running run for issue %s: %w", issueID, ErrNotFound)
		}
		return AgentRun{}, fmt.Errorf("getting running run: %w", err)
	}
	return run, nil
}

// CompleteRun marks a run as finished with its terminal outcome. Completing
// an already-completed run matches zero rows and returns ErrNotFound, which
// makes duplicate CI completion reports idempotent at the caller.
func (tx *Tx) CompleteRun(runID, outcome, summary string, prNumber int, prURL string) error {
	result, err := tx.tx.Exec(`
		UPDATE agent_runs SET completed_at = ?, outcome = ?, summary = ?,
			pr_number = CASE WHEN ? > 0 THEN ? ELSE pr_number END,
			pr_url = CASE WHEN ? != '' THEN ? ELSE pr_url END
		WHERE id = ? AND completed_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), outcome, summary,
		prNumber, prNumber, prURL, prURL, runID,
	)
	if err != nil {
		return fmt.Errorf("completing run: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("running run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// SetRunURL replaces a run's stored workflow URL. Dispatch only knows the
// workflow listing URL at spawn time; the CI job reports its concrete
// /actions/runs/<id> URL with the completion report.
func (tx *Tx) SetRunURL(runID, url string) error {
	if _, err := tx.tx.Exec(`UPDATE agent_runs SET github_run_url = ? WHERE id = ?`,
		url, runID); err != nil {
		return fmt.Errorf("updating run url: %w", err)
	}
	return nil
}

func (db *DB) ListRuns(issueID string) ([]AgentRun, error) {
	rows, err := db.conn.Query(`
		SELECT `+runColumns+` FROM agent_runs
		WHERE issue_id = ? ORDER BY started_at`, issueID)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LastCompletedRun returns the most recently completed run for an issue, or
// ErrNotFound. The fix-tracking monitor uses this to decide whether an issue
// is inside its post-fix monitoring window.
func (db *DB) LastCompletedRun(issueID string) (AgentRun, error) {
	row := db.conn.QueryRow(`
		SELECT `+runColumns+` FROM agent_runs
		WHERE issue_id = ? AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT 1`, issueID)
	run, err := scanRunRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return AgentRun{}, fmt.Errorf("no completed run for issue %s: %w", issueID, ErrNotFound)
		}
		return AgentRun{}, fmt.Errorf("getting last completed run: %w", err)
	}
	return run, nil
}

// ListStaleRuns returns runs that have been running since before the cutoff.
// The janitor closes these out as failed: a run that crashed without
// reporting a terminal event must not hold the concurrency gate forever.
func (db *DB) ListStaleRuns(cutoff time.Time) ([]AgentRun, error) {
	rows, err := db.conn.Query(`
		SELECT `+runColumns+` FROM agent_runs
		WHERE completed_at IS NULL AND started_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("listing stale runs: %w", err)
	}
	defer rows.Close()

	var runs []AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(rows *sql.Rows) (AgentRun, error) {
	var run AgentRun
	var startedAt, createdAt string
	var completedAt sql.NullString
	err := rows.Scan(&run.ID, &run.IssueID, &run.WorkflowType, &startedAt,
		&completedAt, &run.Outcome, &run.Summary, &run.GithubRunURL,
		&run.PRNumber, &run.PRURL, &createdAt)
	if err != nil {
		return AgentRun{}, fmt.Errorf("scanning run: %w", err)
	}
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		run.CompletedAt = &t
	}
	return run, nil
}

func scanRunRow(row *sql.Row) (AgentRun, error) {
	var run AgentRun
	var startedAt, createdAt string
	var completedAt sql.NullString
	err := row.Scan(&run.ID, &run.IssueID, &run.WorkflowType, &startedAt,
		&completedAt, &run.Outcome, &run.Summary, &run.GithubRunURL,
		&run.PRNumber, &run.PRURL, &createdAt)
	if err != nil {
		return AgentRun{}, err
	}
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		run.CompletedAt = &t
	}
	return run, nil
}

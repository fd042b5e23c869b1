package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogActivity appends an agent-authored activity event. Activity rows are
// immutable once written.
func (db *DB) LogActivity(issueID, runID, activityType, content, metadata string) (AgentActivity, error) {
	a := AgentActivity{
		ID:           uuid.New().String(),
		IssueID:      issueID,
		RunID:        runID,
		ActivityType: activityType,
		Content:      content,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := db.conn.Exec(`
		INSERT INTO agent_activity (id, issue_id, run_id, activity_type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.IssueID, a.RunID, a.ActivityType, a.Content, a.Metadata,
		a.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return AgentActivity{}, fmt.Errorf("logging activity: %w", err)
	}
	return a, nil
}

func (db *DB) ListActivity(issueID string) ([]AgentActivity, error) {
	rows, err := db.conn.Query(`
		SELECT id, issue_id, run_id, activity_type, content, metadata, created_at
		FROM agent_activity WHERE issue_id = ?
		ORDER BY created_at, rowid`, issueID)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	var entries []AgentActivity
	for rows.Next() {
		var a AgentActivity
		var createdAt string
		err := rows.Scan(&a.ID, &a.IssueID, &a.RunID, &a.ActivityType, &a.Content, &a.Metadata, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, a)
	}
	return entries, rows.Err()
}

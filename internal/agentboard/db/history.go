package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (db *DB) LogHistory(issueID, eventType, fromValue, toValue, detail string) error {
	return logHistory(db.conn, issueID, eventType, fromValue, toValue, detail)
}

func (tx *Tx) LogHistory(issueID, eventType, fromValue, toValue, detail string) error {
	return logHistory(tx.tx, issueID, eventType, fromValue, toValue, detail)
}

func logHistory(e execer, issueID, eventType, fromValue, toValue, detail string) error {
	_, err := e.Exec(`
		INSERT INTO history (id, issue_id, event_type, from_value, to_value, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), issueID, eventType, fromValue, toValue, detail,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("logging history: %w", err)
	}
	return nil
}

func (db *DB) ListHistory(issueID string) ([]HistoryEntry, error) {
	rows, err := db.conn.Query(`
		SELECT id, issue_id, event_type, from_value, to_value, detail, created_at
		FROM history WHERE issue_id = ?
		ORDER BY created_at, rowid`, issueID)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var createdAt string
		err := rows.Scan(&h.ID, &h.IssueID, &h.EventType, &h.FromValue, &h.ToValue, &h.Detail, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		h.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

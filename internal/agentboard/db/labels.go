package db

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// EnsureLabel returns the ID of the label with the given name, creating it
// if needed. Ingestion uses this for provenance labels ("Loki", "Linear").
func (db *DB) EnsureLabel(name string) (string, error) {
	var id string
	err := db.conn.QueryRow(`SELECT id FROM labels WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("looking up label: %w", err)
	}

	id = uuid.New().String()
	_, err = db.conn.Exec(`INSERT INTO labels (id, name) VALUES (?, ?)`, id, name)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a creation race; the label exists now.
			err = db.conn.QueryRow(`SELECT id FROM labels WHERE name = ?`, name).Scan(&id)
			if err != nil {
				return "", fmt.Errorf("re-reading label after race: %w", err)
			}
			return id, nil
		}
		return "", fmt.Errorf("creating label: %w", err)
	}
	return id, nil
}

// AttachLabel adds a label to an issue; attaching twice is a no-op.
func (db *DB) AttachLabel(issueID, labelID string) error {
	_, err := db.conn.Exec(`
		INSERT OR IGNORE INTO issue_labels (issue_id, label_id) VALUES (?, ?)`,
		issueID, labelID)
	if err != nil {
		return fmt.Errorf("attaching label: %w", err)
	}
	return nil
}

// IssueLabels returns the label names attached to an issue.
func (db *DB) IssueLabels(issueID string) ([]string, error) {
	rows, err := db.conn.Query(`
		SELECT l.name FROM labels l
		JOIN issue_labels il ON il.label_id = l.id
		WHERE il.issue_id = ? ORDER BY l.name`, issueID)
	if err != nil {
		return nil, fmt.Errorf("listing issue labels: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning label: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

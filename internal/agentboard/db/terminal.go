package db

import (
	"fmt"
	"time"
)

// AppendTerminalLines appends CI output lines for a run, continuing the
// run's sequence numbering from where the previous append left off.
func (db *DB) AppendTerminalLines(runID string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	return db.Tx(func(tx *Tx) error {
		var next int
		err := tx.tx.QueryRow(`
			SELECT COALESCE(MAX(seq), -1) + 1 FROM terminal_lines WHERE run_id = ?`,
			runID).Scan(&next)
		if err != nil {
			return fmt.Errorf("reading terminal sequence: %w", err)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		for i, line := range lines {
			_, err := tx.tx.Exec(`
				INSERT INTO terminal_lines (run_id, seq, line, created_at)
				VALUES (?, ?, ?, ?)`, runID, next+i, line, now)
			if err != nil {
				return fmt.Errorf("appending terminal line: %w", err)
			}
		}
		return nil
	})
}

// TerminalLinesByRun returns all buffered terminal lines for an issue's
// runs, keyed by run ID and ordered by sequence within each run.
func (db *DB) TerminalLinesByRun(issueID string) (map[string][]TerminalLine, error) {
	rows, err := db.conn.Query(`
		SELECT t.run_id, t.seq, t.line, t.created_at
		FROM terminal_lines t
		JOIN agent_runs r ON r.id = t.run_id
		WHERE r.issue_id = ?
		ORDER BY t.run_id, t.seq`, issueID)
	if err != nil {
		return nil, fmt.Errorf("listing terminal lines: %w", err)
	}
	defer rows.Close()

	byRun := make(map[string][]TerminalLine)
	for rows.Next() {
		var l TerminalLine
		var createdAt string
		if err := rows.Scan(&l.RunID, &l.Seq, &l.Line, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning terminal line: %w", err)
		}
		l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		byRun[l.RunID] = append(byRun[l.RunID], l)
	}
	return byRun, rows.Err()
}

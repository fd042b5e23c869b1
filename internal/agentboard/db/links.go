package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FindLink returns the link for the given (source, externalID) pair, or
// ErrNotFound. Every ingestion path calls this before deciding between the
// create and update paths.
func (db *DB) FindLink(source, externalID string) (ExternalLink, error) {
	row := db.conn.QueryRow(`
		SELECT id, issue_id, source, external_id, url, metadata, event_count, last_seen_at, created_at
		FROM external_links WHERE source = ? AND external_id = ?`, source, externalID)

	link, err := scanLink(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return ExternalLink{}, fmt.Errorf("link %s/%s: %w", source, externalID, ErrNotFound)
		}
		return ExternalLink{}, fmt.Errorf("finding link: %w", err)
	}
	return link, nil
}

// LinkExternalIssue ties an issue to a (source, externalID) pair. The unique
// constraint is the hard correctness boundary: when two ingestion requests
// race on the same signal, the loser gets ErrDuplicateLink and must fall
// back to the update path.
func (db *DB) LinkExternalIssue(issueID, source, externalID, url, metadata string) (ExternalLink, error) {
	link := ExternalLink{
		ID:         uuid.New().String(),
		IssueID:    issueID,
		Source:     source,
		ExternalID: externalID,
		URL:        url,
		Metadata:   metadata,
		EventCount: 1,
		LastSeenAt: time.Now().UTC(),
		CreatedAt:  time.Now().UTC(),
	}

	_, err := db.conn.Exec(`
		INSERT INTO external_links (id, issue_id, source, external_id, url, metadata, event_count, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		link.ID, link.IssueID, link.Source, link.ExternalID, link.URL, link.Metadata,
		link.EventCount, link.LastSeenAt.Format(time.RFC3339), link.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ExternalLink{}, fmt.Errorf("link %s/%s: %w", source, externalID, ErrDuplicateLink)
		}
		return ExternalLink{}, fmt.Errorf("linking external issue: %w", err)
	}
	return link, nil
}

// TouchLink records a duplicate sighting: event_count is incremented and
// last_seen_at refreshed in place. The link row is updated, never replaced.
func (db *DB) TouchLink(source, externalID string) (ExternalLink, error) {
	result, err := db.conn.Exec(`
		UPDATE external_links SET event_count = event_count + 1, last_seen_at = ?
		WHERE source = ? AND external_id = ?`,
		time.Now().UTC().Format(time.RFC3339), source, externalID,
	)
	if err != nil {
		return ExternalLink{}, fmt.Errorf("touching link: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ExternalLink{}, fmt.Errorf("link %s/%s: %w", source, externalID, ErrNotFound)
	}
	return db.FindLink(source, externalID)
}

// ListLinks returns all external links for an issue (at most one per source).
func (db *DB) ListLinks(issueID string) ([]ExternalLink, error) {
	rows, err := db.conn.Query(`
		SELECT id, issue_id, source, external_id, url, metadata, event_count, last_seen_at, created_at
		FROM external_links WHERE issue_id = ? ORDER BY created_at`, issueID)
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	defer rows.Close()

	var links []ExternalLink
	for rows.Next() {
		var l ExternalLink
		var lastSeen, createdAt string
		err := rows.Scan(&l.ID, &l.IssueID, &l.Source, &l.ExternalID, &l.URL,
			&l.Metadata, &l.EventCount, &lastSeen, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning link: %w", err)
		}
		l.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)
		l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		links = append(links, l)
	}
	return links, rows.Err()
}

func scanLink(row *sql.Row) (ExternalLink, error) {
	var l ExternalLink
	var lastSeen, createdAt string
	err := row.Scan(&l.ID, &l.IssueID, &l.Source, &l.ExternalID, &l.URL,
		&l.Metadata, &l.EventCount, &lastSeen, &createdAt)
	if err != nil {
		return ExternalLink{}, err
	}
	l.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)
	l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return l, nil
}

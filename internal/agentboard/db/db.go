package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced by storage operations. Uniqueness violations are
// mapped to typed errors so callers can fall back to the update path instead
// of propagating a constraint failure.
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateLink = errors.New("external link already exists")
	ErrRunInFlight   = errors.New("issue already has a running agent run")
)

type DB struct {
	conn *sql.DB
}

// Issue is the unit of work. Agent and spawn fields are kept jointly
// consistent: spawn_status "running" only ever coexists with an active
// agent_status, and agent_status "idle" means no running spawn.
type Issue struct {
	ID                string
	Identifier        string
	Title             string
	Description       string
	Priority          int // 1 (P1) .. 4 (P4)
	StatusID          string
	AgentStatus       string
	PlanStatus        string
	PlanContent       string
	PlanFeedback      string
	BlockedReason     string
	SpawnType         string
	SpawnStatus       string
	SpawnRunID        string
	SpawnAttemptCount int
	RunOutcome        string
	OutcomeSummary    string
	CostUSD           float64
	NumTurns          int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExternalLink ties an issue to exactly one (source, external_id) pair.
// EventCount is incremented on every duplicate sighting of the same signal.
type ExternalLink struct {
	ID         string
	IssueID    string
	Source     string
	ExternalID string
	URL        string
	Metadata   string
	EventCount int
	LastSeenAt time.Time
	CreatedAt  time.Time
}

// AgentRun is one dispatched execution. At most one run per issue may have a
// null completed_at; the partial unique index in the schema enforces this.
type AgentRun struct {
	ID           string
	IssueID      string
	WorkflowType string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Outcome      string
	Summary      string
	GithubRunURL string
	PRNumber     int
	PRURL        string
	CreatedAt    time.Time
}

// AgentActivity is an append-only event authored by the running agent.
type AgentActivity struct {
	ID           string
	IssueID      string
	RunID        string
	ActivityType string
	Content      string
	Metadata     string
	CreatedAt    time.Time
}

// HistoryEntry is an append-only audit record of issue field changes,
// independent of agent activity.
type HistoryEntry struct {
	ID        string
	IssueID   string
	EventType string
	FromValue string
	ToValue   string
	Detail    string
	CreatedAt time.Time
}

// TerminalLine is one buffered line of CI output for a run.
type TerminalLine struct {
	RunID     string
	Seq       int
	Line      string
	CreatedAt time.Time
}

// SpawnAttempt records a spawn for cooldown bookkeeping, keyed by error
// fingerprint.
type SpawnAttempt struct {
	ID           string
	Fingerprint  string
	WorkflowType string
	IssueID      string
	AttemptedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS statuses (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS labels (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS issue_labels (
	issue_id TEXT NOT NULL REFERENCES issues(id),
	label_id TEXT NOT NULL REFERENCES labels(id),
	PRIMARY KEY (issue_id, label_id)
);

CREATE TABLE IF NOT EXISTS issues (
	id TEXT PRIMARY KEY,
	identifier TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 4,
	status_id TEXT NOT NULL DEFAULT 'triage',
	agent_status TEXT NOT NULL DEFAULT 'idle',
	plan_status TEXT NOT NULL DEFAULT '',
	plan_content TEXT NOT NULL DEFAULT '',
	plan_feedback TEXT NOT NULL DEFAULT '',
	blocked_reason TEXT NOT NULL DEFAULT '',
	spawn_type TEXT NOT NULL DEFAULT '',
	spawn_status TEXT NOT NULL DEFAULT '',
	spawn_run_id TEXT NOT NULL DEFAULT '',
	spawn_attempt_count INTEGER NOT NULL DEFAULT 0,
	run_outcome TEXT NOT NULL DEFAULT '',
	outcome_summary TEXT NOT NULL DEFAULT '',
	cost_usd REAL NOT NULL DEFAULT 0,
	num_turns INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS external_links (
	id TEXT PRIMARY KEY,
	issue_id TEXT NOT NULL REFERENCES issues(id),
	source TEXT NOT NULL,
	external_id TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '',
	event_count INTEGER NOT NULL DEFAULT 1,
	last_seen_at TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE (source, external_id)
);

CREATE TABLE IF NOT EXISTS agent_runs (
	id TEXT PRIMARY KEY,
	issue_id TEXT NOT NULL REFERENCES issues(id),
	workflow_type TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	outcome TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	github_run_url TEXT NOT NULL DEFAULT '',
	pr_number INTEGER NOT NULL DEFAULT 0,
	pr_url TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_agent_runs_running
	ON agent_runs(issue_id) WHERE completed_at IS NULL;

CREATE TABLE IF NOT EXISTS agent_activity (
	id TEXT PRIMARY KEY,
	issue_id TEXT NOT NULL REFERENCES issues(id),
	run_id TEXT NOT NULL DEFAULT '',
	activity_type TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS history (
	id TEXT PRIMARY KEY,
	issue_id TEXT NOT NULL REFERENCES issues(id),
	event_type TEXT NOT NULL,
	from_value TEXT NOT NULL DEFAULT '',
	to_value TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS spawn_budgets (
	workflow_type TEXT NOT NULL,
	day TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workflow_type, day)
);

CREATE TABLE IF NOT EXISTS spawn_attempts (
	id TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	workflow_type TEXT NOT NULL,
	issue_id TEXT NOT NULL DEFAULT '',
	attempted_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_spawn_attempts_fingerprint
	ON spawn_attempts(fingerprint, attempted_at);

CREATE TABLE IF NOT EXISTS terminal_lines (
	run_id TEXT NOT NULL REFERENCES agent_runs(id),
	seq INTEGER NOT NULL,
	line TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS counters (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO statuses (id, name, position) VALUES
	('triage', 'Triage', 0),
	('in_progress', 'In Progress', 1),
	('done', 'Done', 2);
`

func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".agentboard")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "agentboard.db"), nil
}

func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	// Migrations for existing databases: add columns that may not exist yet.
	// ALTER TABLE ADD COLUMN errors are silently ignored (column already exists).
	conn.Exec(`ALTER TABLE issues ADD COLUMN blocked_reason TEXT NOT NULL DEFAULT ''`)
	conn.Exec(`ALTER TABLE issues ADD COLUMN cost_usd REAL NOT NULL DEFAULT 0`)
	conn.Exec(`ALTER TABLE issues ADD COLUMN num_turns INTEGER NOT NULL DEFAULT 0`)
	conn.Exec(`ALTER TABLE agent_runs ADD COLUMN pr_url TEXT NOT NULL DEFAULT ''`)

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Tx runs fn within a database transaction. If fn returns an error, the
// transaction is rolled back; otherwise it is committed.
func (db *DB) Tx(fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// Tx wraps a sql.Tx for use within transactional operations.
type Tx struct {
	tx *sql.Tx
}

// isUniqueViolation reports whether err is a SQLite uniqueness constraint
// failure. modernc.org/sqlite exposes no typed error for this, so the
// message is matched.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

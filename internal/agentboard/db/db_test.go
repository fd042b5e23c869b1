package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testIssue(t *testing.T, d *DB) Issue {
	t.Helper()
	identifier, err := d.NextIdentifier("ABD")
	if err != nil {
		t.Fatalf("allocating identifier: %v", err)
	}
	issue, err := d.CreateIssue(Issue{Identifier: identifier, Title: "test issue"})
	if err != nil {
		t.Fatalf("creating issue: %v", err)
	}
	return issue
}

func TestOpen_MigratesSchema(t *testing.T) {
	d := testDB(t)

	tables := []string{"issues", "external_links", "agent_runs", "agent_activity",
		"history", "spawn_budgets", "spawn_attempts", "terminal_lines", "labels"}
	for _, table := range tables {
		var name string
		err := d.conn.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestOpen_IdempotentMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	d1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	d1.Close()

	d2, err := Open(path)
	if err != nil {
		t.Fatalf("second open should be idempotent: %v", err)
	}
	d2.Close()
}

func TestNextIdentifier_Sequential(t *testing.T) {
	d := testDB(t)

	first, err := d.NextIdentifier("ABD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := d.NextIdentifier("ABD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != "ABD-1" || second != "ABD-2" {
		t.Errorf("expected ABD-1, ABD-2, got %q, %q", first, second)
	}
}

// --- Issues ---

func TestCreateIssue_Defaults(t *testing.T) {
	d := testDB(t)

	issue := testIssue(t, d)
	if issue.ID == "" {
		t.Error("expected non-empty ID")
	}
	if issue.AgentStatus != "idle" {
		t.Errorf("expected agent_status idle, got %q", issue.AgentStatus)
	}
	if issue.Priority != 4 {
		t.Errorf("expected default priority 4, got %d", issue.Priority)
	}
}

func TestGetIssueByIdentifier(t *testing.T) {
	d := testDB(t)
	created := testIssue(t, d)

	got, err := d.GetIssueByIdentifier(created.Identifier)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("expected issue %s, got %s", created.ID, got.ID)
	}

	_, err = d.GetIssueByIdentifier("ABD-999")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimAgentStatus_Conditional(t *testing.T) {
	d := testDB(t)
	issue := testIssue(t, d)

	err := d.Tx(func(tx *Tx) error {
		return tx.ClaimAgentStatus(issue.ID, "idle", "investigating", "auto", "run-1")
	})
	if err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}

	got, _ := d.GetIssue(issue.ID)
	if got.AgentStatus != "investigating" || got.SpawnStatus != "running" {
		t.Errorf("expected investigating/running, got %s/%s", got.AgentStatus, got.SpawnStatus)
	}
	if got.SpawnAttemptCount != 1 {
		t.Errorf("expected attempt count 1, got %d", got.SpawnAttemptCount)
	}

	// Second claim from idle must fail: the issue is no longer idle.
	err = d.Tx(func(tx *Tx) error {
		return tx.ClaimAgentStatus(issue.ID, "idle", "investigating", "auto", "run-2")
	})
	if !errors.Is(err, ErrRunInFlight) {
		t.Errorf("expected ErrRunInFlight, got %v", err)
	}
}

func TestDeleteIssue_RefusesRunningSpawn(t *testing.T) {
	d := testDB(t)
	issue := testIssue(t, d)
	issue.SpawnStatus = "running"
	issue.AgentStatus = "investigating"
	if err := d.UpdateIssue(issue); err != nil {
		t.Fatalf("updating issue: %v", err)
	}

	if err := d.DeleteIssue(issue.ID); err == nil {
		t.Error("expected delete of issue with running spawn to fail")
	}
}

// --- External links ---

func TestLinkExternalIssue_DuplicateReturnsTypedError(t *testing.T) {
	d := testDB(t)
	a := testIssue(t, d)
	b := testIssue(t, d)

	if _, err := d.LinkExternalIssue(a.ID, "loki", "fp-1", "", ""); err != nil {
		t.Fatalf("first link: %v", err)
	}
	_, err := d.LinkExternalIssue(b.ID, "loki", "fp-1", "", "")
	if !errors.Is(err, ErrDuplicateLink) {
		t.Errorf("expected ErrDuplicateLink, got %v", err)
	}
}

func TestLinkExternalIssue_SameIDAcrossSources(t *testing.T) {
	d := testDB(t)
	issue := testIssue(t, d)

	if _, err := d.LinkExternalIssue(issue.ID, "loki", "x-1", "", ""); err != nil {
		t.Fatalf("loki link: %v", err)
	}
	if _, err := d.LinkExternalIssue(issue.ID, "linear", "x-1", "", ""); err != nil {
		t.Fatalf("linear link with same external id should succeed: %v", err)
	}

	links, err := d.ListLinks(issue.ID)
	if err != nil {
		t.Fatalf("listing links: %v", err)
	}
	if len(links) != 2 {
		t.Errorf("expected 2 links, got %d", len(links))
	}
}

func TestTouchLink_IncrementsAndRefreshes(t *testing.T) {
	d := testDB(t)
	issue := testIssue(t, d)

	link, err := d.LinkExternalIssue(issue.ID, "loki", "fp-2", "", "")
	if err != nil {
		t.Fatalf("linking: %v", err)
	}

	touched, err := d.TouchLink("loki", "fp-2")
	if err != nil {
		t.Fatalf("touching: %v", err)
	}
	if touched.EventCount != 2 {
		t.Errorf("expected event_count 2, got %d", touched.EventCount)
	}
	if touched.LastSeenAt.Before(link.LastSeenAt) {
		t.Error("last_seen_at went backwards")
	}

	// event_count strictly increases across repeated sightings.
	again, _ := d.TouchLink("loki", "fp-2")
	if again.EventCount != 3 {
		t.Errorf("expected event_count 3, got %d", again.EventCount)
	}
}

func TestTouchLink_MissingLink(t *testing.T) {
	d := testDB(t)
	_, err := d.TouchLink("loki", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Agent runs ---

func TestCreateRun_SecondRunningRunRejected(t *testing.T) {
	d := testDB(t)
	issue := testIssue(t, d)

	err := d.Tx(func(tx *Tx) error {
		_, err := tx.CreateRun(AgentRun{IssueID: issue.ID, WorkflowType: "error_fix"})
		return err
	})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	err = d.Tx(func(tx *Tx) error {
		_, err := tx.CreateRun(AgentRun{IssueID: issue.ID, WorkflowType: "error_fix"})
		return err
	})
	if !errors.Is(err, ErrRunInFlight) {
		t.Errorf("expected ErrRunInFlight, got %v", err)
	}
}

func TestCompleteRun_AllowsNextRun(t *testing.T) {
	d := testDB(t)
	issue := testIssue(t, d)

	var run AgentRun
	err := d.Tx(func(tx *Tx) error {
		var err error
		run, err = tx.CreateRun(AgentRun{IssueID: issue.ID, WorkflowType: "error_fix"})
		return err
	})
	if err != nil {
		t.Fatalf("creating run: %v", err)
	}

	err = d.Tx(func(tx *Tx) error {
		return tx.CompleteRun(run.ID, "completed", "fixed it", 12, "https://github.com/o/r/pull/12")
	})
	if err != nil {
		t.Fatalf("completing run: %v", err)
	}

	// A new run may start once the previous one completed.
	err = d.Tx(func(tx *Tx) error {
		_, err := tx.CreateRun(AgentRun{IssueID: issue.ID, WorkflowType: "prd_implement"})
		return err
	})
	if err != nil {
		t.Fatalf("second run after completion: %v", err)
	}

	got, err := d.GetRun(run.ID)
	if err != nil {
		t.Fatalf("getting run: %v", err)
	}
	if got.Outcome != "completed" || got.PRNumber != 12 {
		t.Errorf("expected completed/12, got %s/%d", got.Outcome, got.PRNumber)
	}
}

func TestCompleteRun_DuplicateReportIdempotent(t *testing.T) {
	d := testDB(t)
	issue := testIssue(t, d)

	var run AgentRun
	d.Tx(func(tx *Tx) error {
		var err error
		run, err = tx.CreateRun(AgentRun{IssueID: issue.ID, WorkflowType: "error_fix"})
		return err
	})

	if err := d.Tx(func(tx *Tx) error {
		return tx.CompleteRun(run.ID, "completed", "", 0, "")
	}); err != nil {
		t.Fatalf("first completion: %v", err)
	}

	err := d.Tx(func(tx *Tx) error {
		return tx.CompleteRun(run.ID, "failed", "", 0, "")
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on duplicate completion, got %v", err)
	}
	got, _ := d.GetRun(run.ID)
	if got.Outcome != "completed" {
		t.Errorf("duplicate completion must not overwrite outcome, got %q", got.Outcome)
	}
}

func TestListStaleRuns(t *testing.T) {
	d := testDB(t)
	issue := testIssue(t, d)

	old := time.Now().UTC().Add(-3 * time.Hour)
	d.Tx(func(tx *Tx) error {
		_, err := tx.CreateRun(AgentRun{IssueID: issue.ID, WorkflowType: "error_fix", StartedAt: old})
		return err
	})

	stale, err := d.ListStaleRuns(time.Now().UTC().Add(-2 * time.Hour))
	if err != nil {
		t.Fatalf("listing stale runs: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale run, got %d", len(stale))
	}

	fresh, err := d.ListStaleRuns(time.Now().UTC().Add(-4 * time.Hour))
	if err != nil {
		t.Fatalf("listing stale runs: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("expected no stale runs before cutoff, got %d", len(fresh))
	}
}

// --- Budgets and cooldown ---

func TestIncrementBudget_EnforcesLimitAtomically(t *testing.T) {
	d := testDB(t)
	day := DayKey(time.Now())

	if err := d.Tx(func(tx *Tx) error {
		return tx.IncrementBudget("error_fix", day, 2, false)
	}); err != nil {
		t.Fatalf("first increment: %v", err)
	}
	if err := d.Tx(func(tx *Tx) error {
		return tx.IncrementBudget("error_fix", day, 2, false)
	}); err != nil {
		t.Fatalf("second increment: %v", err)
	}

	err := d.Tx(func(tx *Tx) error {
		return tx.IncrementBudget("error_fix", day, 2, false)
	})
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Errorf("expected ErrBudgetExhausted, got %v", err)
	}

	count, _ := d.BudgetCount("error_fix", day)
	if count != 2 {
		t.Errorf("counter must never exceed limit, got %d", count)
	}
}

func TestIncrementBudget_ForceBypassesLimit(t *testing.T) {
	d := testDB(t)
	day := DayKey(time.Now())

	d.Tx(func(tx *Tx) error { return tx.IncrementBudget("error_fix", day, 1, false) })

	if err := d.Tx(func(tx *Tx) error {
		return tx.IncrementBudget("error_fix", day, 1, true)
	}); err != nil {
		t.Fatalf("forced increment past limit: %v", err)
	}

	// Forced spawns still count toward the day's total.
	count, _ := d.BudgetCount("error_fix", day)
	if count != 2 {
		t.Errorf("expected count 2 after forced increment, got %d", count)
	}
}

func TestIncrementBudget_SeparateDays(t *testing.T) {
	d := testDB(t)

	d.Tx(func(tx *Tx) error { return tx.IncrementBudget("error_fix", "2026-08-28", 1, false) })

	if err := d.Tx(func(tx *Tx) error {
		return tx.IncrementBudget("error_fix", "2026-08-29", 1, false)
	}); err != nil {
		t.Errorf("budget should reset across day boundaries: %v", err)
	}
}

func TestLastAttempt(t *testing.T) {
	d := testDB(t)

	_, err := d.LastAttempt("fp-x")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	at := time.Now().UTC().Truncate(time.Second)
	d.Tx(func(tx *Tx) error { return tx.RecordAttempt("fp-x", "error_fix", "issue-1", at) })

	got, err := d.LastAttempt("fp-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("expected %v, got %v", at, got)
	}
}

func TestPruneAttempts(t *testing.T) {
	d := testDB(t)

	d.Tx(func(tx *Tx) error {
		return tx.RecordAttempt("fp-old", "error_fix", "", time.Now().UTC().Add(-48*time.Hour))
	})
	d.Tx(func(tx *Tx) error {
		return tx.RecordAttempt("fp-new", "error_fix", "", time.Now().UTC())
	})

	n, err := d.PruneAttempts(time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("pruning: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned attempt, got %d", n)
	}
	if _, err := d.LastAttempt("fp-new"); err != nil {
		t.Errorf("recent attempt should survive pruning: %v", err)
	}
}

// --- Terminal lines ---

func TestAppendTerminalLines_ContinuesSequence(t *testing.T) {
	d := testDB(t)
	issue := testIssue(t, d)

	var run AgentRun
	d.Tx(func(tx *Tx) error {
		var err error
		run, err = tx.CreateRun(AgentRun{IssueID: issue.ID, WorkflowType: "error_fix"})
		return err
	})

	if err := d.AppendTerminalLines(run.ID, []string{"line 0", "line 1"}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := d.AppendTerminalLines(run.ID, []string{"line 2"}); err != nil {
		t.Fatalf("second append: %v", err)
	}

	byRun, err := d.TerminalLinesByRun(issue.ID)
	if err != nil {
		t.Fatalf("listing terminal lines: %v", err)
	}
	lines := byRun[run.ID]
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for i, l := range lines {
		if l.Seq != i {
			t.Errorf("line %d has seq %d", i, l.Seq)
		}
	}
}

// --- Labels ---

func TestEnsureLabel_Idempotent(t *testing.T) {
	d := testDB(t)

	first, err := d.EnsureLabel("Loki")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := d.EnsureLabel("Loki")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("expected same label ID, got %q and %q", first, second)
	}
}

func TestAttachLabel_Twice(t *testing.T) {
	d := testDB(t)
	issue := testIssue(t, d)
	labelID, _ := d.EnsureLabel("Loki")

	if err := d.AttachLabel(issue.ID, labelID); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := d.AttachLabel(issue.ID, labelID); err != nil {
		t.Fatalf("second attach should be a no-op: %v", err)
	}

	names, _ := d.IssueLabels(issue.ID)
	if len(names) != 1 || names[0] != "Loki" {
		t.Errorf("expected [Loki], got %v", names)
	}
}

// Package timeline reconstructs a single ordered view of everything that
// happened on an issue from four independent event sources: the history log,
// agent activity, CI terminal output buffers, and linked pull requests.
// Merge is a pure function over a consistent snapshot; it has no side
// effects and may be computed repeatedly and concurrently.
package timeline

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/agentboard/agentboard/internal/agentboard/db"
)

// Kind discriminates timeline entries.
type Kind string

const (
	KindIssueCreated   Kind = "issue_created"
	KindRunStarted     Kind = "run_started"
	KindRunCompleted   Kind = "run_completed"
	KindTerminalStream Kind = "terminal_stream"
	KindActivity       Kind = "activity"
	KindPRLinked       Kind = "pr_linked"
	KindStatusChanged  Kind = "status_changed"
	KindHistoryMisc    Kind = "history_misc"
	KindBlocked        Kind = "blocked"
	KindPlanSubmitted  Kind = "plan_submitted"
)

// Entry is one element of the reconstructed timeline. RunID groups entries
// belonging to the same agent run; standalone entries leave it empty.
type Entry struct {
	Kind         Kind      `json:"kind"`
	Timestamp    time.Time `json:"timestamp"`
	RunID        string    `json:"run_id,omitempty"`
	WorkflowType string    `json:"workflow_type,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	ActivityType string    `json:"activity_type,omitempty"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	Lines        []string  `json:"lines,omitempty"`
	PRNumber     int       `json:"pr_number,omitempty"`
	PRURL        string    `json:"pr_url,omitempty"`
}

// LinkedPR is a linked pull request record, associated to a run by number.
type LinkedPR struct {
	Number   int
	URL      string
	Title    string
	LinkedAt time.Time
}

// reportActivityTypes are the agent activity kinds kept in the timeline.
// Fine-grained tool-call noise is dropped: the terminal stream subsumes it.
var reportActivityTypes = map[string]bool{
	"investigation_complete":  true,
	"investigation_failed":    true,
	"implementation_complete": true,
	"implementation_failed":   true,
	"qa_complete":             true,
	"qa_failed":               true,
	"research_complete":       true,
	"blocker_reported":        true,
}

// duplicatedHistoryTypes are history rows whose information is already
// carried by a dedicated entry kind; projecting them again would
// double-report.
var duplicatedHistoryTypes = map[string]bool{
	"issue_created":       true,
	"pr_linked":           true,
	"agent_run_started":   true,
	"agent_run_completed": true,
	"plan_submitted":      true,
}

// ranks break timestamp ties so a run's entries read naturally.
var kindRank = map[Kind]int{
	KindRunStarted:     0,
	KindTerminalStream: 1,
	KindActivity:       2,
	KindPRLinked:       3,
	KindRunCompleted:   4,
}

// Merge builds the display timeline. Ordering guarantee: entries sharing a
// run ID stay in chronological order relative to each other (oldest first
// within the run); run groups and standalone entries are ordered against
// each other by each group's earliest timestamp, newest group first. The
// issue_created anchor is always the first entry.
func Merge(issue db.Issue, runs []db.AgentRun, activities []db.AgentActivity,
	history []db.HistoryEntry, prs []LinkedPR, terminalByRun map[string][]db.TerminalLine) []Entry {

	var entries []Entry

	for _, run := range runs {
		entries = append(entries, Entry{
			Kind:         KindRunStarted,
			Timestamp:    run.StartedAt,
			RunID:        run.ID,
			WorkflowType: run.WorkflowType,
			Detail:       run.GithubRunURL,
		})
		if lines := terminalByRun[run.ID]; len(lines) > 0 {
			out := make([]string, len(lines))
			for i, l := range lines {
				out[i] = l.Line
			}
			entries = append(entries, Entry{
				Kind:      KindTerminalStream,
				Timestamp: lines[0].CreatedAt,
				RunID:     run.ID,
				Lines:     out,
			})
		}
		if run.CompletedAt != nil {
			entries = append(entries, Entry{
				Kind:      KindRunCompleted,
				Timestamp: *run.CompletedAt,
				RunID:     run.ID,
				Outcome:   run.Outcome,
				Detail:    run.Summary,
			})
		}
	}

	var sawBlockedActivity bool
	for _, a := range activities {
		if !reportActivityTypes[a.ActivityType] {
			continue
		}
		if a.ActivityType == "blocker_reported" {
			sawBlockedActivity = true
		}
		entries = append(entries, Entry{
			Kind:         KindActivity,
			Timestamp:    a.CreatedAt,
			RunID:        associateRun(a, runs),
			ActivityType: a.ActivityType,
			Detail:       a.Content,
		})
	}

	for _, pr := range prs {
		entries = append(entries, Entry{
			Kind:      KindPRLinked,
			Timestamp: pr.LinkedAt,
			RunID:     runForPR(pr.Number, runs),
			PRNumber:  pr.Number,
			PRURL:     pr.URL,
			Detail:    pr.Title,
		})
	}

	var planSubmittedAt time.Time
	for _, h := range history {
		if h.EventType == "plan_submitted" {
			planSubmittedAt = h.CreatedAt
		}
		if duplicatedHistoryTypes[h.EventType] {
			continue
		}
		kind := KindHistoryMisc
		if h.EventType == "status_changed" {
			kind = KindStatusChanged
		}
		entries = append(entries, Entry{
			Kind:      kind,
			Timestamp: h.CreatedAt,
			From:      h.FromValue,
			To:        h.ToValue,
			Detail:    historyDetail(h),
		})
	}

	if issue.AgentStatus == "blocked" && !sawBlockedActivity {
		entries = append(entries, Entry{
			Kind:      KindBlocked,
			Timestamp: issue.UpdatedAt,
			Detail:    issue.BlockedReason,
		})
	}

	if issue.PlanContent != "" {
		at := planSubmittedAt
		if at.IsZero() {
			at = issue.UpdatedAt
		}
		entries = append(entries, Entry{
			Kind:      KindPlanSubmitted,
			Timestamp: at,
			Detail:    issue.PlanContent,
			Outcome:   issue.PlanStatus,
		})
	}

	ordered := order(entries)

	// The anchor is pinned first; everything else reads newest group first.
	return append([]Entry{{
		Kind:      KindIssueCreated,
		Timestamp: issue.CreatedAt,
		Detail:    issue.Title,
	}}, ordered...)
}

// associateRun finds the run an activity belongs to: an explicit run_id
// reference in its metadata wins; otherwise the run whose time window
// contains the activity's timestamp.
func associateRun(a db.AgentActivity, runs []db.AgentRun) string {
	if a.RunID != "" {
		return a.RunID
	}
	if a.Metadata != "" {
		var meta struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal([]byte(a.Metadata), &meta); err == nil && meta.RunID != "" {
			return meta.RunID
		}
	}
	for _, run := range runs {
		if a.CreatedAt.Before(run.StartedAt) {
			continue
		}
		if run.CompletedAt == nil || !a.CreatedAt.After(*run.CompletedAt) {
			return run.ID
		}
	}
	return ""
}

func runForPR(number int, runs []db.AgentRun) string {
	for _, run := range runs {
		if run.PRNumber == number {
			return run.ID
		}
	}
	return ""
}

func historyDetail(h db.HistoryEntry) string {
	if h.Detail != "" {
		return h.Detail
	}
	return h.EventType
}

// order implements the two-level sort: a caller reading top to bottom must
// see each run's internal sequence intact while still seeing the most
// recent activity first overall.
func order(entries []Entry) []Entry {
	type group struct {
		key      string
		earliest time.Time
		members  []Entry
	}

	var groups []*group
	byRun := make(map[string]*group)

	for _, e := range entries {
		if e.RunID == "" {
			// Standalone entries form singleton groups.
			groups = append(groups, &group{earliest: e.Timestamp, members: []Entry{e}})
			continue
		}
		g, ok := byRun[e.RunID]
		if !ok {
			g = &group{key: e.RunID, earliest: e.Timestamp}
			byRun[e.RunID] = g
			groups = append(groups, g)
		}
		if e.Timestamp.Before(g.earliest) {
			g.earliest = e.Timestamp
		}
		g.members = append(g.members, e)
	}

	for _, g := range groups {
		sort.SliceStable(g.members, func(i, j int) bool {
			a, b := g.members[i], g.members[j]
			if a.Timestamp.Equal(b.Timestamp) {
				return kindRank[a.Kind] < kindRank[b.Kind]
			}
			return a.Timestamp.Before(b.Timestamp)
		})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].earliest.After(groups[j].earliest)
	})

	var out []Entry
	for _, g := range groups {
		out = append(out, g.members...)
	}
	return out
}

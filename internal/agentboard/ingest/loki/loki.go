// Package loki ingests Grafana alerting webhooks backed by Loki queries.
// Alerts carry a stable fingerprint; recurrence of a known fingerprint is
// always "more of the same" rather than a new issue, so dedup keys on it
// directly.
package loki

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/agentboard/agentboard/internal/agentboard/db"
	"github.com/agentboard/agentboard/internal/agentboard/fixtrack"
	"github.com/agentboard/agentboard/internal/agentboard/gate"
	"github.com/agentboard/agentboard/internal/agentboard/metrics"
	"github.com/agentboard/agentboard/internal/agentboard/spawn"
)

const Source = "loki"

// InternalHeader marks requests from inside the deployment perimeter.
// Only honored when Config.TrustInternalHeader is set.
const InternalHeader = "x-internal-request"

type Config struct {
	// BearerToken authenticates external alert deliveries.
	BearerToken string
	// TrustInternalHeader accepts requests carrying InternalHeader: true
	// without a bearer token. Meant for in-cluster Grafana instances.
	TrustInternalHeader bool
	// IdentifierPrefix is used when minting identifiers for alert issues.
	IdentifierPrefix string
}

// Alert is one entry of a Grafana webhook delivery.
type Alert struct {
	Status       string            `json:"status"`
	Fingerprint  string            `json:"fingerprint"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	GeneratorURL string            `json:"generatorURL"`
}

type webhookPayload struct {
	Status string  `json:"status"`
	Alerts []Alert `json:"alerts"`
}

// Outcome reports what happened to one alert. Alerts are processed
// independently: one failing never blocks its siblings.
type Outcome struct {
	Fingerprint string `json:"fingerprint"`
	Action      string `json:"action"` // created, updated, ignored, error
	IssueID     string `json:"issue_id,omitempty"`
	Spawned     bool   `json:"spawned,omitempty"`
	Denied      string `json:"denied,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Service applies Loki alert events to the board.
type Service struct {
	db        *db.DB
	cfg       Config
	spawner   *spawn.Service
	monitor   *fixtrack.Monitor
	broadcast func(event string, payload any)
	logger    *slog.Logger
}

func New(database *db.DB, cfg Config, spawner *spawn.Service, monitor *fixtrack.Monitor, broadcast func(string, any), logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: database, cfg: cfg, spawner: spawner, monitor: monitor, broadcast: broadcast, logger: logger}
}

// ProcessAlert handles one firing alert: first sighting creates a linked
// issue, recurrence touches the link and lets the fix monitor re-examine the
// verdict. Both paths end at the spawn gate.
func (s *Service) ProcessAlert(ctx context.Context, alert Alert) Outcome {
	if alert.Status != "firing" {
		return Outcome{Fingerprint: alert.Fingerprint, Action: "ignored"}
	}
	if alert.Fingerprint == "" {
		return Outcome{Action: "error", Error: "alert has no fingerprint"}
	}

	_, err := s.db.FindLink(Source, alert.Fingerprint)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return s.firstSighting(ctx, alert)
	case err != nil:
		return Outcome{Fingerprint: alert.Fingerprint, Action: "error", Error: err.Error()}
	default:
		return s.recurrence(ctx, alert)
	}
}

func (s *Service) firstSighting(ctx context.Context, alert Alert) Outcome {
	identifier, err := s.db.NextIdentifier(s.cfg.IdentifierPrefix)
	if err != nil {
		return Outcome{Fingerprint: alert.Fingerprint, Action: "error", Error: err.Error()}
	}
	issue, err := s.db.CreateIssue(db.Issue{
		Identifier:  identifier,
		Title:       Title(alert.Labels, 1),
		Description: describe(alert),
		Priority:    Priority(alert.Labels["level"], 1),
	})
	if err != nil {
		return Outcome{Fingerprint: alert.Fingerprint, Action: "error", Error: err.Error()}
	}

	if _, err := s.db.LinkExternalIssue(issue.ID, Source, alert.Fingerprint, alert.GeneratorURL, linkMetadata(alert)); err != nil {
		if errors.Is(err, db.ErrDuplicateLink) {
			// A concurrent delivery won the race to link this fingerprint.
			if delErr := s.db.DeleteIssue(issue.ID); delErr != nil {
				s.logger.Warn("deleting raced duplicate issue", "issue", issue.ID, "error", delErr)
			}
			return s.recurrence(ctx, alert)
		}
		return Outcome{Fingerprint: alert.Fingerprint, Action: "error", Error: err.Error()}
	}

	if labelID, err := s.db.EnsureLabel("Loki"); err != nil {
		s.logger.Warn("ensuring provenance label", "error", err)
	} else if err := s.db.AttachLabel(issue.ID, labelID); err != nil {
		s.logger.Warn("attaching provenance label", "issue", issue.Identifier, "error", err)
	}

	s.logger.Info("alert issue created", "issue", issue.Identifier, "fingerprint", alert.Fingerprint)
	if s.broadcast != nil {
		s.broadcast("issue_created", map[string]any{"issue_id": issue.ID})
	}

	out := Outcome{Fingerprint: alert.Fingerprint, Action: "created", IssueID: issue.ID}
	s.evaluateGate(ctx, issue.ID, alert.Fingerprint, &out)
	return out
}

func (s *Service) recurrence(ctx context.Context, alert Alert) Outcome {
	link, err := s.db.TouchLink(Source, alert.Fingerprint)
	if err != nil {
		return Outcome{Fingerprint: alert.Fingerprint, Action: "error", Error: err.Error()}
	}
	issue, err := s.db.GetIssue(link.IssueID)
	if err != nil {
		return Outcome{Fingerprint: alert.Fingerprint, Action: "error", Error: err.Error()}
	}

	// The fix monitor runs before the gate: a recurrence must downgrade a
	// held fix verdict even when no new spawn is admitted.
	if downgraded, err := s.monitor.HandleRecurrence(issue, alert.Fingerprint); err != nil {
		s.logger.Error("fix monitor failed", "issue", issue.Identifier, "error", err)
	} else if downgraded {
		// Re-read to pick up the forced verdict before updating fields.
		if issue, err = s.db.GetIssue(issue.ID); err != nil {
			return Outcome{Fingerprint: alert.Fingerprint, Action: "error", Error: err.Error()}
		}
	}

	issue.Title = Title(alert.Labels, link.EventCount)
	issue.Priority = Priority(alert.Labels["level"], link.EventCount)
	if err := s.db.UpdateIssue(issue); err != nil {
		return Outcome{Fingerprint: alert.Fingerprint, Action: "error", Error: err.Error()}
	}

	if s.broadcast != nil {
		s.broadcast("issue_updated", map[string]any{"issue_id": issue.ID})
	}

	out := Outcome{Fingerprint: alert.Fingerprint, Action: "updated", IssueID: issue.ID}
	s.evaluateGate(ctx, issue.ID, alert.Fingerprint, &out)
	return out
}

func (s *Service) evaluateGate(ctx context.Context, issueID, fingerprint string, out *Outcome) {
	if s.spawner == nil {
		return
	}
	res, err := s.spawner.Spawn(ctx, spawn.Request{
		IssueID:      issueID,
		WorkflowType: gate.WorkflowErrorFix,
		Fingerprint:  fingerprint,
		SpawnType:    spawn.TypeAuto,
	})
	if err != nil {
		s.logger.Warn("alert spawn failed", "issue", issueID, "error", err)
		out.Denied = "dispatch failed"
		return
	}
	out.Spawned = res.Started
	out.Denied = res.Denied
}

// Webhook returns the HTTP handler for alert deliveries.
func (s *Service) Webhook() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		var p webhookPayload
		if err := json.Unmarshal(body, &p); err != nil {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}

		outcomes := make([]Outcome, 0, len(p.Alerts))
		for _, alert := range p.Alerts {
			out := s.ProcessAlert(r.Context(), alert)
			metrics.WebhookEvents.WithLabelValues(Source, out.Action).Inc()
			outcomes = append(outcomes, out)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "results": outcomes})
	})
}

func (s *Service) authorized(r *http.Request) bool {
	if s.cfg.BearerToken != "" {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.BearerToken)) == 1 {
			return true
		}
	}
	if s.cfg.TrustInternalHeader && r.Header.Get(InternalHeader) == "true" {
		return true
	}
	return false
}

// Priority derives P1..P4 from the alert's severity level and how often the
// fingerprint has fired. fatal and critical are P1 no matter the count.
func Priority(level string, count int) int {
	switch strings.ToLower(level) {
	case "fatal", "critical":
		return 1
	}
	switch {
	case count >= 100:
		return 1
	case count >= 20:
		return 2
	case count >= 5:
		return 3
	default:
		return 4
	}
}

// Title is a deterministic function of the alert labels and the running
// event count, so repeated sightings rename the issue predictably.
func Title(labels map[string]string, count int) string {
	app := labels["app"]
	if app == "" {
		app = labels["service"]
	}
	if app == "" {
		app = "unknown"
	}
	name := labels["alertname"]
	if name == "" {
		name = labels["message"]
	}
	if name == "" {
		name = "log alert"
	}
	if count > 1 {
		return fmt.Sprintf("[%s] %s (x%d)", app, name, count)
	}
	return fmt.Sprintf("[%s] %s", app, name)
}

func describe(alert Alert) string {
	var b strings.Builder
	if summary := alert.Annotations["summary"]; summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	keys := make([]string, 0, len(alert.Labels))
	for k := range alert.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, alert.Labels[k])
	}
	if alert.GeneratorURL != "" {
		b.WriteString("\n")
		b.WriteString(alert.GeneratorURL)
	}
	return b.String()
}

func linkMetadata(alert Alert) string {
	meta, _ := json.Marshal(alert.Labels)
	return string(meta)
}

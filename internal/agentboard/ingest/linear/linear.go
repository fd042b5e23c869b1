// Package linear ingests Linear webhook events. Incoming issues are
// deduplicated against external_links before anything is created, so
// replayed deliveries and redundant syncs are acknowledged without side
// effects.
package linear

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/agentboard/agentboard/internal/agentboard/db"
	"github.com/agentboard/agentboard/internal/agentboard/gate"
	"github.com/agentboard/agentboard/internal/agentboard/metrics"
	"github.com/agentboard/agentboard/internal/agentboard/spawn"
)

const Source = "linear"

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "linear-signature"

// Config controls webhook verification and the post-create behavior.
type Config struct {
	// WebhookSecret signs incoming deliveries. Empty means verification
	// cannot happen and every delivery is rejected.
	WebhookSecret string
	// AutoInvestigate spawns a prd_investigate run for newly synced issues.
	AutoInvestigate bool
	// IdentifierPrefix is used when minting identifiers for synced issues.
	IdentifierPrefix string
}

// IssueData is the subset of Linear's issue payload the board cares about.
type IssueData struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	URL         string `json:"url"`
}

type payload struct {
	Action string    `json:"action"`
	Type   string    `json:"type"`
	Data   IssueData `json:"data"`
}

// Result is the webhook response body.
type Result struct {
	Success      bool   `json:"success"`
	Action       string `json:"action,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
	IssueID      string `json:"issue_id,omitempty"`
}

// Service applies Linear events to the board.
type Service struct {
	db        *db.DB
	cfg       Config
	spawner   *spawn.Service
	broadcast func(event string, payload any)
	logger    *slog.Logger
}

func New(database *db.DB, cfg Config, spawner *spawn.Service, broadcast func(string, any), logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: database, cfg: cfg, spawner: spawner, broadcast: broadcast, logger: logger}
}

// HandleCreate syncs a newly created Linear issue. A known external id means
// the delivery is a replay or a concurrent duplicate: the link is touched
// and the existing issue updated in place instead.
func (s *Service) HandleCreate(ctx context.Context, data IssueData) (Result, error) {
	if _, err := s.db.FindLink(Source, data.ID); err == nil {
		return s.dedupUpdate(data)
	} else if !errors.Is(err, db.ErrNotFound) {
		return Result{}, fmt.Errorf("looking up link: %w", err)
	}

	identifier, err := s.db.NextIdentifier(s.cfg.IdentifierPrefix)
	if err != nil {
		return Result{}, err
	}
	issue, err := s.db.CreateIssue(db.Issue{
		Identifier:  identifier,
		Title:       data.Title,
		Description: data.Description,
		Priority:    mapPriority(data.Priority),
	})
	if err != nil {
		return Result{}, err
	}

	if _, err := s.db.LinkExternalIssue(issue.ID, Source, data.ID, data.URL, linkMetadata(data)); err != nil {
		if errors.Is(err, db.ErrDuplicateLink) {
			// Lost a create race: another delivery linked this id first.
			// Drop our orphan issue and fall back to the update path.
			if delErr := s.db.DeleteIssue(issue.ID); delErr != nil {
				s.logger.Warn("deleting raced duplicate issue", "issue", issue.ID, "error", delErr)
			}
			return s.dedupUpdate(data)
		}
		return Result{}, err
	}

	if labelID, err := s.db.EnsureLabel("Linear"); err != nil {
		s.logger.Warn("ensuring provenance label", "error", err)
	} else if err := s.db.AttachLabel(issue.ID, labelID); err != nil {
		s.logger.Warn("attaching provenance label", "issue", issue.Identifier, "error", err)
	}

	s.logger.Info("linear issue synced", "issue", issue.Identifier, "external", data.Identifier)
	if s.broadcast != nil {
		s.broadcast("issue_created", map[string]any{"issue_id": issue.ID})
	}

	if s.cfg.AutoInvestigate && s.spawner != nil {
		if _, err := s.spawner.Spawn(ctx, spawn.Request{
			IssueID:      issue.ID,
			WorkflowType: gate.WorkflowPRDInvestigate,
			SpawnType:    spawn.TypeAuto,
		}); err != nil {
			// The issue exists either way; the spawn can be retried manually.
			s.logger.Warn("auto-investigate spawn failed", "issue", issue.Identifier, "error", err)
		}
	}

	return Result{Success: true, Action: "created", IssueID: issue.ID}, nil
}

// HandleUpdate syncs field changes for an already linked issue. Updates for
// unknown ids are treated as creates Linear sent out of order.
func (s *Service) HandleUpdate(ctx context.Context, data IssueData) (Result, error) {
	link, err := s.db.FindLink(Source, data.ID)
	if errors.Is(err, db.ErrNotFound) {
		return s.HandleCreate(ctx, data)
	}
	if err != nil {
		return Result{}, fmt.Errorf("looking up link: %w", err)
	}

	if _, err := s.db.TouchLink(Source, data.ID); err != nil {
		return Result{}, err
	}
	issue, err := s.db.GetIssue(link.IssueID)
	if err != nil {
		return Result{}, err
	}
	issue.Title = data.Title
	issue.Description = data.Description
	issue.Priority = mapPriority(data.Priority)
	if err := s.db.UpdateIssue(issue); err != nil {
		return Result{}, err
	}

	if s.broadcast != nil {
		s.broadcast("issue_updated", map[string]any{"issue_id": issue.ID})
	}
	return Result{Success: true, Action: "updated", IssueID: issue.ID}, nil
}

// HandleRemove deletes the linked issue. Removals for unknown ids are acked
// as no-ops; an issue with a running agent refuses deletion and the error
// propagates so Linear retries after the run finishes.
func (s *Service) HandleRemove(data IssueData) (Result, error) {
	link, err := s.db.FindLink(Source, data.ID)
	if errors.Is(err, db.ErrNotFound) {
		return Result{Success: true, Action: "ignored"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("looking up link: %w", err)
	}

	if err := s.db.DeleteIssue(link.IssueID); err != nil {
		return Result{}, err
	}
	if s.broadcast != nil {
		s.broadcast("issue_removed", map[string]any{"issue_id": link.IssueID})
	}
	return Result{Success: true, Action: "removed", IssueID: link.IssueID}, nil
}

// dedupUpdate handles a duplicate create: same semantics as an update, but
// the response tells the sender the signal was already known.
func (s *Service) dedupUpdate(data IssueData) (Result, error) {
	link, err := s.db.TouchLink(Source, data.ID)
	if err != nil {
		return Result{}, err
	}
	issue, err := s.db.GetIssue(link.IssueID)
	if err != nil {
		return Result{}, err
	}
	issue.Title = data.Title
	issue.Description = data.Description
	issue.Priority = mapPriority(data.Priority)
	if err := s.db.UpdateIssue(issue); err != nil {
		return Result{}, err
	}
	if s.broadcast != nil {
		s.broadcast("issue_updated", map[string]any{"issue_id": issue.ID})
	}
	return Result{Success: true, Deduplicated: true, IssueID: issue.ID}, nil
}

// Webhook returns the HTTP handler for Linear deliveries. The raw body is
// verified before any parsing happens.
func (s *Service) Webhook() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}

		if status, err := s.verify(body, r.Header.Get(SignatureHeader)); err != nil {
			metrics.WebhookEvents.WithLabelValues(Source, "rejected").Inc()
			s.logger.Warn("linear webhook rejected", "error", err)
			http.Error(w, err.Error(), status)
			return
		}

		var p payload
		if err := json.Unmarshal(body, &p); err != nil {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}

		if p.Type != "Issue" {
			writeJSON(w, Result{Success: true, Action: "ignored"})
			return
		}

		var result Result
		switch p.Action {
		case "create":
			result, err = s.HandleCreate(r.Context(), p.Data)
		case "update":
			result, err = s.HandleUpdate(r.Context(), p.Data)
		case "remove":
			result, err = s.HandleRemove(p.Data)
		default:
			writeJSON(w, Result{Success: true, Action: "ignored"})
			return
		}
		if err != nil {
			metrics.WebhookEvents.WithLabelValues(Source, "error").Inc()
			s.logger.Error("linear webhook failed", "action", p.Action, "external", p.Data.ID, "error", err)
			http.Error(w, "processing event", http.StatusInternalServerError)
			return
		}
		metrics.WebhookEvents.WithLabelValues(Source, resultOutcome(result)).Inc()
		writeJSON(w, result)
	})
}

// verify checks the delivery signature. A missing secret is a server
// misconfiguration, never a pass-through.
func (s *Service) verify(body []byte, signature string) (int, error) {
	if s.cfg.WebhookSecret == "" {
		return http.StatusInternalServerError, errors.New("webhook secret not configured")
	}
	if signature == "" {
		return http.StatusUnauthorized, errors.New("missing signature")
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return http.StatusUnauthorized, errors.New("malformed signature")
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), sig) != 1 {
		return http.StatusUnauthorized, errors.New("signature mismatch")
	}
	return 0, nil
}

// mapPriority converts Linear's urgency scale (0 none, 1 urgent .. 4 low)
// to the board's P1..P4.
func mapPriority(p int) int {
	if p <= 0 || p > 4 {
		return 4
	}
	return p
}

func linkMetadata(data IssueData) string {
	meta, _ := json.Marshal(map[string]string{"identifier": data.Identifier})
	return string(meta)
}

func resultOutcome(r Result) string {
	if r.Deduplicated {
		return "deduplicated"
	}
	if r.Action != "" {
		return r.Action
	}
	return "ok"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

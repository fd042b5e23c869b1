package dispatch

import (
	"context"
	"log/slog"

	"github.com/agentboard/agentboard/internal/agentboard/db"
)

// Noop is used when no GitHub App is configured: spawns are admitted and
// recorded but no CI run ever starts, which keeps local development usable.
type Noop struct {
	Logger *slog.Logger
}

func (n *Noop) Dispatch(_ context.Context, workflowType string, issue db.Issue, runID string) (string, error) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("no dispatcher configured, run will not execute",
		"workflow", workflowType, "issue", issue.Identifier, "run", runID)
	return "", nil
}

func (n *Noop) Cancel(context.Context, string) error { return nil }

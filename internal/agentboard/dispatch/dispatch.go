// Package dispatch starts agent runs as GitHub Actions workflow runs.
// Each workflow type maps to a workflow file in the target repository;
// the run id is passed through as an input so the CI job can report back
// against the right agent_runs row.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	gh "github.com/google/go-github/v68/github"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/agentboard/agentboard/internal/agentboard/db"
	"github.com/agentboard/agentboard/internal/agentboard/gate"
	"github.com/agentboard/agentboard/internal/agentboard/retry"
)

// Config identifies the target repository and the workflow files to run.
type Config struct {
	Owner string
	Repo  string
	// Ref is the git ref the workflow_dispatch targets, usually main.
	Ref string

	FixWorkflow         string
	InvestigateWorkflow string
	ImplementWorkflow   string

	// App credentials. ClientID is the GitHub App's string client id, used
	// as the JWT issuer.
	ClientID       string
	InstallationID int64
	PrivateKeyPath string

	// BaseURL overrides the GitHub API endpoint, for tests and GHE.
	BaseURL string
}

// Dispatcher triggers and cancels workflow runs through the GitHub API.
type Dispatcher struct {
	gh  *gh.Client
	cfg Config
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// New builds a Dispatcher authenticated as a GitHub App installation.
func New(cfg Config) (*Dispatcher, error) {
	httpClient, err := newAppHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("configuring app auth: %w", err)
	}
	client := gh.NewClient(httpClient)
	if cfg.BaseURL != "" {
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("setting base url: %w", err)
		}
	}
	return &Dispatcher{gh: client, cfg: cfg}, nil
}

// newAppHTTPClient builds an http.Client with an installation transport
// whose JWTs carry the App's client id as issuer.
func newAppHTTPClient(cfg Config) (*http.Client, error) {
	keyPath := expandHome(cfg.PrivateKeyPath)
	keyData, err := readKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", cfg.PrivateKeyPath, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{
		clientID: cfg.ClientID,
		method:   jwt.SigningMethodRS256,
		key:      key,
	}
	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0, // appID unused, the signer sets the issuer
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if cfg.BaseURL != "" {
		atr.BaseURL = cfg.BaseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, cfg.InstallationID)
	if cfg.BaseURL != "" {
		itr.BaseURL = cfg.BaseURL
	}
	return &http.Client{Transport: itr}, nil
}

// clientIDSigner implements ghinstallation.Signer using a string client id
// as the JWT issuer instead of a numeric App ID.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// Dispatch triggers the workflow for the given run. workflow_dispatch does
// not return the created run's id, so the returned URL points at the
// workflow's run listing rather than the specific run.
func (d *Dispatcher) Dispatch(ctx context.Context, workflowType string, issue db.Issue, runID string) (string, error) {
	workflow, err := d.workflowFile(workflowType)
	if err != nil {
		return "", err
	}

	err = retry.Do(ctx, func() error {
		_, err := d.gh.Actions.CreateWorkflowDispatchEventByFileName(
			ctx, d.cfg.Owner, d.cfg.Repo, workflow,
			gh.CreateWorkflowDispatchEventRequest{
				Ref: d.cfg.Ref,
				Inputs: map[string]any{
					"run_id":     runID,
					"issue_id":   issue.ID,
					"identifier": issue.Identifier,
				},
			})
		return classifyErr(err)
	})
	if err != nil {
		return "", fmt.Errorf("dispatching %s: %w", workflow, err)
	}
	return fmt.Sprintf("https://github.com/%s/%s/actions/workflows/%s", d.cfg.Owner, d.cfg.Repo, workflow), nil
}

// Cancel stops the workflow run behind runURL. Only URLs of the form
// .../actions/runs/<id> can be canceled; listing-page URLs from Dispatch
// are skipped, since there is no specific run to address.
func (d *Dispatcher) Cancel(ctx context.Context, runURL string) error {
	id, ok := parseRunURL(runURL)
	if !ok {
		return nil
	}
	return retry.Do(ctx, func() error {
		_, err := d.gh.Actions.CancelWorkflowRunByID(ctx, d.cfg.Owner, d.cfg.Repo, id)
		return classifyErr(err)
	})
}

func (d *Dispatcher) workflowFile(workflowType string) (string, error) {
	switch workflowType {
	case gate.WorkflowErrorFix:
		return d.cfg.FixWorkflow, nil
	case gate.WorkflowPRDInvestigate:
		return d.cfg.InvestigateWorkflow, nil
	case gate.WorkflowPRDImplement:
		return d.cfg.ImplementWorkflow, nil
	}
	return "", fmt.Errorf("no workflow configured for type %q", workflowType)
}

// parseRunURL extracts the numeric run id from .../actions/runs/<id>.
func parseRunURL(runURL string) (int64, bool) {
	const marker = "/actions/runs/"
	i := strings.Index(runURL, marker)
	if i < 0 {
		return 0, false
	}
	rest := runURL[i+len(marker):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	var id int64
	for _, c := range rest {
		if c < '0' || c > '9' {
			return 0, false
		}
		id = id*10 + int64(c-'0')
	}
	if rest == "" {
		return 0, false
	}
	return id, true
}

// classifyErr marks 4xx responses permanent; server and network errors stay
// retryable.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

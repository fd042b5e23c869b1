package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML fields written as strings ("90m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	ListenAddr       string `yaml:"listen_addr"`
	DatabasePath     string `yaml:"database_path"`
	IdentifierPrefix string `yaml:"identifier_prefix"`

	Linear LinearConfig `yaml:"linear"`
	Loki   LokiConfig   `yaml:"loki"`
	Github GithubConfig `yaml:"github"`

	// Budgets maps workflow type to its daily spawn limit.
	Budgets map[string]int `yaml:"budgets"`

	// CooldownWindow suppresses repeat auto-spawns for the same error
	// fingerprint. FixMonitorWindow is how long a "fixed" verdict stays
	// under observation for recurrences. RunTimeout is when the janitor
	// declares an unreported run dead. All three are deployment policy,
	// not code constants.
	CooldownWindow   Duration `yaml:"cooldown_window"`
	FixMonitorWindow Duration `yaml:"fix_monitor_window"`
	RunTimeout       Duration `yaml:"run_timeout"`

	// AutoImplement re-enters the spawn gate for an implement run as soon
	// as a plan is approved.
	AutoImplement bool `yaml:"auto_implement"`
}

type LinearConfig struct {
	WebhookSecret   string `yaml:"webhook_secret"`
	AutoInvestigate bool   `yaml:"auto_investigate"`
}

type LokiConfig struct {
	BearerToken string `yaml:"bearer_token"`
	// TrustInternalHeader accepts alert deliveries from inside the cluster
	// without a bearer token.
	TrustInternalHeader bool `yaml:"trust_internal_header"`
}

type GithubConfig struct {
	Owner               string `yaml:"owner"`
	Repo                string `yaml:"repo"`
	ClientID            string `yaml:"client_id"`
	InstallationID      int64  `yaml:"installation_id"`
	PrivateKeyPath      string `yaml:"private_key_path"`
	FixWorkflow         string `yaml:"fix_workflow"`
	InvestigateWorkflow string `yaml:"investigate_workflow"`
	ImplementWorkflow   string `yaml:"implement_workflow"`
	Ref                 string `yaml:"ref"`
	BaseURL             string `yaml:"base_url"`
}

// Default returns a Config with workable defaults; secrets are expected via
// environment or the config file.
func Default() Config {
	return Config{
		ListenAddr:       "127.0.0.1:7780",
		IdentifierPrefix: "ABD",
		Budgets: map[string]int{
			"error_fix":       10,
			"prd_investigate": 5,
			"prd_implement":   5,
		},
		CooldownWindow:   Duration(time.Hour),
		FixMonitorWindow: Duration(24 * time.Hour),
		RunTimeout:       Duration(2 * time.Hour),
		Linear:           LinearConfig{AutoInvestigate: false},
		Github: GithubConfig{
			FixWorkflow:         "agent-fix.yml",
			InvestigateWorkflow: "agent-investigate.yml",
			ImplementWorkflow:   "agent-implement.yml",
			Ref:                 "main",
		},
	}
}

// Load reads and parses a config file, layering it over Default and then
// applying environment overrides for secrets.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTBOARD_LINEAR_WEBHOOK_SECRET"); v != "" {
		cfg.Linear.WebhookSecret = v
	}
	if v := os.Getenv("AGENTBOARD_LOKI_BEARER_TOKEN"); v != "" {
		cfg.Loki.BearerToken = v
	}
	if v := os.Getenv("AGENTBOARD_GITHUB_PRIVATE_KEY_PATH"); v != "" {
		cfg.Github.PrivateKeyPath = v
	}
	if v := os.Getenv("AGENTBOARD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AGENTBOARD_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
}

// Package config loads the run configuration for a waypoints project.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/kulesh/waypoints/internal/logging"
)

const (
	DefaultStateDir = ".waypoints"

	EnvLogLevel = "WAYPOINTS_LOG_LEVEL"
	EnvStateDir = "WAYPOINTS_STATE_DIR"
)

// Candidate file names tried by Discover, in order.
var candidateNames = []string{"waypoints.yaml", "waypoints.yml", "waypoints.toml", "waypoints.json"}

type ProjectConfig struct {
	Root     string `json:"root,omitempty" yaml:"root,omitempty" toml:"root,omitempty"`
	StateDir string `json:"state_dir,omitempty" yaml:"state_dir,omitempty" toml:"state_dir,omitempty"`
	Plan     string `json:"plan,omitempty" yaml:"plan,omitempty" toml:"plan,omitempty"`
}

// AgentConfig selects the external code-generating agent. Only the execjson
// provider ships with waypoints; other adapters register through llm.Client.
type AgentConfig struct {
	Provider   string            `json:"provider,omitempty" yaml:"provider,omitempty" toml:"provider,omitempty"`
	Command    []string          `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Model      string            `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	TimeoutMS  int               `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" toml:"timeout_ms,omitempty"`
	MaxRetries *int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty" toml:"max_retries,omitempty"`
	MaxTokens  int               `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" toml:"max_tokens,omitempty"`
	Judge      bool              `json:"judge,omitempty" yaml:"judge,omitempty" toml:"judge,omitempty"`
}

type BuilderConfig struct {
	MaxIterations        int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" toml:"max_iterations,omitempty"`
	MaxDerailmentStreak  int `json:"max_derailment_streak,omitempty" yaml:"max_derailment_streak,omitempty" toml:"max_derailment_streak,omitempty"`
	MaxMalformedCalls    int `json:"max_malformed_calls,omitempty" yaml:"max_malformed_calls,omitempty" toml:"max_malformed_calls,omitempty"`
	HistoryTurns         int `json:"history_turns,omitempty" yaml:"history_turns,omitempty" toml:"history_turns,omitempty"`
	PromptBudgetChars    int `json:"prompt_budget_chars,omitempty" yaml:"prompt_budget_chars,omitempty" toml:"prompt_budget_chars,omitempty"`
	ShellTimeoutMS       int `json:"shell_timeout_ms,omitempty" yaml:"shell_timeout_ms,omitempty" toml:"shell_timeout_ms,omitempty"`
	ToolOutputMaxChars   int `json:"tool_output_max_chars,omitempty" yaml:"tool_output_max_chars,omitempty" toml:"tool_output_max_chars,omitempty"`
	TransientRetryBudget int `json:"transient_retry_budget,omitempty" yaml:"transient_retry_budget,omitempty" toml:"transient_retry_budget,omitempty"`
}

type ValidationCommand struct {
	Name     string `json:"name" yaml:"name" toml:"name"`
	Command  string `json:"command" yaml:"command" toml:"command"`
	Category string `json:"category,omitempty" yaml:"category,omitempty" toml:"category,omitempty"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty" toml:"optional,omitempty"`
}

type ValidationConfig struct {
	Commands    []ValidationCommand `json:"commands,omitempty" yaml:"commands,omitempty" toml:"commands,omitempty"`
	Overrides   map[string]string   `json:"overrides,omitempty" yaml:"overrides,omitempty" toml:"overrides,omitempty"`
	DetectStack *bool               `json:"detect_stack,omitempty" yaml:"detect_stack,omitempty" toml:"detect_stack,omitempty"`
}

type VerifierConfig struct {
	Recheck        bool `json:"recheck,omitempty" yaml:"recheck,omitempty" toml:"recheck,omitempty"`
	MaxConcurrency int  `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty" toml:"max_concurrency,omitempty"`
}

// PolicyConfig holds the decision policy knobs. Pointers distinguish an
// explicit zero from an omitted value.
type PolicyConfig struct {
	MaxReworks                *int   `json:"max_reworks,omitempty" yaml:"max_reworks,omitempty" toml:"max_reworks,omitempty"`
	MaxClarificationRounds    *int   `json:"max_clarification_rounds,omitempty" yaml:"max_clarification_rounds,omitempty" toml:"max_clarification_rounds,omitempty"`
	ReworkRegressions         bool   `json:"rework_regressions,omitempty" yaml:"rework_regressions,omitempty" toml:"rework_regressions,omitempty"`
	RetryAdditionalIterations int    `json:"retry_additional_iterations,omitempty" yaml:"retry_additional_iterations,omitempty" toml:"retry_additional_iterations,omitempty"`
	OnEscalation              string `json:"on_escalation,omitempty" yaml:"on_escalation,omitempty" toml:"on_escalation,omitempty"`
	InterventionTimeoutMS     int    `json:"intervention_timeout_ms,omitempty" yaml:"intervention_timeout_ms,omitempty" toml:"intervention_timeout_ms,omitempty"`
}

type PathsConfig struct {
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty" toml:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty" toml:"deny,omitempty"`
}

type GitConfig struct {
	Enabled   *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	AutoInit  bool   `json:"auto_init,omitempty" yaml:"auto_init,omitempty" toml:"auto_init,omitempty"`
	TagPrefix string `json:"tag_prefix,omitempty" yaml:"tag_prefix,omitempty" toml:"tag_prefix,omitempty"`
}

type TimeoutDomainConfig struct {
	DefaultSeconds float64 `json:"default_seconds,omitempty" yaml:"default_seconds,omitempty" toml:"default_seconds,omitempty"`
	MaxSeconds     float64 `json:"max_seconds,omitempty" yaml:"max_seconds,omitempty" toml:"max_seconds,omitempty"`
	MaxAttempts    int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" toml:"max_attempts,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty" toml:"level,omitempty"`
	File  *bool  `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr,omitempty"`
}

type Config struct {
	Version    int                            `json:"version" yaml:"version" toml:"version"`
	Project    ProjectConfig                  `json:"project,omitempty" yaml:"project,omitempty" toml:"project,omitempty"`
	Agent      AgentConfig                    `json:"agent,omitempty" yaml:"agent,omitempty" toml:"agent,omitempty"`
	Builder    BuilderConfig                  `json:"builder,omitempty" yaml:"builder,omitempty" toml:"builder,omitempty"`
	Validation ValidationConfig               `json:"validation,omitempty" yaml:"validation,omitempty" toml:"validation,omitempty"`
	Verifier   VerifierConfig                 `json:"verifier,omitempty" yaml:"verifier,omitempty" toml:"verifier,omitempty"`
	Policy     PolicyConfig                   `json:"policy,omitempty" yaml:"policy,omitempty" toml:"policy,omitempty"`
	Paths      PathsConfig                    `json:"paths,omitempty" yaml:"paths,omitempty" toml:"paths,omitempty"`
	Git        GitConfig                      `json:"git,omitempty" yaml:"git,omitempty" toml:"git,omitempty"`
	Timeouts   map[string]TimeoutDomainConfig `json:"timeouts,omitempty" yaml:"timeouts,omitempty" toml:"timeouts,omitempty"`
	Logging    LoggingConfig                  `json:"logging,omitempty" yaml:"logging,omitempty" toml:"logging,omitempty"`
	Server     ServerConfig                   `json:"server,omitempty" yaml:"server,omitempty" toml:"server,omitempty"`
}

// Default returns a fully defaulted config rooted at root.
func Default(root string) *Config {
	cfg := &Config{Project: ProjectConfig{Root: root}}
	ApplyDefaults(cfg)
	return cfg
}

// Discover looks for a config file in root. It returns "" when none exists.
func Discover(root string) string {
	for _, name := range candidateNames {
		p := filepath.Join(root, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// Load decodes path strictly (unknown keys are errors), applies defaults and
// environment overrides, then validates. A missing file yields defaults
// rooted at the file's directory.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := &Config{Project: ProjectConfig{Root: filepath.Dir(path)}}
			return finish(cfg)
		}
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = decodeJSONStrict(b, &cfg)
	case ".toml":
		err = decodeTOMLStrict(b, &cfg)
	default:
		err = decodeYAMLStrict(b, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if strings.TrimSpace(cfg.Project.Root) == "" {
		cfg.Project.Root = filepath.Dir(path)
	} else if !filepath.IsAbs(cfg.Project.Root) {
		cfg.Project.Root = filepath.Join(filepath.Dir(path), cfg.Project.Root)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyDefaults(cfg)
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func decodeTOMLStrict(b []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.Project.Root) == "" {
		cfg.Project.Root = "."
	}
	if strings.TrimSpace(cfg.Project.StateDir) == "" {
		cfg.Project.StateDir = DefaultStateDir
	}
	if strings.TrimSpace(cfg.Agent.Provider) == "" {
		cfg.Agent.Provider = "execjson"
	}
	cfg.Agent.Command = trimNonEmpty(cfg.Agent.Command)
	if cfg.Agent.TimeoutMS == 0 {
		cfg.Agent.TimeoutMS = 600000
	}
	if cfg.Agent.MaxRetries == nil {
		v := 4
		cfg.Agent.MaxRetries = &v
	}
	if cfg.Builder.MaxIterations == 0 {
		cfg.Builder.MaxIterations = 10
	}
	if cfg.Builder.MaxDerailmentStreak == 0 {
		cfg.Builder.MaxDerailmentStreak = 2
	}
	if cfg.Builder.MaxMalformedCalls == 0 {
		cfg.Builder.MaxMalformedCalls = 3
	}
	if cfg.Builder.HistoryTurns == 0 {
		cfg.Builder.HistoryTurns = 24
	}
	if cfg.Builder.PromptBudgetChars == 0 {
		cfg.Builder.PromptBudgetChars = 60000
	}
	if cfg.Builder.ShellTimeoutMS == 0 {
		cfg.Builder.ShellTimeoutMS = 120000
	}
	if cfg.Builder.TransientRetryBudget == 0 {
		cfg.Builder.TransientRetryBudget = 4
	}
	if cfg.Validation.DetectStack == nil {
		t := true
		cfg.Validation.DetectStack = &t
	}
	if cfg.Verifier.MaxConcurrency == 0 {
		cfg.Verifier.MaxConcurrency = 4
	}
	if cfg.Policy.MaxReworks == nil {
		v := 3
		cfg.Policy.MaxReworks = &v
	}
	if cfg.Policy.MaxClarificationRounds == nil {
		v := 2
		cfg.Policy.MaxClarificationRounds = &v
	}
	if cfg.Policy.RetryAdditionalIterations == 0 {
		cfg.Policy.RetryAdditionalIterations = 5
	}
	cfg.Policy.OnEscalation = strings.ToLower(strings.TrimSpace(cfg.Policy.OnEscalation))
	if cfg.Policy.OnEscalation == "" {
		cfg.Policy.OnEscalation = "stop"
	}
	cfg.Paths.Allow = trimNonEmpty(cfg.Paths.Allow)
	cfg.Paths.Deny = trimNonEmpty(cfg.Paths.Deny)
	if len(cfg.Paths.Allow) == 0 {
		cfg.Paths.Allow = []string{"**"}
	}
	if cfg.Git.Enabled == nil {
		t := true
		cfg.Git.Enabled = &t
	}
	if strings.TrimSpace(cfg.Git.TagPrefix) == "" {
		cfg.Git.TagPrefix = "waypoints/"
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = logging.LevelInfo
	}
	if cfg.Logging.File == nil {
		t := true
		cfg.Logging.File = &t
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = "127.0.0.1:8787"
	}
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStateDir)); v != "" {
		cfg.Project.StateDir = v
	}
}

var knownCategories = map[string]bool{"lint": true, "test": true, "type": true, "format": true, "build": true}

// Validate rejects values the engine cannot act on. Errors name the dotted key.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if filepath.IsAbs(cfg.Project.StateDir) || strings.Contains(filepath.ToSlash(cfg.Project.StateDir), "..") {
		return fmt.Errorf("project.state_dir must be a relative path inside the project: %q", cfg.Project.StateDir)
	}
	switch cfg.Agent.Provider {
	case "execjson":
		// Command may be empty when an adapter is injected programmatically.
	default:
		if strings.TrimSpace(cfg.Agent.Provider) == "" {
			return fmt.Errorf("agent.provider is required")
		}
	}
	if cfg.Builder.MaxIterations < 1 {
		return fmt.Errorf("builder.max_iterations must be >= 1")
	}
	if cfg.Builder.MaxDerailmentStreak < 1 {
		return fmt.Errorf("builder.max_derailment_streak must be >= 1")
	}
	if *cfg.Policy.MaxReworks < 0 {
		return fmt.Errorf("policy.max_reworks must be >= 0")
	}
	if *cfg.Policy.MaxClarificationRounds < 0 {
		return fmt.Errorf("policy.max_clarification_rounds must be >= 0")
	}
	switch cfg.Policy.OnEscalation {
	case "stop", "skip", "wait":
	default:
		return fmt.Errorf("policy.on_escalation must be one of stop|skip|wait (got %q)", cfg.Policy.OnEscalation)
	}
	seen := map[string]bool{}
	for i, c := range cfg.Validation.Commands {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("validation.commands[%d]: name and command are required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("validation.commands[%d]: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = true
		if c.Category != "" && !knownCategories[c.Category] {
			return fmt.Errorf("validation.commands[%d].category: unknown category %q", i, c.Category)
		}
	}
	for k := range cfg.Validation.Overrides {
		if !knownCategories[k] {
			return fmt.Errorf("validation.overrides: unknown category %q", k)
		}
	}
	for name, d := range cfg.Timeouts {
		switch name {
		case "host_validation", "llm_tool_bash", "git_operation":
		default:
			return fmt.Errorf("timeouts.%s: unknown timeout domain", name)
		}
		if d.DefaultSeconds < 0 || d.MaxSeconds < 0 || d.MaxAttempts < 0 {
			return fmt.Errorf("timeouts.%s: values must be non-negative", name)
		}
		if d.MaxSeconds > 0 && d.DefaultSeconds > d.MaxSeconds {
			return fmt.Errorf("timeouts.%s: default_seconds exceeds max_seconds", name)
		}
	}
	if !logging.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	return nil
}

// StatePath joins elems under the project's state directory.
func (c *Config) StatePath(elems ...string) string {
	parts := append([]string{c.Project.Root, c.Project.StateDir}, elems...)
	return filepath.Join(parts...)
}

func (c *Config) GitEnabled() bool { return c.Git.Enabled == nil || *c.Git.Enabled }

func (c *Config) DetectStack() bool {
	return c.Validation.DetectStack == nil || *c.Validation.DetectStack
}

func trimNonEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

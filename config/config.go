// Package config loads agent and subagent profile configuration from YAML
// files. The loaded profiles carry everything declarative about a session
// definition; handlers, hooks and engine wiring stay in code.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loopwork/agentloop/engine"
)

type (
	// Config is the root configuration document.
	Config struct {
		// Agents lists the session definitions to register.
		Agents []AgentConfig `json:"agents" yaml:"agents"`
	}

	// AgentConfig declares one agent session.
	AgentConfig struct {
		// Name is the agent identifier. Required.
		Name string `json:"name" yaml:"name"`
		// TaskQueue is the queue session workflows schedule on.
		TaskQueue string `json:"task_queue" yaml:"task_queue"`
		// MaxTurns bounds the turn loop. Zero uses the runtime default.
		MaxTurns int `json:"max_turns" yaml:"max_turns"`
		// Parallel executes tool batches concurrently.
		Parallel bool `json:"parallel" yaml:"parallel"`
		// ResumeOnInput makes waiting sessions resume on a provide-input
		// signal instead of exiting.
		ResumeOnInput bool `json:"resume_on_input" yaml:"resume_on_input"`
		// Model configures the model invocation.
		Model ModelConfig `json:"model" yaml:"model"`
		// Retry configures the activity retry policy.
		Retry RetryConfig `json:"retry" yaml:"retry"`
		// Subagents lists the delegation targets available to this agent.
		Subagents []SubagentConfig `json:"subagents" yaml:"subagents"`
	}

	// ModelConfig selects the provider and model for an agent.
	ModelConfig struct {
		// Provider is one of "anthropic", "openai" or "bedrock".
		Provider string `json:"provider" yaml:"provider"`
		// Model is the provider model identifier.
		Model string `json:"model" yaml:"model"`
		// System is the system prompt.
		System string `json:"system" yaml:"system"`
		// MaxTokens caps completion length.
		MaxTokens int `json:"max_tokens" yaml:"max_tokens"`
		// Temperature is forwarded when positive.
		Temperature float64 `json:"temperature" yaml:"temperature"`
	}

	// Duration wraps time.Duration so config files can use human-readable
	// values ("30s", "2m") in both JSON and YAML.
	Duration time.Duration

	// RetryConfig mirrors the engine retry policy in declarative form.
	RetryConfig struct {
		// MaxAttempts caps the total number of attempts.
		MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
		// InitialInterval is the delay before the first retry.
		InitialInterval Duration `json:"initial_interval" yaml:"initial_interval"`
		// MaxInterval caps the backoff delay between retries.
		MaxInterval Duration `json:"max_interval" yaml:"max_interval"`
		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64 `json:"backoff_coefficient" yaml:"backoff_coefficient"`
		// Timeout bounds total activity execution time including retries.
		Timeout Duration `json:"timeout" yaml:"timeout"`
	}

	// SubagentConfig declares one delegation target.
	SubagentConfig struct {
		// Name is the subagent identifier. Required.
		Name string `json:"name" yaml:"name"`
		// Description tells the model when to delegate to this subagent.
		Description string `json:"description" yaml:"description"`
		// Workflow is the registered workflow name for the subagent session.
		Workflow string `json:"workflow" yaml:"workflow"`
		// TaskQueue is the queue the child workflow schedules on.
		TaskQueue string `json:"task_queue" yaml:"task_queue"`
		// MaxTurns bounds the child turn loop.
		MaxTurns int `json:"max_turns" yaml:"max_turns"`
		// ResultSchema is the JSON schema child results must satisfy.
		ResultSchema json.RawMessage `json:"result_schema" yaml:"-"`
		// ResultSchemaYAML accepts the schema as inline YAML; it is converted
		// to JSON after loading.
		ResultSchemaYAML map[string]any `json:"-" yaml:"result_schema"`
	}
)

// Std returns the wrapped standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) set(s string) error {
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration %q", s)
}

// UnmarshalYAML accepts duration strings or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	return d.set(s)
}

// UnmarshalJSON accepts duration strings or integer nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.set(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration %s", string(data))
}

// ActivityOptions converts the declarative retry settings into the engine's
// activity options.
func (r RetryConfig) ActivityOptions() engine.ActivityOptions {
	return engine.ActivityOptions{
		RetryPolicy: engine.RetryPolicy{
			MaxAttempts:        r.MaxAttempts,
			InitialInterval:    r.InitialInterval.Std(),
			MaxInterval:        r.MaxInterval.Std(),
			BackoffCoefficient: r.BackoffCoefficient,
		},
		Timeout: r.Timeout.Std(),
	}
}

// Load reads and validates a configuration file. JSON and YAML are supported,
// selected by file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (supported: .json, .yaml, .yml)", ext)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	seen := make(map[string]struct{}, len(c.Agents))
	for i := range c.Agents {
		agent := &c.Agents[i]
		if agent.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if _, dup := seen[agent.Name]; dup {
			return fmt.Errorf("agent %q declared twice", agent.Name)
		}
		seen[agent.Name] = struct{}{}
		for j := range agent.Subagents {
			sub := &agent.Subagents[j]
			if sub.Name == "" {
				return fmt.Errorf("agent %q: subagent %d: name is required", agent.Name, j)
			}
			if len(sub.ResultSchema) == 0 && sub.ResultSchemaYAML != nil {
				data, err := json.Marshal(sub.ResultSchemaYAML)
				if err != nil {
					return fmt.Errorf("agent %q: subagent %q: result schema: %w", agent.Name, sub.Name, err)
				}
				sub.ResultSchema = data
			}
		}
	}
	return nil
}

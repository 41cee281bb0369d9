// Package config loads and validates the project configuration read from
// .orchestra.yaml (or environment overrides) at engine start.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ExecutionConfig controls ConcurrencyPool sizing and per-phase limits.
type ExecutionConfig struct {
	Parallel         bool `mapstructure:"parallel"`
	MaxConcurrency   int  `mapstructure:"max_concurrency"`
	MaxIterations    int  `mapstructure:"max_iterations"`
	TimeoutMS        int  `mapstructure:"timeout_ms"`
	EnforceFileScope bool `mapstructure:"enforce_file_scope"`
}

// TestConfig controls the TestRunner.
type TestConfig struct {
	Command           string `mapstructure:"command"`
	RunAfterGeneration bool  `mapstructure:"run_after_generation"`
	TimeoutMS          int   `mapstructure:"timeout_ms"`
}

// GitConfig controls the GitCommitter.
type GitConfig struct {
	AutoCommit           bool   `mapstructure:"auto_commit"`
	CommitMessageTemplate string `mapstructure:"commit_message_template"`
}

// RecoveryConfig controls the RecoveryEngine.
type RecoveryConfig struct {
	AutoActivate       bool `mapstructure:"auto_activate"`
	MaxAttempts        int  `mapstructure:"max_attempts"`
	TimeoutMS          int  `mapstructure:"timeout_ms"`
	AutoRevertOnFailure bool `mapstructure:"auto_revert_on_failure"`
}

// AgentsConfig lists, per role, the fallback-ordered adapter names to try.
type AgentsConfig struct {
	Architect  []string `mapstructure:"architect"`
	Executor   []string `mapstructure:"executor"`
	Auditor    []string `mapstructure:"auditor"`
	Consultant []string `mapstructure:"consultant"`
}

// FallbackConfig controls FallbackAdapter's handling of non-recoverable errors.
type FallbackConfig struct {
	AuthPolicy string `mapstructure:"auth_policy"` // "fail_fast" (default) or "skip_to_next"
}

// Config is the full project configuration loaded from .orchestra.yaml.
type Config struct {
	Execution ExecutionConfig `mapstructure:"execution"`
	Test      TestConfig      `mapstructure:"test"`
	Git       GitConfig       `mapstructure:"git"`
	Languages []string        `mapstructure:"languages"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
}

// Load reads configuration from the file registered on viper (see
// cli/root.go's initConfig) plus any ORCHESTRA_-prefixed environment
// overrides, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Execution.MaxConcurrency == 0 {
		cfg.Execution.MaxConcurrency = 1
	}
	if cfg.Execution.MaxIterations == 0 {
		cfg.Execution.MaxIterations = 10
	}
	if cfg.Execution.TimeoutMS == 0 {
		cfg.Execution.TimeoutMS = 300_000
	}

	if cfg.Test.TimeoutMS == 0 {
		cfg.Test.TimeoutMS = 120_000
	}

	if cfg.Git.CommitMessageTemplate == "" {
		cfg.Git.CommitMessageTemplate = "orchestra: {{task}}"
	}

	if cfg.Recovery.MaxAttempts == 0 {
		cfg.Recovery.MaxAttempts = 3
	}
	if cfg.Recovery.TimeoutMS == 0 {
		cfg.Recovery.TimeoutMS = 180_000
	}

	if len(cfg.Agents.Architect) == 0 {
		cfg.Agents.Architect = []string{"claude-cli"}
	}
	if len(cfg.Agents.Executor) == 0 {
		cfg.Agents.Executor = []string{"claude-cli"}
	}
	if len(cfg.Agents.Auditor) == 0 {
		cfg.Agents.Auditor = []string{"claude-cli"}
	}
	if len(cfg.Agents.Consultant) == 0 {
		cfg.Agents.Consultant = []string{"claude-cli", "codex-cli"}
	}

	if cfg.Fallback.AuthPolicy == "" {
		cfg.Fallback.AuthPolicy = "fail_fast"
	}
}

// Validate enforces the invariants spelled out for project configuration:
// invalid values fail fast rather than silently defaulting.
func (c *Config) Validate() error {
	if c.Execution.MaxConcurrency < 1 {
		return fmt.Errorf("execution.max_concurrency must be >= 1, got %d", c.Execution.MaxConcurrency)
	}
	if c.Execution.MaxIterations < 1 {
		return fmt.Errorf("execution.max_iterations must be >= 1, got %d", c.Execution.MaxIterations)
	}
	if c.Execution.TimeoutMS < 0 {
		return fmt.Errorf("execution.timeout_ms must be >= 0, got %d", c.Execution.TimeoutMS)
	}

	if c.Test.TimeoutMS < 0 {
		return fmt.Errorf("test.timeout_ms must be >= 0, got %d", c.Test.TimeoutMS)
	}

	if c.Recovery.MaxAttempts < 0 {
		return fmt.Errorf("recovery.max_attempts must be >= 0, got %d", c.Recovery.MaxAttempts)
	}

	validAuthPolicies := map[string]bool{"fail_fast": true, "skip_to_next": true}
	if !validAuthPolicies[c.Fallback.AuthPolicy] {
		return fmt.Errorf("invalid fallback.auth_policy: %s (must be fail_fast or skip_to_next)", c.Fallback.AuthPolicy)
	}

	if c.Git.AutoCommit && c.Git.CommitMessageTemplate == "" {
		return fmt.Errorf("git.commit_message_template is required when git.auto_commit is enabled")
	}

	for _, role := range []struct {
		name  string
		chain []string
	}{
		{"architect", c.Agents.Architect},
		{"executor", c.Agents.Executor},
		{"auditor", c.Agents.Auditor},
		{"consultant", c.Agents.Consultant},
	} {
		if len(role.chain) == 0 {
			return fmt.Errorf("agents.%s must list at least one adapter", role.name)
		}
	}

	return nil
}

// EffectiveTimeout returns the execution timeout as a time.Duration.
func (c *Config) EffectiveTimeout() time.Duration {
	return time.Duration(c.Execution.TimeoutMS) * time.Millisecond
}

// Package config loads and validates the immutable Worldmind configuration.
// Config is read once at startup, validated eagerly, and threaded through
// constructors; nothing here is a mutable singleton.
package config

import (
	"fmt"
	"strings"

	"github.com/worldmind/worldmind/internal/instructions"
	"github.com/worldmind/worldmind/internal/sandbox"
)

// Config is the root configuration record.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Mission    MissionConfig    `mapstructure:"mission"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Sandbox    sandbox.Config   `mapstructure:"sandbox"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Git        GitConfig        `mapstructure:"git"`
	Deployer   DeployerConfig   `mapstructure:"deployer"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MissionConfig bounds mission execution.
type MissionConfig struct {
	// MaxParallel caps concurrent tasks per wave. Zero means "derive from
	// host CPU count".
	MaxParallel int `mapstructure:"max_parallel"`
	// MaxIterations is the default per-task retry budget.
	MaxIterations int `mapstructure:"max_iterations"`
	// WaveCooldownSeconds pauses between waves after a detected oscillation.
	WaveCooldownSeconds int `mapstructure:"wave_cooldown_seconds"`
	// MissionTimeoutSeconds is the hard ceiling for one mission; zero derives
	// it from max_parallel, max_iterations, and the sandbox timeout.
	MissionTimeoutSeconds int `mapstructure:"mission_timeout_seconds"`
	// ReasoningLevel is the default instruction reasoning level.
	ReasoningLevel string `mapstructure:"reasoning_level"`
}

// CheckpointConfig selects the checkpoint store backend.
type CheckpointConfig struct {
	// Backend is one of "memory", "file", "sqlite".
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// ProviderConfig selects the sandbox provider.
type ProviderConfig struct {
	// Kind is one of "local", "container", "platform".
	Kind string `mapstructure:"kind"`
	// Binary is the container CLI (container) or agent runtime (local).
	Binary string `mapstructure:"binary"`
	// ImageRepo is the agent image repository (container only).
	ImageRepo string `mapstructure:"image_repo"`
}

// GitConfig configures the mission workspace.
type GitConfig struct {
	WorkspaceDir string `mapstructure:"workspace_dir"`
	Remote       string `mapstructure:"remote"`
}

// DeployerConfig wraps the Cloud Foundry deployment defaults.
type DeployerConfig struct {
	AppsDomain string                      `mapstructure:"apps_domain"`
	Defaults   instructions.DeployerConfig `mapstructure:"defaults"`
}

// MetricsConfig configures the observability HTTP listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
var validBackends = map[string]bool{"memory": true, "file": true, "sqlite": true}
var validProviders = map[string]bool{"local": true, "container": true, "platform": true}
var validReasoningLevels = map[string]bool{"": true, "low": true, "medium": true, "high": true, "max": true}

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid field so the operator fixes the
// file in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration eagerly at startup.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field string, value interface{}, message string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: message})
	}

	if !validLogLevels[c.Log.Level] {
		add("log.level", c.Log.Level, "must be one of debug, info, warn, error")
	}
	if !validLogFormats[c.Log.Format] {
		add("log.format", c.Log.Format, "must be one of auto, text, json")
	}

	if c.Mission.MaxParallel < 0 {
		add("mission.max_parallel", c.Mission.MaxParallel, "must not be negative")
	}
	if c.Mission.MaxIterations < 1 {
		add("mission.max_iterations", c.Mission.MaxIterations, "must be at least 1")
	}
	if c.Mission.WaveCooldownSeconds < 0 {
		add("mission.wave_cooldown_seconds", c.Mission.WaveCooldownSeconds, "must not be negative")
	}
	if !validReasoningLevels[c.Mission.ReasoningLevel] {
		add("mission.reasoning_level", c.Mission.ReasoningLevel, "must be one of low, medium, high, max")
	}

	if !validBackends[c.Checkpoint.Backend] {
		add("checkpoint.backend", c.Checkpoint.Backend, "must be one of memory, file, sqlite")
	}
	if c.Checkpoint.Backend != "memory" && c.Checkpoint.Path == "" {
		add("checkpoint.path", c.Checkpoint.Path, "required for durable backends")
	}

	if c.Sandbox.TimeoutSeconds < 0 {
		add("sandbox.timeout_seconds", c.Sandbox.TimeoutSeconds, "must not be negative")
	}
	for i, srv := range c.Sandbox.MCP {
		if srv.Name == "" {
			add(fmt.Sprintf("sandbox.mcp[%d].name", i), srv.Name, "server name is required")
		}
		if srv.URL == "" {
			add(fmt.Sprintf("sandbox.mcp[%d].url", i), srv.URL, "server url is required")
		}
	}

	if !validProviders[c.Provider.Kind] {
		add("provider.kind", c.Provider.Kind, "must be one of local, container, platform")
	}
	if c.Provider.Kind == "container" && c.Provider.ImageRepo == "" {
		add("provider.image_repo", c.Provider.ImageRepo, "required for the container provider")
	}

	if c.Git.WorkspaceDir == "" {
		add("git.workspace_dir", c.Git.WorkspaceDir, "workspace directory is required")
	}
	if c.Git.Remote == "" {
		add("git.remote", c.Git.Remote, "remote name is required")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr", c.Metrics.Addr, "required when metrics are enabled")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// MissionTimeout derives the per-mission ceiling: the explicit value when
// set, else max_parallel * max_iterations * sandbox timeout.
func (c *Config) MissionTimeoutSeconds() int {
	if c.Mission.MissionTimeoutSeconds > 0 {
		return c.Mission.MissionTimeoutSeconds
	}
	parallel := c.Mission.MaxParallel
	if parallel < 1 {
		parallel = 1
	}
	sandboxTimeout := c.Sandbox.TimeoutSeconds
	if sandboxTimeout <= 0 {
		sandboxTimeout = 300
	}
	return parallel * c.Mission.MaxIterations * sandboxTimeout
}

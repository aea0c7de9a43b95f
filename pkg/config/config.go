// Package config loads and strictly validates agents.json, the daemon's
// single external configuration input. Unknown keys are rejected at load
// time with the offending field path reported, and the resulting Config is
// immutable once constructed.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devloop-dev/devloop/pkg/dlerrors"
)

// SafetyLevel constrains what an autonomous fix is permitted to touch.
type SafetyLevel string

const (
	SafetyOnlySafe SafetyLevel = "safe_only"
	SafetyAll      SafetyLevel = "all"
)

// LogRotation configures the supervisor's rotating log sink.
type LogRotation struct {
	MaxBytes    int64 `json:"max_bytes"`
	BackupCount int   `json:"backup_count"`
	Compress    bool  `json:"compress"`
}

// Retention configures how long findings and events are kept. FindingsDays
// drives the supervisor's hourly sweep of the context store; EventsDays is
// validated but not read anywhere, since no event log is persisted.
type Retention struct {
	FindingsDays int `json:"findings_days"`
	EventsDays   int `json:"events_days"`
}

// ResourceLimits are advisory caps parsed from agents.json. They are not
// passed on to CommandRunner: the built-in adapters send every request
// with zero Caps.
type ResourceLimits struct {
	MaxCPUPercent int `json:"max_cpu_percent"`
	MaxMemoryMB   int `json:"max_memory_mb"`
}

// AutonomousFixes holds the auto-fix settings from agents.json. They are
// validated but not read by any agent: a configured Formatter runs its
// in-place tool whether or not Enabled is set.
type AutonomousFixes struct {
	Enabled     bool        `json:"enabled"`
	SafetyLevel SafetyLevel `json:"safety_level"`
}

// Global holds the process-wide settings under the "global" key.
type Global struct {
	MaxConcurrentAgents   int             `json:"max_concurrent_agents"`
	HandlerTimeoutSeconds int             `json:"handler_timeout_seconds"`
	LogRotation           LogRotation     `json:"log_rotation"`
	Retention             Retention       `json:"retention"`
	ResourceLimits        ResourceLimits  `json:"resource_limits"`
	AutonomousFixes       AutonomousFixes `json:"autonomous_fixes"`
}

// AgentSpec is one entry under the "agents" map.
type AgentSpec struct {
	Enabled  bool           `json:"enabled"`
	Triggers []string       `json:"triggers"`
	Config   map[string]any `json:"config,omitempty"`
}

// rawConfig mirrors the on-disk JSON shape for strict decoding. Global is
// decoded as raw bytes so it can be unmarshaled a second time directly onto
// a copy of the defaults, letting a partial override (e.g. only
// log_rotation.compress) merge onto the rest of the defaults rather than
// zeroing them.
type rawConfig struct {
	Global json.RawMessage      `json:"global"`
	Agents map[string]AgentSpec `json:"agents"`
}

// Config is the immutable, defaulted, validated configuration loaded from
// agents.json. Construct with Load; there is no public constructor that
// bypasses validation.
type Config struct {
	global Global
	agents map[string]AgentSpec
}

// Global returns a copy of the process-wide settings.
func (c *Config) Global() Global { return c.global }

// Agent returns the AgentSpec for name and whether it was present in the file.
func (c *Config) Agent(name string) (AgentSpec, bool) {
	spec, ok := c.agents[name]
	return spec, ok
}

// AgentNames returns the configured agent names in no particular order.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.agents))
	for name := range c.agents {
		names = append(names, name)
	}
	return names
}

// HandlerTimeout returns the global handler timeout as a time.Duration.
func (c *Config) HandlerTimeout() time.Duration {
	return time.Duration(c.global.HandlerTimeoutSeconds) * time.Second
}

func defaultGlobal() Global {
	return Global{
		MaxConcurrentAgents:   5,
		HandlerTimeoutSeconds: 30,
		LogRotation:           LogRotation{MaxBytes: 10 * 1024 * 1024, BackupCount: 3, Compress: false},
		Retention:             Retention{FindingsDays: 7, EventsDays: 30},
		AutonomousFixes:       AutonomousFixes{Enabled: false, SafetyLevel: SafetyOnlySafe},
	}
}

// Load reads and strictly decodes path (normally <project>/.devloop/agents.json),
// then overlays any per-agent YAML config files found alongside it under an
// "agents/" subdirectory (<dir>/agents/<name>.yaml). A missing agents.json
// yields an all-defaults Config with no configured agents, since a project
// need not opt into any agents up front.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	var cfg *Config
	switch {
	case os.IsNotExist(err):
		cfg = &Config{global: defaultGlobal(), agents: map[string]AgentSpec{}}
	case err != nil:
		return nil, dlerrors.Config(path, fmt.Errorf("read config: %w", err))
	default:
		cfg, err = Parse(data)
		if err != nil {
			return nil, err
		}
	}

	overlayDir := filepath.Join(filepath.Dir(path), "agents")
	if err := applyYAMLOverlays(cfg, overlayDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyYAMLOverlays merges <overlayDir>/<name>.yaml into each configured
// agent's Config blob, grounded on the same yaml.Unmarshal-into-map shape
// the teacher's CLI apply command uses for resource manifests. A missing overlay
// file is not an error; a malformed one is.
func applyYAMLOverlays(cfg *Config, overlayDir string) error {
	for name, spec := range cfg.agents {
		overlayPath := filepath.Join(overlayDir, name+".yaml")
		data, err := os.ReadFile(overlayPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return dlerrors.Config(overlayPath, fmt.Errorf("read agent overlay: %w", err))
		}

		var overlay map[string]any
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return dlerrors.Config(overlayPath, fmt.Errorf("decode agent overlay: %w", err))
		}

		if spec.Config == nil {
			spec.Config = make(map[string]any, len(overlay))
		}
		for k, v := range overlay {
			spec.Config[k] = v
		}
		cfg.agents[name] = spec
	}
	return nil
}

// Parse decodes and validates config JSON already read into memory.
func Parse(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw rawConfig
	if err := dec.Decode(&raw); err != nil {
		return nil, dlerrors.Config("agents.json", fmt.Errorf("decode: %w", err))
	}

	global := defaultGlobal()
	if len(raw.Global) > 0 {
		gdec := json.NewDecoder(bytes.NewReader(raw.Global))
		gdec.DisallowUnknownFields()
		if err := gdec.Decode(&global); err != nil {
			return nil, dlerrors.Config("global", fmt.Errorf("decode: %w", err))
		}
	}

	if err := validateGlobal(global); err != nil {
		return nil, err
	}

	agents := raw.Agents
	if agents == nil {
		agents = map[string]AgentSpec{}
	}
	for name, spec := range agents {
		if err := validateAgentSpec(name, spec); err != nil {
			return nil, err
		}
	}

	return &Config{global: global, agents: agents}, nil
}

func validateGlobal(g Global) error {
	if g.MaxConcurrentAgents <= 0 {
		return dlerrors.Config("global.max_concurrent_agents", fmt.Errorf("must be positive, got %d", g.MaxConcurrentAgents))
	}
	if g.HandlerTimeoutSeconds <= 0 {
		return dlerrors.Config("global.handler_timeout_seconds", fmt.Errorf("must be positive, got %d", g.HandlerTimeoutSeconds))
	}
	if g.LogRotation.MaxBytes < 0 {
		return dlerrors.Config("global.log_rotation.max_bytes", fmt.Errorf("must be non-negative"))
	}
	if g.LogRotation.BackupCount < 0 {
		return dlerrors.Config("global.log_rotation.backup_count", fmt.Errorf("must be non-negative"))
	}
	if g.Retention.FindingsDays < 0 || g.Retention.EventsDays < 0 {
		return dlerrors.Config("global.retention", fmt.Errorf("retention days must be non-negative"))
	}
	switch g.AutonomousFixes.SafetyLevel {
	case "", SafetyOnlySafe, SafetyAll:
	default:
		return dlerrors.Config("global.autonomous_fixes.safety_level", fmt.Errorf("unknown safety level %q", g.AutonomousFixes.SafetyLevel))
	}
	return nil
}

func validateAgentSpec(name string, spec AgentSpec) error {
	if name == "" {
		return dlerrors.Config("agents", fmt.Errorf("agent name must not be empty"))
	}
	if spec.Enabled && len(spec.Triggers) == 0 {
		return dlerrors.Config(fmt.Sprintf("agents.%s.triggers", name), fmt.Errorf("an enabled agent must declare at least one trigger"))
	}
	return nil
}

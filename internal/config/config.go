// Package config loads and validates the execd configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openclaw/execd/internal/execpolicy"
)

// Duration decodes yaml scalars like "90s" or "2m", or raw nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration value")
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root execd configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Exec      ExecConfig      `yaml:"exec"`
	Allowlist AllowlistConfig `yaml:"allowlist"`
	Registry  RegistryConfig  `yaml:"registry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// GatewayConfig identifies this host.
type GatewayConfig struct {
	// ID appears in approval requests and notifications. Defaults to the
	// hostname.
	ID string `yaml:"id"`
}

// ExecConfig controls the exec pipeline.
type ExecConfig struct {
	// Policy is the default policy for agents without their own entry.
	Policy execpolicy.Policy `yaml:"policy"`
	// Agents maps agent id to its policy.
	Agents map[string]execpolicy.Policy `yaml:"agents"`
	// Elevated is the policy used for elevated calls; unset disables them.
	Elevated *execpolicy.Policy `yaml:"elevated"`

	// YieldDelay is how long a foreground call waits before backgrounding.
	YieldDelay Duration `yaml:"yield_delay"`
	// Timeout kills commands that run longer, unless the call overrides it.
	Timeout Duration `yaml:"timeout"`
	// RunningNoticeAfter delays the "still running" notification for
	// detached runs.
	RunningNoticeAfter Duration `yaml:"running_notice_after"`
	// ApprovalTTL is how long approval requests stay decidable.
	ApprovalTTL Duration `yaml:"approval_ttl"`
}

// AllowlistConfig locates the persisted allowlist and the safe-bin set.
type AllowlistConfig struct {
	Path string `yaml:"path"`
	// SafeBins overrides the built-in safe binary names.
	SafeBins []string `yaml:"safe_bins"`
	// SafeBinDirs are trusted directories searched after PATH.
	SafeBinDirs []string `yaml:"safe_bin_dirs"`
}

// RegistryConfig tunes session retention and output bounds.
type RegistryConfig struct {
	JobTTL             Duration `yaml:"job_ttl"`
	MaxOutputChars     int      `yaml:"max_output_chars"`
	PendingOutputChars int      `yaml:"pending_output_chars"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "execd"
	}
	return &Config{
		Gateway: GatewayConfig{ID: host},
		Exec: ExecConfig{
			Policy: execpolicy.DefaultPolicy(),
		},
		Allowlist: AllowlistConfig{Path: defaultAllowlistPath()},
		Metrics:   MetricsConfig{Addr: ":9477"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

func defaultAllowlistPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "exec-approvals.json"
	}
	return home + "/.execd/exec-approvals.json"
}

// Load reads, merges, and validates the configuration at path. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := loadRaw(path)
	if err != nil {
		return nil, err
	}
	loaded, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.merge(loaded)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(in *Config) {
	if in.Gateway.ID != "" {
		c.Gateway.ID = in.Gateway.ID
	}
	if in.Exec.Policy.Security != "" || in.Exec.Policy.Ask != "" || in.Exec.Policy.AskFallback != "" {
		c.Exec.Policy = in.Exec.Policy
	}
	c.Exec.Agents = in.Exec.Agents
	c.Exec.Elevated = in.Exec.Elevated
	if in.Exec.YieldDelay > 0 {
		c.Exec.YieldDelay = in.Exec.YieldDelay
	}
	if in.Exec.Timeout > 0 {
		c.Exec.Timeout = in.Exec.Timeout
	}
	if in.Exec.RunningNoticeAfter > 0 {
		c.Exec.RunningNoticeAfter = in.Exec.RunningNoticeAfter
	}
	if in.Exec.ApprovalTTL > 0 {
		c.Exec.ApprovalTTL = in.Exec.ApprovalTTL
	}
	if in.Allowlist.Path != "" {
		c.Allowlist.Path = in.Allowlist.Path
	}
	if len(in.Allowlist.SafeBins) > 0 {
		c.Allowlist.SafeBins = in.Allowlist.SafeBins
	}
	if len(in.Allowlist.SafeBinDirs) > 0 {
		c.Allowlist.SafeBinDirs = in.Allowlist.SafeBinDirs
	}
	c.Registry = in.Registry
	if in.Metrics.Enabled {
		c.Metrics.Enabled = true
	}
	if in.Metrics.Addr != "" {
		c.Metrics.Addr = in.Metrics.Addr
	}
	if in.Logging.Level != "" {
		c.Logging.Level = in.Logging.Level
	}
	if in.Logging.Format != "" {
		c.Logging.Format = in.Logging.Format
	}
}

// Validate checks every policy reference in the configuration.
func (c *Config) Validate() error {
	if err := validatePolicy("exec.policy", c.Exec.Policy); err != nil {
		return err
	}
	for id, p := range c.Exec.Agents {
		if err := validatePolicy("exec.agents."+id, p); err != nil {
			return err
		}
	}
	if c.Exec.Elevated != nil {
		if err := validatePolicy("exec.elevated", *c.Exec.Elevated); err != nil {
			return err
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	return nil
}

func validatePolicy(field string, p execpolicy.Policy) error {
	if p.Security != "" && !p.Security.Valid() {
		return fmt.Errorf("%s.security: invalid level %q", field, p.Security)
	}
	if p.Ask != "" && !p.Ask.Valid() {
		return fmt.Errorf("%s.ask: invalid level %q", field, p.Ask)
	}
	if p.AskFallback != "" && !p.AskFallback.Valid() {
		return fmt.Errorf("%s.ask_fallback: invalid level %q", field, p.AskFallback)
	}
	return nil
}

// Package wrapconfig loads the wrapper's configuration with
// github.com/spf13/viper, following the layered-defaults/optional-file/env-
// override pattern of the reference term-llm codebase's internal/config
// package (config file under an XDG directory, viper.SetDefault for every
// key, a missing file is not an error).
//
// It also builds the default allowlist PolicyFunc from the loaded tool
// rules, mirroring ToolPermissions in internal/tools/config.go: a tool is
// allowed only if its name (and, when given, its action) matches a
// configured allow entry, ask if it matches an ask entry, and denied
// otherwise (fail closed).
package wrapconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/memwrapper/mem-wrapper/internal/policy"
	"github.com/memwrapper/mem-wrapper/internal/supervisor"
	"github.com/memwrapper/mem-wrapper/internal/toolevent"
)

// ToolRule names a tool (and optional action) pattern and the decision to
// apply when a request matches it. "*" matches any tool or action.
type ToolRule struct {
	Tool     string `mapstructure:"tool"`
	Action   string `mapstructure:"action,omitempty"`
	Decision string `mapstructure:"decision"` // "allow", "deny", or "ask"
}

// MemoryServiceConfig configures internal/memoryclient.
type MemoryServiceConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	BaseURL    string  `mapstructure:"base_url"`
	APIKey     string  `mapstructure:"api_key"`
	SearchLimit int    `mapstructure:"search_limit"`
	ScoreFloor  float64 `mapstructure:"score_floor"`
}

// AuditConfig configures internal/auditlog.
type AuditConfig struct {
	Path          string  `mapstructure:"path"` // "-" means stderr
	EventsPerSec  float64 `mapstructure:"events_per_second"`
	BurstSize     int     `mapstructure:"burst_size"`
}

// ApproverConfig configures internal/approverui (or disables it).
type ApproverConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TimeoutsConfig mirrors supervisor.Config's tunables, expressed in
// human-authored duration strings via viper/mapstructure.
type TimeoutsConfig struct {
	PolicyTimeout      time.Duration `mapstructure:"policy_timeout"`
	ExecTimeout        time.Duration `mapstructure:"exec_timeout"`
	IdleOutputTimeout  time.Duration `mapstructure:"idle_output_timeout"`
	HardGrace          time.Duration `mapstructure:"hard_grace"`
	AbortGrace         time.Duration `mapstructure:"abort_grace"`
	TermGrace          time.Duration `mapstructure:"term_grace"`
	StallProbeInterval time.Duration `mapstructure:"stall_probe_interval"`
}

// Config is the wrapper's full, loaded configuration.
type Config struct {
	Command  []string            `mapstructure:"command"`
	Timeouts TimeoutsConfig      `mapstructure:"timeouts"`
	Rules    []ToolRule          `mapstructure:"rules"`
	Memory   MemoryServiceConfig `mapstructure:"memory"`
	Audit    AuditConfig         `mapstructure:"audit"`
	Approver ApproverConfig      `mapstructure:"approver"`
}

// Load reads config.yaml from the XDG config directory (or "." as a
// fallback search path), applying defaults for any unset key. A missing
// config file is not an error: defaults apply, matching Load in the
// reference configuration package.
func Load() (*Config, error) {
	configDir, err := ConfigDir()
	if err != nil {
		return nil, fmt.Errorf("wrapconfig: config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")
	v.SetEnvPrefix("MEM_WRAPPER")
	v.AutomaticEnv()

	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("wrapconfig: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("wrapconfig: unmarshal: %w", err)
	}

	cfg.Memory.APIKey = expandEnv(cfg.Memory.APIKey)
	return &cfg, nil
}

func defaults() map[string]any {
	return map[string]any{
		"timeouts.policy_timeout":       "5m",
		"timeouts.exec_timeout":         "10m",
		"timeouts.idle_output_timeout":  "2m",
		"timeouts.hard_grace":           "20s",
		"timeouts.abort_grace":          "5s",
		"timeouts.term_grace":           "3s",
		"timeouts.stall_probe_interval": "1s",
		"memory.enabled":                false,
		"memory.search_limit":           5,
		"memory.score_floor":            0.5,
		"audit.path":                    "-",
		"audit.events_per_second":       20.0,
		"audit.burst_size":              40,
		"approver.enabled":              true,
	}
}

// expandEnv resolves "${VAR}"/"$VAR"-shaped config values against the
// process environment, same convention as the reference config package.
func expandEnv(s string) string {
	switch {
	case strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}"):
		return os.Getenv(s[2 : len(s)-1])
	case strings.HasPrefix(s, "$"):
		return os.Getenv(s[1:])
	default:
		return s
	}
}

// ConfigDir returns the XDG config directory for mem-wrapper: $XDG_CONFIG_HOME
// (or ~/.config) joined with "mem-wrapper".
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mem-wrapper"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "mem-wrapper"), nil
}

// SupervisorConfig translates the loaded timeouts onto supervisor.Config,
// starting from supervisor.DefaultConfig() for every field this package
// does not expose (ring/queue sizing, write deadlines).
func (c *Config) SupervisorConfig() supervisor.Config {
	sc := supervisor.DefaultConfig()
	if c.Timeouts.PolicyTimeout > 0 {
		sc.PolicyTimeout = c.Timeouts.PolicyTimeout
	}
	if c.Timeouts.ExecTimeout > 0 {
		sc.ExecTimeout = c.Timeouts.ExecTimeout
	}
	if c.Timeouts.IdleOutputTimeout > 0 {
		sc.IdleOutputTimeout = c.Timeouts.IdleOutputTimeout
	}
	if c.Timeouts.HardGrace > 0 {
		sc.HardGrace = c.Timeouts.HardGrace
	}
	if c.Timeouts.AbortGrace > 0 {
		sc.AbortGrace = c.Timeouts.AbortGrace
	}
	if c.Timeouts.TermGrace > 0 {
		sc.TermGrace = c.Timeouts.TermGrace
	}
	if c.Timeouts.StallProbeInterval > 0 {
		sc.StallProbeInterval = c.Timeouts.StallProbeInterval
	}
	return sc
}

// PolicyFunc builds the default allowlist policy callable from the loaded
// rules (§6 "default policy callable is a simple allowlist"). Rules are
// evaluated in order; the first match wins. No match is a fail-closed deny,
// mirroring ToolPermissions.Check in the reference tool config.
func (c *Config) PolicyFunc() policy.PolicyFunc {
	rules := c.Rules
	return func(req toolevent.Event) policy.Decision {
		for _, r := range rules {
			if !matches(r.Tool, req.Tool) {
				continue
			}
			if r.Action != "" && !matches(r.Action, string(req.Action)) {
				continue
			}
			switch strings.ToLower(r.Decision) {
			case "allow":
				return policy.Allow
			case "ask":
				return policy.Ask
			default:
				return policy.Deny
			}
		}
		return policy.Deny
	}
}

func matches(pattern, value string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	ok, err := filepath.Match(pattern, value)
	return err == nil && ok
}

// Package config holds opentmuxd's normalized, validated tunables.
//
// A Config is loaded once at process init and is immutable thereafter:
// callers read fields directly and never mutate a Config in place after
// Normalize has run.
package config

import (
	"encoding/json"
	"errors"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opentmux/opentmuxd/internal/xdg"
)

// Config is the normalized, validated set of daemon tunables.
type Config struct {
	Enabled               bool   `json:"enabled" yaml:"enabled"`
	ServerURL             string `json:"serverUrl" yaml:"serverUrl"`
	Layout                string `json:"layout" yaml:"layout"`
	MainPaneSize          int    `json:"mainPaneSize" yaml:"mainPaneSize"`
	MaxAgentsPerColumn    int    `json:"maxAgentsPerColumn" yaml:"maxAgentsPerColumn"`
	SpawnDelayMs          int    `json:"spawnDelayMs" yaml:"spawnDelayMs"`
	MaxRetryAttempts      int    `json:"maxRetryAttempts" yaml:"maxRetryAttempts"`
	LayoutDebounceMs      int    `json:"layoutDebounceMs" yaml:"layoutDebounceMs"`
	ReaperEnabled         bool   `json:"reaperEnabled" yaml:"reaperEnabled"`
	ReaperIntervalMs      int    `json:"reaperIntervalMs" yaml:"reaperIntervalMs"`
	ReaperMinZombieChecks int    `json:"reaperMinZombieChecks" yaml:"reaperMinZombieChecks"`
	ReaperGracePeriodMs   int    `json:"reaperGracePeriodMs" yaml:"reaperGracePeriodMs"`
	RotatePort            bool   `json:"rotatePort" yaml:"rotatePort"`
	MaxPorts              int    `json:"maxPorts" yaml:"maxPorts"`
}

var validLayouts = map[string]bool{
	"main-horizontal":  true,
	"main-vertical":    true,
	"tiled":            true,
	"even-horizontal":  true,
	"even-vertical":    true,
}

// Default returns the out-of-the-box configuration.
func Default() Config {
	return Config{
		Enabled:               true,
		ServerURL:             "http://localhost:4096",
		Layout:                "main-vertical",
		MainPaneSize:          60,
		MaxAgentsPerColumn:    3,
		SpawnDelayMs:          300,
		MaxRetryAttempts:      2,
		LayoutDebounceMs:      150,
		ReaperEnabled:         true,
		ReaperIntervalMs:      30000,
		ReaperMinZombieChecks: 3,
		ReaperGracePeriodMs:   5000,
		RotatePort:            false,
		MaxPorts:              10,
	}
}

// Normalize snaps every field into its declared range, substituting
// defaults for missing or out-of-range values.
func (c *Config) Normalize() {
	def := Default()
	if !validLayouts[c.Layout] {
		c.Layout = def.Layout
	}
	if c.MainPaneSize < 20 || c.MainPaneSize > 80 {
		c.MainPaneSize = def.MainPaneSize
	}
	if c.MaxAgentsPerColumn < 1 || c.MaxAgentsPerColumn > 10 {
		c.MaxAgentsPerColumn = def.MaxAgentsPerColumn
	}
	if c.SpawnDelayMs < 50 || c.SpawnDelayMs > 2000 {
		c.SpawnDelayMs = def.SpawnDelayMs
	}
	if c.MaxRetryAttempts < 0 || c.MaxRetryAttempts > 5 {
		c.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if c.LayoutDebounceMs < 50 || c.LayoutDebounceMs > 1000 {
		c.LayoutDebounceMs = def.LayoutDebounceMs
	}
	if c.MaxPorts < 1 || c.MaxPorts > 100 {
		c.MaxPorts = def.MaxPorts
	}
	if c.ServerURL == "" {
		c.ServerURL = def.ServerURL
	}
}

// ParseFromString parses a JSON document into a Config seeded with
// defaults, then normalizes it. An empty string yields Default().
func ParseFromString(raw string) (Config, error) {
	cfg := Default()
	if raw == "" {
		cfg.Normalize()
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, err
	}
	cfg.Normalize()
	return cfg, nil
}

func parseFile(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseFromString(string(content))
}

// LoadFromDirectory searches, in order, "<dir>/opentmux.json",
// "<dir>/opencode-agent-tmux.json" (legacy), then
// "$HOME/.config/opencode/opentmux.json". The first existing, parseable
// file wins; unknown keys are ignored by encoding/json. Parse failures and
// a total absence of candidates both fall back to Default().
func LoadFromDirectory(dir string) Config {
	for _, p := range xdg.ConfigSearchPaths(dir) {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if cfg, err := parseFile(p); err == nil {
			return cfg
		}
	}
	cfg := Default()
	cfg.Normalize()
	return cfg
}

// Merge overlays override onto base by JSON round-trip, then normalizes the
// result. Round-tripping keeps Merge correct automatically as fields are
// added, at the cost of only merging JSON-tagged fields (original_source's
// internal/config takes the same approach).
func Merge(base, override Config) Config {
	result := base
	b, _ := json.Marshal(override)
	_ = json.Unmarshal(b, &result)
	result.Normalize()
	return result
}

// ApplyYAMLOverridesFile reads an optional YAML document at path and
// merges it onto base, the way a deployment might override a handful of
// tunables (e.g. disabling the reaper) without touching the primary JSON
// config file. A missing file is not an error: it simply returns base
// unchanged, since this override file is optional by design.
func ApplyYAMLOverridesFile(base Config, path string) (Config, error) {
	if path == "" {
		return base, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return Config{}, err
	}

	merged := base
	if err := yaml.Unmarshal(content, &merged); err != nil {
		return Config{}, err
	}
	merged.Normalize()
	return merged, nil
}

// Validate rejects only an empty layout after normalization; Normalize
// should make this unreachable in practice, but Validate exists as an
// explicit boundary check for config arriving from outside this package.
func Validate(cfg Config) error {
	if cfg.Layout == "" {
		return errors.New("opentmux: layout is required")
	}
	return nil
}

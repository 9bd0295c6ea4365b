package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeClampsMainPaneSize(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{19, 60},
		{81, 60},
		{20, 20},
		{80, 80},
	}
	for _, tc := range cases {
		cfg := Default()
		cfg.MainPaneSize = tc.in
		cfg.Normalize()
		if cfg.MainPaneSize != tc.want {
			t.Errorf("MainPaneSize(%d) normalized to %d, want %d", tc.in, cfg.MainPaneSize, tc.want)
		}
	}
}

func TestNormalizeRejectsUnknownLayout(t *testing.T) {
	cfg := Default()
	cfg.Layout = "not-a-layout"
	cfg.Normalize()
	if cfg.Layout != "main-vertical" {
		t.Errorf("unknown layout should fall back to default, got %q", cfg.Layout)
	}
}

func TestNormalizeEveryNumericFieldInRange(t *testing.T) {
	cfg := Config{
		SpawnDelayMs:       100000,
		MaxRetryAttempts:   -1,
		LayoutDebounceMs:   5,
		MaxAgentsPerColumn: 0,
		MaxPorts:           0,
	}
	cfg.Normalize()
	if cfg.Layout == "" {
		t.Fatal("layout must be non-empty after Normalize")
	}
	if cfg.SpawnDelayMs < 50 || cfg.SpawnDelayMs > 2000 {
		t.Errorf("SpawnDelayMs out of range: %d", cfg.SpawnDelayMs)
	}
	if cfg.MaxRetryAttempts < 0 || cfg.MaxRetryAttempts > 5 {
		t.Errorf("MaxRetryAttempts out of range: %d", cfg.MaxRetryAttempts)
	}
	if cfg.LayoutDebounceMs < 50 || cfg.LayoutDebounceMs > 1000 {
		t.Errorf("LayoutDebounceMs out of range: %d", cfg.LayoutDebounceMs)
	}
	if cfg.MaxAgentsPerColumn < 1 || cfg.MaxAgentsPerColumn > 10 {
		t.Errorf("MaxAgentsPerColumn out of range: %d", cfg.MaxAgentsPerColumn)
	}
	if cfg.MaxPorts < 1 || cfg.MaxPorts > 100 {
		t.Errorf("MaxPorts out of range: %d", cfg.MaxPorts)
	}
}

func TestParseFromStringIgnoresUnknownKeys(t *testing.T) {
	cfg, err := ParseFromString(`{"layout":"tiled","totallyUnknownField":true}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Layout != "tiled" {
		t.Errorf("layout = %q, want tiled", cfg.Layout)
	}
}

func TestParseFromStringBadJSONErrors(t *testing.T) {
	if _, err := ParseFromString("{not json"); err == nil {
		t.Fatal("expected parse error for malformed JSON")
	}
}

func TestLoadFromDirectoryPrefersPrimaryOverLegacy(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "opentmux.json"), []byte(`{"layout":"tiled"}`), 0o644)
	os.WriteFile(filepath.Join(dir, "opencode-agent-tmux.json"), []byte(`{"layout":"even-horizontal"}`), 0o644)

	cfg := LoadFromDirectory(dir)
	if cfg.Layout != "tiled" {
		t.Errorf("expected primary config file to win, got layout %q", cfg.Layout)
	}
}

func TestLoadFromDirectoryFallsBackToLegacy(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "opencode-agent-tmux.json"), []byte(`{"layout":"even-vertical"}`), 0o644)

	cfg := LoadFromDirectory(dir)
	if cfg.Layout != "even-vertical" {
		t.Errorf("expected legacy config file to be used, got layout %q", cfg.Layout)
	}
}

func TestLoadFromDirectoryMissingFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg := LoadFromDirectory(dir)
	if cfg.Layout != Default().Layout {
		t.Errorf("expected default layout, got %q", cfg.Layout)
	}
}

func TestLoadFromDirectoryParseErrorFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "opentmux.json"), []byte("{not json"), 0o644)

	cfg := LoadFromDirectory(dir)
	if cfg.Layout != Default().Layout {
		t.Errorf("expected default layout after parse failure, got %q", cfg.Layout)
	}
}

func TestValidateRejectsEmptyLayout(t *testing.T) {
	cfg := Default()
	cfg.Layout = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty layout")
	}
}

func TestValidateAcceptsNormalizedDefault(t *testing.T) {
	cfg := Default()
	cfg.Normalize()
	if err := Validate(cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestApplyYAMLOverridesFileMissingIsNoop(t *testing.T) {
	base := Default()
	cfg, err := ApplyYAMLOverridesFile(base, filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != base {
		t.Errorf("expected base returned unchanged for a missing overrides file")
	}
}

func TestApplyYAMLOverridesFileEmptyPathIsNoop(t *testing.T) {
	base := Default()
	cfg, err := ApplyYAMLOverridesFile(base, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != base {
		t.Errorf("expected base returned unchanged for an empty path")
	}
}

func TestApplyYAMLOverridesFileMergesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	os.WriteFile(path, []byte("reaperEnabled: false\nmainPaneSize: 999\n"), 0o644)

	cfg, err := ApplyYAMLOverridesFile(Default(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ReaperEnabled {
		t.Error("expected reaperEnabled override to apply")
	}
	if cfg.MainPaneSize != 60 {
		t.Errorf("expected out-of-range override clamped to default, got %d", cfg.MainPaneSize)
	}
	if cfg.ServerURL != Default().ServerURL {
		t.Errorf("expected unrelated fields to retain their base value, got %q", cfg.ServerURL)
	}
}

func TestApplyYAMLOverridesFileBadYAMLErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	os.WriteFile(path, []byte(": not valid yaml :::"), 0o644)

	if _, err := ApplyYAMLOverridesFile(Default(), path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestMergeOverridesAndNormalizes(t *testing.T) {
	base := Default()
	override := Config{Layout: "tiled", MainPaneSize: 999}
	merged := Merge(base, override)
	if merged.Layout != "tiled" {
		t.Errorf("merged layout = %q, want tiled", merged.Layout)
	}
	if merged.MainPaneSize != 60 {
		t.Errorf("merged MainPaneSize = %d, want clamp to default 60", merged.MainPaneSize)
	}
}

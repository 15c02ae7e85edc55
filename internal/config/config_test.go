//go:build linux

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	fallback := false
	want := &Config{
		LaneBudget:        8192,
		TargetPrefixCount: 5000,
		GroupSize:         128,
		FallbackToCPU:     &fallback,
		LogLevel:          "debug",
		TelemetryOptedIn:  true,
	}
	if err := Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got := Load()
	if got.LaneBudget != want.LaneBudget ||
		got.TargetPrefixCount != want.TargetPrefixCount ||
		got.GroupSize != want.GroupSize ||
		got.LogLevel != want.LogLevel ||
		got.TelemetryOptedIn != want.TelemetryOptedIn {
		t.Errorf("round trip changed config: got %+v, want %+v", got, want)
	}
	if got.FallbackToCPU == nil || *got.FallbackToCPU {
		t.Error("explicit false for the CPU fallback was not preserved")
	}
}

func TestLoadMissingFileIsZeroValue(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := Load()
	if cfg == nil {
		t.Fatal("load returned nil")
	}
	if cfg.LaneBudget != 0 || cfg.FallbackToCPU != nil || cfg.TelemetryOptedIn {
		t.Errorf("missing file should load as zero value, got %+v", cfg)
	}
}

func TestLoadCorruptFileIsZeroValue(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	p := filepath.Join(dir, appDirName, configFile)
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := Load()
	if cfg.LaneBudget != 0 || cfg.LogLevel != "" {
		t.Errorf("corrupt file should load as zero value, got %+v", cfg)
	}
}

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	xdg := t.TempDir()

	cfg, err := LoadConfig(LoadConfigInput{Env: map[string]string{"XDG_CONFIG_HOME": xdg}})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg != DefaultConfig() {
		t.Errorf("LoadConfig with no files = %+v, want defaults %+v", cfg, DefaultConfig())
	}
}

func TestLoadConfigGlobalFile(t *testing.T) {
	t.Parallel()

	xdg := t.TempDir()
	writeConfigFile(t, filepath.Join(xdg, "pa-jail", "config.json"), `{"stagingDir": "/srv/staging", "quiet": true}`)

	cfg, err := LoadConfig(LoadConfigInput{Env: map[string]string{"XDG_CONFIG_HOME": xdg}})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.StagingDir != "/srv/staging" || !cfg.Quiet {
		t.Errorf("LoadConfig = %+v", cfg)
	}
}

func TestLoadConfigJSONCWithComments(t *testing.T) {
	t.Parallel()

	xdg := t.TempDir()
	writeConfigFile(t, filepath.Join(xdg, "pa-jail", "config.jsonc"), `{
		// staging dir comment
		"stagingDir": "/srv/staging",
	}`)

	cfg, err := LoadConfig(LoadConfigInput{Env: map[string]string{"XDG_CONFIG_HOME": xdg}})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.StagingDir != "/srv/staging" {
		t.Errorf("LoadConfig = %+v", cfg)
	}
}

func TestLoadConfigExplicitOverridesGlobal(t *testing.T) {
	t.Parallel()

	xdg := t.TempDir()
	writeConfigFile(t, filepath.Join(xdg, "pa-jail", "config.json"), `{"stagingDir": "/srv/global", "pidDir": "/run/pa-jail"}`)

	explicit := filepath.Join(t.TempDir(), "override.json")
	writeConfigFile(t, explicit, `{"stagingDir": "/srv/override"}`)

	cfg, err := LoadConfig(LoadConfigInput{
		ConfigPath: explicit,
		Env:        map[string]string{"XDG_CONFIG_HOME": xdg},
	})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.StagingDir != "/srv/override" {
		t.Errorf("explicit config should override staging dir, got %q", cfg.StagingDir)
	}

	if cfg.PidDir != "/run/pa-jail" {
		t.Errorf("global pid dir should survive when the explicit config doesn't set it, got %q", cfg.PidDir)
	}
}

func TestLoadConfigDuplicateFilesError(t *testing.T) {
	t.Parallel()

	xdg := t.TempDir()
	writeConfigFile(t, filepath.Join(xdg, "pa-jail", "config.json"), `{}`)
	writeConfigFile(t, filepath.Join(xdg, "pa-jail", "config.jsonc"), `{}`)

	_, err := LoadConfig(LoadConfigInput{Env: map[string]string{"XDG_CONFIG_HOME": xdg}})
	if err == nil {
		t.Fatal("expected an error when both config.json and config.jsonc exist")
	}
}

func TestMergeConfigsOverrideWins(t *testing.T) {
	t.Parallel()

	base := Config{StagingDir: "/a", PidDir: "/run/a", Quiet: false, Verbose: true}
	override := Config{StagingDir: "/b"}

	got := mergeConfigs(&base, &override)

	want := Config{StagingDir: "/b", PidDir: "/run/a", Quiet: false, Verbose: true}
	if got != want {
		t.Errorf("mergeConfigs = %+v, want %+v", got, want)
	}
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

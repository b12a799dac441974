package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCoordinatorConfigIsValid(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	if cfg.AgentServer.BindAddr == "" {
		t.Fatal("expected a default bind address")
	}
	if cfg.BLE.ScanDuration <= 0 {
		t.Fatal("expected a positive default scan duration")
	}
}

func TestLoadCoordinatorMissingPathErrors(t *testing.T) {
	if _, err := LoadCoordinator("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected an error for a missing explicit path")
	}
}

func TestLoadCoordinatorFallsBackToDefaultsWhenUnset(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	os.Chdir(dir)

	cfg, err := LoadCoordinator("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AgentServer.BindAddr != DefaultCoordinatorConfig().AgentServer.BindAddr {
		t.Fatal("expected defaults when no config file is present")
	}
}

func TestLoadCoordinatorReadsYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "agentServer:\n  bindAddr: \":9999\"\n  path: \"/agent\"\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadCoordinator(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AgentServer.BindAddr != ":9999" {
		t.Fatalf("BindAddr = %q, want :9999", cfg.AgentServer.BindAddr)
	}
}

func TestLoadAgentRequiresServerURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte("nodeId: n1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadAgent(path); err == nil {
		t.Fatal("expected validation error for missing serverUrl")
	}
}

func TestLoadAgentAcceptsValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := "serverUrl: \"ws://localhost:8090/agent\"\nnodeId: n1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "ws://localhost:8090/agent" {
		t.Fatalf("ServerURL = %q", cfg.ServerURL)
	}
}

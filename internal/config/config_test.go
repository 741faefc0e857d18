package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[orchestrator]
state_dir = "/srv/fleet/state"
max_workers = 5
queue_backend = "sqlite"
poll_interval_ms = 250

[retry]
max_attempts = 4
initial_delay_ms = 10

[workers]
developer = 3
designer = 1

[agent]
command = "fleet-agent"
args = ["--json"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.StateDir != "/srv/fleet/state" || cfg.Orchestrator.MaxWorkers != 5 || cfg.Orchestrator.QueueBackend != QueueSQLite {
		t.Fatalf("unexpected orchestrator config: %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.ManagerAgentID != "manager" || cfg.Orchestrator.ReviewerAgentID != "reviewer" || cfg.Orchestrator.CheckpointInterval != "@every 30s" {
		t.Fatalf("defaults lost: %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.PollInterval() != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval: %s", cfg.Orchestrator.PollInterval())
	}
	p := cfg.Retry.Policy()
	if p.MaxAttempts != 4 || p.InitialDelay != 10*time.Millisecond || p.Multiplier != 2 || p.MaxDelay != 30*time.Second {
		t.Fatalf("unexpected retry policy: %+v", p)
	}
	if cfg.Workers["developer"] != 3 || cfg.Workers["designer"] != 1 {
		t.Fatalf("unexpected workers: %v", cfg.Workers)
	}
	if cfg.Agent.Command != "fleet-agent" || len(cfg.Agent.Args) != 1 {
		t.Fatalf("unexpected agent config: %+v", cfg.Agent)
	}
	if cfg.Path != path {
		t.Fatalf("path = %q", cfg.Path)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "[orchestrator]\nqueue_backend = \"redis\"\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "queue_backend") {
		t.Fatalf("expected queue_backend error, got %v", err)
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	got, err := ExpandHome("~/.agent_fleet/state")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, ".agent_fleet", "state") {
		t.Fatalf("unexpected expansion: %s", got)
	}
	got, err = ExpandHome("/tmp/x/../y")
	if err != nil || got != "/tmp/y" {
		t.Fatalf("unexpected clean: %s %v", got, err)
	}
}

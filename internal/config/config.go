package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"agent_fleet/internal/errhandler"
)

type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Retry        RetryConfig        `toml:"retry"`
	Workers      map[string]int     `toml:"workers"`
	Agent        AgentConfig        `toml:"agent"`
	Path         string             `toml:"-"`
}

type OrchestratorConfig struct {
	StateDir           string `toml:"state_dir"`
	RunsDir            string `toml:"runs_dir"`
	ManagerAgentID     string `toml:"manager_agent_id"`
	ReviewerAgentID    string `toml:"reviewer_agent_id"`
	MaxWorkers         int    `toml:"max_workers"`
	QueueBackend       string `toml:"queue_backend"`
	QueueDBPath        string `toml:"queue_db_path"`
	PollIntervalMS     int    `toml:"poll_interval_ms"`
	CheckpointInterval string `toml:"checkpoint_interval"`
	ContainerRuntime   string `toml:"container_runtime"`
	BranchPrefix       string `toml:"branch_prefix"`
}

type RetryConfig struct {
	MaxAttempts    int     `toml:"max_attempts"`
	InitialDelayMS int     `toml:"initial_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
	MaxDelayMS     int     `toml:"max_delay_ms"`
}

// AgentConfig names the command each in-process worker runs per ticket.
// With GitBranches set, Workdir must be a git working copy and every
// assignment is committed to its ticket branch.
type AgentConfig struct {
	Command     string   `toml:"command"`
	Args        []string `toml:"args"`
	Workdir     string   `toml:"workdir"`
	GitBranches bool     `toml:"git_branches"`
	BaseBranch  string   `toml:"base_branch"`
	Remote      string   `toml:"remote"`
	Push        bool     `toml:"push"`
}

const (
	QueueFile   = "file"
	QueueSQLite = "sqlite"
	QueueMemory = "memory"
)

func Default() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			StateDir:           "~/.agent_fleet/state",
			RunsDir:            "~/.agent_fleet/runs",
			ManagerAgentID:     "manager",
			ReviewerAgentID:    "reviewer",
			MaxWorkers:         3,
			QueueBackend:       QueueFile,
			QueueDBPath:        "~/.agent_fleet/queue.db",
			PollIntervalMS:     100,
			CheckpointInterval: "@every 30s",
			ContainerRuntime:   "docker",
			BranchPrefix:       "fleet/",
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialDelayMS: 1000,
			Multiplier:     2,
			MaxDelayMS:     30000,
		},
		Workers: map[string]int{},
		Agent: AgentConfig{
			BaseBranch: "main",
			Remote:     "origin",
		},
	}
}

// Load reads the TOML config at path. An empty path means the default
// location, which may be absent; an explicit path must exist.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := ExpandHome(resolved)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg.expanded()
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", resolved, err)
	}
	cfg.Path = resolved
	return cfg.expanded()
}

func (c Config) validate() error {
	switch c.Orchestrator.QueueBackend {
	case QueueFile, QueueSQLite, QueueMemory:
	default:
		return fmt.Errorf("unknown queue_backend %q", c.Orchestrator.QueueBackend)
	}
	if c.Orchestrator.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1")
	}
	for typ, n := range c.Workers {
		if n < 0 {
			return fmt.Errorf("workers.%s must not be negative", typ)
		}
	}
	return nil
}

func (c Config) expanded() (Config, error) {
	for _, p := range []*string{&c.Orchestrator.StateDir, &c.Orchestrator.RunsDir, &c.Orchestrator.QueueDBPath, &c.Agent.Workdir} {
		if *p == "" {
			continue
		}
		v, err := ExpandHome(*p)
		if err != nil {
			return Config{}, err
		}
		*p = v
	}
	return c, nil
}

func (c OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (r RetryConfig) Policy() errhandler.Policy {
	return errhandler.Policy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: time.Duration(r.InitialDelayMS) * time.Millisecond,
		Multiplier:   r.Multiplier,
		MaxDelay:     time.Duration(r.MaxDelayMS) * time.Millisecond,
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(path, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Clean(filepath.Join(home, trimmed)), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent_fleet/config.toml"
	}
	return filepath.Join(home, ".agent_fleet", "config.toml")
}

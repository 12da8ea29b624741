package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file discovered by walking up
// from the working directory.
const LocalConfigName = ".batch-orch.toml"

// Config holds all application configuration
type Config struct {
	General   GeneralConfig    `toml:"general"`
	Git       GitConfig        `toml:"git"`
	Sandbox   SandboxConfig    `toml:"sandbox"`
	Backend   BackendConfig    `toml:"backend"`
	Notify    NotifyConfig     `toml:"notify"`
	Web       WebConfig        `toml:"web"`
	Schedules []ScheduleConfig `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	PlansDir      string `toml:"plans_dir"`
	DataDir       string `toml:"data_dir"`
	WorktreeDir   string `toml:"worktree_dir"`
	MaxConcurrent int    `toml:"max_concurrent"`
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`
}

// GitConfig holds shared-repository settings
type GitConfig struct {
	RepoDir      string `toml:"repo_dir"`
	SharedBranch string `toml:"shared_branch"`
	Remote       string `toml:"remote"`
}

// SandboxConfig holds isolation-runtime settings
type SandboxConfig struct {
	Runtime         string   `toml:"runtime"` // auto, docker, podman or none
	Image           string   `toml:"image"`
	Memory          string   `toml:"memory"`
	PidsLimit       int      `toml:"pids_limit"`
	TimeoutMinutes  int      `toml:"timeout_minutes"`
	AllowLocal      bool     `toml:"allow_local_fallback"`
	KeepOnExit      bool     `toml:"keep_on_exit"`
	AllowedPrograms []string `toml:"allowed_programs"`
	BlockedPatterns []string `toml:"blocked_patterns"`
}

// Timeout returns the per-execution ceiling
func (s SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// BackendConfig maps execution-backend ids to command templates. The
// rendered instruction text is appended as the final argument.
type BackendConfig struct {
	Default        string              `toml:"default"`
	TimeoutMinutes int                 `toml:"timeout_minutes"`
	Commands       map[string][]string `toml:"commands"`
	Env            map[string]string   `toml:"env"`
}

// Timeout returns the per-invocation ceiling
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMinutes) * time.Minute
}

// NotifyConfig controls run-completion notifications
type NotifyConfig struct {
	Desktop bool   `toml:"desktop"`
	Webhook string `toml:"webhook"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// ScheduleConfig is one cron-gated automatic run
type ScheduleConfig struct {
	Name   string `toml:"name"`
	Spec   string `toml:"spec"`
	Cron   string `toml:"cron"`
	DryRun bool   `toml:"dry_run"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			PlansDir:    "docs/plans",
			DataDir:     filepath.Join(home, ".batch-orch"),
			WorktreeDir: filepath.Join(home, ".batch-orch", "worktrees"),
			LogLevel:    "info",
			LogFormat:   "text",
		},
		Git: GitConfig{
			SharedBranch: "main",
			Remote:       "origin",
		},
		Sandbox: SandboxConfig{
			Runtime:        "auto",
			Image:          "debian:bookworm-slim",
			Memory:         "2g",
			PidsLimit:      256,
			TimeoutMinutes: 30,
			AllowLocal:     true,
			AllowedPrograms: []string{
				"sh", "bash", "git", "go", "npm", "npx", "node",
				"python3", "make", "claude", "codex",
			},
			BlockedPatterns: []string{
				"rm", "dd", "mkfs", "shutdown", "reboot",
				"curl", "wget", "nc", "ncat", "ssh", "scp", "telnet",
			},
		},
		Backend: BackendConfig{
			Default:        "claude",
			TimeoutMinutes: 30,
			Commands: map[string][]string{
				"claude": {"claude", "--print", "--dangerously-skip-permissions"},
				"codex":  {"codex", "exec"},
			},
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.PlansDir = ExpandPath(cfg.General.PlansDir)
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.WorktreeDir = ExpandPath(cfg.General.WorktreeDir)
	cfg.Git.RepoDir = ExpandPath(cfg.Git.RepoDir)

	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path when given, otherwise a
// local project config discovered by walking up from the working
// directory, otherwise the default location.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for a
// project-local config file. Returns "" when none exists.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "batch-orch", "config.toml")
}

// RepoDir returns the shared repository directory, defaulting to the
// working directory.
func (c *Config) RepoDir() string {
	if c.Git.RepoDir != "" {
		return c.Git.RepoDir
	}
	wd, _ := os.Getwd()
	return wd
}

// PlanPath returns the plan document location for a spec
func (c *Config) PlanPath(spec string) string {
	return filepath.Join(c.PlansRoot(), spec, "plan.yaml")
}

// HistoryPath returns the run history document location for a spec
func (c *Config) HistoryPath(spec string) string {
	return filepath.Join(c.PlansRoot(), spec, "runs.yaml")
}

// TasksPath returns the optional tasks document location for a spec
func (c *Config) TasksPath(spec string) string {
	return filepath.Join(c.PlansRoot(), spec, "tasks.md")
}

// DatabasePath returns the sqlite database location
func (c *Config) DatabasePath() string {
	return filepath.Join(c.General.DataDir, "orchestrator.db")
}

// PlansRoot returns the directory holding one subdirectory per spec
func (c *Config) PlansRoot() string {
	if filepath.IsAbs(c.General.PlansDir) {
		return c.General.PlansDir
	}
	return filepath.Join(c.RepoDir(), c.General.PlansDir)
}

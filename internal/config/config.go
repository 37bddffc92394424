// Package config loads the daemon configuration from <home>/config.yaml,
// applies DESKD_* environment overrides, and fills defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oakline/deskd/internal/otel"
)

// Defaults.
const (
	DefaultBindAddr           = "127.0.0.1:8420"
	DefaultLogLevel           = "info"
	DefaultMaxConcurrentTasks = 10
	DefaultMaxActiveStreams   = 5
	DefaultAgentBinary        = "claude"
	DefaultModel              = "sonnet"
)

// AgentConfig describes how to launch the agent backend subprocess.
type AgentConfig struct {
	// Binary is the agent CLI executable, resolved via PATH if not absolute.
	Binary string `yaml:"binary"`
	// Model passed to the backend for new sessions unless overridden per call.
	Model string `yaml:"model"`
	// ExtraArgs are appended verbatim to every invocation.
	ExtraArgs []string `yaml:"extra_args"`
}

// MonitorConfig controls the recovered-task poll monitor.
type MonitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Config is the resolved daemon configuration.
type Config struct {
	HomeDir      string   `yaml:"-"`
	BindAddr     string   `yaml:"bind_addr"`
	AllowOrigins []string `yaml:"allow_origins"`
	AuthToken    string   `yaml:"auth_token"`
	LogLevel     string   `yaml:"log_level"`

	DBPath         string `yaml:"db_path"`
	WorkspaceRoot  string `yaml:"workspace_root"`
	TranscriptRoot string `yaml:"transcript_root"`
	PolicyPath     string `yaml:"policy_path"`

	Agent AgentConfig `yaml:"agent"`

	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	MaxActiveStreams   int           `yaml:"max_active_streams"`
	StreamHangTimeout  time.Duration `yaml:"stream_hang_timeout"`
	QuestionTimeout    time.Duration `yaml:"question_timeout"`

	Monitor MonitorConfig `yaml:"monitor"`

	CronInterval time.Duration `yaml:"cron_interval"`

	OTel otel.Config `yaml:"otel"`
}

// Load reads <home>/config.yaml if present, applies env overrides and
// defaults. A missing config file is not an error; defaults apply.
func Load() (*Config, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	cfg := &Config{HomeDir: home}
	path := filepath.Join(home, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run, defaults only.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.HomeDir = home

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, cfg.validate()
}

func resolveHome() (string, error) {
	if h := strings.TrimSpace(os.Getenv("DESKD_HOME")); h != "" {
		return h, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(userHome, ".deskd"), nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DESKD_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("DESKD_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("DESKD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DESKD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DESKD_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("DESKD_TRANSCRIPT_ROOT"); v != "" {
		cfg.TranscriptRoot = v
	}
	if v := os.Getenv("DESKD_AGENT_BINARY"); v != "" {
		cfg.Agent.Binary = v
	}
	if v := os.Getenv("DESKD_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentTasks = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "deskd.db")
	}
	if cfg.WorkspaceRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkspaceRoot = wd
		} else {
			cfg.WorkspaceRoot = cfg.HomeDir
		}
	}
	if cfg.TranscriptRoot == "" {
		if userHome, err := os.UserHomeDir(); err == nil {
			cfg.TranscriptRoot = filepath.Join(userHome, ".claude", "projects")
		}
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = filepath.Join(cfg.HomeDir, "policy.yaml")
	}
	if cfg.Agent.Binary == "" {
		cfg.Agent.Binary = DefaultAgentBinary
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if cfg.MaxActiveStreams <= 0 {
		cfg.MaxActiveStreams = DefaultMaxActiveStreams
	}
	if cfg.StreamHangTimeout <= 0 {
		cfg.StreamHangTimeout = 2 * time.Minute
	}
	if cfg.QuestionTimeout <= 0 {
		cfg.QuestionTimeout = 5 * time.Minute
	}
	if cfg.Monitor.PollInterval <= 0 {
		cfg.Monitor.PollInterval = 15 * time.Second
	}
	if cfg.Monitor.Timeout <= 0 {
		cfg.Monitor.Timeout = 60 * time.Minute
	}
	if cfg.CronInterval <= 0 {
		cfg.CronInterval = time.Minute
	}
}

func (c *Config) validate() error {
	if !strings.Contains(c.BindAddr, ":") {
		return fmt.Errorf("bind_addr %q: missing port", c.BindAddr)
	}
	if c.Monitor.Timeout < c.Monitor.PollInterval {
		return fmt.Errorf("monitor timeout %s shorter than poll interval %s", c.Monitor.Timeout, c.Monitor.PollInterval)
	}
	return nil
}

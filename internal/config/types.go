package config

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete appforge configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	API        APIConfig        `yaml:"api"`
	State      StateConfig      `yaml:"state"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Preview    PreviewConfig    `yaml:"preview"`
	Events     EventsConfig     `yaml:"events"`
	Generation GenerationConfig `yaml:"generation"`

	// SourcePath is the file the config was loaded from, empty for defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// LogFile, when set, receives a size-rotated copy of the log stream.
	LogFile string `yaml:"log_file,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// APIKey is the admin bearer token.
	APIKey string `yaml:"api_key"`
	// Tokens are additional scoped bearer tokens.
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken is a bearer token limited to a set of scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// StateConfig defines where tool invocation records are persisted.
// An empty path keeps them in memory.
type StateConfig struct {
	Path string `yaml:"path"`
}

// WorkspacesConfig controls workspace provisioning and reclamation.
type WorkspacesConfig struct {
	Root               string        `yaml:"root"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	FailedRetention    time.Duration `yaml:"failed_retention"`
	DestroyedRetention time.Duration `yaml:"destroyed_retention"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	// ListIgnore holds gitignore-style patterns hidden from file listings.
	ListIgnore []string `yaml:"list_ignore"`
}

// SandboxConfig is the policy applied by the tool gateway.
type SandboxConfig struct {
	AllowedCommands       []string          `yaml:"allowed_commands"`
	MaxFileBytes          ByteSize          `yaml:"max_file_bytes"`
	MaxWorkspaceBytes     ByteSize          `yaml:"max_workspace_bytes"`
	MaxOutputBytes        ByteSize          `yaml:"max_output_bytes"`
	DefaultTimeout        time.Duration     `yaml:"default_timeout"`
	MaxTimeout            time.Duration     `yaml:"max_timeout"`
	MaxConcurrentCommands int               `yaml:"max_concurrent_commands"`
	CPUSeconds            uint64            `yaml:"cpu_seconds"`
	MemoryBytes           ByteSize          `yaml:"memory_bytes"`
	TerminationGrace      time.Duration     `yaml:"termination_grace"`
	CommandEnv            map[string]string `yaml:"command_env,omitempty"`
}

// PreviewConfig controls dev server launch and supervision.
type PreviewConfig struct {
	// Command is a shell-style command line. ${PORT} and ${HOST} are expanded.
	Command        string        `yaml:"command"`
	Host           string        `yaml:"host"`
	PortRange      PortRange     `yaml:"port_range"`
	PortAttempts   int           `yaml:"port_attempts"`
	Probe          ProbeConfig   `yaml:"probe"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	StartAttempts  int           `yaml:"start_attempts"`
	MaxRestarts    int           `yaml:"max_restarts"`
	RestartWindow  time.Duration `yaml:"restart_window"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	// Env is added to the dev server's minimal environment.
	Env map[string]string `yaml:"env,omitempty"`
}

// PortRange is an inclusive port interval.
type PortRange struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// ProbeConfig selects how liveness is checked.
type ProbeConfig struct {
	Kind string `yaml:"kind"` // "tcp" or "http"
	Path string `yaml:"path,omitempty"`
}

// EventsConfig sizes the event bus.
type EventsConfig struct {
	Retention        int `yaml:"retention"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// GenerationConfig tunes agent sessions and the orchestrator's retry behaviour.
type GenerationConfig struct {
	// AgentCommand runs an external agent speaking the stdio session
	// protocol. Empty selects the built-in scaffold agent.
	AgentCommand      string        `yaml:"agent_command,omitempty"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	ToolRetries       int           `yaml:"tool_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	ProvisionAttempts int           `yaml:"provision_attempts"`
}

// ByteSize is a byte count that accepts human strings such as "1MiB" in YAML.
type ByteSize uint64

// UnmarshalYAML accepts either an integer or a humanized size string.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var n uint64
	if err := node.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("byte size: %w", err)
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("byte size %q: %w", s, err)
	}
	*b = ByteSize(v)
	return nil
}

// MarshalYAML renders the size in IEC units.
func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Defaults returns a Config with sensible defaults for local use.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "appforge",
			LogLevel:  "info",
			LogFormat: "json",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		State: StateConfig{
			Path: "./data/appforge.db",
		},
		Workspaces: WorkspacesConfig{
			Root:               "./data/workspaces",
			MaxConcurrent:      16,
			IdleTimeout:        30 * time.Minute,
			FailedRetention:    time.Hour,
			DestroyedRetention: 10 * time.Minute,
			SweepInterval:      time.Minute,
			ListIgnore:         []string{"node_modules/", ".git/", ".next/", "dist/"},
		},
		Sandbox: SandboxConfig{
			AllowedCommands:       []string{"npm", "npx", "pnpm", "yarn", "node", "python3", "echo"},
			MaxFileBytes:          ByteSize(1 << 20),
			MaxWorkspaceBytes:     ByteSize(200 << 20),
			MaxOutputBytes:        ByteSize(64 << 10),
			DefaultTimeout:        120 * time.Second,
			MaxTimeout:            10 * time.Minute,
			MaxConcurrentCommands: 2,
			CPUSeconds:            300,
			MemoryBytes:           ByteSize(2 << 30),
			TerminationGrace:      5 * time.Second,
		},
		Preview: PreviewConfig{
			Command:        "python3 -m http.server ${PORT} --bind ${HOST}",
			Host:           "127.0.0.1",
			PortRange:      PortRange{From: 4100, To: 4199},
			PortAttempts:   5,
			Probe:          ProbeConfig{Kind: "tcp"},
			StartupTimeout: 30 * time.Second,
			StartAttempts:  3,
			MaxRestarts:    2,
			RestartWindow:  time.Minute,
			StopGrace:      5 * time.Second,
		},
		Events: EventsConfig{
			Retention:        500,
			SubscriberBuffer: 64,
		},
		Generation: GenerationConfig{
			SessionTimeout:    15 * time.Minute,
			ToolRetries:       2,
			RetryBackoff:      200 * time.Millisecond,
			ProvisionAttempts: 3,
		},
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// placeholders that belong to the preview command, expanded at launch time.
var launchPlaceholders = map[string]bool{"PORT": true, "HOST": true}

// Load reads and parses configuration from a file.
// Unset fields fall back to Defaults before validation.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover returns the first config file found in the standard locations.
// Priority order: explicit path, $APPFORGE_CONFIG, ~/.config/appforge/config.yaml, ./config.yaml.
// An empty result with nil error means no file exists and defaults apply.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv("APPFORGE_CONFIG"); env != "" {
		return env, nil
	}

	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "appforge", "config.yaml"))
	}
	candidates = append(candidates, "config.yaml")

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", nil
}

// LoadOrDefault loads the discovered config, or returns validated defaults when none exists.
func LoadOrDefault(explicit string) (*Config, error) {
	path, err := Discover(explicit)
	if err != nil {
		return nil, err
	}
	if path == "" {
		cfg := Defaults()
		if err := validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

// Argv splits the preview command into words without expanding placeholders.
func (p PreviewConfig) Argv() ([]string, error) {
	words, err := shellquote.Split(p.Command)
	if err != nil {
		return nil, fmt.Errorf("preview.command: %w", err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("preview.command is empty")
	}
	return words, nil
}

// AgentArgv splits the external agent command. It returns nil when the
// built-in agent is selected.
func (g GenerationConfig) AgentArgv() ([]string, error) {
	if strings.TrimSpace(g.AgentCommand) == "" {
		return nil, nil
	}
	words, err := shellquote.Split(g.AgentCommand)
	if err != nil {
		return nil, fmt.Errorf("generation.agent_command: %w", err)
	}
	return words, nil
}

// LaunchArgv splits the preview command and expands ${PORT} and ${HOST}.
func (p PreviewConfig) LaunchArgv(host string, port int) ([]string, error) {
	words, err := p.Argv()
	if err != nil {
		return nil, err
	}
	return ExpandLaunch(words, host, port), nil
}

// ExpandLaunch substitutes ${PORT}/$PORT and ${HOST}/$HOST in each word.
// Other variables are left untouched.
func ExpandLaunch(words []string, host string, port int) []string {
	vars := map[string]string{"PORT": strconv.Itoa(port), "HOST": host}
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = os.Expand(w, func(name string) string {
			if v, ok := vars[name]; ok {
				return v
			}
			return "${" + name + "}"
		})
	}
	return out
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	w, dw := &cfg.Workspaces, defaults.Workspaces
	if w.Root == "" {
		w.Root = dw.Root
	}
	if w.MaxConcurrent == 0 {
		w.MaxConcurrent = dw.MaxConcurrent
	}
	if w.IdleTimeout == 0 {
		w.IdleTimeout = dw.IdleTimeout
	}
	if w.FailedRetention == 0 {
		w.FailedRetention = dw.FailedRetention
	}
	if w.DestroyedRetention == 0 {
		w.DestroyedRetention = dw.DestroyedRetention
	}
	if w.SweepInterval == 0 {
		w.SweepInterval = dw.SweepInterval
	}
	if w.ListIgnore == nil {
		w.ListIgnore = dw.ListIgnore
	}

	s, ds := &cfg.Sandbox, defaults.Sandbox
	if s.AllowedCommands == nil {
		s.AllowedCommands = ds.AllowedCommands
	}
	if s.MaxFileBytes == 0 {
		s.MaxFileBytes = ds.MaxFileBytes
	}
	if s.MaxWorkspaceBytes == 0 {
		s.MaxWorkspaceBytes = ds.MaxWorkspaceBytes
	}
	if s.MaxOutputBytes == 0 {
		s.MaxOutputBytes = ds.MaxOutputBytes
	}
	if s.DefaultTimeout == 0 {
		s.DefaultTimeout = ds.DefaultTimeout
	}
	if s.MaxTimeout == 0 {
		s.MaxTimeout = ds.MaxTimeout
	}
	if s.MaxConcurrentCommands == 0 {
		s.MaxConcurrentCommands = ds.MaxConcurrentCommands
	}
	if s.TerminationGrace == 0 {
		s.TerminationGrace = ds.TerminationGrace
	}

	p, dp := &cfg.Preview, defaults.Preview
	if p.Command == "" {
		p.Command = dp.Command
	}
	if p.Host == "" {
		p.Host = dp.Host
	}
	if p.PortRange == (PortRange{}) {
		p.PortRange = dp.PortRange
	}
	if p.PortAttempts == 0 {
		p.PortAttempts = dp.PortAttempts
	}
	if p.Probe.Kind == "" {
		p.Probe.Kind = dp.Probe.Kind
	}
	if p.StartupTimeout == 0 {
		p.StartupTimeout = dp.StartupTimeout
	}
	if p.StartAttempts == 0 {
		p.StartAttempts = dp.StartAttempts
	}
	if p.MaxRestarts == 0 {
		p.MaxRestarts = dp.MaxRestarts
	}
	if p.RestartWindow == 0 {
		p.RestartWindow = dp.RestartWindow
	}
	if p.StopGrace == 0 {
		p.StopGrace = dp.StopGrace
	}

	if cfg.Events.Retention == 0 {
		cfg.Events.Retention = defaults.Events.Retention
	}
	if cfg.Events.SubscriberBuffer == 0 {
		cfg.Events.SubscriberBuffer = defaults.Events.SubscriberBuffer
	}

	g, dg := &cfg.Generation, defaults.Generation
	if g.RetryBackoff == 0 {
		g.RetryBackoff = dg.RetryBackoff
	}
	if g.ProvisionAttempts == 0 {
		g.ProvisionAttempts = dg.ProvisionAttempts
	}
	if g.SessionTimeout == 0 {
		g.SessionTimeout = dg.SessionTimeout
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables and launch placeholders are left as-is.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if launchPlaceholders[varName] {
			return match
		}
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}

	if m := envVarPattern.FindStringSubmatch(cfg.API.APIKey); m != nil {
		return fmt.Errorf("api.api_key: environment variable ${%s} is not set", m[1])
	}
	for i, t := range cfg.API.Tokens {
		if strings.TrimSpace(t.Token) == "" {
			return fmt.Errorf("api.tokens[%d].token is empty", i)
		}
		if m := envVarPattern.FindStringSubmatch(t.Token); m != nil {
			return fmt.Errorf("api.tokens[%d].token: environment variable ${%s} is not set", i, m[1])
		}
		if len(t.Scopes) == 0 {
			return fmt.Errorf("api.tokens[%d] has no scopes", i)
		}
	}

	w := cfg.Workspaces
	if w.MaxConcurrent < 0 {
		return fmt.Errorf("workspaces.max_concurrent must not be negative")
	}
	if w.IdleTimeout <= 0 || w.SweepInterval <= 0 {
		return fmt.Errorf("workspaces.idle_timeout and workspaces.sweep_interval must be positive")
	}

	s := cfg.Sandbox
	for i, c := range s.AllowedCommands {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("sandbox.allowed_commands[%d] is empty", i)
		}
	}
	if s.DefaultTimeout > s.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) exceeds sandbox.max_timeout (%s)", s.DefaultTimeout, s.MaxTimeout)
	}
	if s.MaxFileBytes > s.MaxWorkspaceBytes {
		return fmt.Errorf("sandbox.max_file_bytes (%s) exceeds sandbox.max_workspace_bytes (%s)", s.MaxFileBytes, s.MaxWorkspaceBytes)
	}
	if s.MaxConcurrentCommands < 1 {
		return fmt.Errorf("sandbox.max_concurrent_commands must be at least 1")
	}

	p := cfg.Preview
	if p.PortRange.From < 1 || p.PortRange.To > 65535 || p.PortRange.Size() == 0 {
		return fmt.Errorf("preview.port_range %d-%d is invalid", p.PortRange.From, p.PortRange.To)
	}
	if p.Probe.Kind != "tcp" && p.Probe.Kind != "http" {
		return fmt.Errorf("preview.probe.kind must be tcp or http (got %q)", p.Probe.Kind)
	}
	if _, err := p.LaunchArgv(p.Host, p.PortRange.From); err != nil {
		return err
	}
	if p.MaxRestarts < 0 || p.StartAttempts < 1 || p.PortAttempts < 1 {
		return fmt.Errorf("preview.max_restarts, preview.start_attempts and preview.port_attempts are out of range")
	}

	if cfg.Events.Retention < 1 || cfg.Events.SubscriberBuffer < 1 {
		return fmt.Errorf("events.retention and events.subscriber_buffer must be positive")
	}
	if cfg.Generation.ToolRetries < 0 {
		return fmt.Errorf("generation.tool_retries must not be negative")
	}
	if cfg.Generation.SessionTimeout < 0 {
		return fmt.Errorf("generation.session_timeout must not be negative")
	}
	if _, err := cfg.Generation.AgentArgv(); err != nil {
		return err
	}
	return nil
}

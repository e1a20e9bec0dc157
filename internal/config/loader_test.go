package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: `
workspaces:
  root: /tmp/ws
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/ws", cfg.Workspaces.Root)
				assert.Equal(t, 30*time.Minute, cfg.Workspaces.IdleTimeout)
				assert.Equal(t, 4100, cfg.Preview.PortRange.From)
				assert.Equal(t, ByteSize(1<<20), cfg.Sandbox.MaxFileBytes)
				assert.Equal(t, 500, cfg.Events.Retention)
			},
		},
		{
			name: "humanized byte sizes",
			yaml: `
sandbox:
  max_file_bytes: 2MiB
  max_workspace_bytes: 500MB
  max_output_bytes: 4096
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ByteSize(2<<20), cfg.Sandbox.MaxFileBytes)
				assert.Equal(t, ByteSize(500_000_000), cfg.Sandbox.MaxWorkspaceBytes)
				assert.Equal(t, ByteSize(4096), cfg.Sandbox.MaxOutputBytes)
			},
		},
		{
			name: "env interpolation keeps launch placeholders",
			yaml: `
api:
  api_key: ${APPFORGE_TEST_KEY}
preview:
  command: "node server.js --port ${PORT}"
  env:
    NODE_OPTIONS: --max-old-space-size=512
`,
			env: map[string]string{"APPFORGE_TEST_KEY": "secret", "PORT": "9999"},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "secret", cfg.API.APIKey)
				assert.Equal(t, "node server.js --port ${PORT}", cfg.Preview.Command)
				assert.Equal(t, map[string]string{"NODE_OPTIONS": "--max-old-space-size=512"}, cfg.Preview.Env)
			},
		},
		{
			name:    "unset api key variable",
			yaml:    "api:\n  api_key: ${APPFORGE_TEST_UNSET_KEY}\n",
			wantErr: "APPFORGE_TEST_UNSET_KEY",
		},
		{
			name: "scoped tokens",
			yaml: `
api:
  tokens:
    - token: viewer
      scopes: [projects:ro]
`,
			checkFn: func(t *testing.T, cfg *Config) {
				require.Len(t, cfg.API.Tokens, 1)
				assert.Equal(t, []string{"projects:ro"}, cfg.API.Tokens[0].Scopes)
			},
		},
		{
			name:    "token without scopes",
			yaml:    "api:\n  tokens:\n    - token: abc\n",
			wantErr: "api.tokens[0] has no scopes",
		},
		{
			name:    "bad port range",
			yaml:    "preview:\n  port_range: {from: 5000, to: 4000}\n",
			wantErr: "port_range",
		},
		{
			name:    "bad probe kind",
			yaml:    "preview:\n  probe: {kind: udp}\n",
			wantErr: "probe.kind",
		},
		{
			name:    "default timeout above max",
			yaml:    "sandbox:\n  default_timeout: 20m\n  max_timeout: 1m\n",
			wantErr: "default_timeout",
		},
		{
			name:    "unbalanced quote in preview command",
			yaml:    "preview:\n  command: \"node 'server.js\"\n",
			wantErr: "preview.command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, path, cfg.SourcePath)
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLaunchArgv(t *testing.T) {
	p := PreviewConfig{Command: `sh -c 'exec server --port ${PORT}' --host ${HOST} $HOME`}
	argv, err := p.LaunchArgv("127.0.0.1", 4101)
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "exec server --port 4101", "--host", "127.0.0.1", "${HOME}"}, argv)
}

func TestDiscoverPrefersExplicitThenEnv(t *testing.T) {
	path, err := Discover("/explicit.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/explicit.yaml", path)

	t.Setenv("APPFORGE_CONFIG", "/from-env.yaml")
	path, err = Discover("")
	require.NoError(t, err)
	assert.Equal(t, "/from-env.yaml", path)
}

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, validate(Defaults()))
}

func TestDefaultCommandsLeaveFileAccessToTools(t *testing.T) {
	allowed := Defaults().Sandbox.AllowedCommands
	for _, name := range []string{"cat", "ls"} {
		assert.NotContains(t, allowed, name)
	}
	assert.Contains(t, allowed, "npm")
}

func TestExpandLaunchLeavesOtherVariables(t *testing.T) {
	got := ExpandLaunch([]string{"--port=$PORT", "${HOST}:${PORT}", "$NODE_ENV"}, "0.0.0.0", 80)
	assert.Equal(t, []string{"--port=80", "0.0.0.0:80", "${NODE_ENV}"}, got)
}

func TestAgentArgv(t *testing.T) {
	argv, err := GenerationConfig{}.AgentArgv()
	require.NoError(t, err)
	assert.Nil(t, argv)

	argv, err = GenerationConfig{AgentCommand: `python3 agent.py --model "small one"`}.AgentArgv()
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "agent.py", "--model", "small one"}, argv)

	_, err = GenerationConfig{AgentCommand: `broken "quote`}.AgentArgv()
	assert.Error(t, err)
}

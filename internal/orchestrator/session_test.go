package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/config"
	"github.com/mattjoyce/appforge/internal/sandbox"
)

type scriptedTools struct {
	errs  []error
	calls int
}

func (s *scriptedTools) Dispatch(ctx context.Context, tool string, params json.RawMessage) (sandbox.Result, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return sandbox.ReadFileResult{Path: "a"}, nil
}

func timeoutErr() error { return apperr.New(apperr.KindTimeout, "slow disk") }

func TestRetryingRetriesIdempotentTimeouts(t *testing.T) {
	next := &scriptedTools{errs: []error{timeoutErr(), timeoutErr()}}
	r := &retrying{next: next, retries: 2, delay: time.Millisecond}

	res, err := r.Dispatch(context.Background(), "read_file", json.RawMessage(`{"path":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "a", res.(sandbox.ReadFileResult).Path)
	assert.Equal(t, 3, next.calls)
}

func TestRetryingGivesUp(t *testing.T) {
	next := &scriptedTools{errs: []error{timeoutErr(), timeoutErr(), timeoutErr()}}
	r := &retrying{next: next, retries: 1, delay: time.Millisecond}

	_, err := r.Dispatch(context.Background(), "read_file", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTimeout))
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, next.calls)
}

func TestRetryingNeverRetriesOtherFailures(t *testing.T) {
	cases := []struct {
		name string
		tool string
		err  error
	}{
		{"run_command timeout", "run_command", timeoutErr()},
		{"validation", "read_file", apperr.Validation("bad path")},
		{"permission", "write_file", apperr.PermissionDenied("../x")},
		{"not found", "read_file", apperr.NotFound("file", "x")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next := &scriptedTools{errs: []error{tc.err, nil}}
			r := &retrying{next: next, retries: 3, delay: time.Millisecond}
			_, err := r.Dispatch(context.Background(), tc.tool, nil)
			require.Error(t, err)
			assert.Equal(t, 1, next.calls)
		})
	}
}

func TestNormalizeLevel(t *testing.T) {
	assert.Equal(t, "warn", normalizeLevel("WARNING"))
	assert.Equal(t, "error", normalizeLevel("error"))
	assert.Equal(t, "info", normalizeLevel(""))
}

func TestOptionsFromConfigCarriesPreviewSettings(t *testing.T) {
	cfg := config.Defaults()
	cfg.Preview.Env = map[string]string{"NODE_ENV": "production"}
	cfg.Preview.Probe = config.ProbeConfig{Kind: "http", Path: "/health"}

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "-m", "http.server", "${PORT}", "--bind", "${HOST}"}, opts.PreviewArgv)
	assert.Equal(t, map[string]string{"NODE_ENV": "production"}, opts.PreviewEnv)
	assert.Equal(t, "/health", opts.Probe.Path)
	assert.Equal(t, cfg.Workspaces.ListIgnore, opts.ListIgnore)
}

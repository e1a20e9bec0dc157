package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sort"
	"time"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/log"
	"github.com/mattjoyce/appforge/internal/proc"
)

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	buf       []byte
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - len(c.buf)
	if room <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		c.buf = append(c.buf, p[:room]...)
		c.truncated = true
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return string(c.buf)
}

func (g *Gateway) allowed(program string) bool {
	return slices.Contains(g.policy.AllowedCommands, program)
}

func (g *Gateway) runCommand(ctx context.Context, projectID string, r resolver, cwd string, req RunCommandRequest) (RunCommandResult, error) {
	argv := req.argv()
	if !g.allowed(argv[0]) {
		return RunCommandResult{}, apperr.Denied(argv[0])
	}

	info, err := os.Stat(cwd)
	if err != nil {
		return RunCommandResult{}, statError(err, r.rel(cwd))
	}
	if !info.IsDir() {
		return RunCommandResult{}, apperr.Validation("cwd %q is not a directory", r.rel(cwd))
	}

	sem := g.gate(projectID).commands
	if !sem.TryAcquire(1) {
		return RunCommandResult{}, apperr.New(apperr.KindResourceExhausted,
			"workspace already runs %d commands", g.policy.MaxConcurrentCommands)
	}
	defer sem.Release(1)

	timeout := req.timeout()
	if timeout <= 0 {
		timeout = g.policy.DefaultTimeout
	}
	if timeout > g.policy.MaxTimeout {
		timeout = g.policy.MaxTimeout
	}

	logger := log.WithProject(projectID).With("component", "sandbox", "argv", argv)
	stdout := &cappedBuffer{max: int(g.policy.MaxOutputBytes)}
	stderr := &cappedBuffer{max: int(g.policy.MaxOutputBytes)}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = g.commandEnv(r.root, cwd)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = proc.SysProcAttr()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return RunCommandResult{}, apperr.Wrap(err, apperr.KindNotFound, "program %q", argv[0])
		}
		return RunCommandResult{}, fmt.Errorf("start %q: %w", argv[0], err)
	}
	pid := cmd.Process.Pid
	if err := proc.ApplyLimits(pid, g.policy.Limits); err != nil {
		logger.Warn("failed to apply resource limits", "pid", pid, "error", err)
	}

	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var failure error
	select {
	case <-done:
		// Reap anything the command left running in its group.
		_ = proc.Kill(pid)
	case <-timer.C:
		logger.Warn("command timed out, terminating", "pid", pid, "timeout", timeout)
		proc.Terminate(pid, done, g.policy.TerminationGrace)
		failure = apperr.New(apperr.KindTimeout, "%s exceeded %s", argv[0], timeout)
	case <-ctx.Done():
		logger.Info("command cancelled, terminating", "pid", pid)
		proc.Terminate(pid, done, g.policy.TerminationGrace)
		failure = apperr.Wrap(ctx.Err(), apperr.KindCancelled, "%s cancelled", argv[0])
	}

	res := RunCommandResult{
		Argv:            argv,
		ExitCode:        -1,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		DurationMS:      time.Since(start).Milliseconds(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if failure != nil {
		return res, failure
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("wait %q: %w", argv[0], waitErr)
	}
	return res, nil
}

// commandEnv is a minimal environment so server secrets never reach commands.
func (g *Gateway) commandEnv(root, cwd string) []string {
	env := map[string]string{
		"PATH": os.Getenv("PATH"),
		"HOME": root,
		"PWD":  cwd,
		"LANG": "C.UTF-8",
		"CI":   "1",
	}
	for k, v := range g.policy.CommandEnv {
		env[k] = v
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

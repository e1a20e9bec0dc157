package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/log"
	"github.com/mattjoyce/appforge/internal/proc"
	"github.com/mattjoyce/appforge/internal/protocol"
	"github.com/mattjoyce/appforge/internal/sandbox"
)

// maxStderrBytes caps the stderr kept from an agent process.
const maxStderrBytes = 64 * 1024

// Exec runs an external agent process per session and speaks the stdio
// session protocol with it. The process never sees the workspace root;
// every file or command it needs goes through tool calls.
type Exec struct {
	Argv []string
	// Env is added to the inherited environment.
	Env map[string]string
	// Grace is how long the process may take to exit after SIGTERM.
	Grace time.Duration

	logger *slog.Logger
}

// NewExec returns an agent that launches argv for each session.
func NewExec(argv []string, grace time.Duration) *Exec {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Exec{Argv: argv, Grace: grace, logger: log.WithComponent("agent")}
}

// Name implements Agent.
func (e *Exec) Name() string {
	if len(e.Argv) == 0 {
		return "exec"
	}
	return "exec:" + e.Argv[0]
}

type lineOrErr struct {
	msg *protocol.AgentMessage
	err error
}

// Run implements Agent.
func (e *Exec) Run(ctx context.Context, s *Session) (Outcome, error) {
	var out Outcome
	if len(e.Argv) == 0 {
		return out, apperr.Validation("agent command is empty")
	}
	logger := e.logger
	if logger == nil {
		logger = log.WithComponent("agent")
	}
	logger = logger.With("project_id", s.ProjectID, "session", s.Number)

	cmd := exec.Command(e.Argv[0], e.Argv[1:]...)
	cmd.SysProcAttr = proc.SysProcAttr()
	cmd.Env = os.Environ()
	for k, v := range e.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return out, apperr.Wrap(err, apperr.KindInternal, "create agent stdin")
	}
	// A plain pipe keeps reads independent of cmd.Wait.
	pr, pw, err := os.Pipe()
	if err != nil {
		return out, apperr.Wrap(err, apperr.KindInternal, "create agent stdout")
	}
	defer pr.Close()
	cmd.Stdout = pw
	stderr := &tailBuffer{max: maxStderrBytes}
	cmd.Stderr = stderr

	logger.Debug("spawning agent", "argv", e.Argv)
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		if errors.Is(err, exec.ErrNotFound) {
			return out, apperr.Wrap(err, apperr.KindValidation, "agent program %q", e.Argv[0])
		}
		return out, apperr.Wrap(err, apperr.KindInternal, "start agent")
	}
	_ = pw.Close()

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	pid := cmd.Process.Pid
	defer func() {
		_ = stdin.Close()
		proc.Terminate(pid, exited, e.Grace)
	}()

	start := &protocol.Start{
		Protocol:  protocol.Version,
		ProjectID: s.ProjectID,
		Session:   s.Number,
		Prompt:    s.Prompt,
		Template:  s.Template,
	}
	for _, t := range sandbox.Tools {
		start.Tools = append(start.Tools, string(t))
	}
	if dl, ok := ctx.Deadline(); ok {
		start.DeadlineAt = dl
	}
	if err := protocol.EncodeStart(stdin, start); err != nil {
		return out, apperr.Wrap(err, apperr.KindInternal, "send session start")
	}

	lines := make(chan lineOrErr)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		dec := protocol.NewDecoder(pr)
		for {
			msg, err := dec.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case lines <- lineOrErr{msg: msg, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("agent session interrupted", "error", ctx.Err())
			return out, apperr.Wrap(ctx.Err(), apperr.KindOf(ctx.Err()), "agent session")

		case l, ok := <-lines:
			if !ok {
				select {
				case <-exited:
				case <-time.After(e.Grace):
				}
				return out, apperr.New(apperr.KindInternal, "agent exited without finishing the session%s", stderrSuffix(stderr))
			}
			if l.err != nil {
				return out, apperr.Wrap(l.err, apperr.KindInternal, "agent protocol error%s", stderrSuffix(stderr))
			}

			switch l.msg.Type {
			case protocol.TypeLog:
				s.logf(l.msg.Level, "%s", l.msg.Message)

			case protocol.TypeToolCall:
				reply := e.dispatch(ctx, s, &out, l.msg)
				if err := protocol.EncodeToolResult(stdin, reply); err != nil {
					if ctx.Err() != nil {
						continue
					}
					return out, apperr.Wrap(err, apperr.KindInternal, "reply to agent")
				}

			case protocol.TypeDone:
				out.Summary = l.msg.Summary
				if l.msg.Status == protocol.StatusError {
					return out, apperr.New(apperr.KindInternal, "agent failed: %s", l.msg.Error)
				}
				logger.Info("agent session finished", "tool_calls", out.ToolCalls, "failures", out.Failures)
				return out, nil
			}
		}
	}
}

func (e *Exec) dispatch(ctx context.Context, s *Session, out *Outcome, msg *protocol.AgentMessage) *protocol.ToolResult {
	reply := &protocol.ToolResult{ID: msg.ID}
	out.ToolCalls++
	res, err := s.Tools.Dispatch(ctx, msg.Tool, msg.Params)
	if err != nil {
		out.Failures++
		reply.ErrorKind = string(apperr.KindOf(err))
		reply.Error = err.Error()
		return reply
	}
	data, err := json.Marshal(res)
	if err != nil {
		reply.ErrorKind = string(apperr.KindInternal)
		reply.Error = fmt.Sprintf("encode result: %v", err)
		return reply
	}
	reply.OK = true
	reply.Result = data
	return reply
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func stderrSuffix(t *tailBuffer) string {
	s := strings.TrimSpace(t.String())
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return ": " + s
}

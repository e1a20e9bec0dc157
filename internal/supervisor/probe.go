package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ProbeKind selects the liveness check.
type ProbeKind string

const (
	ProbeTCP  ProbeKind = "tcp"
	ProbeHTTP ProbeKind = "http"
)

// Probe describes how to decide that a dev server is up.
type Probe struct {
	Kind ProbeKind
	// Path is requested for HTTP probes; any status below 500 counts as live.
	Path string
}

var errExited = errors.New("dev server exited during startup")

// waitHealthy polls the probe with exponential backoff until it succeeds,
// the process exits, or ctx expires.
func waitHealthy(ctx context.Context, p Probe, host string, port int, exited <-chan struct{}) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var lastErr error
	err := backoff.Retry(func() error {
		select {
		case <-exited:
			return backoff.Permanent(errExited)
		default:
		}
		lastErr = check(ctx, p, addr)
		return lastErr
	}, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, errExited) {
		return err
	}
	if lastErr != nil {
		return fmt.Errorf("probe %s %s: %w", p.kind(), addr, lastErr)
	}
	return fmt.Errorf("probe %s %s: %w", p.kind(), addr, err)
}

func (p Probe) kind() ProbeKind {
	if p.Kind == "" {
		return ProbeTCP
	}
	return p.Kind
}

func check(ctx context.Context, p Probe, addr string) error {
	if p.kind() == ProbeHTTP {
		path := p.Path
		if path == "" {
			path = "/"
		}
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(rctx, http.MethodGet, "http://"+addr+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}

	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Check runs a single probe against host:port.
func Check(ctx context.Context, p Probe, host string, port int) error {
	return check(ctx, p, net.JoinHostPort(host, strconv.Itoa(port)))
}

package supervisor

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/appforge/internal/apperr"
)

// PortPool hands out ports from a bounded range. The lock is held only
// while picking or releasing a port.
type PortPool struct {
	host     string
	from, to int
	attempts int
	initial  time.Duration

	mu     sync.Mutex
	inUse  map[int]string
	cursor int
}

// NewPortPool creates a pool over the inclusive range [from, to].
func NewPortPool(host string, from, to, attempts int) *PortPool {
	if attempts < 1 {
		attempts = 1
	}
	return &PortPool{
		host:     host,
		from:     from,
		to:       to,
		attempts: attempts,
		initial:  20 * time.Millisecond,
		inUse:    make(map[int]string),
		cursor:   from,
	}
}

// Acquire reserves a port for owner. A port another process already holds
// is skipped and retried with backoff; after the configured attempts the
// pool reports RESOURCE_EXHAUSTED.
func (p *PortPool) Acquire(owner string) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxInterval = 500 * time.Millisecond

	var lastErr error
	port, err := backoff.RetryWithData(func() (int, error) {
		port, ok := p.reserve(owner)
		if !ok {
			return 0, backoff.Permanent(apperr.New(apperr.KindResourceExhausted,
				"all %d preview ports are allocated", p.to-p.from+1))
		}
		if err := bindable(p.host, port); err != nil {
			p.Release(port)
			lastErr = err
			return 0, err
		}
		return port, nil
	}, backoff.WithMaxRetries(b, uint64(p.attempts-1)))
	if err != nil {
		if apperr.Is(err, apperr.KindResourceExhausted) {
			return 0, err
		}
		return 0, apperr.Wrap(lastErr, apperr.KindResourceExhausted,
			"no bindable preview port after %d attempts", p.attempts)
	}
	return port, nil
}

// Release returns port to the pool. Releasing a free port is a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

// InUse returns the number of reserved ports.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// reserve picks the next free port after the cursor so that a port that
// just failed is not tried again immediately.
func (p *PortPool) reserve(owner string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := p.to - p.from + 1
	for i := 0; i < size; i++ {
		port := p.from + (p.cursor-p.from+i)%size
		if _, taken := p.inUse[port]; taken {
			continue
		}
		p.inUse[port] = owner
		p.cursor = p.from + (port-p.from+1)%size
		return port, true
	}
	return 0, false
}

func bindable(host string, port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("port %d unavailable: %w", port, err)
	}
	return l.Close()
}

package agent

import (
	"context"

	"github.com/mattjoyce/appforge/internal/apperr"
)

// Fallback runs Primary and, when it cannot start or fails, runs Secondary
// in the same session. Cancellation is never retried.
type Fallback struct {
	Primary   Agent
	Secondary Agent
}

// WithFallback pairs an agent with the one that takes over when it fails.
func WithFallback(primary, secondary Agent) *Fallback {
	return &Fallback{Primary: primary, Secondary: secondary}
}

// Name implements Agent.
func (f *Fallback) Name() string {
	return f.Primary.Name()
}

// Run implements Agent.
func (f *Fallback) Run(ctx context.Context, s *Session) (Outcome, error) {
	out, err := f.Primary.Run(ctx, s)
	if err == nil || ctx.Err() != nil {
		return out, err
	}
	switch apperr.KindOf(err) {
	case apperr.KindCancelled, apperr.KindTimeout:
		return out, err
	}

	s.logf("warn", "%s failed: %v", f.Primary.Name(), err)
	s.logf("info", "falling back to %s", f.Secondary.Name())
	more, err := f.Secondary.Run(ctx, s)
	more.ToolCalls += out.ToolCalls
	more.Failures += out.Failures
	return more, err
}

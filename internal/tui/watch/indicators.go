package watch

import (
	"strings"
	"time"
)

// Ticker rotates through frames to show the dashboard is alive.
// It stops rotating when ticks stop arriving.
type Ticker struct {
	frames   []string
	index    int
	lastTick time.Time
}

func NewTicker() Ticker {
	return Ticker{
		frames:   []string{"⟲", "⟳"},
		lastTick: time.Now(),
	}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
	t.lastTick = time.Now()
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

const pulseWidth = 5

// Pulse lights up on stream activity and fades one dot every two seconds.
type Pulse struct {
	dots      int
	lastEvent time.Time
	now       func() time.Time
}

func NewPulse() Pulse {
	return Pulse{now: time.Now}
}

func (p *Pulse) OnEvent() {
	p.dots = pulseWidth
	p.lastEvent = p.now()
}

// Decay fades the pulse based on time since the last event.
func (p *Pulse) Decay() {
	if p.dots == 0 {
		return
	}
	faded := int(p.now().Sub(p.lastEvent) / (2 * time.Second))
	p.dots = max(pulseWidth-faded, 0)
}

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range pulseWidth {
		if i < p.dots {
			b.WriteString(theme.LitDot.Render("●"))
		} else {
			b.WriteString(theme.DarkDot.Render("○"))
		}
	}
	return b.String()
}

func (p Pulse) LastEvent() time.Time {
	return p.lastEvent
}

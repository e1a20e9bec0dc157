package watch

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/orchestrator"
	"github.com/mattjoyce/appforge/internal/sandbox"
	"github.com/mattjoyce/appforge/internal/workspace"
)

// ProjectState is the dashboard's picture of one project, folded from the
// status endpoint and the event stream.
type ProjectState struct {
	ID         string
	State      workspace.State
	Prompt     string
	Session    int
	Generating bool
	PreviewURL string
	Port       int
	PID        int
	Restarts   int
	Reason     string
	ReasonKind apperr.Kind

	ToolCalls    int
	ToolFailures int
	Files        int

	LastSeq   uint64
	Connected bool
	LastCheck time.Time
}

// logEntry is one agent log line shown in the log pane.
type logEntry struct {
	At      time.Time
	Level   string
	Message string
}

// applyStatus overwrites the polled fields. Counters built from the stream
// are left alone.
func (p *ProjectState) applyStatus(st orchestrator.Status, now time.Time) {
	p.ID = st.ID
	p.State = st.State
	p.Prompt = st.Prompt
	p.Session = st.Session
	p.Generating = st.Generating
	p.PreviewURL = st.PreviewURL
	p.Port = st.Port
	p.Reason = st.Reason
	p.ReasonKind = st.ReasonKind
	if st.Preview != nil {
		p.PID = st.Preview.PID
		p.Restarts = st.Preview.RestartCount
	} else {
		p.PID, p.Restarts = 0, 0
	}
	p.Connected = true
	p.LastCheck = now
}

// applyEvent folds e into p. It returns a log entry for log_appended events.
func (p *ProjectState) applyEvent(e events.Event) (logEntry, bool) {
	if e.Seq > p.LastSeq {
		p.LastSeq = e.Seq
	}
	p.Connected = true

	switch e.Kind {
	case events.KindStateChanged:
		var sc orchestrator.StateChange
		if json.Unmarshal(e.Payload, &sc) == nil {
			p.State = sc.To
			p.Generating = sc.To == workspace.StateGenerating
			if sc.To != workspace.StateServing {
				p.PreviewURL, p.Port, p.PID = "", 0, 0
			}
			if sc.Reason != "" {
				p.Reason, p.ReasonKind = sc.Reason, sc.ReasonKind
			}
		}
	case events.KindGenerationStarted:
		var gs orchestrator.GenerationStarted
		if json.Unmarshal(e.Payload, &gs) == nil {
			p.Session = gs.Session
			p.Generating = true
			p.Reason, p.ReasonKind = "", ""
		}
	case events.KindToolExecuted:
		var te sandbox.ToolEvent
		if json.Unmarshal(e.Payload, &te) == nil {
			p.ToolCalls++
			if !te.OK {
				p.ToolFailures++
			}
		}
	case events.KindFileCreated:
		p.Files++
	case events.KindServerStarted:
		var ss orchestrator.ServerStarted
		if json.Unmarshal(e.Payload, &ss) == nil {
			p.PID, p.Port, p.Restarts = ss.PID, ss.Port, ss.RestartCount
		}
	case events.KindPreviewReady:
		var ep orchestrator.Endpoint
		if json.Unmarshal(e.Payload, &ep) == nil {
			p.PreviewURL = ep.URL
			p.Port = ep.Port
		}
	case events.KindErrorOccurred:
		var ee orchestrator.ErrorEvent
		if json.Unmarshal(e.Payload, &ee) == nil {
			p.Reason, p.ReasonKind = ee.Reason, ee.Kind
		}
	case events.KindLogAppended:
		var ll orchestrator.LogLine
		if json.Unmarshal(e.Payload, &ll) == nil {
			return logEntry{At: e.At, Level: ll.Level, Message: ll.Message}, true
		}
	}
	return logEntry{}, false
}

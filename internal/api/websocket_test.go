package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/orchestrator"
	"github.com/mattjoyce/appforge/internal/workspace"
)

func dialWS(t *testing.T, ts *httptest.Server, path, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(url, h)
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebSocketSnapshotHistoryLive(t *testing.T) {
	e := newTestEnv(t)
	e.projects.EXPECT().Status(gomock.Any(), "p1").Return(orchestrator.Status{
		Workspace: workspace.Workspace{ID: "p1", State: workspace.StateGenerating},
		LastSeq:   2,
	}, nil)
	e.bus.Publish("p1", events.KindStateChanged, orchestrator.StateChange{To: workspace.StateCreated})
	e.bus.Publish("p1", events.KindGenerationStarted, orchestrator.GenerationStarted{Session: 1, Agent: "scaffold"})

	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	conn, _, err := dialWS(t, ts, "/ws/p1", adminKey)
	require.NoError(t, err)
	defer conn.Close()

	f := readFrame(t, conn)
	require.Equal(t, FrameStatusSnapshot, f.Type)
	require.NotNil(t, f.Status)
	assert.Equal(t, workspace.StateGenerating, f.Status.State)

	for _, want := range []events.Kind{events.KindStateChanged, events.KindGenerationStarted} {
		f = readFrame(t, conn)
		require.Equal(t, FrameEvent, f.Type)
		assert.Equal(t, want, f.Event.Kind)
	}

	e.bus.Publish("p1", events.KindLogAppended, orchestrator.LogLine{Level: "info", Message: "hello"})
	f = readFrame(t, conn)
	require.Equal(t, FrameEvent, f.Type)
	assert.Equal(t, uint64(3), f.Event.Seq)

	e.bus.Drop("p1")
	f = readFrame(t, conn)
	assert.Equal(t, FrameClosed, f.Type)
}

func TestWebSocketRejections(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	_, resp, err := dialWS(t, ts, "/ws/p1", "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	e.projects.EXPECT().Status(gomock.Any(), "gone").Return(orchestrator.Status{}, apperr.NotFound("workspace", "gone"))
	_, resp, err = dialWS(t, ts, "/ws/gone?access_token=reader", "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

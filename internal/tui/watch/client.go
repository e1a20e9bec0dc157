package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/orchestrator"
)

// --- Message types ---

type eventMsg events.Event

type statusMsg orchestrator.Status

type tickMsg time.Time

type errMsg error

// sseDisconnectedMsg reports a dropped stream. Err is nil on a clean EOF.
type sseDisconnectedMsg struct{ Err error }

type reconnectMsg struct{}

// --- Commands ---

func projectURL(apiURL, projectID, suffix string) string {
	return strings.TrimRight(apiURL, "/") + "/projects/" + url.PathEscape(projectID) + suffix
}

// subscribeToEvents streams /projects/{id}/events into ch. With after > 0
// the server resumes from the event following it.
func subscribeToEvents(ctx context.Context, apiURL, apiKey, projectID string, after uint64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, projectURL(apiURL, projectID, "/events"), nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Accept", "text/event-stream")
		if after > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatUint(after, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{Err: responseError(resp)}
		}

		err = readSSE(resp.Body, func(e events.Event) bool {
			select {
			case ch <- e:
				return true
			case <-ctx.Done():
				return false
			}
		})
		return sseDisconnectedMsg{Err: err}
	}
}

// readSSE decodes an event stream, calling emit for each complete frame
// until emit returns false or the stream ends. Comment lines are skipped.
func readSSE(r io.Reader, emit func(events.Event) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var e events.Event
			err := json.Unmarshal([]byte(data.String()), &e)
			data.Reset()
			if err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if !emit(e) {
				return nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// id and event lines duplicate fields already inside the payload.
	}
	return scanner.Err()
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchStatus queries /projects/{id}/status.
func fetchStatus(apiURL, apiKey, projectID string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, projectURL(apiURL, projectID, "/status"), nil)
	if err != nil {
		return errMsg(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errMsg(responseError(resp))
	}

	var st orchestrator.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return errMsg(err)
	}
	return statusMsg(st)
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body) == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("%s", resp.Status)
}

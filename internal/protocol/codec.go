package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineBytes bounds a single agent message.
const maxLineBytes = 4 << 20

// EncodeStart writes the session opening line to w.
func EncodeStart(w io.Writer, s *Start) error {
	if s.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", s.Protocol)
	}
	s.Type = TypeStart
	if err := json.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("failed to encode start: %w", err)
	}
	return nil
}

// EncodeToolResult writes one tool result line to w.
func EncodeToolResult(w io.Writer, r *ToolResult) error {
	if r.ID == "" {
		return fmt.Errorf("tool result missing id")
	}
	r.Type = TypeToolResult
	if err := json.NewEncoder(w).Encode(r); err != nil {
		return fmt.Errorf("failed to encode tool result: %w", err)
	}
	return nil
}

// Decoder reads agent messages one line at a time.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	return &Decoder{sc: sc}
}

// Next returns the next message. Blank lines are skipped. It returns
// io.EOF when the agent closes its output.
func (d *Decoder) Next() (*AgentMessage, error) {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		return DecodeMessage(line)
	}
	if err := d.sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read agent output: %w", err)
	}
	return nil, io.EOF
}

// DecodeMessage parses and validates a single agent line.
func DecodeMessage(line []byte) (*AgentMessage, error) {
	var msg AgentMessage
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode agent message: %w", err)
	}

	switch msg.Type {
	case TypeToolCall:
		if msg.ID == "" || msg.Tool == "" {
			return nil, fmt.Errorf("tool_call requires id and tool")
		}
	case TypeLog:
		if msg.Message == "" {
			return nil, fmt.Errorf("log message is empty")
		}
	case TypeDone:
		if msg.Status != StatusOK && msg.Status != StatusError {
			return nil, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", msg.Status)
		}
		if msg.Status == StatusError && msg.Error == "" {
			return nil, fmt.Errorf("done has status=error but no error message")
		}
	case "":
		return nil, fmt.Errorf("message missing required field: type")
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return &msg, nil
}

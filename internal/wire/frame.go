// Package wire implements the framing layer shared by the client engine and
// the dev host: control frames carry a fixed binary sentinel prefix followed
// by UTF-8 JSON, everything else is raw PTY bytes.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/asheshgoplani/termlink/internal/logging"
)

var wireLog = logging.ForComponent(logging.CompWire)

// ControlPrefix is the sentinel that marks a control frame. The leading NUL
// keeps it from ever matching the start of a valid UTF-8 terminal output line.
var ControlPrefix = []byte{0x00, 't', 'l', ';'}

// Control message types.
const (
	TypeHello           = "hello"
	TypeStatus          = "status"
	TypeReadlineControl = "readline-control"
)

// Status payloads carried by TypeStatus messages.
const (
	StatusConnected    = "connected"
	StatusError        = "error"
	StatusDisconnected = "disconnected"
)

// ControlMessage is the tagged union carried in sentinel-prefixed frames.
type ControlMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   string `json:"payload,omitempty"`
	Code      int    `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// AuthPayload is the first outbound message after the socket opens.
type AuthPayload struct {
	APIKey               string            `json:"apiKey,omitempty"`
	AccessToken          string            `json:"accessToken,omitempty"`
	SessionID            string            `json:"sessionId,omitempty"`
	EnvironmentVariables map[string]string `json:"environmentVariables"`
}

// ReadlineControl is sent instead of raw bytes for intercepted keys while the
// session is active.
type ReadlineControl struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Line   string `json:"line,omitempty"`
	Cursor int    `json:"cursor,omitempty"`
}

// Readline actions.
const (
	ActionComplete      = "complete"
	ActionHistoryUp     = "history-up"
	ActionHistoryDown   = "history-down"
	ActionHistorySearch = "history-search"
)

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	// FrameOutput is raw PTY bytes for the terminal.
	FrameOutput FrameKind = iota
	// FrameControl is a sentinel-prefixed JSON control message.
	FrameControl
	// FrameDropped is a frame that must not be forwarded: malformed control
	// JSON or a leaked provider metadata fragment.
	FrameDropped
)

// Provider metadata fragments occasionally leak mid-stream when the upstream
// splits a JSON frame. They carry these key markers even when truncated.
var metaMarkers = [][]byte{
	[]byte(`"stream":true`),
	[]byte(`"hijack":true`),
}

// Classify inspects an inbound frame and returns its kind. For FrameControl
// the parsed message is returned; for FrameOutput the payload is the frame
// itself. Classification has no side effects beyond logging dropped frames.
func Classify(frame []byte) (FrameKind, *ControlMessage, []byte) {
	if bytes.HasPrefix(frame, ControlPrefix) {
		raw := frame[len(ControlPrefix):]
		var msg ControlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			wireLog.Warn("control_frame_malformed",
				slog.Int("len", len(raw)),
				slog.String("error", err.Error()))
			return FrameDropped, nil, nil
		}
		return FrameControl, &msg, nil
	}

	if isMetaFragment(frame) {
		wireLog.Debug("meta_fragment_dropped", slog.Int("len", len(frame)))
		return FrameDropped, nil, nil
	}

	return FrameOutput, nil, frame
}

// isMetaFragment heuristically detects a split provider metadata frame.
// Only JSON-ish frames qualify so genuine shell output that happens to print
// these substrings inside a larger text block is still forwarded.
func isMetaFragment(frame []byte) bool {
	trimmed := bytes.TrimLeft(frame, " \t\r\n")
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != ',' && trimmed[0] != '"') {
		return false
	}
	for _, marker := range metaMarkers {
		if bytes.Contains(frame, marker) {
			return true
		}
	}
	return false
}

// EncodeControl renders a control message as a sentinel-prefixed frame.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal control: %w", err)
	}
	out := make([]byte, 0, len(ControlPrefix)+len(raw))
	out = append(out, ControlPrefix...)
	out = append(out, raw...)
	return out, nil
}

// EncodeAuth renders the post-open auth payload.
func EncodeAuth(p AuthPayload) ([]byte, error) {
	if p.EnvironmentVariables == nil {
		p.EnvironmentVariables = map[string]string{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal auth: %w", err)
	}
	return raw, nil
}

// EncodeReadline renders a readline-control message.
func EncodeReadline(action, line string, cursor int) ([]byte, error) {
	raw, err := json.Marshal(ReadlineControl{
		Type:   TypeReadlineControl,
		Action: action,
		Line:   line,
		Cursor: cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal readline: %w", err)
	}
	return raw, nil
}

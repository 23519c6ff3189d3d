package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Control event types sent by workers over the job socket.
const (
	TypeExecutionStart  = "execution_start"
	TypeExecuting       = "executing"
	TypeExecutionCached = "execution_cached"
	TypeProgress        = "progress"
	TypeExecuted        = "executed"
	TypeStatus          = "status"
)

// Progress "max" sentinel values. Workers signal upcoming raw output frames
// by reporting one of these as the progress maximum.
const (
	SentinelRawOutput      = 12345
	SentinelRawOutputVideo = 12346
	SentinelRawOutputText  = 12347
)

// IsControlFrame reports whether a received frame is a JSON control event
// rather than binary media. Workers emit the type field first, which the
// prefix check catches cheaply; frames with reordered or respaced keys fall
// through to a JSON decode. Binary media frames start with a big-endian
// event type whose first byte is NUL, so they are never decoded here.
func IsControlFrame(raw []byte) bool {
	if bytes.HasPrefix(raw, []byte(`{"type":`)) {
		return true
	}
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var head struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(trimmed, &head) == nil && head.Type != ""
}

// ControlEvent is the {type, data} envelope of a control frame.
type ControlEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseControl decodes a control frame envelope.
func ParseControl(raw []byte) (*ControlEvent, error) {
	var ev ControlEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("parse control frame: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("control frame missing type")
	}
	return &ev, nil
}

// ExecutingData is the payload of executing / execution_cached events.
type ExecutingData struct {
	Node     string `json:"node"`
	PromptID string `json:"prompt_id"`
}

// ProgressData is the payload of progress events.
type ProgressData struct {
	Value float64 `json:"value"`
	Max   float64 `json:"max"`
}

// StartData is the payload of execution_start events.
type StartData struct {
	PromptID string `json:"prompt_id"`
}

// RelayFrame is a control frame parsed loosely for the session relay, which
// must rewrite identity and queue fields without disturbing anything else.
type RelayFrame struct {
	Type string
	root map[string]interface{}
}

// ParseRelayFrame parses a control frame for field rewriting. Returns an
// error for frames that are not JSON objects.
func ParseRelayFrame(raw []byte) (*RelayFrame, error) {
	var root map[string]interface{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse relay frame: %w", err)
	}
	typ, _ := root["type"].(string)
	return &RelayFrame{Type: typ, root: root}, nil
}

func (f *RelayFrame) data() map[string]interface{} {
	data, _ := f.root["data"].(map[string]interface{})
	return data
}

// SID returns the worker-reported session id, if present.
func (f *RelayFrame) SID() (string, bool) {
	data := f.data()
	if data == nil {
		return "", false
	}
	sid, ok := data["sid"].(string)
	return sid, ok
}

// SetSID rewrites the session id field in place.
func (f *RelayFrame) SetSID(sid string) {
	if data := f.data(); data != nil {
		data["sid"] = sid
	}
}

// Node returns the data.node field, if present.
func (f *RelayFrame) Node() (string, bool) {
	data := f.data()
	if data == nil {
		return "", false
	}
	node, ok := data["node"].(string)
	return node, ok
}

// QueueRemaining returns the worker's self-reported queue depth from a
// status event, if present.
func (f *RelayFrame) QueueRemaining() (int, bool) {
	exec := f.execInfo()
	if exec == nil {
		return 0, false
	}
	n, ok := exec["queue_remaining"].(float64)
	if !ok {
		return 0, false
	}
	return int(n), true
}

// SetQueueRemaining rewrites the reported queue depth in place.
func (f *RelayFrame) SetQueueRemaining(n int) {
	if exec := f.execInfo(); exec != nil {
		exec["queue_remaining"] = n
	}
}

func (f *RelayFrame) execInfo() map[string]interface{} {
	data := f.data()
	if data == nil {
		return nil
	}
	status, _ := data["status"].(map[string]interface{})
	if status == nil {
		return nil
	}
	exec, _ := status["exec_info"].(map[string]interface{})
	return exec
}

// Encode re-serializes the frame after rewriting.
func (f *RelayFrame) Encode() []byte {
	data, err := json.Marshal(f.root)
	if err != nil {
		// The root came from json.Unmarshal; re-marshal cannot fail.
		return nil
	}
	return data
}

package v1

import (
	"encoding/json"
	"time"
)

// EventType classifies a record in a run's append-only event log.
type EventType string

const (
	EventStdout         EventType = "stdout"
	EventStderr         EventType = "stderr"
	EventMarker         EventType = "marker"
	EventInfo           EventType = "info"
	EventError          EventType = "error"
	EventAssist         EventType = "assist"
	EventPromptWaiting  EventType = "prompt_waiting"
	EventPromptResolved EventType = "prompt_resolved"
)

// ValidEventType reports whether t is one of the known event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventStdout, EventStderr, EventMarker, EventInfo, EventError,
		EventAssist, EventPromptWaiting, EventPromptResolved:
		return true
	}
	return false
}

// Event is one record in a run's event log. IDs are assigned by the gateway
// and strictly increase per run.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Type      EventType `json:"type"`
	Data      string    `json:"data"`
	// SenderSeq is the sender-supplied sequence number, kept for debugging.
	// The gateway-assigned ID is authoritative.
	SenderSeq *int64    `json:"sender_seq,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IngestEventRequest is the agent request to append an event to a run's log.
type IngestEventRequest struct {
	Type     EventType `json:"type"`
	Data     string    `json:"data"`
	Sequence *int64    `json:"sequence,omitempty"`
}

// IngestEventResponse acknowledges an appended event.
type IngestEventResponse struct {
	OK      bool  `json:"ok"`
	EventID int64 `json:"event_id"`
}

// Marker event names. Marker payloads drive run state transitions.
const (
	MarkerStarted  = "started"
	MarkerFinished = "finished"
)

// MarkerPayload is the JSON body of a marker event.
type MarkerPayload struct {
	Event         string `json:"event"`
	Command       string `json:"command,omitempty"`
	WorkingDir    string `json:"working_dir,omitempty"`
	WorkerType    string `json:"worker_type,omitempty"`
	Model         string `json:"model,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	StopRequested bool   `json:"stop_requested,omitempty"`
	HaltRequested bool   `json:"halt_requested,omitempty"`
}

// Encode serializes the marker payload for event data.
func (m MarkerPayload) Encode() string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ParseMarker decodes a marker event payload. Returns false when the data is
// not a marker object.
func ParseMarker(data string) (MarkerPayload, bool) {
	var m MarkerPayload
	if err := json.Unmarshal([]byte(data), &m); err != nil || m.Event == "" {
		return MarkerPayload{}, false
	}
	return m, true
}

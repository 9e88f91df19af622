package events

import (
	"encoding/json"
	"time"

	"github.com/e-vnts/meet-recorder/pkg/session"
)

// Type is the kind of session event
type Type string

const (
	TypeCreated       Type = "session_created"
	TypeStateChanged  Type = "state_changed"
	TypeStopRequested Type = "stop_requested"
	TypeRemoved       Type = "session_removed"
	TypeExport        Type = "export"
)

// Event is a notification about one session
type Event struct {
	Type      Type          `json:"type"`
	SessionID string        `json:"session_id"`
	State     session.State `json:"state,omitempty"`
	Error     string        `json:"error,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Time      time.Time     `json:"time"`
}

// New creates an event stamped with the current time
func New(t Type, sessionID string, state session.State) Event {
	return Event{Type: t, SessionID: sessionID, State: state, Time: time.Now().UTC()}
}

// Encode serializes the event as a JSON text frame
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

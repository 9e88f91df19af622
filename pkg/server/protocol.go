package server

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/e-vnts/meet-recorder/pkg/events"
)

// WebSocket message types besides the session events themselves
const (
	MessageTypeSubscribed = "subscribed"
	MessageTypeError      = "error"
	MessageTypeHeartbeat  = "heartbeat"
)

// SubscribedMessage is the first frame on an event stream
type SubscribedMessage struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Events    []events.Type `json:"events,omitempty"`
}

// ErrorMessage is the body of every error response, HTTP or WebSocket
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

// HeartbeatMessage is sent periodically when heartbeats are enabled
type HeartbeatMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// CreateSubscribedMessage creates the stream's opening message
func CreateSubscribedMessage(sessionID string, types []events.Type) ([]byte, error) {
	return json.Marshal(SubscribedMessage{Type: MessageTypeSubscribed, SessionID: sessionID, Events: types})
}

// CreateErrorMessage creates an error message
func CreateErrorMessage(errMsg string, code int) ([]byte, error) {
	return json.Marshal(ErrorMessage{Type: MessageTypeError, Error: errMsg, Code: code})
}

// CreateHeartbeatMessage creates a heartbeat message
func CreateHeartbeatMessage(timestamp int64) ([]byte, error) {
	return json.Marshal(HeartbeatMessage{Type: MessageTypeHeartbeat, Timestamp: timestamp})
}

// ConnectionConfig holds the per-connection options of an event stream
type ConnectionConfig struct {
	SessionID         string
	Types             []events.Type
	QueueSize         int
	EnableHeartbeat   bool
	HeartbeatInterval time.Duration
}

// ParseConnectionConfig parses connection options from query parameters:
// type (repeatable), queue and heartbeat (seconds, 0 disables). A client may
// shrink its queue below queueSize but never grow it.
func ParseConnectionConfig(params map[string][]string, queueSize int) *ConnectionConfig {
	config := &ConnectionConfig{
		QueueSize:         queueSize,
		EnableHeartbeat:   false,
		HeartbeatInterval: 30 * time.Second,
	}

	for _, t := range params["type"] {
		switch events.Type(t) {
		case events.TypeCreated, events.TypeStateChanged, events.TypeStopRequested, events.TypeRemoved, events.TypeExport:
			config.Types = append(config.Types, events.Type(t))
		}
	}

	if v := first(params["queue"]); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < queueSize {
			config.QueueSize = n
		}
	}

	if v := first(params["heartbeat"]); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.EnableHeartbeat = true
			config.HeartbeatInterval = time.Duration(n) * time.Second
		}
	}

	return config
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

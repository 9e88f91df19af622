package session

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrExists          = errors.New("session already exists")
	ErrUnknownPlatform = errors.New("unknown meeting platform")
)

// Platform identifies the conferencing product a session joins
type Platform string

const (
	PlatformGoogle Platform = "google"
	PlatformZoom   Platform = "zoom"
)

// ParsePlatform accepts platform names case-insensitively. An empty name
// means Google Meet.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "google", "meet", "google-meet":
		return PlatformGoogle, nil
	case "zoom":
		return PlatformZoom, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
}

// ExportStatus tracks the optional upload of a finished recording
type ExportStatus string

const (
	ExportNone    ExportStatus = ""
	ExportPending ExportStatus = "pending"
	ExportDone    ExportStatus = "done"
	ExportFailed  ExportStatus = "failed"
)

// Session is one join-and-record request. Process handles are owned by the
// session's worker; the record only carries what status queries need.
type Session struct {
	ID          string
	Platform    Platform
	MeetingURL  string
	DisplayName string
	RecordPath  string
	Width       int
	Height      int
	ShowBrowser bool
	Options     map[string]any

	State         State
	Error         string
	StopRequested bool
	StartedAt     time.Time
	EndedAt       time.Time

	Display     string
	AudioSink   string
	BrowserPID  int
	RecorderPID int

	Export      ExportStatus
	ExportError string
}

func (s Session) clone() Session {
	s.Options = maps.Clone(s.Options)
	return s
}

// Duration is the time spent since start, frozen once the session ended.
func (s Session) Duration(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := now
	if !s.EndedAt.IsZero() {
		end = s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// Snapshot is the read-only view returned by status queries
type Snapshot struct {
	SessionID     string       `json:"sessionId"`
	Status        State        `json:"status"`
	Platform      Platform     `json:"platform,omitempty"`
	MeetingURL    string       `json:"meetLink,omitempty"`
	DisplayName   string       `json:"displayName,omitempty"`
	RecordingPath string       `json:"recordingPath,omitempty"`
	Duration      float64      `json:"duration"`
	Error         *string      `json:"error"`
	StartTime     *time.Time   `json:"startTime,omitempty"`
	EndTime       *time.Time   `json:"endTime,omitempty"`
	StopRequested bool         `json:"stopRequested,omitempty"`
	Display       string       `json:"display,omitempty"`
	AudioSink     string       `json:"audioSink,omitempty"`
	BrowserPID    int          `json:"browserPid,omitempty"`
	RecorderPID   int          `json:"recorderPid,omitempty"`
	Export        ExportStatus `json:"export,omitempty"`
	ExportError   string       `json:"exportError,omitempty"`
	TaskStatus    string       `json:"taskStatus,omitempty"`
}

// Snapshot renders the session as of now.
func (s Session) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		SessionID:     s.ID,
		Status:        s.State,
		Platform:      s.Platform,
		MeetingURL:    s.MeetingURL,
		DisplayName:   s.DisplayName,
		RecordingPath: s.RecordPath,
		Duration:      s.Duration(now).Seconds(),
		StopRequested: s.StopRequested,
		Display:       s.Display,
		AudioSink:     s.AudioSink,
		BrowserPID:    s.BrowserPID,
		RecorderPID:   s.RecorderPID,
		Export:        s.Export,
		ExportError:   s.ExportError,
	}
	if s.Error != "" {
		msg := s.Error
		snap.Error = &msg
	}
	if !s.StartedAt.IsZero() {
		start := s.StartedAt
		snap.StartTime = &start
	}
	if !s.EndedAt.IsZero() {
		end := s.EndedAt
		snap.EndTime = &end
	}
	return snap
}

// NotFound is the snapshot reported for an unknown id.
func NotFound(id string) Snapshot {
	return Snapshot{SessionID: id, Status: StateNotFound}
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e-vnts/meet-recorder/pkg/events"
	"github.com/e-vnts/meet-recorder/pkg/orchestrator"
	"github.com/e-vnts/meet-recorder/pkg/process"
	"github.com/e-vnts/meet-recorder/pkg/resource"
	"github.com/e-vnts/meet-recorder/pkg/session"
)

type fakeService struct {
	mutex    sync.Mutex
	sessions map[string]session.Session
	lastReq  orchestrator.StartRequest
	startErr error
}

func newFakeService() *fakeService {
	return &fakeService{sessions: map[string]session.Session{}}
}

func (f *fakeService) Start(req orchestrator.StartRequest) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.lastReq = req
	if f.startErr != nil {
		return "", f.startErr
	}
	id := fmt.Sprintf("s%d", len(f.sessions)+1)
	f.sessions[id] = session.Session{ID: id, State: session.StatePending, MeetingURL: req.MeetingURL}
	return id, nil
}

func (f *fakeService) Stop(id string) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.State.Terminal() || s.StopRequested {
		return false
	}
	s.StopRequested = true
	f.sessions[id] = s
	return true
}

func (f *fakeService) Status(id string) session.Snapshot {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return session.NotFound(id)
	}
	return s.Snapshot(time.Now())
}

func (f *fakeService) List() map[string]session.Snapshot {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	out := map[string]session.Snapshot{}
	for id, s := range f.sessions {
		out[id] = s.Snapshot(time.Now())
	}
	return out
}

func (f *fakeService) Remove(id string) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	_, ok := f.sessions[id]
	delete(f.sessions, id)
	return ok
}

func (f *fakeService) Count() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.sessions)
}

func (f *fakeService) ActiveCount() int { return f.Count() }

func (f *fakeService) set(s session.Session) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.sessions[s.ID] = s
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestStartSession(t *testing.T) {
	svc := newFakeService()
	srv := NewHTTPServer(svc, nil)

	rec, body := do(t, srv, http.MethodPost, "/sessions", `{
		"meetLink": "https://meet.google.com/abc-defg-hij",
		"displayName": "Bot",
		"recordPath": "call.mp4",
		"screenResolution": "1280x720",
		"showBrowser": true,
		"additionalOptions": {"upload": false}
	}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "s1", body["sessionId"])
	assert.Equal(t, "pending", body["status"])

	assert.Equal(t, orchestrator.StartRequest{
		MeetingURL:  "https://meet.google.com/abc-defg-hij",
		DisplayName: "Bot",
		RecordPath:  "call.mp4",
		Resolution:  "1280x720",
		ShowBrowser: true,
		Options:     map[string]any{"upload": false},
	}, svc.lastReq)
}

func TestStartSessionErrors(t *testing.T) {
	svc := newFakeService()
	srv := NewHTTPServer(svc, nil)

	rec, body := do(t, srv, http.MethodPost, "/sessions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", body["type"])

	svc.startErr = fmt.Errorf("%w: meetLink is required", orchestrator.ErrInvalidRequest)
	rec, body = do(t, srv, http.MethodPost, "/sessions", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "meetLink is required")

	svc.startErr = fmt.Errorf("%w: teams", orchestrator.ErrUnsupportedPlatform)
	rec, _ = do(t, srv, http.MethodPost, "/sessions", `{"meetLink":"https://x.y","platform":"teams"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.startErr = fmt.Errorf("create recording dir: permission denied")
	rec, _ = do(t, srv, http.MethodPost, "/sessions", `{"meetLink":"https://x.y"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetSession(t *testing.T) {
	svc := newFakeService()
	svc.set(session.Session{ID: "abc", State: session.StateRecording, RecordPath: "/r/abc/meeting.mp4", StartedAt: time.Now().Add(-time.Minute)})
	srv := NewHTTPServer(svc, nil)

	rec, body := do(t, srv, http.MethodGet, "/sessions/abc", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "recording", body["status"])
	assert.Equal(t, "/r/abc/meeting.mp4", body["recordingPath"])
	assert.Nil(t, body["error"])
	assert.InDelta(t, 60, body["duration"], 5)

	rec, body = do(t, srv, http.MethodGet, "/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["status"])
}

func TestStopSession(t *testing.T) {
	svc := newFakeService()
	svc.set(session.Session{ID: "abc", State: session.StateRecording})
	svc.set(session.Session{ID: "done", State: session.StateStopped})
	srv := NewHTTPServer(svc, nil)

	rec, body := do(t, srv, http.MethodPost, "/sessions/abc/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["stopRequested"])

	rec, body = do(t, srv, http.MethodPost, "/sessions/done/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "stopped", body["status"])
	assert.Contains(t, body["error"], "not running")

	rec, body = do(t, srv, http.MethodPost, "/sessions/nope/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "session not found", body["error"])
}

func TestListAndRemoveSessions(t *testing.T) {
	svc := newFakeService()
	svc.set(session.Session{ID: "a", State: session.StateRecording})
	svc.set(session.Session{ID: "b", State: session.StateError, Error: "boom"})
	srv := NewHTTPServer(svc, nil)

	rec, body := do(t, srv, http.MethodGet, "/sessions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	sessions := body["sessions"].(map[string]interface{})
	require.Len(t, sessions, 2)
	assert.Equal(t, "boom", sessions["b"].(map[string]interface{})["error"])

	rec, body = do(t, srv, http.MethodDelete, "/sessions/a", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "removed", body["status"])

	rec, _ = do(t, srv, http.MethodDelete, "/sessions/a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouting(t *testing.T) {
	srv := NewHTTPServer(newFakeService(), nil)

	rec, _ := do(t, srv, http.MethodPut, "/sessions/abc", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Header().Get("Allow"), http.MethodDelete)

	rec, errBody := do(t, srv, http.MethodGet, "/nothing/here", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, MessageTypeError, errBody["type"])
	assert.EqualValues(t, http.StatusNotFound, errBody["code"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec, body := do(t, srv, http.MethodGet, "/health/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["session_count"])
}

type fakeReporter []process.Info

func (f fakeReporter) Report(ctx context.Context) []process.Info { return f }

type fakeDisplays []resource.DisplayInfo

func (f fakeDisplays) Active() []resource.DisplayInfo { return f }

func TestHealthReportsProcesses(t *testing.T) {
	srv := NewHTTPServer(newFakeService(), nil)
	srv.SetProcessReporter(fakeReporter{
		{Name: "ffmpeg", PID: 42, Usage: &process.Usage{RSSBytes: 1024}},
	})
	srv.SetDisplayReporter(fakeDisplays{
		{Display: ":100", SessionID: "s1", PID: 7, Alive: true},
	})

	rec, body := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	procs, ok := body["processes"].([]interface{})
	require.True(t, ok)
	require.Len(t, procs, 1)
	proc := procs[0].(map[string]interface{})
	assert.Equal(t, "ffmpeg", proc["name"])
	assert.EqualValues(t, 42, proc["pid"])
	assert.EqualValues(t, 1024, proc["usage"].(map[string]interface{})["rss_bytes"])

	displays, ok := body["displays"].([]interface{})
	require.True(t, ok)
	require.Len(t, displays, 1)
	assert.Equal(t, "s1", displays[0].(map[string]interface{})["session_id"])
}

func TestParamRouter(t *testing.T) {
	pr := NewParamRouter()
	var got Params
	pr.Handle("", "/a/{x}/b/{y}", func(w http.ResponseWriter, r *http.Request) {
		got = Params{"x": GetPathParam(r, "x"), "y": GetPathParam(r, "y")}
	})

	pr.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPatch, "/a/1/b/2", nil))
	assert.Equal(t, Params{"x": "1", "y": "2"}, got)
	assert.Empty(t, GetPathParam(httptest.NewRequest(http.MethodGet, "/", nil), "x"))
}

func TestParseConnectionConfig(t *testing.T) {
	cfg := ParseConnectionConfig(map[string][]string{
		"type":      {"state_changed", "bogus", "export"},
		"queue":     {"7"},
		"heartbeat": {"15"},
	}, 100)
	assert.Equal(t, []events.Type{events.TypeStateChanged, events.TypeExport}, cfg.Types)
	assert.Equal(t, 7, cfg.QueueSize)
	assert.True(t, cfg.EnableHeartbeat)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)

	cfg = ParseConnectionConfig(nil, 100)
	assert.Equal(t, 100, cfg.QueueSize)
	assert.False(t, cfg.EnableHeartbeat)

	cfg = ParseConnectionConfig(map[string][]string{"queue": {"2000000000"}}, 100)
	assert.Equal(t, 100, cfg.QueueSize, "clients cannot raise the queue above the server limit")

	cfg = ParseConnectionConfig(map[string][]string{"queue": {"-5"}}, 100)
	assert.Equal(t, 100, cfg.QueueSize)
}

func TestEventStream(t *testing.T) {
	svc := newFakeService()
	svc.set(session.Session{ID: "abc", State: session.StateRecording})
	bus := events.NewBus()
	ws := NewWebSocketServer(bus, svc, WebSocketConfig{PingInterval: time.Second})
	ts := httptest.NewServer(NewHTTPServer(svc, ws))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/abc?type=state_changed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var hello SubscribedMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, MessageTypeSubscribed, hello.Type)
	assert.Equal(t, "abc", hello.SessionID)
	require.Eventually(t, func() bool { return ws.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.New(events.TypeStateChanged, "other", session.StateStopped))
	bus.Publish(events.New(events.TypeStopRequested, "abc", session.StateRecording))
	bus.Publish(events.New(events.TypeStateChanged, "abc", session.StateStopped))

	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, events.TypeStateChanged, e.Type)
	assert.Equal(t, "abc", e.SessionID)
	assert.Equal(t, session.StateStopped, e.State)

	conn.Close()
	assert.Eventually(t, func() bool { return ws.ClientCount() == 0 && bus.Stats().ActiveSubscribers == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventStreamUnknownSession(t *testing.T) {
	svc := newFakeService()
	ts := httptest.NewServer(NewHTTPServer(svc, NewWebSocketServer(events.NewBus(), svc, WebSocketConfig{})))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e-vnts/meet-recorder/pkg/browser"
	"github.com/e-vnts/meet-recorder/pkg/config"
	"github.com/e-vnts/meet-recorder/pkg/events"
	"github.com/e-vnts/meet-recorder/pkg/log"
	"github.com/e-vnts/meet-recorder/pkg/platform"
	"github.com/e-vnts/meet-recorder/pkg/process"
	"github.com/e-vnts/meet-recorder/pkg/recorder"
	"github.com/e-vnts/meet-recorder/pkg/resource"
	"github.com/e-vnts/meet-recorder/pkg/session"
	"github.com/e-vnts/meet-recorder/pkg/task"
)

var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrBrowserExited       = errors.New("browser exited unexpectedly")
)

// DisplayAllocator hands out virtual displays
type DisplayAllocator interface {
	Allocate(ctx context.Context, sessionID string, width, height int) (*resource.Display, error)
	Release(sessionID string) bool
}

// SinkAllocator hands out audio sinks
type SinkAllocator interface {
	Allocate(ctx context.Context, sessionID string) (*resource.Sink, error)
	Release(ctx context.Context, sessionID string) bool
}

// PortAllocator hands out DevTools debug ports
type PortAllocator interface {
	Acquire() (int, error)
	Release(port int)
}

// Browser is a launched browser with one attached page
type Browser interface {
	Page() platform.Page
	PID() int
	Alive() bool
	Close(grace time.Duration) process.StopResult
}

// BrowserLauncher starts browsers
type BrowserLauncher interface {
	Launch(ctx context.Context, opts browser.Options) (Browser, error)
}

// RecorderFactory creates one recorder per session
type RecorderFactory interface {
	New() recorder.Recorder
}

// Exporter uploads finished recordings
type Exporter interface {
	Enabled() bool
	Export(ctx context.Context, sessionID, path string) error
}

// Config tunes the runner
type Config struct {
	RecordingsDir      string
	DefaultDisplayName string
	DefaultFilename    string
	DefaultWidth       int
	DefaultHeight      int
	PollInterval       time.Duration
	StopGrace          time.Duration
	JoinTimeout        time.Duration
	LeaveTimeout       time.Duration
	CleanupTimeout     time.Duration
}

// Deps are the collaborators a runner drives. Exporter, Events and
// Supervisor may be nil.
type Deps struct {
	Registry   *session.Registry
	Tasks      *task.Manager
	Displays   DisplayAllocator
	Sinks      SinkAllocator
	Ports      PortAllocator
	Browsers   BrowserLauncher
	Drivers    *platform.Registry
	Recorders  RecorderFactory
	Exporter   Exporter
	Events     *events.Bus
	Supervisor *process.Supervisor
}

// StartRequest is a request to join and record a meeting
type StartRequest struct {
	MeetingURL  string         `json:"meetLink"`
	DisplayName string         `json:"displayName,omitempty"`
	RecordPath  string         `json:"recordPath,omitempty"`
	Resolution  string         `json:"screenResolution,omitempty"`
	ShowBrowser bool           `json:"showBrowser,omitempty"`
	Platform    string         `json:"platform,omitempty"`
	Options     map[string]any `json:"additionalOptions,omitempty"`
}

// Runner owns the lifecycle of every session: it registers them, runs one
// pipeline goroutine each and answers status queries
type Runner struct {
	cfg  Config
	deps Deps

	cancels map[string]context.CancelFunc
	mutex   sync.Mutex

	root       context.Context
	rootCancel context.CancelFunc
}

// New creates a runner
func New(cfg Config, deps Deps) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Minute
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = 10 * time.Second
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = time.Minute
	}
	if cfg.DefaultFilename == "" {
		cfg.DefaultFilename = "recording.mp4"
	}
	if cfg.DefaultWidth <= 0 || cfg.DefaultHeight <= 0 {
		cfg.DefaultWidth, cfg.DefaultHeight = 1280, 720
	}
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	if deps.Tasks == nil {
		deps.Tasks = task.NewManager()
	}
	if deps.Drivers == nil {
		deps.Drivers = platform.DefaultRegistry()
	}

	root, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:        cfg,
		deps:       deps,
		cancels:    make(map[string]context.CancelFunc),
		root:       root,
		rootCancel: cancel,
	}
}

// Start validates req, registers a PENDING session and schedules its
// pipeline. It returns as soon as the session is queryable.
func (r *Runner) Start(req StartRequest) (string, error) {
	sess, err := r.newSession(req)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(sess.RecordPath), 0o755); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}
	if err := r.deps.Registry.Add(sess); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(r.root)
	r.mutex.Lock()
	r.cancels[sess.ID] = cancel
	r.mutex.Unlock()

	p := newPipeline(r, ctx, sess)
	err = r.deps.Tasks.Start(sess.ID, func() (interface{}, error) {
		defer r.forget(sess.ID)
		return p.execute()
	})
	if err != nil {
		r.forget(sess.ID)
		r.deps.Registry.Remove(sess.ID)
		return "", err
	}

	r.publish(events.New(events.TypeCreated, sess.ID, session.StatePending))
	log.WithSession(sess.ID).WithField("platform", sess.Platform).Infof("Session created for %s", sess.MeetingURL)
	return sess.ID, nil
}

func (r *Runner) newSession(req StartRequest) (session.Session, error) {
	meetingURL := strings.TrimSpace(req.MeetingURL)
	if meetingURL == "" {
		return session.Session{}, fmt.Errorf("%w: meetLink is required", ErrInvalidRequest)
	}
	u, err := url.Parse(meetingURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return session.Session{}, fmt.Errorf("%w: meetLink must be an http(s) URL", ErrInvalidRequest)
	}

	p, err := session.ParsePlatform(req.Platform)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %v", ErrUnsupportedPlatform, err)
	}
	if _, err := r.deps.Drivers.Get(p); err != nil {
		return session.Session{}, fmt.Errorf("%w: %v", ErrUnsupportedPlatform, err)
	}

	id := uuid.NewString()

	width, height := r.cfg.DefaultWidth, r.cfg.DefaultHeight
	if req.Resolution != "" {
		w, h, ok := config.ParseResolution(req.Resolution)
		if ok {
			width, height = w, h
		} else {
			log.WithSession(id).Warnf("Invalid screenResolution %q, using %dx%d", req.Resolution, width, height)
		}
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = r.cfg.DefaultDisplayName
	}

	return session.Session{
		ID:          id,
		Platform:    p,
		MeetingURL:  meetingURL,
		DisplayName: displayName,
		RecordPath:  filepath.Join(r.cfg.RecordingsDir, id, r.filename(req.RecordPath)),
		Width:       width,
		Height:      height,
		ShowBrowser: req.ShowBrowser,
		Options:     req.Options,
		State:       session.StatePending,
		StartedAt:   time.Now(),
	}, nil
}

// filename keeps only the base name of a requested path so recordings
// always land in the session's own directory
func (r *Runner) filename(requested string) string {
	name := filepath.Base(strings.TrimSpace(requested))
	if name == "." || name == "/" || name == "" {
		return r.cfg.DefaultFilename
	}
	return name
}

var errNoop = errors.New("no change")

// Stop asks a session to finish recording. It returns false when the
// session is unknown, already finished or already stopping.
func (r *Runner) Stop(id string) bool {
	s, err := r.deps.Registry.Mutate(id, func(s *session.Session) error {
		if s.State.Terminal() || s.StopRequested {
			return errNoop
		}
		s.StopRequested = true
		return nil
	})
	if err != nil {
		return false
	}

	r.deps.Tasks.RequestStop(id)
	r.cancel(id)
	r.publish(events.New(events.TypeStopRequested, id, s.State))
	log.WithSession(id).Info("Stop requested")
	return true
}

// Status returns the session's snapshot, or a not_found snapshot
func (r *Runner) Status(id string) session.Snapshot {
	s, ok := r.deps.Registry.Get(id)
	if !ok {
		return session.NotFound(id)
	}
	snap := s.Snapshot(time.Now())
	snap.TaskStatus = string(r.deps.Tasks.Status(id).Status)
	return snap
}

// List returns a snapshot of every registered session
func (r *Runner) List() map[string]session.Snapshot {
	now := time.Now()
	all := r.deps.Registry.List()
	out := make(map[string]session.Snapshot, len(all))
	for id, s := range all {
		snap := s.Snapshot(now)
		snap.TaskStatus = string(r.deps.Tasks.Status(id).Status)
		out[id] = snap
	}
	return out
}

// Remove forgets a session. A running pipeline notices the missing entry,
// releases its resources and exits without recording a final state.
func (r *Runner) Remove(id string) bool {
	if !r.deps.Registry.Remove(id) {
		return false
	}
	r.cancel(id)

	if done, ok := r.deps.Tasks.Done(id); ok {
		go func() {
			<-done
			r.deps.Tasks.Cleanup(id)
		}()
	}

	r.publish(events.New(events.TypeRemoved, id, ""))
	log.WithSession(id).Info("Session removed")
	return true
}

// Count returns the number of registered sessions
func (r *Runner) Count() int {
	return r.deps.Registry.Len()
}

// ActiveCount returns the number of sessions that have not finished
func (r *Runner) ActiveCount() int {
	n := 0
	for _, s := range r.deps.Registry.List() {
		if s.State.Active() {
			n++
		}
	}
	return n
}

// Shutdown stops every active session, waits for the pipelines bounded by
// ctx and finally stops any supervised process still alive
func (r *Runner) Shutdown(ctx context.Context) error {
	log.Info("Shutting down session runner")

	for id, s := range r.deps.Registry.List() {
		if s.State.Active() {
			r.Stop(id)
		}
	}

	err := r.deps.Tasks.CloseAndWait(ctx)
	if err != nil {
		log.Errorf("Session workers did not drain: %v", err)
	}
	r.rootCancel()

	if r.deps.Supervisor != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*r.cfg.StopGrace+5*time.Second)
		defer cancel()
		if serr := r.deps.Supervisor.StopAll(stopCtx, r.cfg.StopGrace); serr != nil && err == nil {
			err = serr
		}
	}

	log.Info("Session runner shutdown complete")
	return err
}

func (r *Runner) cancel(id string) {
	r.mutex.Lock()
	cancel, ok := r.cancels[id]
	r.mutex.Unlock()
	if ok {
		cancel()
	}
}

func (r *Runner) forget(id string) {
	r.mutex.Lock()
	cancel, ok := r.cancels[id]
	delete(r.cancels, id)
	r.mutex.Unlock()
	if ok {
		cancel()
	}
}

func (r *Runner) publish(e events.Event) {
	r.deps.Events.Publish(e)
}

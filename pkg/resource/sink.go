package resource

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/e-vnts/meet-recorder/pkg/log"
)

const (
	SinkModePerSession = "per-session"
	SinkModeShared     = "shared"
)

// SinkConfig configures the PulseAudio sink allocator
type SinkConfig struct {
	Mode           string
	PactlPath      string
	PulseAudioPath string
	SharedSink     string
	Prefix         string
}

// Sink is the audio sink a session's browser plays into. The recorder
// captures Monitor.
type Sink struct {
	Name      string
	Monitor   string
	SessionID string
	Module    int // pactl module index, -1 when the sink is not ours
}

// CommandRunner runs a short-lived command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

// SinkAllocator hands each session an isolated null sink, or lends a
// single shared sink to one session at a time
type SinkAllocator struct {
	cfg          SinkConfig
	run          CommandRunner
	sinks        map[string]*Sink
	sharedHolder string
	mutex        sync.Mutex
	inflight     singleflight.Group
}

// NewSinkAllocator creates a sink allocator that shells out to pactl
func NewSinkAllocator(cfg SinkConfig) *SinkAllocator {
	return NewSinkAllocatorWithRunner(cfg, execRunner)
}

// NewSinkAllocatorWithRunner creates a sink allocator with a custom runner
func NewSinkAllocatorWithRunner(cfg SinkConfig, run CommandRunner) *SinkAllocator {
	if cfg.Mode == "" {
		cfg.Mode = SinkModePerSession
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "meetrec_"
	}
	return &SinkAllocator{cfg: cfg, run: run, sinks: make(map[string]*Sink)}
}

// EnsureServer starts the PulseAudio daemon if it is not running
func (a *SinkAllocator) EnsureServer(ctx context.Context) error {
	if _, err := a.run(ctx, a.cfg.PulseAudioPath, "--check"); err == nil {
		return nil
	}
	log.Info("PulseAudio not running, starting it")
	if _, err := a.run(ctx, a.cfg.PulseAudioPath, "--start", "--exit-idle-time=-1"); err != nil {
		return fmt.Errorf("start pulseaudio: %w", err)
	}
	return nil
}

// Allocate returns the session's sink, creating it if needed
func (a *SinkAllocator) Allocate(ctx context.Context, sessionID string) (*Sink, error) {
	v, err, _ := a.inflight.Do(sessionID, func() (interface{}, error) {
		return a.allocate(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Sink), nil
}

func (a *SinkAllocator) allocate(ctx context.Context, sessionID string) (*Sink, error) {
	a.mutex.Lock()
	if s, ok := a.sinks[sessionID]; ok {
		a.mutex.Unlock()
		return s, nil
	}
	if a.cfg.Mode == SinkModeShared {
		defer a.mutex.Unlock()
		if a.sharedHolder != "" {
			return nil, fmt.Errorf("%w: shared audio sink is held by session %s", ErrResourceExhausted, a.sharedHolder)
		}
		s := a.sharedSink(sessionID)
		a.sharedHolder = sessionID
		a.sinks[sessionID] = s
		return s, nil
	}
	a.mutex.Unlock()

	name := a.cfg.Prefix + strings.ReplaceAll(sessionID, "-", "")
	out, err := a.run(ctx, a.cfg.PactlPath, "load-module", "module-null-sink",
		"sink_name="+name,
		"sink_properties=device.description="+name)
	if err != nil {
		return nil, fmt.Errorf("%w: create sink %s: %v", ErrProcessLaunchFailed, name, err)
	}
	module, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return nil, fmt.Errorf("%w: unexpected pactl output %q", ErrProcessLaunchFailed, strings.TrimSpace(out))
	}

	s := &Sink{Name: name, Monitor: name + ".monitor", SessionID: sessionID, Module: module}

	a.mutex.Lock()
	a.sinks[sessionID] = s
	a.mutex.Unlock()

	log.WithSession(sessionID).Infof("Audio sink %s created (module %d)", name, module)
	return s, nil
}

func (a *SinkAllocator) sharedSink(sessionID string) *Sink {
	name := a.cfg.SharedSink
	if name == "" || name == "default" {
		return &Sink{Name: "@DEFAULT_SINK@", Monitor: "@DEFAULT_MONITOR@", SessionID: sessionID, Module: -1}
	}
	return &Sink{Name: name, Monitor: name + ".monitor", SessionID: sessionID, Module: -1}
}

// Release unloads the session's sink. It reports false if the session
// holds none.
func (a *SinkAllocator) Release(ctx context.Context, sessionID string) bool {
	a.mutex.Lock()
	s, ok := a.sinks[sessionID]
	delete(a.sinks, sessionID)
	if a.sharedHolder == sessionID {
		a.sharedHolder = ""
	}
	a.mutex.Unlock()

	if !ok {
		return false
	}
	if s.Module >= 0 {
		if _, err := a.run(ctx, a.cfg.PactlPath, "unload-module", strconv.Itoa(s.Module)); err != nil {
			log.WithSession(sessionID).Warnf("Failed to unload audio sink %s: %v", s.Name, err)
		}
	}
	log.WithSession(sessionID).Infof("Audio sink %s released", s.Name)
	return true
}

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return string(out), fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return string(out), err
	}
	return string(out), nil
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/e-vnts/meet-recorder/pkg/browser"
	"github.com/e-vnts/meet-recorder/pkg/events"
	"github.com/e-vnts/meet-recorder/pkg/log"
	"github.com/e-vnts/meet-recorder/pkg/platform"
	"github.com/e-vnts/meet-recorder/pkg/recorder"
	"github.com/e-vnts/meet-recorder/pkg/resource"
	"github.com/e-vnts/meet-recorder/pkg/session"
)

var (
	errStopRequested = errors.New("stop requested")
	errAborted       = errors.New("session removed")
)

// Result is what a finished pipeline reports to the task manager
type Result struct {
	State         session.State `json:"state,omitempty"`
	RecordingPath string        `json:"recordingPath,omitempty"`
	Aborted       bool          `json:"aborted,omitempty"`
}

// pipeline drives one session from PENDING to a terminal state. Everything
// it holds is owned by the session's goroutine alone.
type pipeline struct {
	r      *Runner
	ctx    context.Context
	sess   session.Session
	logger *logrus.Entry

	driver  platform.Driver
	display *resource.Display
	sink    *resource.Sink
	port    int
	browser Browser
	rec     recorder.Recorder
	joined  bool

	cleanupOnce sync.Once
	result      Result
	resultErr   error
}

func newPipeline(r *Runner, ctx context.Context, sess session.Session) *pipeline {
	return &pipeline{
		r:      r,
		ctx:    ctx,
		sess:   sess,
		logger: log.WithSession(sess.ID).WithField("platform", sess.Platform),
	}
}

// execute runs the steps and then cleans up exactly once, panics included
func (p *pipeline) execute() (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Errorf("Pipeline panicked: %v\n%s", rec, debug.Stack())
			result, err = p.cleanup(fmt.Errorf("panic: %v", rec))
		}
	}()
	return p.cleanup(p.steps())
}

func (p *pipeline) steps() error {
	id := p.sess.ID

	driver, err := p.r.deps.Drivers.Get(p.sess.Platform)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedPlatform, err)
	}
	p.driver = driver

	if err := p.transition(session.StateJoining); err != nil {
		return err
	}
	if err := p.interrupted(); err != nil {
		return err
	}

	p.logger.Infof("Allocating %dx%d display", p.sess.Width, p.sess.Height)
	display, err := p.r.deps.Displays.Allocate(p.ctx, id, p.sess.Width, p.sess.Height)
	if err != nil {
		return p.cause(fmt.Errorf("allocate display: %w", err))
	}
	p.display = display

	sink, err := p.r.deps.Sinks.Allocate(p.ctx, id)
	if err != nil {
		return p.cause(fmt.Errorf("allocate audio sink: %w", err))
	}
	p.sink = sink

	port, err := p.r.deps.Ports.Acquire()
	if err != nil {
		return p.cause(fmt.Errorf("allocate debug port: %w", err))
	}
	p.port = port

	if err := p.update(func(s *session.Session) {
		s.Display = display.Name()
		s.AudioSink = sink.Name
	}); err != nil {
		return err
	}

	b, err := p.r.deps.Browsers.Launch(p.ctx, browser.Options{
		SessionID: id,
		Display:   display.Name(),
		Width:     p.sess.Width,
		Height:    p.sess.Height,
		Headless:  !p.sess.ShowBrowser,
		DebugPort: port,
		PulseSink: sink.Name,
		LogPath:   filepath.Join(filepath.Dir(p.sess.RecordPath), "browser.log"),
	})
	if err != nil {
		return p.cause(fmt.Errorf("launch browser: %w", err))
	}
	p.browser = b
	if err := p.update(func(s *session.Session) { s.BrowserPID = b.PID() }); err != nil {
		return err
	}

	joinCtx, cancel := context.WithTimeout(p.ctx, p.r.cfg.JoinTimeout)
	err = driver.Join(joinCtx, b.Page(), platform.JoinRequest{
		MeetingURL:  p.sess.MeetingURL,
		SessionID:   id,
		DisplayName: p.sess.DisplayName,
	})
	cancel()
	if err != nil {
		return p.cause(err)
	}
	p.joined = true
	if err := p.interrupted(); err != nil {
		return err
	}

	rec := p.r.deps.Recorders.New()
	err = rec.Start(p.ctx, recorder.Target{
		SessionID:   id,
		Display:     display.Name(),
		Width:       p.sess.Width,
		Height:      p.sess.Height,
		AudioSource: sink.Monitor,
		OutputPath:  p.sess.RecordPath,
		AudioOnly:   !p.sess.ShowBrowser,
		Page:        b.Page(),
	})
	if err != nil {
		return p.cause(fmt.Errorf("start recorder: %w", err))
	}
	p.rec = rec

	if err := p.transition(session.StateRecording); err != nil {
		return err
	}
	if withPID, ok := rec.(interface{ PID() int }); ok {
		if err := p.update(func(s *session.Session) { s.RecorderPID = withPID.PID() }); err != nil {
			return err
		}
	}
	p.logger.Infof("Recording to %s", p.sess.RecordPath)

	return p.wait()
}

// wait is the steady state: it returns when a stop is requested, the
// session is removed, or the recorder or browser dies
func (p *pipeline) wait() error {
	ticker := time.NewTicker(p.r.cfg.PollInterval)
	defer ticker.Stop()
	tender, _ := p.driver.(platform.Tender)

	for {
		select {
		case <-p.ctx.Done():
			return p.stopCause()

		case <-p.rec.Done():
			if err := p.rec.Err(); err != nil {
				return err
			}
			if p.ctx.Err() != nil {
				return p.stopCause()
			}
			return fmt.Errorf("%w: recording ended on its own", recorder.ErrRecorderCrashed)

		case <-ticker.C:
			s, ok := p.r.deps.Registry.Get(p.sess.ID)
			if !ok {
				return errAborted
			}
			if s.StopRequested {
				return errStopRequested
			}
			if !p.browser.Alive() {
				return ErrBrowserExited
			}
			if tender != nil {
				tendCtx, cancel := context.WithTimeout(p.ctx, p.r.cfg.PollInterval)
				if err := tender.Tend(tendCtx, p.browser.Page(), p.sess.ID); err != nil {
					p.logger.Debugf("Tending page failed: %v", err)
				}
				cancel()
			}
		}
	}
}

// cleanup releases everything the pipeline acquired, records the final
// state and runs the export. Each release step is isolated from the others,
// and a panic while settling still leaves the session in a final state.
func (p *pipeline) cleanup(runErr error) (interface{}, error) {
	p.cleanupOnce.Do(func() {
		defer func() {
			if rec := recover(); rec != nil {
				p.logger.Errorf("Cleanup panicked: %v\n%s", rec, debug.Stack())
				p.result, p.resultErr = p.fail(fmt.Errorf("panic during cleanup: %v", rec))
			}
		}()
		p.release()
		p.result, p.resultErr = p.settle(runErr)
	})
	return p.result, p.resultErr
}

// release stops the recorder, leaves the meeting and gives back every
// resource. The recorder goes first: the in-page strategy needs the page
// intact, and ffmpeg should not capture the post-call screen.
func (p *pipeline) release() {
	id := p.sess.ID
	ctx, cancel := context.WithTimeout(context.Background(), p.r.cfg.CleanupTimeout)
	defer cancel()

	if p.rec != nil {
		p.guard("stop recorder", func() error { return p.rec.Stop(ctx) })
	}
	if p.joined && p.browser != nil {
		p.guard("leave meeting", func() error {
			if !p.browser.Alive() {
				return nil
			}
			leaveCtx, cancel := context.WithTimeout(ctx, p.r.cfg.LeaveTimeout)
			defer cancel()
			return p.driver.Leave(leaveCtx, p.browser.Page(), id)
		})
	}
	if p.browser != nil {
		p.guard("close browser", func() error {
			p.logger.Debugf("Browser closed: %s", p.browser.Close(p.r.cfg.StopGrace))
			return nil
		})
	}
	if p.sink != nil {
		p.guard("release audio sink", func() error {
			p.r.deps.Sinks.Release(ctx, id)
			return nil
		})
	}
	if p.port != 0 {
		p.guard("release debug port", func() error {
			p.r.deps.Ports.Release(p.port)
			return nil
		})
	}
	if p.display != nil {
		p.guard("release display", func() error {
			p.r.deps.Displays.Release(id)
			return nil
		})
	}
}

// settle records the final state and exports a stopped recording
func (p *pipeline) settle(runErr error) (Result, error) {
	id := p.sess.ID

	aborted := errors.Is(runErr, errAborted)
	stopped := runErr == nil || errors.Is(runErr, errStopRequested)
	switch {
	case aborted:
		p.logger.Info("Session removed, resources released")
		return Result{Aborted: true}, nil
	case stopped:
		p.logger.Info("Stopping recording")
	default:
		p.logger.Errorf("Session failed: %v", runErr)
	}

	final := session.StateStopped
	if !stopped {
		final = session.StateError
	}
	s, err := p.r.deps.Registry.Mutate(id, func(s *session.Session) error {
		if err := session.Transition(s.State, final); err != nil {
			return err
		}
		s.State = final
		s.EndedAt = time.Now()
		if final == session.StateError {
			s.Error = runErr.Error()
		}
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		p.logger.Info("Session removed during cleanup")
		return Result{Aborted: true}, nil
	}
	if err != nil {
		p.logger.Errorf("Recording final state failed: %v", err)
	} else {
		e := events.New(events.TypeStateChanged, id, final)
		e.Error = s.Error
		p.r.publish(e)
	}

	result := Result{State: final, RecordingPath: p.sess.RecordPath}
	if final == session.StateError {
		return result, runErr
	}

	p.logger.WithField("duration", s.Duration(time.Now()).Round(time.Second)).Info("Session stopped")
	p.export()
	return result, nil
}

// fail moves a session that has not reached a final state to ERROR. A
// session already STOPPED or ERROR keeps its state.
func (p *pipeline) fail(cause error) (Result, error) {
	s, err := p.r.deps.Registry.Mutate(p.sess.ID, func(s *session.Session) error {
		if s.State.Terminal() {
			return errNoop
		}
		s.State = session.StateError
		s.EndedAt = time.Now()
		s.Error = cause.Error()
		return nil
	})
	switch {
	case errors.Is(err, session.ErrNotFound):
		return Result{Aborted: true}, nil
	case errors.Is(err, errNoop):
		cur, _ := p.r.deps.Registry.Get(p.sess.ID)
		return Result{State: cur.State, RecordingPath: p.sess.RecordPath}, cause
	case err != nil:
		p.logger.Errorf("Recording error state failed: %v", err)
	default:
		e := events.New(events.TypeStateChanged, p.sess.ID, session.StateError)
		e.Error = s.Error
		p.r.publish(e)
	}
	return Result{State: session.StateError, RecordingPath: p.sess.RecordPath}, cause
}

// export uploads the recording when an exporter is configured. It never
// changes the session state.
func (p *pipeline) export() {
	exp := p.r.deps.Exporter
	if exp == nil || !exp.Enabled() {
		return
	}
	if v, ok := p.sess.Options["upload"].(bool); ok && !v {
		p.logger.Debug("Upload disabled for this session")
		return
	}

	id := p.sess.ID
	if err := p.update(func(s *session.Session) { s.Export = session.ExportPending }); err != nil {
		return
	}

	err := p.upload(exp)

	e := events.New(events.TypeExport, id, session.StateStopped)
	_ = p.update(func(s *session.Session) {
		if err != nil {
			s.Export = session.ExportFailed
			s.ExportError = err.Error()
			return
		}
		s.Export = session.ExportDone
	})
	if err != nil {
		p.logger.Errorf("Export failed, recording kept at %s: %v", p.sess.RecordPath, err)
		e.Detail = string(session.ExportFailed)
		e.Error = err.Error()
	} else {
		e.Detail = string(session.ExportDone)
	}
	p.r.publish(e)
}

// upload runs the exporter, turning a panic into an export failure
func (p *pipeline) upload(exp Exporter) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("export panicked: %v", rec)
		}
	}()
	return exp.Export(p.r.root, p.sess.ID, p.sess.RecordPath)
}

func (p *pipeline) guard(step string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Errorf("Cleanup step %q panicked: %v", step, rec)
		}
	}()
	if err := fn(); err != nil {
		p.logger.Warnf("Cleanup step %q failed: %v", step, err)
	}
}

// transition moves the session to the next state. A missing entry means
// the session was removed.
func (p *pipeline) transition(to session.State) error {
	_, err := p.r.deps.Registry.Mutate(p.sess.ID, func(s *session.Session) error {
		if err := session.Transition(s.State, to); err != nil {
			return err
		}
		s.State = to
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		return errAborted
	}
	if err != nil {
		return err
	}
	p.logger.Infof("Session is %s", to)
	p.r.publish(events.New(events.TypeStateChanged, p.sess.ID, to))
	return nil
}

func (p *pipeline) update(fn func(s *session.Session)) error {
	_, err := p.r.deps.Registry.Mutate(p.sess.ID, func(s *session.Session) error {
		fn(s)
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		return errAborted
	}
	return err
}

// interrupted returns the reason to stop early, if any
func (p *pipeline) interrupted() error {
	if p.ctx.Err() != nil {
		return p.stopCause()
	}
	return nil
}

// cause attributes a step failure to a stop or removal when the session
// token was cancelled while the step ran
func (p *pipeline) cause(err error) error {
	if p.ctx.Err() != nil {
		return p.stopCause()
	}
	return err
}

func (p *pipeline) stopCause() error {
	if _, ok := p.r.deps.Registry.Get(p.sess.ID); !ok {
		return errAborted
	}
	return errStopRequested
}

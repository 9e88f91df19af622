package recorder

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/e-vnts/meet-recorder/pkg/log"
)

const inPageStart = `(() => {
  if (window.__meetRecorder) return "error:already recording";
  const audioOnly = %s;
  const stream = new MediaStream();
  for (const el of document.querySelectorAll('audio, video')) {
    try {
      const s = el.captureStream ? el.captureStream() : el.srcObject;
      if (!s) continue;
      for (const track of s.getTracks()) {
        if (audioOnly && track.kind !== 'audio') continue;
        stream.addTrack(track);
      }
    } catch (e) {}
  }
  if (stream.getTracks().length === 0) return "error:no media tracks on page";
  const state = { state: "recording", chunks: [], recorder: null };
  const rec = new MediaRecorder(stream, { mimeType: audioOnly ? 'audio/webm' : 'video/webm' });
  rec.ondataavailable = e => { if (e.data && e.data.size > 0) state.chunks.push(e.data); };
  rec.onstop = () => { state.state = "inactive"; };
  rec.onerror = () => { state.state = "error"; };
  rec.start(1000);
  state.recorder = rec;
  window.__meetRecorder = state;
  return "ok";
})()`

const inPageProbe = `((window.__meetRecorder && window.__meetRecorder.state) || "missing")`

const inPageStop = `(async () => {
  const state = window.__meetRecorder;
  if (!state) return "";
  if (state.recorder.state !== "inactive") {
    await new Promise(resolve => { state.recorder.addEventListener('stop', resolve); state.recorder.stop(); });
  }
  state.state = "stopped";
  const blob = new Blob(state.chunks, { type: state.recorder.mimeType });
  const data = await new Promise(resolve => {
    const reader = new FileReader();
    reader.onloadend = () => resolve(reader.result || "");
    reader.readAsDataURL(blob);
  });
  delete window.__meetRecorder;
  const comma = data.indexOf(',');
  return comma >= 0 ? data.slice(comma + 1) : "";
})()`

// InPage records with a MediaRecorder inside the meeting page. The media
// is pulled out through DevTools when the recording stops.
type InPage struct {
	cfg Config

	page     Evaluator
	target   Target
	started  bool
	stopping bool
	err      error
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	mutex    sync.Mutex
	logger   *logrus.Entry
}

// NewInPage creates an in-page recorder
func NewInPage(cfg Config) *InPage {
	return &InPage{cfg: cfg, done: make(chan struct{})}
}

// Start injects the MediaRecorder and begins probing it
func (r *InPage) Start(ctx context.Context, t Target) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	if t.Page == nil {
		return fmt.Errorf("%w: no page to record", ErrRecorderCrashed)
	}

	audioOnly, _ := json.Marshal(t.AudioOnly)
	var status string
	if err := t.Page.Evaluate(ctx, fmt.Sprintf(inPageStart, audioOnly), &status); err != nil {
		return fmt.Errorf("inject media recorder: %w", err)
	}
	if status != "ok" {
		return fmt.Errorf("%w: %s", ErrRecorderCrashed, strings.TrimPrefix(status, "error:"))
	}

	r.page = t.Page
	r.target = t
	r.started = true
	r.logger = log.WithSession(t.SessionID).WithField("recorder", StrategyInPage)

	probeCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.probe(probeCtx)

	r.logger.Infof("In-page recording started, output %s", t.OutputPath)
	return nil
}

func (r *InPage) probe(ctx context.Context) {
	interval := r.cfg.ProbeInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var state string
		err := r.page.Evaluate(ctx, inPageProbe, &state)
		if ctx.Err() != nil {
			return
		}
		if err == nil && state == "recording" {
			continue
		}

		r.mutex.Lock()
		if !r.stopping {
			if err != nil {
				r.err = fmt.Errorf("%w: page unreachable: %v", ErrRecorderCrashed, err)
			} else {
				r.err = fmt.Errorf("%w: media recorder is %s", ErrRecorderCrashed, state)
			}
		}
		r.mutex.Unlock()
		r.finish()
		return
	}
}

// Stop ends the MediaRecorder and writes the collected media to disk
func (r *InPage) Stop(ctx context.Context) error {
	r.mutex.Lock()
	if !r.started || r.stopping {
		r.mutex.Unlock()
		return nil
	}
	r.stopping = true
	r.cancel()
	r.mutex.Unlock()
	defer r.finish()

	var encoded string
	if err := r.page.Evaluate(ctx, inPageStop, &encoded); err != nil {
		return fmt.Errorf("collect recording: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode recording: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.target.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}
	if err := os.WriteFile(r.target.OutputPath, data, 0o644); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}

	r.logger.Infof("Wrote %d bytes to %s", len(data), r.target.OutputPath)
	return nil
}

// Done is closed when recording ends
func (r *InPage) Done() <-chan struct{} {
	return r.done
}

// Err reports why the in-page recorder stopped on its own
func (r *InPage) Err() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.err
}

func (r *InPage) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

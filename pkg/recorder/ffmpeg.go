package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/e-vnts/meet-recorder/pkg/log"
	"github.com/e-vnts/meet-recorder/pkg/process"
)

// FFmpeg records the X display and the session's audio with an ffmpeg
// child process
type FFmpeg struct {
	cfg Config
	sup *process.Supervisor

	handle   *process.Handle
	target   Target
	stopped  bool
	mutex    sync.Mutex
	logger   *logrus.Entry
	notStart chan struct{}
}

// NewFFmpeg creates an ffmpeg recorder
func NewFFmpeg(cfg Config, sup *process.Supervisor) *FFmpeg {
	return &FFmpeg{cfg: cfg, sup: sup, notStart: make(chan struct{})}
}

// Args builds the ffmpeg command line for t
func (f *FFmpeg) Args(t Target) []string {
	source := t.AudioSource
	if source == "" {
		source = "default"
	}

	args := []string{"-y", "-nostats"}
	if !t.AudioOnly {
		args = append(args,
			"-f", "x11grab",
			"-video_size", fmt.Sprintf("%dx%d", t.Width, t.Height),
			"-framerate", strconv.Itoa(f.cfg.FrameRate),
			"-draw_mouse", "0",
			"-i", t.Display+".0",
		)
	}
	args = append(args, "-f", "pulse", "-i", source)
	if !t.AudioOnly {
		args = append(args, "-c:v", f.cfg.VideoCodec, "-preset", f.cfg.Preset, "-pix_fmt", "yuv420p")
	}
	args = append(args, "-c:a", f.cfg.AudioCodec, "-b:a", f.cfg.AudioBitrate, t.OutputPath)
	return args
}

// Start launches ffmpeg and fails if it dies within the startup grace
func (f *FFmpeg) Start(ctx context.Context, t Target) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.handle != nil {
		return ErrAlreadyStarted
	}

	if err := os.MkdirAll(filepath.Dir(t.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}

	f.logger = log.WithSession(t.SessionID).WithField("recorder", StrategyFFmpeg)
	h, err := f.sup.Launch(ctx, process.Spec{
		Name:      "ffmpeg",
		Path:      f.cfg.FFmpegPath,
		Args:      f.Args(t),
		QuitInput: []byte("q\n"),
		LogPath:   t.OutputPath + ".ffmpeg.log",
	})
	if err != nil {
		return err
	}

	if h.Wait(f.cfg.StartupGrace) {
		return fmt.Errorf("%w: ffmpeg exited during startup: %v: %s",
			ErrRecorderCrashed, h.ExitErr(), lastLine(h.Output()))
	}

	f.handle = h
	f.target = t
	f.logger.WithField("pid", h.PID()).Infof("Recording to %s", t.OutputPath)
	return nil
}

// Stop asks ffmpeg to finish the file and escalates if it does not
func (f *FFmpeg) Stop(ctx context.Context) error {
	f.mutex.Lock()
	h := f.handle
	f.stopped = true
	f.mutex.Unlock()

	if h == nil {
		return nil
	}

	result := make(chan process.StopResult, 1)
	go func() { result <- h.Stop(f.cfg.StopGrace) }()

	select {
	case res := <-result:
		f.logger.Infof("ffmpeg stopped: %s", res)
		if res == process.ForceKilled {
			f.logger.Warn("ffmpeg was killed, the recording may be truncated")
		}
	case <-ctx.Done():
		h.Kill()
		return ctx.Err()
	}

	if _, err := os.Stat(f.target.OutputPath); err != nil {
		return fmt.Errorf("recording not written: %w", err)
	}
	return nil
}

// Done is closed when ffmpeg exits
func (f *FFmpeg) Done() <-chan struct{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.handle == nil {
		return f.notStart
	}
	return f.handle.Done()
}

// Err reports why ffmpeg exited if nobody asked it to
func (f *FFmpeg) Err() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.handle == nil || f.stopped || f.handle.Alive() {
		return nil
	}
	return fmt.Errorf("%w: %v: %s", ErrRecorderCrashed, f.handle.ExitErr(), lastLine(f.handle.Output()))
}

// PID returns the ffmpeg process id, or 0 before Start
func (f *FFmpeg) PID() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.handle == nil {
		return 0
	}
	return f.handle.PID()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

package recorder

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e-vnts/meet-recorder/pkg/process"
)

func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const wellBehavedFFmpeg = `for a; do out="$a"; done
echo "$@" > "$out.args"
echo data > "$out"
read line
exit 0
`

func testConfig(ffmpeg string) Config {
	cfg := DefaultConfig()
	cfg.FFmpegPath = ffmpeg
	cfg.StartupGrace = 100 * time.Millisecond
	cfg.StopGrace = time.Second
	cfg.ProbeInterval = 10 * time.Millisecond
	return cfg
}

func TestFFmpegArgs(t *testing.T) {
	f := NewFFmpeg(DefaultConfig(), nil)

	video := f.Args(Target{Display: ":101", Width: 1280, Height: 720, AudioSource: "meet_s1.monitor", OutputPath: "/r/out.mp4"})
	assert.Equal(t, []string{
		"-y", "-nostats",
		"-f", "x11grab", "-video_size", "1280x720", "-framerate", "25", "-draw_mouse", "0", "-i", ":101.0",
		"-f", "pulse", "-i", "meet_s1.monitor",
		"-c:v", "libx264", "-preset", "ultrafast", "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-b:a", "128k", "/r/out.mp4",
	}, video)

	audio := f.Args(Target{AudioOnly: true, OutputPath: "/r/out.mp4"})
	assert.Equal(t, []string{
		"-y", "-nostats", "-f", "pulse", "-i", "default", "-c:a", "aac", "-b:a", "128k", "/r/out.mp4",
	}, audio)
}

func TestFFmpegRecordAndStop(t *testing.T) {
	sup := process.NewSupervisor()
	f := NewFFmpeg(testConfig(fakeFFmpeg(t, wellBehavedFFmpeg)), sup)
	out := filepath.Join(t.TempDir(), "s1", "meeting.mp4")

	require.NoError(t, f.Start(context.Background(), Target{
		SessionID: "s1", Display: ":100", Width: 640, Height: 480, AudioSource: "meet_s1.monitor", OutputPath: out,
	}))
	assert.Greater(t, f.PID(), 0)
	assert.ErrorIs(t, f.Start(context.Background(), Target{OutputPath: out}), ErrAlreadyStarted)

	select {
	case <-f.Done():
		t.Fatal("recorder exited before stop")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, f.Stop(context.Background()))
	<-f.Done()
	assert.NoError(t, f.Err(), "a requested stop is not a crash")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "data\n", string(data))

	args, err := os.ReadFile(out + ".args")
	require.NoError(t, err)
	assert.Contains(t, string(args), "-i :100.0")
	assert.Contains(t, string(args), "meet_s1.monitor")
	assert.FileExists(t, out+".ffmpeg.log")
}

func TestFFmpegFailsDuringStartup(t *testing.T) {
	f := NewFFmpeg(testConfig(fakeFFmpeg(t, `echo "Cannot open display :100" >&2; exit 1`)), process.NewSupervisor())
	err := f.Start(context.Background(), Target{OutputPath: filepath.Join(t.TempDir(), "out.mp4")})
	require.ErrorIs(t, err, ErrRecorderCrashed)
	assert.Contains(t, err.Error(), "Cannot open display")
}

func TestFFmpegCrashAfterStart(t *testing.T) {
	f := NewFFmpeg(testConfig(fakeFFmpeg(t, `sleep 0.3; echo "pulse: connection lost" >&2; exit 1`)), process.NewSupervisor())
	require.NoError(t, f.Start(context.Background(), Target{OutputPath: filepath.Join(t.TempDir(), "out.mp4")}))

	select {
	case <-f.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("crash not observed")
	}
	err := f.Err()
	require.ErrorIs(t, err, ErrRecorderCrashed)
	assert.Contains(t, err.Error(), "connection lost")
}

func TestFFmpegMissingBinary(t *testing.T) {
	f := NewFFmpeg(testConfig("/nonexistent/ffmpeg"), process.NewSupervisor())
	err := f.Start(context.Background(), Target{OutputPath: filepath.Join(t.TempDir(), "out.mp4")})
	assert.ErrorIs(t, err, process.ErrLaunchFailed)
}

func TestFFmpegStopBeforeStart(t *testing.T) {
	f := NewFFmpeg(testConfig("ffmpeg"), process.NewSupervisor())
	assert.NoError(t, f.Stop(context.Background()))
	assert.NoError(t, f.Err())
}

// fakePage emulates the page side of the in-page recorder
type fakePage struct {
	mutex   sync.Mutex
	state   string
	start   string
	payload []byte
	gone    bool
}

func (p *fakePage) Evaluate(ctx context.Context, expression string, out interface{}) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.gone {
		return errors.New("websocket closed")
	}

	var v interface{}
	switch {
	case strings.Contains(expression, "readAsDataURL"):
		p.state = "stopped"
		v = base64.StdEncoding.EncodeToString(p.payload)
	case strings.Contains(expression, "new MediaRecorder"):
		v = p.start
		if p.start == "ok" {
			p.state = "recording"
		}
	default:
		v = p.state
	}
	data, _ := json.Marshal(v)
	return json.Unmarshal(data, out)
}

func (p *fakePage) set(fn func(p *fakePage)) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	fn(p)
}

func TestInPageRecordAndStop(t *testing.T) {
	page := &fakePage{start: "ok", payload: []byte("webm-bytes")}
	r := NewInPage(testConfig(""))
	out := filepath.Join(t.TempDir(), "s2", "meeting.webm")

	require.NoError(t, r.Start(context.Background(), Target{SessionID: "s2", OutputPath: out, Page: page}))
	time.Sleep(50 * time.Millisecond)
	select {
	case <-r.Done():
		t.Fatal("probe ended a healthy recording")
	default:
	}

	require.NoError(t, r.Stop(context.Background()))
	<-r.Done()
	assert.NoError(t, r.Err())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "webm-bytes", string(data))
}

func TestInPageStartRejected(t *testing.T) {
	r := NewInPage(testConfig(""))
	err := r.Start(context.Background(), Target{Page: &fakePage{start: "error:no media tracks on page"}})
	require.ErrorIs(t, err, ErrRecorderCrashed)
	assert.Contains(t, err.Error(), "no media tracks")

	err = NewInPage(testConfig("")).Start(context.Background(), Target{})
	assert.ErrorIs(t, err, ErrRecorderCrashed)
}

func TestInPageProbeDetectsStop(t *testing.T) {
	page := &fakePage{start: "ok"}
	r := NewInPage(testConfig(""))
	require.NoError(t, r.Start(context.Background(), Target{OutputPath: filepath.Join(t.TempDir(), "x.webm"), Page: page}))

	page.set(func(p *fakePage) { p.state = "inactive" })
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("probe did not notice the recorder stopping")
	}
	assert.ErrorIs(t, r.Err(), ErrRecorderCrashed)
}

func TestInPageProbeDetectsLostPage(t *testing.T) {
	page := &fakePage{start: "ok"}
	r := NewInPage(testConfig(""))
	require.NoError(t, r.Start(context.Background(), Target{OutputPath: filepath.Join(t.TempDir(), "x.webm"), Page: page}))

	page.set(func(p *fakePage) { p.gone = true })
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("probe did not notice the page going away")
	}
	err := r.Err()
	require.ErrorIs(t, err, ErrRecorderCrashed)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestFactory(t *testing.T) {
	f, err := NewFactory("", DefaultConfig(), process.NewSupervisor())
	require.NoError(t, err)
	assert.Equal(t, StrategyFFmpeg, f.Strategy())
	assert.IsType(t, &FFmpeg{}, f.New())

	f, err = NewFactory(StrategyInPage, DefaultConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, &InPage{}, f.New())

	_, err = NewFactory("obs", DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

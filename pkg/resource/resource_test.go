package resource

import (
	"context"
	"fmt"
	"net"
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

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newDisplays(t *testing.T, xvfb string, base, count int) *DisplayAllocator {
	t.Helper()
	a := NewDisplayAllocator(DisplayConfig{
		XvfbPath:     xvfb,
		Base:         base,
		Count:        count,
		Depth:        24,
		StartupGrace: 100 * time.Millisecond,
		StopGrace:    time.Second,
		LockDir:      t.TempDir(),
	}, process.NewSupervisor())
	t.Cleanup(a.ReleaseAll)
	return a
}

func TestDisplayAllocateStartsAtBase(t *testing.T) {
	xvfb := writeScript(t, "Xvfb", "exec sleep 30")
	a := newDisplays(t, xvfb, 100, 10)

	d, err := a.Allocate(context.Background(), "s1", 1280, 720)
	require.NoError(t, err)
	assert.Equal(t, ":100", d.Name())
	assert.True(t, d.Alive())
	assert.Equal(t, 1280, d.Width)

	again, err := a.Allocate(context.Background(), "s1", 1280, 720)
	require.NoError(t, err)
	assert.Same(t, d, again, "allocation is idempotent per session")
	assert.Len(t, a.Active(), 1)
}

func TestDisplayNumbersUniqueUnderConcurrency(t *testing.T) {
	xvfb := writeScript(t, "Xvfb", "exec sleep 30")
	a := newDisplays(t, xvfb, 100, 50)

	const n = 10
	var wg sync.WaitGroup
	names := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := a.Allocate(context.Background(), fmt.Sprintf("s%d", i), 640, 480)
			errs[i] = err
			if err == nil {
				names[i] = d.Name()
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[names[i]], "display %s handed out twice", names[i])
		seen[names[i]] = true
	}
}

func TestDisplayNotReusedWhileLive(t *testing.T) {
	xvfb := writeScript(t, "Xvfb", "exec sleep 30")
	a := newDisplays(t, xvfb, 100, 10)

	first, err := a.Allocate(context.Background(), "a", 640, 480)
	require.NoError(t, err)
	second, err := a.Allocate(context.Background(), "b", 640, 480)
	require.NoError(t, err)

	require.True(t, a.Release("a"))
	assert.False(t, first.Alive())

	third, err := a.Allocate(context.Background(), "a", 640, 480)
	require.NoError(t, err)
	assert.NotEqual(t, second.Name(), third.Name())
	assert.NotEqual(t, first.Name(), third.Name(), "counter keeps advancing after release")
}

func TestDisplayExhausted(t *testing.T) {
	xvfb := writeScript(t, "Xvfb", "exec sleep 30")
	a := newDisplays(t, xvfb, 100, 2)

	_, err := a.Allocate(context.Background(), "a", 640, 480)
	require.NoError(t, err)
	_, err = a.Allocate(context.Background(), "b", 640, 480)
	require.NoError(t, err)

	_, err = a.Allocate(context.Background(), "c", 640, 480)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	require.True(t, a.Release("a"))
	_, err = a.Allocate(context.Background(), "c", 640, 480)
	assert.NoError(t, err)
}

func TestDisplayStartupFailure(t *testing.T) {
	xvfb := writeScript(t, "Xvfb", `echo "Fatal server error: no screens" >&2; exit 1`)
	a := newDisplays(t, xvfb, 100, 1)

	_, err := a.Allocate(context.Background(), "s", 640, 480)
	require.ErrorIs(t, err, ErrProcessLaunchFailed)
	assert.Contains(t, err.Error(), "no screens")
	assert.Empty(t, a.Active())

	// The number was rolled back, so a working server can take it
	a.cfg.XvfbPath = writeScript(t, "Xvfb", "exec sleep 30")
	d, err := a.Allocate(context.Background(), "s", 640, 480)
	require.NoError(t, err)
	assert.Equal(t, ":100", d.Name())
}

func TestDisplayMissingBinary(t *testing.T) {
	a := newDisplays(t, "/nonexistent/Xvfb", 100, 1)
	_, err := a.Allocate(context.Background(), "s", 640, 480)
	assert.ErrorIs(t, err, ErrProcessLaunchFailed)
}

func TestDisplaySkipsForeignLock(t *testing.T) {
	xvfb := writeScript(t, "Xvfb", "exec sleep 30")
	a := newDisplays(t, xvfb, 100, 10)
	require.NoError(t, os.WriteFile(filepath.Join(a.cfg.LockDir, ".X100-lock"), []byte("1"), 0o644))

	d, err := a.Allocate(context.Background(), "s", 640, 480)
	require.NoError(t, err)
	assert.Equal(t, ":101", d.Name())
}

func TestDisplayReleaseUnknown(t *testing.T) {
	a := newDisplays(t, "Xvfb", 100, 1)
	assert.False(t, a.Release("nope"))
}

func TestDisplayPassesGeometry(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	xvfb := writeScript(t, "Xvfb", fmt.Sprintf(`echo "$@" > %s; exec sleep 30`, argsFile))
	a := newDisplays(t, xvfb, 120, 1)

	_, err := a.Allocate(context.Background(), "s", 1920, 1080)
	require.NoError(t, err)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, ":120 -screen 0 1920x1080x24 -ac -nolisten tcp", strings.TrimSpace(string(data)))
}

type pactlCall struct {
	name string
	args []string
}

type fakePactl struct {
	mutex  sync.Mutex
	calls  []pactlCall
	module int
	fail   bool
}

func (f *fakePactl) run(ctx context.Context, name string, args ...string) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls = append(f.calls, pactlCall{name: name, args: args})
	if f.fail {
		return "", fmt.Errorf("exit status 1: connection refused")
	}
	if len(args) > 0 && args[0] == "load-module" {
		f.module++
		return fmt.Sprintf("%d\n", f.module), nil
	}
	return "", nil
}

func TestSinkPerSession(t *testing.T) {
	fake := &fakePactl{module: 40}
	a := NewSinkAllocatorWithRunner(SinkConfig{PactlPath: "pactl"}, fake.run)

	s1, err := a.Allocate(context.Background(), "aaaa-bbbb")
	require.NoError(t, err)
	assert.Equal(t, "meetrec_aaaabbbb", s1.Name)
	assert.Equal(t, "meetrec_aaaabbbb.monitor", s1.Monitor)
	assert.Equal(t, 41, s1.Module)

	s2, err := a.Allocate(context.Background(), "cccc")
	require.NoError(t, err)
	assert.NotEqual(t, s1.Name, s2.Name)

	same, err := a.Allocate(context.Background(), "aaaa-bbbb")
	require.NoError(t, err)
	assert.Same(t, s1, same)

	assert.True(t, a.Release(context.Background(), "aaaa-bbbb"))
	assert.False(t, a.Release(context.Background(), "aaaa-bbbb"))

	last := fake.calls[len(fake.calls)-1]
	assert.Equal(t, []string{"unload-module", "41"}, last.args)
}

func TestSinkCreateFailure(t *testing.T) {
	a := NewSinkAllocatorWithRunner(SinkConfig{PactlPath: "pactl"}, (&fakePactl{fail: true}).run)
	_, err := a.Allocate(context.Background(), "s")
	assert.ErrorIs(t, err, ErrProcessLaunchFailed)
	assert.False(t, a.Release(context.Background(), "s"), "a failed allocation holds nothing")
}

func TestSinkSharedIsExclusive(t *testing.T) {
	fake := &fakePactl{}
	a := NewSinkAllocatorWithRunner(SinkConfig{Mode: SinkModeShared, SharedSink: "default"}, fake.run)

	s, err := a.Allocate(context.Background(), "one")
	require.NoError(t, err)
	assert.Equal(t, "@DEFAULT_MONITOR@", s.Monitor)

	_, err = a.Allocate(context.Background(), "two")
	assert.ErrorIs(t, err, ErrResourceExhausted)

	assert.True(t, a.Release(context.Background(), "one"))
	_, err = a.Allocate(context.Background(), "two")
	assert.NoError(t, err)
	assert.Empty(t, fake.calls, "shared sinks are never loaded or unloaded")
}

func TestEnsureServer(t *testing.T) {
	fake := &fakePactl{}
	a := NewSinkAllocatorWithRunner(SinkConfig{PulseAudioPath: "pulseaudio"}, fake.run)
	require.NoError(t, a.EnsureServer(context.Background()))
	require.Len(t, fake.calls, 1)
	assert.Equal(t, []string{"--check"}, fake.calls[0].args)

	fake.fail = true
	assert.Error(t, a.EnsureServer(context.Background()))
}

func TestExecRunner(t *testing.T) {
	out, err := execRunner(context.Background(), "/bin/sh", "-c", "echo 7")
	require.NoError(t, err)
	assert.Equal(t, "7\n", out)

	_, err = execRunner(context.Background(), "/bin/sh", "-c", "echo nope >&2; exit 2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestPortPool(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	p := NewPortPool(busy, 2)
	port, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, busy+1, port, "ports with a listener are skipped")

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrResourceExhausted)

	p.Release(port)
	again, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestNumberPoolRoundRobin(t *testing.T) {
	p := newNumberPool(10, 3, nil)
	a, _ := p.acquire()
	b, _ := p.acquire()
	assert.Equal(t, 10, a)
	assert.Equal(t, 11, b)

	p.release(a)
	c, _ := p.acquire()
	assert.Equal(t, 12, c, "released numbers come back last")
	d, ok := p.acquire()
	require.True(t, ok)
	assert.Equal(t, 10, d)
	_, ok = p.acquire()
	assert.False(t, ok)
}

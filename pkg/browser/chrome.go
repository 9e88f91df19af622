package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/e-vnts/meet-recorder/pkg/log"
	"github.com/e-vnts/meet-recorder/pkg/process"
)

// Config configures the Chrome launcher
type Config struct {
	ChromePath     string
	StartupTimeout time.Duration
	ProfileRoot    string
	ExtraArgs      []string
}

// Options describes one browser launch
type Options struct {
	SessionID string
	Display   string // X display the window is drawn on, e.g. ":100"
	Width     int
	Height    int
	Headless  bool
	DebugPort int
	PulseSink string // Sink the browser plays audio into
	LogPath   string
}

// Launcher starts Chrome instances and attaches to them over DevTools
type Launcher struct {
	cfg    Config
	sup    *process.Supervisor
	client *http.Client
}

// NewLauncher creates a new launcher
func NewLauncher(cfg Config, sup *process.Supervisor) *Launcher {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 20 * time.Second
	}
	if cfg.ProfileRoot == "" {
		cfg.ProfileRoot = os.TempDir()
	}
	return &Launcher{
		cfg:    cfg,
		sup:    sup,
		client: &http.Client{Timeout: time.Second},
	}
}

// Instance is a running browser with an attached page
type Instance struct {
	proc       *process.Handle
	page       *Page
	profileDir string
	logger     *logrus.Entry
}

// Args builds the Chrome command line
func Args(cfg Config, opts Options, profileDir string) []string {
	args := []string{
		"--no-sandbox",
		"--disable-gpu",
		"--disable-dev-shm-usage",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-sync",
		"--disable-popup-blocking",
		"--use-fake-ui-for-media-stream",
		"--use-fake-device-for-media-stream",
		"--autoplay-policy=no-user-gesture-required",
		fmt.Sprintf("--window-size=%d,%d", opts.Width, opts.Height),
		"--user-data-dir=" + profileDir,
		"--remote-debugging-address=127.0.0.1",
		"--remote-debugging-port=" + strconv.Itoa(opts.DebugPort),
	}
	if opts.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, cfg.ExtraArgs...)
	return append(args, "about:blank")
}

// Launch starts Chrome and connects to its first page. The process is
// stopped again if the page cannot be reached.
func (l *Launcher) Launch(ctx context.Context, opts Options) (*Instance, error) {
	logger := log.WithSession(opts.SessionID).WithField("component", "browser")

	profileDir, err := os.MkdirTemp(l.cfg.ProfileRoot, "meetrec-profile-")
	if err != nil {
		return nil, fmt.Errorf("%w: profile dir: %v", process.ErrLaunchFailed, err)
	}

	env := []string{}
	if opts.Display != "" {
		env = append(env, "DISPLAY="+opts.Display)
	}
	if opts.PulseSink != "" && opts.PulseSink[0] != '@' {
		env = append(env, "PULSE_SINK="+opts.PulseSink)
	}

	h, err := l.sup.Launch(ctx, process.Spec{
		Name:    "chrome",
		Path:    l.cfg.ChromePath,
		Args:    Args(l.cfg, opts, profileDir),
		Env:     env,
		LogPath: opts.LogPath,
	})
	if err != nil {
		os.RemoveAll(profileDir)
		return nil, err
	}

	inst := &Instance{proc: h, profileDir: profileDir, logger: logger}

	wsURL, err := l.waitForPage(ctx, opts.DebugPort, h)
	if err != nil {
		inst.Close(2 * time.Second)
		return nil, err
	}

	conn, err := Dial(ctx, wsURL)
	if err != nil {
		inst.Close(2 * time.Second)
		return nil, fmt.Errorf("%w: %v", process.ErrLaunchFailed, err)
	}
	inst.page = NewPage(conn)
	if err := inst.page.Enable(ctx); err != nil {
		inst.Close(2 * time.Second)
		return nil, fmt.Errorf("%w: enable page: %v", process.ErrLaunchFailed, err)
	}

	logger.Infof("Browser ready (PID: %d, debug port: %d)", h.PID(), opts.DebugPort)
	return inst, nil
}

type target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// waitForPage polls the DevTools HTTP endpoint until a page target shows up
func (l *Launcher) waitForPage(ctx context.Context, port int, h *process.Handle) (string, error) {
	deadline := time.Now().Add(l.cfg.StartupTimeout)
	base := "http://127.0.0.1:" + strconv.Itoa(port)

	for time.Now().Before(deadline) {
		if !h.Alive() {
			return "", fmt.Errorf("%w: browser exited during startup: %s", process.ErrLaunchFailed, h.Output())
		}

		if url, ok := l.findPage(ctx, base); ok {
			return url, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", process.ErrLaunchFailed, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	return "", fmt.Errorf("%w: browser did not expose a page within %s", process.ErrLaunchFailed, l.cfg.StartupTimeout)
}

func (l *Launcher) findPage(ctx context.Context, base string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/list", nil)
	if err != nil {
		return "", false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	var targets []target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", false
	}
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, true
		}
	}
	return "", false
}

// Page returns the attached page
func (i *Instance) Page() *Page {
	return i.page
}

// PID returns the browser process id
func (i *Instance) PID() int {
	return i.proc.PID()
}

// Alive reports whether the browser process is running
func (i *Instance) Alive() bool {
	return i.proc.Alive()
}

// Close disconnects from the page, stops the browser and removes its
// profile directory
func (i *Instance) Close(grace time.Duration) process.StopResult {
	if i.page != nil {
		i.page.Close()
	}
	res := i.proc.Stop(grace)
	if i.profileDir != "" {
		if err := os.RemoveAll(i.profileDir); err != nil {
			i.logger.Warnf("Failed to remove browser profile %s: %v", i.profileDir, err)
		}
	}
	i.logger.Infof("Browser stopped (%s)", res)
	return res
}

// ProfileDir returns the throwaway user data directory
func (i *Instance) ProfileDir() string {
	return filepath.Clean(i.profileDir)
}

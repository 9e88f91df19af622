package resource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/e-vnts/meet-recorder/pkg/log"
	"github.com/e-vnts/meet-recorder/pkg/process"
)

// DisplayConfig configures the Xvfb allocator
type DisplayConfig struct {
	XvfbPath     string
	Base         int
	Count        int
	Depth        int
	StartupGrace time.Duration
	StopGrace    time.Duration
	LockDir      string // Empty disables the X lock file check
	LogDir       string // Empty keeps Xvfb output in memory only
}

// Display is a virtual X display claimed by one session
type Display struct {
	Number      int
	SessionID   string
	Width       int
	Height      int
	Depth       int
	AllocatedAt time.Time

	handle *process.Handle
}

// Name returns the DISPLAY value, e.g. ":100"
func (d *Display) Name() string {
	return ":" + strconv.Itoa(d.Number)
}

// PID returns the Xvfb process id
func (d *Display) PID() int {
	return d.handle.PID()
}

// Alive reports whether the backing Xvfb is still running
func (d *Display) Alive() bool {
	return d.handle.Alive()
}

// DisplayInfo describes an allocated display for status output
type DisplayInfo struct {
	Display   string `json:"display"`
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
	Alive     bool   `json:"alive"`
}

// DisplayAllocator starts one Xvfb per session and tracks which session
// owns which display number
type DisplayAllocator struct {
	cfg      DisplayConfig
	sup      *process.Supervisor
	numbers  *numberPool
	displays map[string]*Display
	mutex    sync.Mutex
	inflight singleflight.Group
}

// NewDisplayAllocator creates a new display allocator
func NewDisplayAllocator(cfg DisplayConfig, sup *process.Supervisor) *DisplayAllocator {
	a := &DisplayAllocator{
		cfg:      cfg,
		sup:      sup,
		displays: make(map[string]*Display),
	}
	a.numbers = newNumberPool(cfg.Base, cfg.Count, a.foreignServer)
	return a
}

// Allocate returns the session's display, starting an Xvfb for it if it has
// none. Concurrent calls for the same session share one start.
func (a *DisplayAllocator) Allocate(ctx context.Context, sessionID string, width, height int) (*Display, error) {
	v, err, _ := a.inflight.Do(sessionID, func() (interface{}, error) {
		return a.allocate(ctx, sessionID, width, height)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Display), nil
}

func (a *DisplayAllocator) allocate(ctx context.Context, sessionID string, width, height int) (*Display, error) {
	a.mutex.Lock()
	existing, ok := a.displays[sessionID]
	a.mutex.Unlock()
	if ok {
		return existing, nil
	}

	number, ok := a.numbers.acquire()
	if !ok {
		return nil, fmt.Errorf("%w: no free display in :%d-:%d", ErrResourceExhausted, a.cfg.Base, a.cfg.Base+a.cfg.Count-1)
	}

	d := &Display{
		Number:    number,
		SessionID: sessionID,
		Width:     width,
		Height:    height,
		Depth:     a.cfg.Depth,
	}
	logger := log.WithSession(sessionID).WithField("display", d.Name())

	spec := process.Spec{
		Name: "xvfb",
		Path: a.cfg.XvfbPath,
		Args: []string{
			d.Name(),
			"-screen", "0", fmt.Sprintf("%dx%dx%d", width, height, a.cfg.Depth),
			"-ac",
			"-nolisten", "tcp",
		},
	}
	if a.cfg.LogDir != "" {
		spec.LogPath = filepath.Join(a.cfg.LogDir, fmt.Sprintf("xvfb-%d.log", number))
	}

	h, err := a.sup.Launch(ctx, spec)
	if err != nil {
		a.numbers.release(number)
		return nil, fmt.Errorf("%w: Xvfb %s: %v", ErrProcessLaunchFailed, d.Name(), err)
	}

	// The server only counts as up if it survives the grace period
	timer := time.NewTimer(a.cfg.StartupGrace)
	defer timer.Stop()
	select {
	case <-h.Done():
		a.numbers.release(number)
		return nil, fmt.Errorf("%w: Xvfb %s exited during startup: %s",
			ErrProcessLaunchFailed, d.Name(), lastLine(h.Output()))
	case <-ctx.Done():
		h.Stop(a.cfg.StopGrace)
		a.numbers.release(number)
		return nil, fmt.Errorf("%w: Xvfb %s: %v", ErrProcessLaunchFailed, d.Name(), ctx.Err())
	case <-timer.C:
	}

	d.handle = h
	d.AllocatedAt = time.Now()

	a.mutex.Lock()
	a.displays[sessionID] = d
	a.mutex.Unlock()

	logger.Infof("Virtual display started (PID: %d, %dx%dx%d)", h.PID(), width, height, a.cfg.Depth)
	return d, nil
}

// Release stops the session's Xvfb and frees its number. It reports false
// if the session holds no display.
func (a *DisplayAllocator) Release(sessionID string) bool {
	a.mutex.Lock()
	d, ok := a.displays[sessionID]
	delete(a.displays, sessionID)
	a.mutex.Unlock()

	if !ok {
		return false
	}

	res := d.handle.Stop(a.cfg.StopGrace)
	a.numbers.release(d.Number)
	log.WithSession(sessionID).Infof("Virtual display %s released (%s)", d.Name(), res)
	return true
}

// Active lists the allocated displays ordered by number
func (a *DisplayAllocator) Active() []DisplayInfo {
	a.mutex.Lock()
	list := make([]*Display, 0, len(a.displays))
	for _, d := range a.displays {
		list = append(list, d)
	}
	a.mutex.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Number < list[j].Number })
	out := make([]DisplayInfo, 0, len(list))
	for _, d := range list {
		out = append(out, DisplayInfo{Display: d.Name(), SessionID: d.SessionID, PID: d.PID(), Alive: d.Alive()})
	}
	return out
}

// ReleaseAll stops every display
func (a *DisplayAllocator) ReleaseAll() {
	a.mutex.Lock()
	ids := make([]string, 0, len(a.displays))
	for id := range a.displays {
		ids = append(ids, id)
	}
	a.mutex.Unlock()

	for _, id := range ids {
		a.Release(id)
	}
}

// foreignServer reports whether an X server we did not start holds n
func (a *DisplayAllocator) foreignServer(n int) bool {
	if a.cfg.LockDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(a.cfg.LockDir, fmt.Sprintf(".X%d-lock", n)))
	return err == nil && !a.numbers.held(n)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "no output"
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

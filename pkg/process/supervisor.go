package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/e-vnts/meet-recorder/pkg/log"
)

const outputTailSize = 4096

// Supervisor launches external processes and keeps track of the live ones
type Supervisor struct {
	handles map[int]*Handle
	mutex   sync.RWMutex
}

// Info is a point-in-time description of a live process
type Info struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Usage     *Usage    `json:"usage,omitempty"`
}

// NewSupervisor creates a new supervisor
func NewSupervisor() *Supervisor {
	return &Supervisor{handles: make(map[int]*Handle)}
}

// Launch starts the process described by spec. ctx only bounds the launch
// itself; the process lives until it exits or is stopped.
func (s *Supervisor) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("%w: empty executable path", ErrLaunchFailed)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunchFailed, spec.describe(), err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = sysProcAttr()
	// Grandchildren holding our output pipe must not keep Wait blocked
	cmd.WaitDelay = killWait

	h := &Handle{
		spec: spec,
		cmd:  cmd,
		tail: newTailBuffer(outputTailSize),
		done: make(chan struct{}),
	}

	var out io.Writer = h.tail
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %s: log dir: %v", ErrLaunchFailed, spec.describe(), err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: log file: %v", ErrLaunchFailed, spec.describe(), err)
		}
		h.logFile = f
		out = io.MultiWriter(f, h.tail)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if len(spec.QuitInput) > 0 {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			h.closeLog()
			return nil, fmt.Errorf("%w: %s: stdin: %v", ErrLaunchFailed, spec.describe(), err)
		}
		h.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		h.closeLog()
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunchFailed, spec.describe(), err)
	}

	h.startedAt = time.Now()
	h.logger = log.WithFields(logrus.Fields{"process": spec.Name, "pid": cmd.Process.Pid})
	s.track(h)
	go h.monitor(s)

	h.logger.Debugf("Started %s %v", spec.Path, spec.Args)
	return h, nil
}

// Active lists the live processes ordered by pid
func (s *Supervisor) Active() []Info {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]Info, 0, len(s.handles))
	for pid, h := range s.handles {
		out = append(out, Info{Name: h.spec.Name, PID: pid, StartedAt: h.startedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Report is Active with a resource sample for each process. Processes that
// exit while being sampled are reported without usage.
func (s *Supervisor) Report(ctx context.Context) []Info {
	s.mutex.RLock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mutex.RUnlock()

	out := make([]Info, 0, len(handles))
	for _, h := range handles {
		info := Info{Name: h.spec.Name, PID: h.PID(), StartedAt: h.startedAt}
		if u, err := h.Usage(ctx); err == nil {
			info.Usage = &u
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// StopAll stops every live process in parallel
func (s *Supervisor) StopAll(ctx context.Context, grace time.Duration) error {
	s.mutex.RLock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mutex.RUnlock()

	if len(handles) == 0 {
		return nil
	}
	log.Infof("Stopping %d supervised processes", len(handles))

	g, ctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				h.Kill()
				return err
			}
			res := h.Stop(grace)
			h.logger.Infof("Stopped during shutdown: %s", res)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) track(h *Handle) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.handles[h.PID()] = h
}

func (s *Supervisor) untrack(h *Handle) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.handles[h.PID()] == h {
		delete(s.handles, h.PID())
	}
}

func (h *Handle) closeLog() {
	if h.logFile != nil {
		h.logFile.Close()
	}
}

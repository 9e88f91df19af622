package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var ErrLaunchFailed = errors.New("process launch failed")

// killWait bounds how long we wait for the kernel to reap a SIGKILLed group
const killWait = 2 * time.Second

// StopResult describes how a supervised process ended during Stop
type StopResult int

const (
	AlreadyExited StopResult = iota
	StoppedCleanly
	ForceKilled
)

// String returns a string representation of StopResult
func (r StopResult) String() string {
	switch r {
	case AlreadyExited:
		return "already_exited"
	case StoppedCleanly:
		return "stopped_cleanly"
	case ForceKilled:
		return "force_killed"
	default:
		return "unknown"
	}
}

// Spec describes an external process to launch
type Spec struct {
	Name string
	Path string
	Args []string
	Env  []string // Appended to the parent's environment
	Dir  string

	// QuitInput is written to stdin by Stop before any signal is sent.
	QuitInput []byte

	// LogPath receives stdout and stderr. The last few KB are also kept in
	// memory for error reports.
	LogPath string
}

// Handle is a running (or finished) supervised process
type Handle struct {
	spec      Spec
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	logFile   *os.File
	tail      *tailBuffer
	startedAt time.Time
	logger    *logrus.Entry

	done    chan struct{}
	exitErr error

	stopMutex sync.Mutex
}

// PID returns the process id
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Name returns the name from the launch spec
func (h *Handle) Name() string {
	return h.spec.Name
}

// StartedAt returns when the process was started
func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Done is closed once the process has exited and been reaped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the process has not exited yet
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the result of Wait once the process has exited
func (h *Handle) ExitErr() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

// Output returns the tail of the process's combined output
func (h *Handle) Output() string {
	return h.tail.String()
}

// Wait blocks until the process exits or timeout elapses. It reports
// whether the process exited.
func (h *Handle) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

// Terminate sends SIGTERM to the process group
func (h *Handle) Terminate() error {
	return h.signal(unix.SIGTERM)
}

// Kill sends SIGKILL to the process group
func (h *Handle) Kill() error {
	return h.signal(unix.SIGKILL)
}

func (h *Handle) signal(sig unix.Signal) error {
	if !h.Alive() {
		return nil
	}
	pid := h.PID()
	// Negative pid addresses the whole group, children included
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return h.cmd.Process.Signal(sig)
	}
	return nil
}

// Stop ends the process, escalating from QuitInput to SIGTERM to SIGKILL
// with grace between each step. It is safe to call more than once.
func (h *Handle) Stop(grace time.Duration) StopResult {
	h.stopMutex.Lock()
	defer h.stopMutex.Unlock()

	if !h.Alive() {
		return AlreadyExited
	}

	if len(h.spec.QuitInput) > 0 && h.stdin != nil {
		if _, err := h.stdin.Write(h.spec.QuitInput); err != nil {
			h.logger.Debugf("Writing quit input failed: %v", err)
		}
		h.stdin.Close()
		if h.Wait(grace) {
			h.logger.Debug("Process quit on request")
			return StoppedCleanly
		}
	}

	if err := h.Terminate(); err != nil {
		h.logger.Warnf("Failed to send SIGTERM: %v", err)
	}
	if h.Wait(grace) {
		h.logger.Debug("Process exited after SIGTERM")
		return StoppedCleanly
	}

	h.logger.Warnf("Process did not exit within %s, killing", grace)
	if err := h.Kill(); err != nil {
		h.logger.Errorf("Failed to send SIGKILL: %v", err)
	}
	if !h.Wait(killWait) {
		h.logger.Error("Process still running after SIGKILL")
	}
	return ForceKilled
}

func (h *Handle) monitor(s *Supervisor) {
	err := h.cmd.Wait()
	h.exitErr = err

	if h.logFile != nil {
		h.logFile.Close()
	}
	close(h.done)
	s.untrack(h)

	if err != nil {
		h.logger.Debugf("Process exited: %v", err)
	} else {
		h.logger.Debug("Process exited normally")
	}
}

// describe formats the spec for error messages
func (s Spec) describe() string {
	if s.Name != "" {
		return fmt.Sprintf("%s (%s)", s.Name, s.Path)
	}
	return s.Path
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mutex sync.Mutex
	buf   []byte
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return string(t.buf)
}

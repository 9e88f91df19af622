package process

import (
	"context"
	"fmt"

	gops "github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource sample of a supervised process
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
}

// Usage samples CPU and memory of the process through /proc.
func (h *Handle) Usage(ctx context.Context) (Usage, error) {
	if !h.Alive() {
		return Usage{}, fmt.Errorf("process %d has exited", h.PID())
	}
	p, err := gops.NewProcessWithContext(ctx, int32(h.PID()))
	if err != nil {
		return Usage{}, err
	}

	var u Usage
	if u.CPUPercent, err = p.CPUPercentWithContext(ctx); err != nil {
		return Usage{}, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	u.RSSBytes = mem.RSS
	if threads, err := p.NumThreadsWithContext(ctx); err == nil {
		u.Threads = threads
	}
	return u, nil
}

// PidAlive reports whether any process with pid exists.
func PidAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gops.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

package process

import (
	"context"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Stats is a resource sample of a running child.
type Stats struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Sample reads CPU and memory usage for pid.
func Sample(ctx context.Context, pid int) (Stats, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Stats{}, err
	}
	st := Stats{PID: pid, SampledAt: time.Now().UTC()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.RSSBytes = mem.RSS
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		st.NumThreads = n
	}
	return st, nil
}

// Alive reports whether pid names a live, non-zombie process.
func Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}
	if st, err := p.StatusWithContext(ctx); err == nil {
		for _, s := range st {
			if s == gopsproc.Zombie {
				return false
			}
		}
	}
	return true
}

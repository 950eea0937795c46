// Package sysinfo reports resource usage of the running server for the
// health endpoint.
package sysinfo

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is a point-in-time view of the server process.
type Snapshot struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
	Uptime     string  `json:"uptime"`
}

// Sampler reads process statistics for one PID.
type Sampler struct {
	proc    *process.Process
	started time.Time
}

// NewSampler samples the current process.
func NewSampler() (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("opening process: %w", err)
	}
	started := time.Now()
	if ms, err := proc.CreateTime(); err == nil {
		started = time.UnixMilli(ms)
	}
	return &Sampler{proc: proc, started: started}, nil
}

// Sample collects what the platform exposes. Unavailable fields stay zero.
func (s *Sampler) Sample() Snapshot {
	snap := Snapshot{
		PID:        s.proc.Pid,
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		snap.RSSBytes = mem.RSS
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	if n, err := s.proc.NumThreads(); err == nil {
		snap.Threads = n
	}
	return snap
}

package metrics

import (
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample for one live run.
type Usage struct {
	PID        int32
	RSSBytes   uint64
	CPUPercent float64
	NumThreads int32
}

// Sampler reads resource usage through gopsutil. Process handles are cached
// per pid so CPU percentages are computed against the previous sample.
// Safe for concurrent use; never called from the supervisor loop.
type Sampler struct {
	mu    sync.Mutex
	procs map[int32]*process.Process
}

func NewSampler() *Sampler {
	return &Sampler{procs: make(map[int32]*process.Process)}
}

// Sample returns the current usage of pid and publishes it under name.
func (s *Sampler) Sample(name string, pid int32) (Usage, error) {
	if pid <= 0 {
		return Usage{}, fmt.Errorf("invalid pid %d", pid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.handle(pid)
	if err != nil {
		return Usage{}, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		delete(s.procs, pid)
		return Usage{}, fmt.Errorf("memory info for pid %d: %w", pid, err)
	}
	u := Usage{PID: pid, RSSBytes: mem.RSS}
	if cpu, err := p.Percent(0); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	SetResourceUsage(name, u.RSSBytes, u.CPUPercent)
	return u, nil
}

// Retain drops cached handles for pids not in live.
func (s *Sampler) Retain(live map[int32]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid := range s.procs {
		if _, ok := live[pid]; !ok {
			delete(s.procs, pid)
		}
	}
}

// handle must be called with s.mu held.
func (s *Sampler) handle(pid int32) (*process.Process, error) {
	if p, ok := s.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	s.procs[pid] = p
	return p, nil
}

package metrics

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Sampler reports process resource usage: CPU in percent and resident
// memory in megabytes.
type Sampler interface {
	Sample() (cpu float64, memoryMB float64, err error)
}

type noopSampler struct{}

func (noopSampler) Sample() (float64, float64, error) { return 0, 0, nil }

// ProcessSampler samples the current process through gopsutil. Readings are
// cached for minInterval so busy sessions do not hammer /proc.
type ProcessSampler struct {
	proc        *process.Process
	minInterval time.Duration

	mu       sync.Mutex
	last     time.Time
	cpu      float64
	memoryMB float64
}

// NewProcessSampler creates a sampler for the running process
func NewProcessSampler(minInterval time.Duration) (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open process: %w", err)
	}
	// prime the CPU counter so the first real reading has a baseline
	_, _ = proc.Percent(0)
	return &ProcessSampler{proc: proc, minInterval: minInterval}, nil
}

func (s *ProcessSampler) Sample() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.last.IsZero() && time.Since(s.last) < s.minInterval {
		return s.cpu, s.memoryMB, nil
	}

	cpu, err := s.proc.Percent(0)
	if err != nil {
		return s.cpu, s.memoryMB, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return s.cpu, s.memoryMB, fmt.Errorf("failed to read memory usage: %w", err)
	}

	s.cpu = cpu
	s.memoryMB = float64(mem.RSS) / (1024 * 1024)
	s.last = time.Now()
	return s.cpu, s.memoryMB, nil
}

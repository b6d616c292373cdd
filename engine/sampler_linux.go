//go:build linux

package engine

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// systemSampler reads usage from /proc and statfs. CPU usage is computed as
// the delta between consecutive /proc/stat readings, so the first sample
// reports 0.
type systemSampler struct {
	mu        sync.Mutex
	lastTotal uint64
	lastIdle  uint64
}

func newSystemSampler() Sampler {
	return &systemSampler{}
}

func (s *systemSampler) Sample() (ResourceSample, error) {
	sample := ResourceSample{Goroutines: runtime.NumGoroutine()}

	cpu, err := s.cpuPercent()
	if err != nil {
		return sample, err
	}
	sample.CPUPercent = cpu

	mem, err := memoryPercent()
	if err != nil {
		return sample, err
	}
	sample.MemoryPercent = mem

	var fs syscall.Statfs_t
	if err := syscall.Statfs("/", &fs); err == nil && fs.Blocks > 0 {
		used := fs.Blocks - fs.Bavail
		sample.DiskPercent = float64(used) / float64(fs.Blocks) * 100
	}

	return sample, nil
}

func (s *systemSampler) cpuPercent() (float64, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, fmt.Errorf("failed to read /proc/stat: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected /proc/stat format")
	}

	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse /proc/stat field %q: %w", f, err)
		}
		total += v
		// Fields: user nice system idle iowait ...
		if i == 3 || i == 4 {
			idle += v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dTotal := total - s.lastTotal
	dIdle := idle - s.lastIdle
	first := s.lastTotal == 0
	s.lastTotal = total
	s.lastIdle = idle

	if first || dTotal == 0 {
		return 0, nil
	}
	return float64(dTotal-dIdle) / float64(dTotal) * 100, nil
}

func memoryPercent() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("failed to read /proc/meminfo: %w", err)
	}

	var total, available uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("MemTotal missing from /proc/meminfo")
	}
	return float64(total-available) / float64(total) * 100, nil
}

//go:build !linux

package engine

import (
	"runtime"
)

// systemSampler approximates usage from the Go runtime on platforms without
// /proc. Disk usage is not reported.
type systemSampler struct{}

func newSystemSampler() Sampler {
	return &systemSampler{}
}

func (s *systemSampler) Sample() (ResourceSample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sample := ResourceSample{Goroutines: runtime.NumGoroutine()}
	if ms.Sys > 0 {
		sample.MemoryPercent = float64(ms.HeapAlloc) / float64(ms.Sys) * 100
	}
	return sample, nil
}

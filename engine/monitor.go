package engine

import (
	"sync"
	"time"

	"conductor/log"
)

// ResourceSample is one point-in-time reading of system usage.
type ResourceSample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	Goroutines    int       `json:"goroutines"`
	Timestamp     time.Time `json:"timestamp"`
}

// AlertLevel grades a resource alert.
type AlertLevel int

const (
	AlertWarning AlertLevel = iota
	AlertCritical
)

func (al AlertLevel) String() string {
	if al == AlertCritical {
		return "critical"
	}
	return "warning"
}

// ResourceAlert is raised when a sampled metric crosses its threshold.
type ResourceAlert struct {
	Metric    string     `json:"metric"`
	Level     AlertLevel `json:"level"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	At        time.Time  `json:"at"`
}

// Sampler produces resource samples. The default reads system state; tests
// substitute a fixed-value implementation.
type Sampler interface {
	Sample() (ResourceSample, error)
}

// ResourceMonitorConfig holds configuration for the resource monitor.
type ResourceMonitorConfig struct {
	Interval     time.Duration
	CPUWarn      float64
	MemoryWarn   float64
	DiskWarn     float64
	CriticalOver float64 // margin above warn that grades an alert critical
	HistorySize  int
	Sampler      Sampler
	Clock        Clock
}

// ResourceMonitor samples CPU, memory, and disk usage on an interval, keeps
// a bounded history, and raises threshold alerts.
type ResourceMonitor struct {
	mu      sync.Mutex
	history []ResourceSample
	alerts  []ResourceAlert
	sampler Sampler
	clock   Clock

	interval     time.Duration
	cpuWarn      float64
	memWarn      float64
	diskWarn     float64
	criticalOver float64
	historySize  int

	onAlert func(ResourceAlert)

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
}

// NewResourceMonitor creates a resource monitor.
func NewResourceMonitor(cfg ResourceMonitorConfig) *ResourceMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.CPUWarn <= 0 {
		cfg.CPUWarn = 80
	}
	if cfg.MemoryWarn <= 0 {
		cfg.MemoryWarn = 85
	}
	if cfg.DiskWarn <= 0 {
		cfg.DiskWarn = 90
	}
	if cfg.CriticalOver <= 0 {
		cfg.CriticalOver = 10
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 360
	}
	if cfg.Sampler == nil {
		cfg.Sampler = newSystemSampler()
	}
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	return &ResourceMonitor{
		sampler:      cfg.Sampler,
		clock:        cfg.Clock,
		interval:     cfg.Interval,
		cpuWarn:      cfg.CPUWarn,
		memWarn:      cfg.MemoryWarn,
		diskWarn:     cfg.DiskWarn,
		criticalOver: cfg.CriticalOver,
		historySize:  cfg.HistorySize,
		stopCh:       make(chan struct{}),
	}
}

// SetAlertHandler registers a callback invoked on every raised alert.
func (rm *ResourceMonitor) SetAlertHandler(fn func(ResourceAlert)) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.onAlert = fn
}

// SampleNow takes one sample, records it, and evaluates thresholds.
func (rm *ResourceMonitor) SampleNow() (ResourceSample, error) {
	sample, err := rm.sampler.Sample()
	if err != nil {
		return ResourceSample{}, err
	}
	sample.Timestamp = rm.clock.Now()

	rm.mu.Lock()
	rm.history = append(rm.history, sample)
	if len(rm.history) > rm.historySize {
		rm.history = rm.history[len(rm.history)-rm.historySize:]
	}

	var raised []ResourceAlert
	check := func(metric string, value, warn float64) {
		if value < warn {
			return
		}
		level := AlertWarning
		if value >= warn+rm.criticalOver {
			level = AlertCritical
		}
		raised = append(raised, ResourceAlert{
			Metric:    metric,
			Level:     level,
			Value:     value,
			Threshold: warn,
			At:        sample.Timestamp,
		})
	}
	check("cpu", sample.CPUPercent, rm.cpuWarn)
	check("memory", sample.MemoryPercent, rm.memWarn)
	check("disk", sample.DiskPercent, rm.diskWarn)

	rm.alerts = append(rm.alerts, raised...)
	if len(rm.alerts) > rm.historySize {
		rm.alerts = rm.alerts[len(rm.alerts)-rm.historySize:]
	}
	cb := rm.onAlert
	rm.mu.Unlock()

	for _, a := range raised {
		log.WarningLog.Printf("resource alert: %s at %.1f%% (threshold %.0f%%, %s)", a.Metric, a.Value, a.Threshold, a.Level)
		if cb != nil {
			cb(a)
		}
	}
	return sample, nil
}

// Current returns the most recent sample.
func (rm *ResourceMonitor) Current() (ResourceSample, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.history) == 0 {
		return ResourceSample{}, false
	}
	return rm.history[len(rm.history)-1], true
}

// History returns the retained samples, oldest first.
func (rm *ResourceMonitor) History() []ResourceSample {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]ResourceSample(nil), rm.history...)
}

// Alerts returns the retained alerts, oldest first.
func (rm *ResourceMonitor) Alerts() []ResourceAlert {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]ResourceAlert(nil), rm.alerts...)
}

// Start samples on the configured interval until Stop.
func (rm *ResourceMonitor) Start() {
	rm.wg.Add(1)
	go func() {
		defer rm.wg.Done()
		ticker := time.NewTicker(rm.interval)
		defer ticker.Stop()
		for {
			select {
			case <-rm.stopCh:
				return
			case <-ticker.C:
				if _, err := rm.SampleNow(); err != nil {
					log.ErrorLog.Printf("resource sampling failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts the sampling loop.
func (rm *ResourceMonitor) Stop() {
	rm.mu.Lock()
	if !rm.stopped {
		rm.stopped = true
		close(rm.stopCh)
	}
	rm.mu.Unlock()
	rm.wg.Wait()
}

package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds the latest process resource measurements.
type SystemMetrics struct {
	CPUPercent  float64   // Process CPU usage percent
	MemoryBytes uint64    // Resident set size in bytes
	Goroutines  int       // Current goroutine count
	Timestamp   time.Time // When these metrics were captured
}

// SystemProbe periodically samples the broker's own CPU and memory via
// gopsutil. Measure once, query many times: the health endpoint and the
// Prometheus gauges read the same snapshot.
type SystemProbe struct {
	proc   *process.Process
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics

	// Health flips to degraded above this RSS watermark (0 = disabled).
	memorySoftLimit uint64
}

// NewSystemProbe creates a probe for the current process. memorySoftLimit
// of zero disables memory-based degradation.
func NewSystemProbe(logger zerolog.Logger, memorySoftLimit uint64) (*SystemProbe, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SystemProbe{
		proc:            proc,
		logger:          logger.With().Str("component", "system_probe").Logger(),
		memorySoftLimit: memorySoftLimit,
	}, nil
}

// Start samples metrics every interval until ctx is cancelled.
func (p *SystemProbe) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		p.sample()
		for {
			select {
			case <-ticker.C:
				p.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *SystemProbe) sample() {
	var m SystemMetrics
	m.Timestamp = time.Now()
	m.Goroutines = runtime.NumGoroutine()

	if cpu, err := p.proc.CPUPercent(); err == nil {
		m.CPUPercent = cpu
	} else {
		p.logger.Debug().Err(err).Msg("Failed to sample CPU usage")
	}
	if mem, err := p.proc.MemoryInfo(); err == nil && mem != nil {
		m.MemoryBytes = mem.RSS
	} else if err != nil {
		p.logger.Debug().Err(err).Msg("Failed to sample memory usage")
	}

	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()

	ProcessCPUPercent.Set(m.CPUPercent)
	ProcessMemoryBytes.Set(float64(m.MemoryBytes))
}

// Metrics returns the latest sample.
func (p *SystemProbe) Metrics() SystemMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}

// Degraded reports whether resource usage crossed the soft watermark.
func (p *SystemProbe) Degraded() bool {
	if p.memorySoftLimit == 0 {
		return false
	}
	return p.Metrics().MemoryBytes > p.memorySoftLimit
}

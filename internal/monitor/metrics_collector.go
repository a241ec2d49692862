package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// HostUsage is one sample of host resource usage
type HostUsage struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// sampler reads host usage. Replaced in tests.
type sampler func() (HostUsage, error)

// MetricsCollector samples host usage into the health gauges
type MetricsCollector struct {
	logger   *zap.Logger
	interval time.Duration
	sample   sampler

	mu   sync.RWMutex
	last HostUsage

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		interval: interval,
		sample:   sampleHost,
		stop:     make(chan struct{}),
	}
}

// Start takes a first sample and starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	c.collect()

	c.wg.Add(1)
	go c.collectLoop(ctx)
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
	c.wg.Wait()
}

// Last returns the most recent sample. SampledAt is zero before the first one.
func (c *MetricsCollector) Last() HostUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *MetricsCollector) collect() {
	usage, err := c.sample()
	if err != nil {
		c.logger.Error("Failed to sample host usage", zap.Error(err))
		return
	}

	setHostUsage(usage.CPUPercent, usage.MemoryPercent)

	c.mu.Lock()
	c.last = usage
	c.mu.Unlock()

	c.logger.Debug("Host usage sampled",
		zap.Float64("cpu_percent", usage.CPUPercent),
		zap.Float64("memory_percent", usage.MemoryPercent))
}

// sampleHost measures CPU since the previous call, so it never blocks
func sampleHost() (HostUsage, error) {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return HostUsage{}, err
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return HostUsage{}, err
	}

	usage := HostUsage{
		MemoryPercent: memInfo.UsedPercent,
		SampledAt:     time.Now().UTC(),
	}
	if len(cpuPercent) > 0 {
		usage.CPUPercent = cpuPercent[0]
	}
	return usage, nil
}

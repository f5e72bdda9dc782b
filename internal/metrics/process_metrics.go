package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource sample of one service process.
type Usage struct {
	Service    string    `json:"service"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// UsageCollector samples CPU and memory of service processes on an interval
// and exports them as gauges.
type UsageCollector struct {
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	latest map[string]Usage
	procs  map[int32]*process.Process

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec
}

func NewUsageCollector(interval time.Duration, log *slog.Logger) *UsageCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &UsageCollector{
		interval: interval,
		log:      log,
		latest:   make(map[string]Usage),
		procs:    make(map[int32]*process.Process),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "service", Name: "cpu_percent",
			Help: "CPU usage percentage of service processes.",
		}, []string{"service"}),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "service", Name: "memory_rss_bytes",
			Help: "Resident memory of service processes.",
		}, []string{"service"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "service", Name: "num_threads",
			Help: "Thread count of service processes.",
		}, []string{"service"}),
		fds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "service", Name: "num_fds",
			Help: "Open file descriptors of service processes (Unix only).",
		}, []string{"service"}),
	}
}

// Register registers the usage gauges, ignoring ones already registered.
func (c *UsageCollector) Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{c.cpu, c.rss, c.threads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.fds)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples pids() every interval until ctx is done.
func (c *UsageCollector) Run(ctx context.Context, pids func() map[string]int) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Collect(pids())
		}
	}
}

// Collect takes one sample of every service in pids (service name -> pid).
func (c *UsageCollector) Collect(pids map[string]int) {
	now := time.Now()
	samples := make(map[string]Usage, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := c.sample(name, int32(pid), now)
		if err != nil {
			c.log.Debug("usage sample failed", "service", name, "pid", pid, "error", err)
			continue
		}
		samples[name] = u
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.latest {
		if _, ok := samples[name]; !ok {
			c.cpu.DeleteLabelValues(name)
			c.rss.DeleteLabelValues(name)
			c.threads.DeleteLabelValues(name)
			c.fds.DeleteLabelValues(name)
		}
	}
	live := make(map[int32]*process.Process, len(samples))
	for name, u := range samples {
		c.cpu.WithLabelValues(name).Set(u.CPUPercent)
		c.rss.WithLabelValues(name).Set(float64(u.MemoryRSS))
		c.threads.WithLabelValues(name).Set(float64(u.NumThreads))
		if u.NumFDs > 0 {
			c.fds.WithLabelValues(name).Set(float64(u.NumFDs))
		}
		if p := c.procs[u.PID]; p != nil {
			live[u.PID] = p
		}
	}
	c.procs = live
	c.latest = samples
}

func (c *UsageCollector) handle(pid int32) (*process.Process, error) {
	c.mu.RLock()
	p := c.procs[pid]
	c.mu.RUnlock()
	if p != nil {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.procs[pid] = p
	c.mu.Unlock()
	return p, nil
}

// sample reads one process. Handles are reused between samples so that
// CPUPercent measures the interval since the previous call.
func (c *UsageCollector) sample(name string, pid int32, now time.Time) (Usage, error) {
	p, err := c.handle(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("process handle: %w", err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	u := Usage{Service: name, PID: pid, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS, Timestamp: now}
	if cpu, err := p.Percent(0); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// Latest returns the most recent sample of service.
func (c *UsageCollector) Latest(service string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[service]
	return u, ok
}

// All returns the most recent sample of every service.
func (c *UsageCollector) All() map[string]Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Usage, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}

// Package monitor periodically logs the resource usage of the process and
// of the host.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultInterval is the logging period when none is configured.
const DefaultInterval = time.Minute

// Stats is one sample of resource usage.
type Stats struct {
	RSSBytes        uint64
	VMSBytes        uint64
	CPUPercent      float64
	Threads         int32
	MemTotalBytes   uint64
	MemUsedPercent  float64
	Load1           float64
	BitrateBPS      uint64
	hasSystemMemory bool
}

// Monitor samples the current process.
type Monitor struct {
	proc     *process.Process
	interval time.Duration
	log      *slog.Logger
	// bitrate, when set, adds the transport bitrate to each report.
	bitrate func() uint64
}

// New creates a monitor of the current process. A zero interval means
// DefaultInterval.
func New(ctx context.Context, interval time.Duration, log *slog.Logger, bitrate func() uint64) (*Monitor, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		proc:     p,
		interval: interval,
		log:      log.With("component", "monitor"),
		bitrate:  bitrate,
	}, nil
}

// Sample collects the current usage. Host figures which cannot be read are
// left zero; process figures are required.
func (m *Monitor) Sample(ctx context.Context) (Stats, error) {
	var s Stats
	memInfo, err := m.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("monitor: process memory: %w", err)
	}
	s.RSSBytes = memInfo.RSS
	s.VMSBytes = memInfo.VMS

	// CPU percent since the previous call, or since process start the
	// first time.
	if pct, err := m.proc.PercentWithContext(ctx, 0); err == nil {
		s.CPUPercent = pct
	}
	if n, err := m.proc.NumThreadsWithContext(ctx); err == nil {
		s.Threads = n
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemTotalBytes = vm.Total
		s.MemUsedPercent = vm.UsedPercent
		s.hasSystemMemory = true
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.Load1 = avg.Load1
	}
	if m.bitrate != nil {
		s.BitrateBPS = m.bitrate()
	}
	return s, nil
}

// Run logs a sample every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("resource monitoring started", "interval", m.interval)
	m.report(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Debug("resource monitoring stopped")
			return nil
		case <-ticker.C:
			m.report(ctx)
		}
	}
}

func (m *Monitor) report(ctx context.Context) {
	s, err := m.Sample(ctx)
	if err != nil {
		m.log.Warn("resource sample failed", "error", err)
		return
	}
	attrs := []any{
		"rss_mb", s.RSSBytes >> 20,
		"vms_mb", s.VMSBytes >> 20,
		"cpu_percent", fmt.Sprintf("%.1f", s.CPUPercent),
		"threads", s.Threads,
	}
	if s.hasSystemMemory {
		attrs = append(attrs,
			"system_memory_mb", s.MemTotalBytes>>20,
			"system_memory_percent", fmt.Sprintf("%.1f", s.MemUsedPercent))
	}
	attrs = append(attrs, "load1", s.Load1)
	if m.bitrate != nil {
		attrs = append(attrs, "bitrate", s.BitrateBPS)
	}
	m.log.Info("resource usage", attrs...)
}

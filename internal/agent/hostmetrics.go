package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// NetCounters are cumulative interface totals.
type NetCounters struct {
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
}

// HostMetrics is the METRICS object an agent reports.
type HostMetrics struct {
	Timestamp     time.Time   `json:"timestamp"`
	AgentID       string      `json:"agent_id"`
	Hostname      string      `json:"hostname,omitempty"`
	Platform      string      `json:"platform,omitempty"`
	CPUPercent    float64     `json:"cpu_percent"`
	MemoryPercent float64     `json:"memory_percent"`
	MemoryTotal   uint64      `json:"memory_total"`
	MemoryUsed    uint64      `json:"memory_used"`
	DiskUsage     float64     `json:"disk_usage"`
	BootTime      uint64      `json:"boot_time"`
	Processes     int         `json:"processes"`
	Network       NetCounters `json:"network"`
}

// CPUSampleInterval is how long CollectMetrics samples CPU load.
var CPUSampleInterval = time.Second

// CollectMetrics samples the host. Probes that fail leave their fields
// zero; their errors are joined into err while m is still returned.
func CollectMetrics(ctx context.Context, agentID, diskPath string) (*HostMetrics, error) {
	m := &HostMetrics{Timestamp: time.Now().UTC(), AgentID: agentID}
	var errs []error

	if info, err := host.InfoWithContext(ctx); err == nil {
		m.Hostname = info.Hostname
		m.Platform = info.Platform
		m.BootTime = info.BootTime
	} else {
		errs = append(errs, fmt.Errorf("host: %w", err))
	}
	if pct, err := cpu.PercentWithContext(ctx, CPUSampleInterval, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	} else if err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryPercent = vm.UsedPercent
		m.MemoryTotal = vm.Total
		m.MemoryUsed = vm.Used
	} else {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		m.DiskUsage = du.UsedPercent
	} else {
		errs = append(errs, fmt.Errorf("disk %s: %w", diskPath, err))
	}
	if pids, err := process.PidsWithContext(ctx); err == nil {
		m.Processes = len(pids)
	} else {
		errs = append(errs, fmt.Errorf("processes: %w", err))
	}
	if io, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(io) > 0 {
		m.Network = NetCounters{BytesSent: io[0].BytesSent, BytesRecv: io[0].BytesRecv}
	} else if err != nil {
		errs = append(errs, fmt.Errorf("network: %w", err))
	}
	return m, errors.Join(errs...)
}

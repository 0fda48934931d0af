package worker

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Iron-Ham/taskmesh/internal/protocol"
)

// HostStats samples CPU and memory utilisation. It returns nil when neither
// figure is available.
func HostStats() *protocol.HostStats {
	var (
		stats protocol.HostStats
		ok    bool
	)
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
		ok = true
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		ok = true
	}
	if !ok {
		return nil
	}
	return &stats
}

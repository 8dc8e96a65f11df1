package pipeline

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics сведения о ресурсах процесса на момент завершения прогона.
type SystemMetrics struct {
	Uptime   string  `json:"uptime"`
	MemoryMB float64 `json:"memory_mb"`
	CPUPct   float64 `json:"cpu_percent"`
}

// CollectSystemMetrics собирает потребление ресурсов процесса.
func CollectSystemMetrics(startTime time.Time) SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	sm := SystemMetrics{
		Uptime:   formatUptime(time.Since(startTime)),
		MemoryMB: float64(m.Alloc) / 1024 / 1024,
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if pct, err := proc.CPUPercent(); err == nil {
			sm.CPUPct = pct
			return sm
		}
	}
	// Метрики процесса недоступны, берём системные
	if pcts, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		sm.CPUPct = pcts[0]
	}
	return sm
}

func formatUptime(uptime time.Duration) string {
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dч %dм %dс", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dм %dс", minutes, seconds)
	}
	return fmt.Sprintf("%dс", seconds)
}

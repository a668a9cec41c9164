package utils

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status is a point-in-time report on the running process and its host.
type Status struct {
	Uptime        time.Duration
	GoVersion     string
	Goroutines    int
	CPUCount      int
	CPUPercent    float64
	MemUsedMB     uint64
	MemTotalMB    uint64
	MemPercent    float64
	Platform      string
	KernelVersion string
	DatabaseMB    int64
}

// CollectStatus gathers a Status. startedAt is the process start time taken
// from configuration. Host probes that fail leave their fields zero.
func CollectStatus(startedAt time.Time, dbPath string) Status {
	st := Status{
		Uptime:     time.Since(startedAt).Truncate(time.Second),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
	}

	if n, err := cpu.Counts(true); err == nil {
		st.CPUCount = n
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		st.MemUsedMB = vm.Used / 1024 / 1024
		st.MemTotalMB = vm.Total / 1024 / 1024
		st.MemPercent = vm.UsedPercent
	}
	if info, err := host.Info(); err == nil {
		st.Platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		st.KernelVersion = info.KernelVersion
	}
	if dbPath != "" {
		if fi, err := os.Stat(dbPath); err == nil {
			st.DatabaseMB = fi.Size() / 1024 / 1024
		}
	}
	return st
}

// String renders the status for the operator log channel.
func (s Status) String() string {
	return fmt.Sprintf("uptime %s | %s | goroutines %d | cpu %d @ %.1f%% | mem %.1f%% (%d MB / %d MB) | %s %s | db %d MB",
		s.Uptime, s.GoVersion, s.Goroutines, s.CPUCount, s.CPUPercent,
		s.MemPercent, s.MemUsedMB, s.MemTotalMB, s.Platform, s.KernelVersion, s.DatabaseMB)
}

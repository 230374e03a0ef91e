package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostReport describes the workstation the device tools run on
type HostReport struct {
	Hostname    string        `json:"hostname"`
	Platform    string        `json:"platform"`
	Uptime      string        `json:"uptime"`
	MemoryUsed  string        `json:"memoryUsed"`
	ConfigPath  string        `json:"configPath"`
	WorkDir     string        `json:"workDir"`
	Tools       []ToolVersion `json:"tools"`
	ToolServers []string      `json:"toolServers"`
	Tracked     int           `json:"trackedProcesses"`
}

// HostReport gathers host details, tool versions and the device tool servers
// currently running
func (a *App) HostReport(ctx context.Context) HostReport {
	report := HostReport{
		Hostname:   "localhost",
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		ConfigPath: a.config.Path(),
		WorkDir:    a.executor.workDir,
		Tracked:    a.executor.Tracked(),
	}

	if hostname, err := os.Hostname(); err == nil {
		report.Hostname = hostname
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		report.Platform = fmt.Sprintf("%s %s (%s)", info.Platform, info.PlatformVersion, info.KernelArch)
		report.Uptime = formatDuration(time.Duration(info.Uptime) * time.Second)
	}

	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.MemoryUsed = fmt.Sprintf("%.1f%% of %.0f MB", memInfo.UsedPercent, float64(memInfo.Total)/1024/1024)
	}

	report.Tools = a.ToolVersions(ctx)
	report.ToolServers = toolServers(ctx, a.primary, a.secondary)
	return report
}

// toolServers lists running processes named like the protocol executables.
// Both tools fork a background server that outlives the commands.
func toolServers(ctx context.Context, protocols ...Protocol) []string {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}

	names := make(map[string]bool, len(protocols))
	for _, p := range protocols {
		base := strings.ToLower(strings.TrimSuffix(baseName(p.Executable), ".exe"))
		names[base] = true
	}

	var out []string
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if names[strings.ToLower(strings.TrimSuffix(name, ".exe"))] {
			out = append(out, fmt.Sprintf("%s (pid %d)", name, p.Pid))
		}
	}
	return out
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// formatDuration formats a duration into human-readable uptime
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else {
		return fmt.Sprintf("%dm", minutes)
	}
}

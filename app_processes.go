package main

import (
	"context"
	"sort"
)

// Processes takes one snapshot of the current device and returns it sorted
// by pid
func (a *App) Processes(ctx context.Context) ([]ProcessRecord, error) {
	if a.SelectedDevice() == nil {
		return nil, ErrNoDevice
	}
	if err := a.processes.Refresh(ctx); err != nil {
		return nil, err
	}
	records := append([]ProcessRecord(nil), a.processes.Snapshot().Get()...)
	sort.Slice(records, func(i, j int) bool { return records[i].PID < records[j].PID })
	return records, nil
}

// StartProcessMonitor begins periodic snapshots
func (a *App) StartProcessMonitor() {
	a.processes.Activate()
}

// StopProcessMonitor pauses periodic snapshots
func (a *App) StopProcessMonitor() {
	a.processes.Pause()
}

// KillProcess stops pid on the current device
func (a *App) KillProcess(ctx context.Context, pid int) error {
	return a.processes.KillProcess(ctx, pid)
}

// ForceStopPackage stops every process of pkg on the current device
func (a *App) ForceStopPackage(ctx context.Context, pkg string) error {
	return a.processes.ForceStopProcess(ctx, pkg)
}

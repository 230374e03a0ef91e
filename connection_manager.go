package main

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job tags owned by the connection manager
const (
	jobAutoRefresh = "auto-refresh"
	jobRefresh     = "refresh"
)

// ConnectionSettings is the slice of configuration the connection manager follows
type ConnectionSettings interface {
	SecondaryProtocolEnabled() *Stream[bool]
	AutoRefreshEnabled() *Stream[bool]
	DeviceDescriptions() *Stream[map[string]string]
}

// ConnectResult describes how a connect attempt ended
type ConnectResult struct {
	Target    string       `json:"target"`
	Connected bool         `json:"connected"`
	Protocol  ProtocolKind `json:"protocol"`
	Escalated bool         `json:"escalated"`
}

// ConnectionManager discovers devices, connects network targets and keeps the
// device list and the current selection published
type ConnectionManager struct {
	logger     *zap.Logger
	runner     CommandRunner
	jobs       *JobRegistry
	shell      RemoteShell
	reach      ReachFunc
	notify     Notifier
	settings   ConnectionSettings
	primary    Protocol
	secondary  Protocol
	escalation EscalationConfig

	// overridable in tests
	sleep           func(ctx context.Context, d time.Duration) error
	refreshInterval time.Duration

	lock *BusyLock

	// raw holds the last scan before descriptions are merged
	raw      []Device
	stateMu  sync.Mutex
	devices  *Stream[[]Device]
	selected *Stream[*Device]

	targets   map[string]TargetState
	targetsMu sync.Mutex
	targetsS  *Stream[map[string]TargetState]

	initialized chan struct{}
	initOnce    sync.Once
}

// ConnectionOptions holds the collaborators of a ConnectionManager
type ConnectionOptions struct {
	Runner     CommandRunner
	Jobs       *JobRegistry
	Shell      RemoteShell
	Reach      ReachFunc
	Notify     Notifier
	Settings   ConnectionSettings
	Primary    Protocol
	Secondary  Protocol
	Escalation EscalationConfig
	Logger     *zap.Logger
}

// NewConnectionManager creates a connection manager
func NewConnectionManager(opts ConnectionOptions) *ConnectionManager {
	reach := opts.Reach
	if reach == nil {
		reach = checkReachable
	}
	if opts.Escalation.Port == 0 {
		opts.Escalation.Port = DefaultEscalatePort
	}
	return &ConnectionManager{
		logger:          opts.Logger.Named("connection"),
		runner:          opts.Runner,
		jobs:            opts.Jobs,
		shell:           opts.Shell,
		reach:           reach,
		notify:          opts.Notify,
		settings:        opts.Settings,
		primary:         opts.Primary,
		secondary:       opts.Secondary,
		escalation:      opts.Escalation,
		sleep:           sleepContext,
		refreshInterval: AutoRefreshInterval,
		lock:            NewBusyLock(),
		devices:         NewStream[[]Device](nil),
		selected:        NewStream[*Device](nil),
		targets:         make(map[string]TargetState),
		targetsS:        NewStream(map[string]TargetState{}),
		initialized:     make(chan struct{}),
	}
}

// Devices is the stream of the merged, description-enriched device list
func (cm *ConnectionManager) Devices() *Stream[[]Device] {
	return cm.devices
}

// Selected is the stream of the current device; nil means none
func (cm *ConnectionManager) Selected() *Stream[*Device] {
	return cm.selected
}

// Busy mirrors whether a connect, disconnect or refresh is running
func (cm *ConnectionManager) Busy() *Stream[bool] {
	return cm.lock.Busy()
}

// Targets is the stream of managed ip:port targets and their state
func (cm *ConnectionManager) Targets() *Stream[map[string]TargetState] {
	return cm.targetsS
}

// MarkInitialized opens the auto-refresh gate
func (cm *ConnectionManager) MarkInitialized() {
	cm.initOnce.Do(func() { close(cm.initialized) })
}

func (cm *ConnectionManager) secondaryEnabled() bool {
	return cm.settings.SecondaryProtocolEnabled().Get()
}

func (cm *ConnectionManager) setTarget(target string, state TargetState) {
	cm.targetsMu.Lock()
	cm.targets[target] = state
	snapshot := maps.Clone(cm.targets)
	cm.targetsMu.Unlock()

	cm.targetsS.Set(snapshot)
	cm.logger.Debug("target state", zap.String("target", target), zap.Stringer("state", state))
}

// Connect attaches the device at ip:port. The ladder is reachability check,
// primary connect, secondary connect when enabled, then one remote shell
// escalation followed by a second round of connects. The device list is
// refreshed afterwards whatever the outcome, unless the host was unreachable.
func (cm *ConnectionManager) Connect(ctx context.Context, ip string, port int) (ConnectResult, error) {
	// without a port each tool is tried on its own default
	target := joinHostPort(ip, cm.primary.portOr(port))
	result := ConnectResult{Target: target}
	reachPorts := []int{cm.primary.portOr(port)}
	if port == 0 && cm.secondaryEnabled() {
		reachPorts = append(reachPorts, cm.secondary.DefaultPort())
	}
	reachPorts = append(reachPorts, cm.escalation.Port)

	if err := cm.lock.Lock(ctx); err != nil {
		return result, nil
	}
	defer cm.lock.Unlock()

	cm.setTarget(target, TargetConnecting)
	log := cm.logger.With(zap.String("target", target))

	if err := cm.reach(ctx, ip, reachPorts...); err != nil {
		cm.setTarget(target, TargetDisconnected)
		if ctx.Err() != nil {
			return result, nil
		}
		log.Warn("target unreachable", zap.Error(err))
		cm.notify.Warning(fmt.Sprintf("%s is not reachable", ip))
		return result, err
	}

	proto, ok := cm.tryConnect(ctx, ip, port)
	if !ok && ctx.Err() == nil {
		result.Escalated = true
		if cm.escalate(ctx, ip, port) {
			proto, ok = cm.tryConnect(ctx, ip, port)
		}
		if !ok && ctx.Err() == nil {
			cm.notify.Warning(fmt.Sprintf("Could not connect to %s", target))
		}
	}

	if ctx.Err() != nil {
		cm.setTarget(target, TargetDisconnected)
		return result, nil
	}

	result.Connected = ok
	result.Protocol = proto
	if ok && proto == ProtocolSecondary && port == 0 {
		cm.setTarget(target, TargetDisconnected)
		target = joinHostPort(ip, cm.secondary.DefaultPort())
		result.Target = target
	}
	if ok {
		cm.setTarget(target, TargetConnected)
		cm.notify.Success(fmt.Sprintf("Connected to %s over %s", target, proto))
	} else {
		cm.setTarget(target, TargetDisconnected)
	}

	if err := cm.refreshLocked(ctx); err != nil {
		log.Warn("refresh after connect failed", zap.Error(err))
	}
	return result, nil
}

// tryConnect runs the primary connect and, if enabled, the secondary one
func (cm *ConnectionManager) tryConnect(ctx context.Context, ip string, port int) (ProtocolKind, bool) {
	protocols := []Protocol{cm.primary}
	if cm.secondaryEnabled() {
		protocols = append(protocols, cm.secondary)
	}

	for _, p := range protocols {
		out, err := cm.runner.ExecSync(ctx, p.Connect(ip, port))
		if err != nil {
			if ctx.Err() != nil {
				return p.Kind, false
			}
			cm.logger.Warn("connect command failed", zap.Stringer("protocol", p.Kind), zap.Error(err))
			RecordConnectAttempt(p.Kind, false)
			continue
		}

		ok := p.ConnectSucceeded(out)
		RecordConnectAttempt(p.Kind, ok)
		cm.logger.Debug("connect attempt",
			zap.Stringer("protocol", p.Kind),
			zap.Bool("ok", ok),
			zap.String("output", firstLine(out)))
		if ok {
			return p.Kind, true
		}
	}
	return ProtocolPrimary, false
}

// escalate opens the device control ports through the remote shell. Failure
// is only a warning.
func (cm *ConnectionManager) escalate(ctx context.Context, ip string, port int) bool {
	if cm.shell == nil {
		return false
	}

	commands := cm.primary.EscalationCommands(port)
	if cm.secondaryEnabled() {
		commands = append(commands, cm.secondary.EscalationCommands(port)...)
	}

	cm.notify.Info(fmt.Sprintf("Enabling the device port on %s through the remote shell", ip))
	if err := cm.shell.Run(ctx, ip, commands); err != nil {
		RecordEscalation(false)
		if ctx.Err() == nil {
			cm.logger.Warn("escalation failed", zap.String("ip", ip), zap.Error(err))
			cm.notify.Warning(fmt.Sprintf("Remote shell escalation on %s failed: %v", ip, err))
		}
		return false
	}
	RecordEscalation(true)

	// give the daemon time to come back up on the new port
	if err := cm.sleep(ctx, cm.escalation.SettleDelay()); err != nil {
		return false
	}
	return true
}

// Refresh rescans both protocols and republishes the device list
func (cm *ConnectionManager) Refresh(ctx context.Context) error {
	if err := cm.lock.Lock(ctx); err != nil {
		return nil
	}
	defer cm.lock.Unlock()
	return cm.refreshLocked(ctx)
}

func (cm *ConnectionManager) refreshLocked(ctx context.Context) error {
	protocols := []Protocol{cm.primary}
	if cm.secondaryEnabled() {
		protocols = append(protocols, cm.secondary)
	}

	var all []Device
	var firstErr error
	for _, p := range protocols {
		out, err := cm.runner.ExecSync(ctx, p.List())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			cm.logger.Warn("device list failed", zap.Stringer("protocol", p.Kind), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("%s device list: %w", p.Kind, err)
			}
			continue
		}
		all = append(all, cm.queryVersions(ctx, p, p.ParseList(out))...)
	}
	if ctx.Err() != nil {
		return nil
	}

	sortOnlineFirst(all)

	cm.stateMu.Lock()
	cm.raw = all
	cm.stateMu.Unlock()
	cm.publishDevices()

	cm.logger.Debug("devices refreshed", zap.Int("count", len(all)))
	return firstErr
}

// queryVersions fills API and OS versions of online devices
func (cm *ConnectionManager) queryVersions(ctx context.Context, p Protocol, devices []Device) []Device {
	for i := range devices {
		if !devices[i].Online() {
			continue
		}
		if out, err := cm.runner.ExecSync(ctx, p.APIVersionQuery(devices[i].Serial)); err == nil {
			devices[i].APIVersion = firstLine(out)
		}
		if out, err := cm.runner.ExecSync(ctx, p.OSVersionQuery(devices[i].Serial)); err == nil {
			devices[i].OSVersion = firstLine(out)
		}
	}
	return devices
}

// publishDevices merges descriptions into the last scan, publishes the list
// and repairs the selection
func (cm *ConnectionManager) publishDevices() {
	descriptions := cm.settings.DeviceDescriptions().Get()

	cm.stateMu.Lock()
	defer cm.stateMu.Unlock()

	list := make([]Device, len(cm.raw))
	for i, d := range cm.raw {
		d.Description = descriptions[d.Serial]
		list[i] = d
	}

	cm.devices.Set(list)
	cm.selected.Update(func(cur *Device) (*Device, bool) {
		next := repairSelection(cur, list)
		return next, !sameDevice(cur, next)
	})
}

// repairSelection keeps the selection consistent with a fresh list: nothing
// selected or selection gone picks the first online device (or none), and a
// selection whose fields changed is replaced by the fresh copy
func repairSelection(current *Device, devices []Device) *Device {
	if current != nil {
		for i := range devices {
			if devices[i].Serial == current.Serial && devices[i].Protocol == current.Protocol {
				if devices[i] == *current {
					return current
				}
				fresh := devices[i]
				return &fresh
			}
		}
	}
	for i := range devices {
		if devices[i].Online() {
			first := devices[i]
			return &first
		}
	}
	return nil
}

func sameDevice(a, b *Device) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sortOnlineFirst orders online devices first and keeps scan order otherwise
func sortOnlineFirst(devices []Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].Online() && !devices[j].Online()
	})
}

// Select makes serial the current device
func (cm *ConnectionManager) Select(serial string) error {
	for _, d := range cm.devices.Get() {
		if d.Serial == serial {
			dev := d
			cm.selected.Update(func(cur *Device) (*Device, bool) {
				return &dev, !sameDevice(cur, &dev)
			})
			return nil
		}
	}
	return fmt.Errorf("%s: %w", serial, ErrNoDevice)
}

// Disconnect drops one network device and refreshes
func (cm *ConnectionManager) Disconnect(ctx context.Context, serial string) error {
	if err := cm.lock.Lock(ctx); err != nil {
		return nil
	}
	defer cm.lock.Unlock()

	p := cm.primary
	for _, d := range cm.devices.Get() {
		if d.Serial == serial && d.Protocol == ProtocolSecondary {
			p = cm.secondary
			break
		}
	}

	out, err := cm.runner.ExecSync(ctx, p.Disconnect(serial))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("disconnect %s: %w", serial, err)
	}
	cm.logger.Debug("disconnected", zap.String("serial", serial), zap.String("output", firstLine(out)))

	cm.targetsMu.Lock()
	_, managed := cm.targets[serial]
	cm.targetsMu.Unlock()
	if managed {
		cm.setTarget(serial, TargetDisconnected)
	}

	return cm.refreshLocked(ctx)
}

// DisconnectAll drops every primary session with one bulk call, then each
// secondary device individually since that tool has no bulk primitive
func (cm *ConnectionManager) DisconnectAll(ctx context.Context) error {
	if err := cm.lock.Lock(ctx); err != nil {
		return nil
	}
	defer cm.lock.Unlock()

	cmd, err := cm.primary.DisconnectAll()
	if err != nil {
		return err
	}
	if _, err := cm.runner.ExecSync(ctx, cmd); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		cm.logger.Warn("bulk disconnect failed", zap.Error(err))
	}

	if cm.secondaryEnabled() {
		for _, d := range cm.devices.Get() {
			if d.Protocol != ProtocolSecondary {
				continue
			}
			if _, err := cm.runner.ExecSync(ctx, cm.secondary.Disconnect(d.Serial)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				cm.logger.Warn("disconnect failed", zap.String("serial", d.Serial), zap.Error(err))
			}
		}
	}

	cm.targetsMu.Lock()
	for t := range cm.targets {
		cm.targets[t] = TargetDisconnected
	}
	snapshot := maps.Clone(cm.targets)
	cm.targetsMu.Unlock()
	cm.targetsS.Set(snapshot)

	return cm.refreshLocked(ctx)
}

// Start follows the settings streams until ctx ends: descriptions are merged
// into the list, toggling the secondary protocol rescans and the auto-refresh
// flag starts or stops the refresh loop
func (cm *ConnectionManager) Start(ctx context.Context) {
	descriptions, stopDescriptions := cm.settings.DeviceDescriptions().Subscribe()
	secondary, stopSecondary := cm.settings.SecondaryProtocolEnabled().Subscribe()
	autoRefresh, stopAutoRefresh := cm.settings.AutoRefreshEnabled().Subscribe()

	go func() {
		defer stopDescriptions()
		defer stopSecondary()
		defer stopAutoRefresh()

		lastSecondary := cm.secondaryEnabled()
		for {
			select {
			case <-ctx.Done():
				cm.jobs.Cancel(jobAutoRefresh)
				return
			case _, ok := <-descriptions:
				if !ok {
					return
				}
				cm.publishDevices()
			case enabled, ok := <-secondary:
				if !ok {
					return
				}
				if enabled != lastSecondary {
					lastSecondary = enabled
					cm.jobs.Launch(jobRefresh, func(ctx context.Context) {
						if err := cm.Refresh(ctx); err != nil {
							cm.logger.Warn("refresh failed", zap.Error(err))
						}
					})
				}
			case enabled, ok := <-autoRefresh:
				if !ok {
					return
				}
				cm.setAutoRefresh(enabled)
			}
		}
	}()
}

// setAutoRefresh cancels the running loop and starts a new one when enabled
func (cm *ConnectionManager) setAutoRefresh(enabled bool) {
	if !enabled {
		cm.jobs.Cancel(jobAutoRefresh)
		cm.logger.Debug("auto-refresh stopped")
		return
	}

	cm.jobs.Launch(jobAutoRefresh, func(ctx context.Context) {
		select {
		case <-cm.initialized:
		case <-ctx.Done():
			return
		}
		cm.logger.Debug("auto-refresh started", zap.Duration("interval", cm.refreshInterval))

		for {
			if err := cm.Refresh(ctx); err != nil {
				cm.logger.Warn("auto-refresh failed", zap.Error(err))
			}
			if err := cm.sleep(ctx, cm.refreshInterval); err != nil {
				return
			}
			if !cm.settings.AutoRefreshEnabled().Get() {
				return
			}
		}
	})
}

// sleepContext waits for d or until ctx ends
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

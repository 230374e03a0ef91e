package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Devices returns the current merged device list
func (a *App) Devices() []Device {
	return a.connection.Devices().Get()
}

// SelectedDevice returns the current device or nil
func (a *App) SelectedDevice() *Device {
	return a.connection.Selected().Get()
}

// RefreshDevices rescans both protocols
func (a *App) RefreshDevices(ctx context.Context) error {
	return a.connection.Refresh(ctx)
}

// SelectDevice makes serial the current device
func (a *App) SelectDevice(serial string) error {
	return a.connection.Select(serial)
}

// Connect attaches the device at target, given as IP or IP:PORT
func (a *App) Connect(ctx context.Context, target string) (ConnectResult, error) {
	ip, port, err := parseTarget(target)
	if err != nil {
		return ConnectResult{}, err
	}
	return a.connection.Connect(ctx, ip, port)
}

// parseTarget splits IP[:PORT]; a missing port is returned as 0
func parseTarget(target string) (string, int, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", 0, fmt.Errorf("target must not be empty")
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// no port
		if net.ParseIP(strings.Trim(target, "[]")) == nil {
			return "", 0, fmt.Errorf("invalid target %q", target)
		}
		return strings.Trim(target, "[]"), 0, nil
	}
	if net.ParseIP(host) == nil {
		return "", 0, fmt.Errorf("invalid target %q", target)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// Disconnect drops serial, or every device when serial is empty
func (a *App) Disconnect(ctx context.Context, serial string) error {
	if serial == "" {
		return a.connection.DisconnectAll(ctx)
	}
	return a.connection.Disconnect(ctx, serial)
}

// SetDeviceDescription stores a user label for serial; empty text removes it
func (a *App) SetDeviceDescription(serial, text string) error {
	return a.config.SetDeviceDescription(serial, text)
}

// SetSecondaryProtocolEnabled toggles discovery of secondary-protocol devices
func (a *App) SetSecondaryProtocolEnabled(enabled bool) {
	a.config.SetSecondaryProtocolEnabled(enabled)
}

// SetAutoRefreshEnabled toggles the periodic device scan
func (a *App) SetAutoRefreshEnabled(enabled bool) {
	a.config.SetAutoRefreshEnabled(enabled)
}

func (a *App) protocolFor(dev *Device) Protocol {
	if dev.Protocol == ProtocolSecondary {
		return a.secondary
	}
	return a.primary
}

// LaunchMirror starts the screen mirroring viewer for the current device.
// The viewer runs detached from the calling operation; its output goes to the
// log and it is killed on shutdown.
func (a *App) LaunchMirror() (*ProcessHandle, error) {
	dev := a.SelectedDevice()
	if dev == nil {
		return nil, ErrNoDevice
	}
	viewer := findToolExecutable(a.config.Config().MirrorExecutable)
	cmd, err := a.protocolFor(dev).Mirror(viewer, dev.Serial)
	if err != nil {
		return nil, fmt.Errorf("mirror %s: %w", dev.Serial, err)
	}

	logger := a.logger.Named("mirror").With(zap.String("serial", dev.Serial))
	handle, err := a.executor.ExecAsync(a.ctx, cmd, func(line string) {
		logger.Debug(line)
	})
	if err != nil {
		a.messages.Error(fmt.Sprintf("Failed to start %s: %v", cmd.Name, err))
		return nil, err
	}
	a.messages.Info(fmt.Sprintf("Mirroring %s", dev.DisplayName()))
	return handle, nil
}

// OpenShell starts an interactive shell on the current device
func (a *App) OpenShell(onOutput func(id string, data []byte)) (string, error) {
	dev := a.SelectedDevice()
	if dev == nil {
		return "", ErrNoDevice
	}
	return a.shells.OpenShell(a.protocolFor(dev), dev.Serial, onOutput)
}

// WriteShell sends input to a shell session
func (a *App) WriteShell(id, data string) error {
	return a.shells.WriteShell(id, data)
}

// ResizeShell changes a shell session's terminal size
func (a *App) ResizeShell(id string, cols, rows int) error {
	return a.shells.ResizeShell(id, cols, rows)
}

// CloseShell terminates a shell session
func (a *App) CloseShell(id string) error {
	return a.shells.CloseShell(id)
}

// ShellDone returns a channel closed when the session's shell exits
func (a *App) ShellDone(id string) (<-chan struct{}, error) {
	s, ok := a.shells.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return s.Done(), nil
}

// ToolVersions reports the installed device tools
func (a *App) ToolVersions(ctx context.Context) []ToolVersion {
	return DetectToolVersions(ctx, a.executor, []Protocol{a.primary, a.secondary}, a.logger)
}

// Messages is the stream of user-visible messages
func (a *App) Messages() *Stream[Message] {
	return a.messages.Messages()
}

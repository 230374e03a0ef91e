package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type connectionFixture struct {
	cm       *ConnectionManager
	runner   *fakeRunner
	shell    *fakeShell
	notify   *fakeNotifier
	settings *fakeSettings
	reaches  int
}

func newConnectionFixture(t *testing.T, handle func(ctx context.Context, c Command) (string, error)) *connectionFixture {
	t.Helper()
	primary, secondary := testProtocols()
	f := &connectionFixture{
		runner:   &fakeRunner{handle: handle},
		shell:    &fakeShell{},
		notify:   &fakeNotifier{},
		settings: newFakeSettings(),
	}
	f.cm = NewConnectionManager(ConnectionOptions{
		Runner:   f.runner,
		Jobs:     testJobs(t),
		Shell:    f.shell,
		Notify:   f.notify,
		Settings: f.settings,
		Reach: func(ctx context.Context, ip string, ports ...int) error {
			f.reaches++
			return nil
		},
		Primary:    primary,
		Secondary:  secondary,
		Escalation: EscalationConfig{Port: 22, SettleMs: 1},
		Logger:     zap.NewNop(),
	})
	f.cm.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return f
}

const twoDevices = `List of devices attached
10.0.0.2:5555   device product:p model:Pixel_7 device:panther
emulator-5554   offline
`

func TestConnectSucceedsWithoutEscalation(t *testing.T) {
	f := newConnectionFixture(t, func(ctx context.Context, c Command) (string, error) {
		line := c.String()
		switch {
		case strings.Contains(line, "connect 10.0.0.2"):
			return "connected to 10.0.0.2:5555", nil
		case strings.Contains(line, "devices -l"):
			return twoDevices, nil
		case strings.Contains(line, "ro.build.version.release"):
			return "14\n", nil
		case strings.Contains(line, "ro.build.version.sdk"):
			return "34\n", nil
		}
		return "", nil
	})

	result, err := f.cm.Connect(context.Background(), "10.0.0.2", 0)
	require.NoError(t, err)
	assert.True(t, result.Connected)
	assert.False(t, result.Escalated)
	assert.Equal(t, "10.0.0.2:5555", result.Target)
	assert.Equal(t, 0, f.shell.Runs())

	devices := f.cm.Devices().Get()
	require.Len(t, devices, 2)
	assert.Equal(t, "14", devices[0].OSVersion)
	assert.Equal(t, "34", devices[0].APIVersion)
	assert.Equal(t, "", devices[1].OSVersion, "offline devices are not queried")

	selected := f.cm.Selected().Get()
	require.NotNil(t, selected)
	assert.Equal(t, "10.0.0.2:5555", selected.Serial)
	assert.Equal(t, TargetConnected, f.cm.Targets().Get()["10.0.0.2:5555"])
	assert.False(t, f.cm.Busy().Get())
}

func TestConnectWithoutPortUsesToolDefaults(t *testing.T) {
	f := newConnectionFixture(t, func(ctx context.Context, c Command) (string, error) {
		switch line := c.String(); {
		case strings.Contains(line, "adb connect"):
			return "failed to connect to '10.0.0.6:5555': Connection refused", nil
		case strings.Contains(line, "hdc tconn 10.0.0.6:8710"):
			return "Connect OK", nil
		}
		return "", nil
	})
	f.settings.secondary.Set(true)

	result, err := f.cm.Connect(context.Background(), "10.0.0.6", 0)
	require.NoError(t, err)
	assert.True(t, result.Connected)
	assert.False(t, result.Escalated)
	assert.Equal(t, ProtocolSecondary, result.Protocol)
	assert.Equal(t, "10.0.0.6:8710", result.Target)

	assert.Equal(t, 1, f.runner.count("adb connect 10.0.0.6:5555"))
	assert.Equal(t, 1, f.runner.count("hdc tconn 10.0.0.6:8710"))
	targets := f.cm.Targets().Get()
	assert.Equal(t, TargetConnected, targets["10.0.0.6:8710"])
	assert.Equal(t, TargetDisconnected, targets["10.0.0.6:5555"])
}

func TestConnectEscalatesExactlyOnce(t *testing.T) {
	f := newConnectionFixture(t, func(ctx context.Context, c Command) (string, error) {
		line := c.String()
		switch {
		case strings.Contains(line, "connect "), strings.Contains(line, "tconn "):
			return "failed to connect to '10.0.0.3:5555': Connection refused", nil
		case strings.Contains(line, "devices -l"):
			return "List of devices attached\n", nil
		}
		return "", nil
	})
	f.cm.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	f.settings.secondary.Set(true)

	result, err := f.cm.Connect(context.Background(), "10.0.0.3", 5555)
	require.NoError(t, err)
	assert.False(t, result.Connected)
	assert.True(t, result.Escalated)

	assert.Equal(t, 1, f.shell.Runs())
	assert.Equal(t, 2, f.runner.count("adb connect 10.0.0.3:5555"), "one attempt before and one after escalation")
	assert.Equal(t, 2, f.runner.count("hdc tconn 10.0.0.3:5555"))
	assert.Contains(t, f.shell.commands, "setprop service.adb.tcp.port 5555")
	assert.Contains(t, f.shell.commands, "service_control start hdcd")

	assert.NotEmpty(t, f.notify.ofType(MessageWarning))
	assert.Equal(t, 1, f.runner.count("devices -l"), "refresh runs even when the connect failed")
	assert.Equal(t, TargetDisconnected, f.cm.Targets().Get()["10.0.0.3:5555"])
}

func TestConnectSucceedsAfterEscalation(t *testing.T) {
	escalated := false
	f := newConnectionFixture(t, func(ctx context.Context, c Command) (string, error) {
		if strings.Contains(c.String(), "adb connect") {
			if escalated {
				return "connected to 10.0.0.4:5555", nil
			}
			return "cannot connect to 10.0.0.4:5555", nil
		}
		return "", nil
	})
	f.cm.sleep = func(ctx context.Context, d time.Duration) error {
		escalated = true
		return nil
	}

	result, err := f.cm.Connect(context.Background(), "10.0.0.4", 5555)
	require.NoError(t, err)
	assert.True(t, result.Connected)
	assert.True(t, result.Escalated)
	assert.Equal(t, ProtocolPrimary, result.Protocol)
	assert.Len(t, f.notify.ofType(MessageSuccess), 1)
}

func TestConnectUnreachableSkipsEverything(t *testing.T) {
	f := newConnectionFixture(t, nil)
	f.cm.reach = func(ctx context.Context, ip string, ports ...int) error { return ErrUnreachable }

	_, err := f.cm.Connect(context.Background(), "10.9.9.9", 5555)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, 0, f.runner.count(""), "no command runs for an unreachable host")
	assert.Equal(t, 0, f.shell.Runs())
	assert.Len(t, f.notify.ofType(MessageWarning), 1)
}

func TestConnectCancelledIsSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newConnectionFixture(t, func(c context.Context, cmd Command) (string, error) {
		cancel()
		return "", c.Err()
	})

	result, err := f.cm.Connect(ctx, "10.0.0.5", 5555)
	assert.NoError(t, err)
	assert.False(t, result.Connected)
	assert.Equal(t, 0, f.shell.Runs())
	assert.Empty(t, f.notify.ofType(MessageWarning))
}

func TestRefreshMergesDescriptionsAndSecondary(t *testing.T) {
	f := newConnectionFixture(t, func(ctx context.Context, c Command) (string, error) {
		line := c.String()
		switch {
		case strings.Contains(line, "devices -l"):
			return twoDevices, nil
		case strings.Contains(line, "list targets"):
			return "FMR0223\tUSB\tConnected\tlocalhost\thdc\n", nil
		}
		return "", nil
	})
	f.settings.descriptions.Set(map[string]string{"FMR0223": "tablet"})

	require.NoError(t, f.cm.Refresh(context.Background()))
	assert.Len(t, f.cm.Devices().Get(), 2, "secondary disabled")
	assert.Equal(t, 0, f.runner.count("list targets"))

	f.settings.secondary.Set(true)
	require.NoError(t, f.cm.Refresh(context.Background()))
	devices := f.cm.Devices().Get()
	require.Len(t, devices, 3)
	assert.True(t, devices[0].Online())
	assert.True(t, devices[1].Online())
	assert.False(t, devices[2].Online(), "online devices sort first")
	assert.Equal(t, "tablet", devices[1].Description)
}

func TestRepairSelection(t *testing.T) {
	a := Device{Serial: "a", Status: StatusOnline}
	b := Device{Serial: "b", Status: StatusOnline}
	off := Device{Serial: "off", Status: StatusOffline}

	assert.Nil(t, repairSelection(nil, nil))
	assert.Nil(t, repairSelection(nil, []Device{off}))

	got := repairSelection(nil, []Device{off, a, b})
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Serial, "first online device is picked")

	cur := &b
	assert.Same(t, cur, repairSelection(cur, []Device{a, b}), "unchanged selection is kept as is")

	changed := b
	changed.Model = "new"
	got = repairSelection(cur, []Device{a, changed})
	assert.Equal(t, "new", got.Model, "changed fields replace the selection")

	gone := repairSelection(cur, []Device{off, a})
	assert.Equal(t, "a", gone.Serial)

	sameSerialOtherProtocol := Device{Serial: "b", Protocol: ProtocolSecondary, Status: StatusOnline}
	got = repairSelection(cur, []Device{sameSerialOtherProtocol})
	assert.Equal(t, ProtocolSecondary, got.Protocol)
}

func TestSelectUnknownSerial(t *testing.T) {
	f := newConnectionFixture(t, nil)
	assert.ErrorIs(t, f.cm.Select("nope"), ErrNoDevice)
}

func TestDisconnectAllDropsSecondaryIndividually(t *testing.T) {
	f := newConnectionFixture(t, func(ctx context.Context, c Command) (string, error) {
		if strings.Contains(c.String(), "list targets") {
			return "10.0.0.8:8710\tTCP\tConnected\tlocalhost\thdc\n10.0.0.9:8710\tTCP\tConnected\tlocalhost\thdc\n", nil
		}
		return "", nil
	})
	f.settings.secondary.Set(true)
	require.NoError(t, f.cm.Refresh(context.Background()))

	require.NoError(t, f.cm.DisconnectAll(context.Background()))
	assert.Equal(t, 1, f.runner.count("adb disconnect"))
	assert.Equal(t, 1, f.runner.count("hdc tconn 10.0.0.8:8710 -remove"))
	assert.Equal(t, 1, f.runner.count("hdc tconn 10.0.0.9:8710 -remove"))
}

func TestAutoRefreshWaitsForInitialization(t *testing.T) {
	f := newConnectionFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.cm.refreshInterval = time.Hour
	f.cm.sleep = sleepContext
	f.settings.autoRefresh.Set(true)
	f.cm.Start(ctx)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.runner.count("devices -l"), "no scan before initialization")

	f.cm.MarkInitialized()
	assert.True(t, eventually(t, func() bool { return f.runner.count("devices -l") == 1 }))

	f.settings.autoRefresh.Set(false)
	assert.True(t, eventually(t, func() bool { return !f.cm.jobs.Active(jobAutoRefresh) }))
}

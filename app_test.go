package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

// startTestApp starts an App against tools that do not exist
func startTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	cfg := DefaultConfig()
	cfg.PrimaryExecutable = "devdeck-missing-adb"
	cfg.SecondaryExecutable = "devdeck-missing-hdc"
	cfg.AutoRefreshEnabled = false
	cfg.WorkDir = dir
	cfg.Logging.Level = "error"
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, ConfigFileMode))

	app := NewApp(AppOptions{ConfigPath: path, Serial: "absent"})
	require.NoError(t, app.startup(context.Background()))
	t.Cleanup(app.shutdown)
	return app
}

func TestAppStartupWithoutTools(t *testing.T) {
	app := startTestApp(t)

	assert.Empty(t, app.Devices())
	assert.Nil(t, app.SelectedDevice())

	var warned bool
	for _, m := range app.messages.History() {
		if m.Type == MessageWarning {
			warned = true
		}
	}
	assert.True(t, warned, "a failed scan is reported, not fatal")

	_, err := app.Processes(context.Background())
	assert.ErrorIs(t, err, ErrNoDevice)
	_, err = app.ListDirectory(context.Background(), "/sdcard")
	assert.ErrorIs(t, err, ErrNoDevice)

	report := app.HostReport(context.Background())
	assert.Len(t, report.Tools, 2)
	for _, tv := range report.Tools {
		assert.False(t, tv.Available)
	}
}

func TestAppSettingsPersist(t *testing.T) {
	app := startTestApp(t)

	app.SetSecondaryProtocolEnabled(true)
	require.NoError(t, app.SetDeviceDescription("emulator-5554", "ci"))
	path := app.config.Path()
	app.shutdown()

	reloaded := NewConfigManager(path, app.logger)
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Config().SecondaryProtocolEnabled)
	assert.Equal(t, "ci", reloaded.Config().DeviceDescriptions["emulator-5554"])
}

func TestAppShutdownIsIdempotent(t *testing.T) {
	app := startTestApp(t)
	app.shutdown()
	assert.NotPanics(t, app.shutdown)
	assert.Error(t, app.ctx.Err())
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		ip   string
		port int
		ok   bool
	}{
		{"192.168.1.20", "192.168.1.20", 0, true},
		{"192.168.1.20:5555", "192.168.1.20", 5555, true},
		{" 10.0.0.1:8710 ", "10.0.0.1", 8710, true},
		{"[fe80::1]:5555", "fe80::1", 5555, true},
		{"fe80::1", "fe80::1", 0, true},
		{"", "", 0, false},
		{"phone.local", "", 0, false},
		{"10.0.0.1:0", "", 0, false},
		{"10.0.0.1:70000", "", 0, false},
		{"10.0.0.1:http", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ip, port, err := parseTarget(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ip, ip)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestAncestors(t *testing.T) {
	assert.Equal(t, []string{""}, ancestors(""))
	assert.Equal(t, []string{"", "/sdcard"}, ancestors("/sdcard"))
	assert.Equal(t, []string{"", "/sdcard", "/sdcard/DCIM"}, ancestors("/sdcard/DCIM"))
}

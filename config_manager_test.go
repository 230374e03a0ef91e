package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

func newTestConfigManager(t *testing.T) *ConfigManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigDirName, ConfigFileName)
	m := NewConfigManager(path, zap.NewNop())
	require.NoError(t, m.Load())
	return m
}

func TestConfigManagerCreatesDefaults(t *testing.T) {
	m := newTestConfigManager(t)

	_, err := os.Stat(m.Path())
	require.NoError(t, err, "first load writes the defaults")

	cfg := m.Config()
	assert.Equal(t, "adb", cfg.PrimaryExecutable)
	assert.True(t, cfg.AutoRefreshEnabled)
	assert.False(t, cfg.SecondaryProtocolEnabled)
	assert.Equal(t, DefaultEscalatePort, cfg.Escalation.Port)
}

func TestConfigManagerPersistsChanges(t *testing.T) {
	m := newTestConfigManager(t)

	m.SetSecondaryProtocolEnabled(true)
	require.NoError(t, m.SetDeviceDescription("emulator-5554", "  bench phone  "))
	assert.True(t, m.SecondaryProtocolEnabled().Get())
	assert.Equal(t, "bench phone", m.DeviceDescriptions().Get()["emulator-5554"])

	require.NoError(t, m.Close())

	reloaded := NewConfigManager(m.Path(), zap.NewNop())
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.SecondaryProtocolEnabled().Get())
	assert.Equal(t, map[string]string{"emulator-5554": "bench phone"}, reloaded.DeviceDescriptions().Get())
}

func TestConfigManagerRemovesEmptyDescription(t *testing.T) {
	m := newTestConfigManager(t)
	require.NoError(t, m.SetDeviceDescription("abc", "label"))
	require.NoError(t, m.SetDeviceDescription("abc", ""))
	assert.NotContains(t, m.DeviceDescriptions().Get(), "abc")

	err := m.SetDeviceDescription("abc", strings.Repeat("x", MaxDescriptionLength+1))
	assert.Error(t, err)
}

func TestConfigManagerReloadKeepsSettingsOnInvalidFile(t *testing.T) {
	m := newTestConfigManager(t)
	m.SetAutoRefreshEnabled(false)
	require.NoError(t, m.Close())

	require.NoError(t, os.WriteFile(m.Path(), []byte("command_timeout_seconds: -5\n"), ConfigFileMode))
	assert.Error(t, m.Reload())
	assert.False(t, m.AutoRefreshEnabled().Get())
}

func TestConfigManagerReloadPublishes(t *testing.T) {
	m := newTestConfigManager(t)

	cfg := DefaultConfig()
	cfg.SecondaryProtocolEnabled = true
	cfg.DeviceDescriptions = map[string]string{"x": "lab"}
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.Path(), data, ConfigFileMode))

	updates, stop := m.SecondaryProtocolEnabled().Subscribe()
	defer stop()
	assert.False(t, <-updates)

	require.NoError(t, m.Reload())
	assert.True(t, <-updates)
	assert.Equal(t, "lab", m.DeviceDescriptions().Get()["x"])
}

func TestAppConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AppConfig)
		ok     bool
	}{
		{"defaults", func(c *AppConfig) {}, true},
		{"negative timeout", func(c *AppConfig) { c.CommandTimeoutSeconds = -1 }, false},
		{"bad port", func(c *AppConfig) { c.Escalation.Port = 70000 }, false},
		{"bad charset", func(c *AppConfig) { c.Charset = "no-such-charset" }, false},
		{"gbk charset", func(c *AppConfig) { c.Charset = "gbk" }, true},
		{"bad log format", func(c *AppConfig) { c.Logging.Format = "xml" }, false},
		{"missing work dir", func(c *AppConfig) { c.WorkDir = "/definitely/not/here" }, false},
		{"empty executable", func(c *AppConfig) { c.PrimaryExecutable = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

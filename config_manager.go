package main

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// ConfigManager owns the configuration file and publishes the settings other
// managers react to
type ConfigManager struct {
	path   string
	logger *zap.Logger

	config        *AppConfig
	configDirty   bool
	debounceTimer *time.Timer
	closed        bool
	mutex         sync.Mutex

	secondaryEnabled *Stream[bool]
	autoRefresh      *Stream[bool]
	descriptions     *Stream[map[string]string]
}

// DefaultConfigPath returns the config file location under the user config dir
func DefaultConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(configDir, ConfigDirName, ConfigFileName), nil
}

// NewConfigManager creates a manager for the file at path holding defaults
// until Load is called
func NewConfigManager(path string, logger *zap.Logger) *ConfigManager {
	cfg := DefaultConfig()
	return &ConfigManager{
		path:             path,
		logger:           logger.Named("config"),
		config:           cfg,
		secondaryEnabled: NewStream(cfg.SecondaryProtocolEnabled),
		autoRefresh:      NewStream(cfg.AutoRefreshEnabled),
		descriptions:     NewStream(maps.Clone(cfg.DeviceDescriptions)),
	}
}

// Path returns the config file path
func (m *ConfigManager) Path() string {
	return m.path
}

// ensureConfigDir creates the config directory if it doesn't exist
func (m *ConfigManager) ensureConfigDir() error {
	configDir := filepath.Dir(m.path)
	if err := os.MkdirAll(configDir, ConfigDirMode); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// Load reads the config file or creates it with defaults. A broken file is
// reported and replaced in memory by defaults; the file itself is kept.
func (m *ConfigManager) Load() error {
	if err := m.ensureConfigDir(); err != nil {
		m.logger.Warn("using default config", zap.Error(err))
		return nil
	}

	if _, err := os.Stat(m.path); errors.Is(err, os.ErrNotExist) {
		m.logger.Info("config file not found, creating with default values", zap.String("path", m.path))
		m.mutex.Lock()
		defer m.mutex.Unlock()
		return m.saveConfig()
	}

	cfg, err := readConfigFile(m.path)
	if err != nil {
		m.logger.Warn("using default config", zap.String("path", m.path), zap.Error(err))
		cfg = DefaultConfig()
	}

	m.mutex.Lock()
	m.config = cfg
	m.mutex.Unlock()
	m.publish(cfg)

	m.logger.Info("config loaded", zap.String("path", m.path))
	return nil
}

// Reload re-reads the file after an external edit; an invalid file keeps the
// current settings
func (m *ConfigManager) Reload() error {
	cfg, err := readConfigFile(m.path)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	m.config = cfg
	m.configDirty = false
	m.mutex.Unlock()
	m.publish(cfg)
	return nil
}

func readConfigFile(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.DeviceDescriptions == nil {
		cfg.DeviceDescriptions = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// saveConfig writes the configuration; callers hold m.mutex
func (m *ConfigManager) saveConfig() error {
	if m.config == nil {
		return fmt.Errorf("config is nil, cannot save")
	}
	if err := m.ensureConfigDir(); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// write then rename so the watcher never sees a half-written file
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, ConfigFileMode); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace config file %s: %w", m.path, err)
	}
	return nil
}

// markConfigDirty flags the configuration as needing a save and resets the debounce timer.
func (m *ConfigManager) markConfigDirty() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return
	}
	m.configDirty = true
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = time.AfterFunc(DebounceDelay, m.saveConfigIfDirty)
}

// saveConfigIfDirty checks the dirty flag and saves the configuration if it's set.
func (m *ConfigManager) saveConfigIfDirty() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.configDirty {
		return
	}
	if err := m.saveConfig(); err != nil {
		// stays dirty so the next change retries
		m.logger.Error("saving config failed", zap.Error(err))
		return
	}
	m.logger.Debug("config saved", zap.String("path", m.path))
	m.configDirty = false
}

// publish pushes changed settings to the streams
func (m *ConfigManager) publish(cfg *AppConfig) {
	setIfChanged(m.secondaryEnabled, cfg.SecondaryProtocolEnabled)
	setIfChanged(m.autoRefresh, cfg.AutoRefreshEnabled)
	m.descriptions.Update(func(cur map[string]string) (map[string]string, bool) {
		if maps.Equal(cur, cfg.DeviceDescriptions) {
			return cur, false
		}
		return maps.Clone(cfg.DeviceDescriptions), true
	})
}

func setIfChanged[T comparable](s *Stream[T], v T) {
	s.Update(func(cur T) (T, bool) {
		return v, cur != v
	})
}

// Config returns a copy of the current configuration
func (m *ConfigManager) Config() *AppConfig {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.config.clone()
}

// SecondaryProtocolEnabled is the stream of the secondary protocol toggle
func (m *ConfigManager) SecondaryProtocolEnabled() *Stream[bool] {
	return m.secondaryEnabled
}

// AutoRefreshEnabled is the stream of the auto-refresh toggle
func (m *ConfigManager) AutoRefreshEnabled() *Stream[bool] {
	return m.autoRefresh
}

// DeviceDescriptions is the stream of serial to user description
func (m *ConfigManager) DeviceDescriptions() *Stream[map[string]string] {
	return m.descriptions
}

// SetSecondaryProtocolEnabled updates the secondary protocol toggle
func (m *ConfigManager) SetSecondaryProtocolEnabled(enabled bool) {
	m.update(func(c *AppConfig) bool {
		if c.SecondaryProtocolEnabled == enabled {
			return false
		}
		c.SecondaryProtocolEnabled = enabled
		return true
	})
}

// SetAutoRefreshEnabled updates the auto-refresh toggle
func (m *ConfigManager) SetAutoRefreshEnabled(enabled bool) {
	m.update(func(c *AppConfig) bool {
		if c.AutoRefreshEnabled == enabled {
			return false
		}
		c.AutoRefreshEnabled = enabled
		return true
	})
}

// SetDeviceDescription stores a user description for serial; empty text removes it
func (m *ConfigManager) SetDeviceDescription(serial, text string) error {
	text = strings.TrimSpace(text)
	if len(text) > MaxDescriptionLength {
		return fmt.Errorf("description is too long (max %d characters)", MaxDescriptionLength)
	}
	m.update(func(c *AppConfig) bool {
		if c.DeviceDescriptions[serial] == text {
			return false
		}
		if text == "" {
			delete(c.DeviceDescriptions, serial)
		} else {
			c.DeviceDescriptions[serial] = text
		}
		return true
	})
	return nil
}

func (m *ConfigManager) update(fn func(c *AppConfig) bool) {
	m.mutex.Lock()
	changed := fn(m.config)
	cfg := m.config.clone()
	m.mutex.Unlock()

	if changed {
		m.publish(cfg)
		m.markConfigDirty()
	}
}

// Close flushes a pending save
func (m *ConfigManager) Close() error {
	m.mutex.Lock()
	m.closed = true
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.mutex.Unlock()

	m.saveConfigIfDirty()
	return nil
}

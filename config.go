package main

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/text/encoding/htmlindex"
)

const (
	ConfigDirName  = "devdeck"
	ConfigFileName = "config.yaml"
	ConfigDirMode  = 0o755
	ConfigFileMode = 0o600 // holds the escalation password

	DebounceDelay = 500 * time.Millisecond

	DefaultCommandTimeoutSeconds = 30
	MaxCommandTimeoutSeconds     = 3600
	MaxSettleMs                  = 60000
	MaxDescriptionLength         = 256
)

// LogFormats lists the accepted logging formats
var LogFormats = []string{"console", "json"}

// AppConfig holds the persisted configuration
type AppConfig struct {
	SecondaryProtocolEnabled bool              `yaml:"secondary_protocol_enabled"`
	AutoRefreshEnabled       bool              `yaml:"auto_refresh_enabled"`
	DeviceDescriptions       map[string]string `yaml:"device_descriptions,omitempty"` // serial -> user text

	PrimaryExecutable   string `yaml:"primary_executable"`
	SecondaryExecutable string `yaml:"secondary_executable"`
	MirrorExecutable    string `yaml:"mirror_executable"`

	WorkDir               string `yaml:"work_dir,omitempty"` // empty means the user home
	CommandTimeoutSeconds int    `yaml:"command_timeout_seconds"`
	Charset               string `yaml:"charset,omitempty"` // device output encoding, empty for utf-8

	Escalation EscalationConfig `yaml:"escalation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DefaultConfig returns a new AppConfig with default values
func DefaultConfig() *AppConfig {
	return &AppConfig{
		SecondaryProtocolEnabled: false,
		AutoRefreshEnabled:       true,
		DeviceDescriptions:       map[string]string{},
		PrimaryExecutable:        "adb",
		SecondaryExecutable:      "hdc",
		MirrorExecutable:         "scrcpy",
		CommandTimeoutSeconds:    DefaultCommandTimeoutSeconds,
		Escalation: EscalationConfig{
			User:     DefaultEscalationUser,
			Password: DefaultEscalationPassword,
			Port:     DefaultEscalatePort,
			SettleMs: int(DefaultSettleDelay / time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks the configuration for basic validity.
func (c *AppConfig) Validate() error {
	if c.CommandTimeoutSeconds < 0 || c.CommandTimeoutSeconds > MaxCommandTimeoutSeconds {
		return fmt.Errorf("command timeout %d is out of range (0-%d)", c.CommandTimeoutSeconds, MaxCommandTimeoutSeconds)
	}
	if c.Escalation.Port < 1 || c.Escalation.Port > 65535 {
		return fmt.Errorf("escalation port %d is out of range (1-65535)", c.Escalation.Port)
	}
	if c.Escalation.SettleMs < 0 || c.Escalation.SettleMs > MaxSettleMs {
		return fmt.Errorf("escalation settle delay %dms is out of range (0-%d)", c.Escalation.SettleMs, MaxSettleMs)
	}
	if c.PrimaryExecutable == "" {
		return fmt.Errorf("primary executable must not be empty")
	}

	if c.Charset != "" {
		if _, err := htmlindex.Get(c.Charset); err != nil {
			return fmt.Errorf("unknown charset '%s': %w", c.Charset, err)
		}
	}

	validFormat := c.Logging.Format == ""
	for _, f := range LogFormats {
		if c.Logging.Format == f {
			validFormat = true
			break
		}
	}
	if !validFormat {
		return fmt.Errorf("invalid logging format specified: '%s'. Allowed formats are: %v", c.Logging.Format, LogFormats)
	}

	for serial, text := range c.DeviceDescriptions {
		if len(text) > MaxDescriptionLength {
			return fmt.Errorf("description for %s is too long (max %d characters)", serial, MaxDescriptionLength)
		}
	}

	if c.WorkDir != "" {
		if info, err := os.Stat(c.WorkDir); err != nil || !info.IsDir() {
			return fmt.Errorf("work dir %s is not a directory", c.WorkDir)
		}
	}
	return nil
}

// CommandTimeout is the default per-command limit
func (c *AppConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// ResolveWorkDir returns the directory external tools run from
func (c *AppConfig) ResolveWorkDir() string {
	if c.WorkDir != "" {
		return c.WorkDir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}

// clone returns a deep copy safe to hand out
func (c *AppConfig) clone() *AppConfig {
	cp := *c
	cp.DeviceDescriptions = make(map[string]string, len(c.DeviceDescriptions))
	for k, v := range c.DeviceDescriptions {
		cp.DeviceDescriptions[k] = v
	}
	return &cp
}

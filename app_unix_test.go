//go:build !windows

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

// fakeADB lists two devices and answers ls with a directory named after the
// serial it was addressed to
const fakeADB = `#!/bin/sh
case "$*" in
"devices -l")
	printf 'List of devices attached\nAAA\tdevice model:first\nBBB\tdevice model:second\n'
	;;
*getprop*)
	echo 13
	;;
*"ls -l"*)
	printf 'total 4\ndrwxr-xr-x  2 root root 4096 2024-01-01 00:00 %s\n' "$2"
	;;
esac
`

func startFakeToolApp(t *testing.T, serial string) *App {
	t.Helper()
	dir := t.TempDir()

	tool := filepath.Join(dir, "adb")
	require.NoError(t, os.WriteFile(tool, []byte(fakeADB), 0o755))

	cfg := DefaultConfig()
	cfg.PrimaryExecutable = tool
	cfg.SecondaryExecutable = "devdeck-missing-hdc"
	cfg.AutoRefreshEnabled = false
	cfg.WorkDir = dir
	cfg.Logging.Level = "error"
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, data, ConfigFileMode))

	app := NewApp(AppOptions{ConfigPath: path, Serial: serial})
	require.NoError(t, app.startup(context.Background()))
	t.Cleanup(app.shutdown)
	return app
}

func TestAppFileTreeReadyAfterStartup(t *testing.T) {
	app := startFakeToolApp(t, "")

	entries, err := app.ListDirectory(context.Background(), "/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "AAA", entries[0].Name, "first online device is used")

	records, err := app.Processes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAppRequestedSerialReachesFileTree(t *testing.T) {
	for i := 0; i < 20; i++ {
		app := startFakeToolApp(t, "BBB")

		require.Equal(t, "BBB", app.SelectedDevice().Serial)
		entries, err := app.ListDirectory(context.Background(), "/")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "BBB", entries[0].Name, "operations never reach the auto-selected device")

		app.shutdown()
	}
}

//go:build !windows

package main

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/aymanbagabas/go-pty"
)

// fileExists checks if a file exists using os.Stat
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// toolSearchDirs lists the usual SDK install locations of the device tools
func toolSearchDirs() []string {
	var dirs []string
	for _, env := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT"} {
		if root := os.Getenv(env); root != "" {
			dirs = append(dirs, filepath.Join(root, "platform-tools"))
		}
	}
	if root := os.Getenv("OHOS_SDK_HOME"); root != "" {
		dirs = append(dirs, filepath.Join(root, "toolchains"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(home, "Android", "Sdk", "platform-tools"),
			filepath.Join(home, "Library", "Android", "sdk", "platform-tools"),
		)
	}
	return dirs
}

// findToolExecutable resolves a bare tool name: PATH first, then SDK dirs.
// Paths and unknown names are returned unchanged.
func findToolExecutable(name string) string {
	if filepath.Base(name) != name {
		return name
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	for _, dir := range toolSearchDirs() {
		candidate := filepath.Join(dir, name)
		if fileExists(candidate) {
			return candidate
		}
	}
	return name
}

// configurePtyProcess sets the terminal type for device shells
func configurePtyProcess(cmd *pty.Cmd) {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
}

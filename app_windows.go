//go:build windows

package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/aymanbagabas/go-pty"
)

// fileExists checks if a regular file exists
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// safeGetEnvironment safely gets environment variable with fallback
func safeGetEnvironment(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
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
	localAppData := safeGetEnvironment("LOCALAPPDATA", filepath.Join(safeGetEnvironment("USERPROFILE", `C:\Users`), "AppData", "Local"))
	dirs = append(dirs,
		filepath.Join(localAppData, "Android", "Sdk", "platform-tools"),
		filepath.Join(safeGetEnvironment("ProgramFiles", `C:\Program Files`), "scrcpy"),
	)
	return dirs
}

// findToolExecutable resolves a bare tool name: PATH first, then SDK dirs.
// Paths and unknown names are returned unchanged.
func findToolExecutable(name string) string {
	if filepath.Base(name) != name {
		return name
	}
	exe := name
	if !strings.HasSuffix(strings.ToLower(exe), ".exe") {
		exe += ".exe"
	}
	if path, err := exec.LookPath(exe); err == nil {
		return path
	}
	for _, dir := range toolSearchDirs() {
		candidate := filepath.Join(dir, exe)
		if fileExists(candidate) {
			return candidate
		}
	}
	return name
}

// configurePtyProcess configures PTY process attributes for Windows
func configurePtyProcess(cmd *pty.Cmd) {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	// ConPty forwards signals when the shell stays in our process group
	cmd.SysProcAttr.HideWindow = true
	cmd.SysProcAttr.CreationFlags = 0
}

//go:build !windows

package main

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureCommandProcess puts the child in its own process group so the
// whole group can be signalled on timeout
func configureCommandProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals the group led by p
func killProcessGroup(p *os.Process) {
	pgid, err := unix.Getpgid(p.Pid)
	if err != nil || pgid != p.Pid {
		return
	}
	unix.Kill(-pgid, unix.SIGKILL)
}

//go:build unix && !linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the agent in its own process group. There is no
// Pdeathsig outside Linux, so orphans rely on explicit cancellation.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to every process in the group led by pid.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

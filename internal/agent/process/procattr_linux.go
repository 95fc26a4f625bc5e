//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the agent in its own process group so the whole tree can
// be signalled at once. Pdeathsig takes the agent down with us if we crash.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// killProcessGroup sends SIGKILL to every process in the group led by pid.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

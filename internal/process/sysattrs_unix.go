//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts the child in a new session (setsid) so it is
// detached from the controlling terminal and survives launcher exit.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

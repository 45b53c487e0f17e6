//go:build windows

package process

import (
	"os/exec"
	"testing"
)

// checkSysProcAttrs verifies Windows-specific process attributes
func checkSysProcAttrs(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	if cmd.SysProcAttr == nil || cmd.SysProcAttr.CreationFlags&DETACHED_PROCESS == 0 {
		t.Fatalf("DETACHED_PROCESS not set")
	}
}

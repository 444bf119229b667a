//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts the child in a new process group when requested,
// so signals can be delivered to the whole group.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	if spec.ProcessGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
}

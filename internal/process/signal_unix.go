//go:build !windows

package process

import "syscall"

// signalTarget is the pid, or the negated pid to reach the whole group.
func signalTarget(pid int, group bool) int {
	if group {
		return -pid
	}
	return pid
}

func terminate(pid int, group bool) error {
	return syscall.Kill(signalTarget(pid, group), syscall.SIGTERM)
}

func kill(pid int, group bool) error {
	return syscall.Kill(signalTarget(pid, group), syscall.SIGKILL)
}

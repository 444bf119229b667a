//go:build windows

package process

import "os"

// Windows has no SIGTERM; both paths end the process outright.
func terminate(pid int, _ bool) error { return kill(pid, false) }

func kill(pid int, _ bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

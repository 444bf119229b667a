//go:build windows

package process

import "os/exec"

// getShellCommand runs script under cmd.exe; arg is appended as the last word.
func getShellCommand(script, arg string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/c", script, arg)
}

func wrapScript(cmdStr string) string { return cmdStr }

//go:build !windows

package process

import (
	"os/exec"
	"strings"
)

// getShellCommand runs script under /bin/sh with arg bound to "$1".
// The absolute path avoids a PATH dependency when Env is overridden.
func getShellCommand(script, arg string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script, "statekeep", arg)
}

// wrapScript forwards the positional arguments to the command. A simple
// command is exec'd so the supervised PID is the application itself; for
// pipelines and lists the arguments go to the last command.
func wrapScript(cmdStr string) string {
	if strings.ContainsAny(cmdStr, "|&;\n") {
		return cmdStr + ` "$@"`
	}
	return "exec " + cmdStr + ` "$@"`
}

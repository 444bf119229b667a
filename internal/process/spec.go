package process

import (
	"io"
	"os/exec"
	"strings"
)

// Spec describes the application to supervise.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`  // application path, optionally preceded by an interpreter
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // optional full environment; nil inherits
	// ProcessGroup places the child in its own process group so Stop/Kill
	// reach its descendants too. Interactive children should leave it false:
	// a background process group cannot read from the terminal.
	ProcessGroup bool `json:"process_group"`

	// Stdin and Stderr default to the supervisor's own streams.
	Stdin  io.Reader `json:"-"`
	Stderr io.Writer `json:"-"`
}

// DisplayName is Name, or the first word of Command.
func (s *Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if f := strings.Fields(s.Command); len(f) > 0 {
		return f[0]
	}
	return ""
}

// BuildCommand constructs an *exec.Cmd that runs spec.Command with arg as its
// last positional argument. Plain commands are split on whitespace and executed
// directly. Commands containing shell metacharacters run under the shell with
// arg passed as "$1", so it is never re-parsed by the shell.
// An explicit "sh -c <script>" is honored as-is; the script sees arg as "$1".
func (s *Spec) BuildCommand(arg string) *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if _, script, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(script, arg)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(wrapScript(cmdStr), arg)
	}
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		// #nosec G204
		return exec.Command("")
	}
	args := append(parts[1:len(parts):len(parts)], arg)
	// ok: intentional execution of the configured application
	// #nosec G204
	return exec.Command(parts[0], args...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// Strip one pair of wrapping quotes so the shell parses the script itself.
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}

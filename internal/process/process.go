package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrEmptyCommand is returned by Start when the spec names no application.
var ErrEmptyCommand = errors.New("empty application command")

// Child is one running application. Its stdout is a pipe owned by the caller;
// stdin and stderr are inherited unless the Spec overrides them.
type Child struct {
	spec   Spec
	cmd    *exec.Cmd
	stdout *os.File
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Start launches spec with arg as its last positional argument.
// The stdout pipe is created here rather than with cmd.StdoutPipe so that the
// reaping goroutine can call Wait while the caller is still reading.
func Start(spec Spec, arg string) (*Child, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, ErrEmptyCommand
	}
	cmd := spec.BuildCommand(arg)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd, spec)

	cmd.Stdin = spec.Stdin
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = w

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	// The child holds its own copy of the write end; ours must go so that
	// reads see EOF once the child exits.
	_ = w.Close()

	c := &Child{
		spec:   spec,
		cmd:    cmd,
		stdout: r,
		done:   make(chan struct{}),
		status: Status{
			Name:      spec.DisplayName(),
			Running:   true,
			PID:       cmd.Process.Pid,
			StartedAt: time.Now(),
		},
	}
	go c.wait()
	return c, nil
}

func (c *Child) wait() {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.status.Running = false
	c.status.StoppedAt = time.Now()
	c.status.ExitErr = err
	if c.cmd.ProcessState != nil {
		c.status.ExitCode = c.cmd.ProcessState.ExitCode()
	}
	c.mu.Unlock()
	close(c.done)
}

// Stdout is the read end of the child's standard output.
func (c *Child) Stdout() io.Reader { return c.stdout }

// Done is closed once the child has been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

func (c *Child) PID() int { return c.cmd.Process.Pid }

// Snapshot returns a copy of the current status.
func (c *Child) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Alive reports whether the child has not been reaped yet.
func (c *Child) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Stop sends SIGTERM and escalates to SIGKILL if the child is still around
// after wait. It returns the child's exit error, if any.
func (c *Child) Stop(wait time.Duration) error {
	if !c.Alive() {
		return c.Snapshot().ExitErr
	}
	_ = terminate(c.PID(), c.spec.ProcessGroup)
	select {
	case <-c.done:
	case <-time.After(wait):
		_ = kill(c.PID(), c.spec.ProcessGroup)
		select {
		case <-c.done:
		case <-time.After(200 * time.Millisecond):
			// best-effort
		}
	}
	return c.Snapshot().ExitErr
}

// Kill sends SIGKILL and waits briefly for the reaper.
func (c *Child) Kill() error {
	if !c.Alive() {
		return c.Snapshot().ExitErr
	}
	_ = kill(c.PID(), c.spec.ProcessGroup)
	select {
	case <-c.done:
	case <-time.After(200 * time.Millisecond):
		// best-effort
	}
	return c.Snapshot().ExitErr
}

// Close releases the read end of the stdout pipe.
func (c *Child) Close() error { return c.stdout.Close() }

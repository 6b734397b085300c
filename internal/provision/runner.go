package provision

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// Result is the outcome of a process that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes a command and waits for it to exit. A non-zero exit is
// reported through Result, not as an error; err is reserved for processes
// that could not be started or were killed.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (Result, error)
}

// ExecRunner runs commands with os/exec. Arguments are passed as a discrete
// argv and never through a shell.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed. Defaults to 5s.
	WaitDelay time.Duration
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args []string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	// The runner forks its own children; kill the whole group on cancel.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

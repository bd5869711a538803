package corexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
)

// ExitCodeTimedOut is reported for a process that was terminated because it
// outran its timeout. It matches the convention of coreutils timeout(1).
const ExitCodeTimedOut = 124

// DefaultGracePeriod is how long a terminated process group is given to exit
// before it is killed outright.
const DefaultGracePeriod = 2 * time.Second

// Command describes a subprocess to run.
type Command struct {
	Path string   // executable path, or a name resolved via PATH
	Args []string // arguments, not including the executable
	Dir  string   // working directory
	Env  []string // extra key=value pairs appended to the current environment

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Timeout bounds the wall-clock run time. Zero means no bound.
	Timeout time.Duration
	// GracePeriod is the delay between SIGTERM and SIGKILL.
	GracePeriod time.Duration
}

// Result describes how a subprocess ended.
type Result struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Run starts cmd in its own process group and waits for it to finish.
//
// A process that exits, with any status, yields a Result and a nil error.
// A process that outruns cmd.Timeout has its whole process group terminated
// and yields a Result with TimedOut set and ExitCode ExitCodeTimedOut.
// If ctx is cancelled the process group is terminated and ctx.Err() is
// returned. Failing to start the process is an error.
func Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Path == "" {
		return nil, errors.New("corexec: executable path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	gracePeriod := cmd.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}

	c := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdin = cmd.Stdin
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr

	group := &processGroup{cmd: c, grace: gracePeriod}
	group.configure()
	defer group.stop()

	// Bounds how long Wait keeps copying I/O once the process is gone.
	c.WaitDelay = gracePeriod

	start := time.Now()
	err := c.Run()
	result := &Result{Duration: time.Since(start)}

	if c.ProcessState == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("corexec: start %s: %w", cmd.Path, err)
	}
	result.ExitCode = exitCode(c.ProcessState)

	switch {
	case ctx.Err() != nil:
		return result, ctx.Err()
	case group.terminated() && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Debugf("Process %s timed out after %s", cmd.Path, cmd.Timeout)
		result.TimedOut = true
		result.ExitCode = ExitCodeTimedOut
		return result, nil
	}

	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay) {
		return result, nil
	}
	return result, fmt.Errorf("corexec: wait for %s: %w", cmd.Path, err)
}

//go:build unix

package corexec

import (
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// processGroup runs a command as the leader of a new process group so that
// the command and everything it spawned can be signalled together.
type processGroup struct {
	cmd   *exec.Cmd
	grace time.Duration

	signalled int32
	mu        sync.Mutex
	killTimer *time.Timer
}

func (g *processGroup) configure() {
	g.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	g.cmd.Cancel = g.terminate
}

// terminate sends SIGTERM to the group and schedules a SIGKILL for whatever
// is still alive after the grace period.
func (g *processGroup) terminate() error {
	pid := g.pid()
	if pid <= 0 {
		return nil
	}
	atomic.StoreInt32(&g.signalled, 1)

	g.mu.Lock()
	g.killTimer = time.AfterFunc(g.grace, func() {
		killGroup(pid)
	})
	g.mu.Unlock()

	err := syscall.Kill(-pid, syscall.SIGTERM)
	if err == syscall.ESRCH {
		return os.ErrProcessDone
	}
	return err
}

func (g *processGroup) terminated() bool {
	return atomic.LoadInt32(&g.signalled) == 1
}

// stop reaps any process the leader left behind in its group.
func (g *processGroup) stop() {
	g.mu.Lock()
	if g.killTimer != nil {
		g.killTimer.Stop()
	}
	g.mu.Unlock()

	if pid := g.pid(); pid > 0 {
		killGroup(pid)
	}
}

// killGroup sends SIGKILL to the process group led by pid if the group still
// has members, and reports whether it did. A group id is not handed out again
// while the group has members, so an empty group is left alone.
func killGroup(pid int) bool {
	if err := syscall.Kill(-pid, 0); err == syscall.ESRCH {
		return false
	}
	return syscall.Kill(-pid, syscall.SIGKILL) == nil
}

func (g *processGroup) pid() int {
	if g.cmd.Process == nil {
		return 0
	}
	return g.cmd.Process.Pid
}

func exitCode(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

//go:build !unix

package corexec

import (
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

// processGroup falls back to killing the direct child only.
type processGroup struct {
	cmd   *exec.Cmd
	grace time.Duration

	signalled int32
}

func (g *processGroup) configure() {
	g.cmd.Cancel = func() error {
		atomic.StoreInt32(&g.signalled, 1)
		return g.cmd.Process.Kill()
	}
}

func (g *processGroup) terminated() bool {
	return atomic.LoadInt32(&g.signalled) == 1
}

func (g *processGroup) stop() {}

func exitCode(state *os.ProcessState) int {
	return state.ExitCode()
}

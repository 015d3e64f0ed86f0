package harness

import (
	"os"
	"os/exec"
	"sync"
)

// process wraps the child with a single observer goroutine so exit state
// can be polled without racing exec.Cmd.Wait.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu    sync.Mutex
	state *os.ProcessState
}

// watchProcess starts the exit observer. readers must complete before
// Wait is called, otherwise Wait would close the pipes under them.
func watchProcess(cmd *exec.Cmd, readers *sync.WaitGroup) *process {
	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		readers.Wait()
		_ = cmd.Wait()
		p.mu.Lock()
		p.state = cmd.ProcessState
		p.mu.Unlock()
		close(p.done)
	}()
	return p
}

// exitState reports the exit status if the child has already terminated.
func (p *process) exitState() (*os.ProcessState, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.state, true
	default:
		return nil, false
	}
}

// kill forcibly terminates the child. Errors are swallowed: the process
// may already be gone.
func (p *process) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// awaitExit blocks until the child has terminated and returns its state.
func (p *process) awaitExit() *os.ProcessState {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

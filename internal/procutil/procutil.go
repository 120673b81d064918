// Package procutil supervises the lifetime of a single managed child
// process: non-blocking exit polling, and a kill-then-reap teardown used
// whenever a job is torn down with a child still attached.
package procutil

import (
	"errors"
	"os/exec"
	"sync"
	"syscall"

	"github.com/apartd/apartd/pkg/alog"
)

// Child tracks one running *exec.Cmd, started with cmd.Start() by the
// caller, reaped here via a dedicated goroutine so that polling for
// exit never blocks the caller.
type Child struct {
	Name string
	Cmd  *exec.Cmd

	mu   sync.Mutex
	done chan struct{}
	err  error
}

// Track begins supervising an already-started command. name is used only
// for log messages.
func Track(name string, cmd *exec.Cmd) *Child {
	c := &Child{
		Name: name,
		Cmd:  cmd,
		done: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()

	return c
}

// Exited reports, without blocking, whether the child has exited yet
// and, if so, the error Wait() returned (nil on a clean exit).
func (c *Child) Exited() (exited bool, err error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return true, c.err
	default:
		return false, nil
	}
}

// Success reports whether the child has exited and did so with status 0.
func (c *Child) Success() bool {
	exited, err := c.Exited()
	return exited && err == nil
}

// KillAndReap tears the child down: if it is still running it is killed,
// and in every case the supervising goroutine is waited on so the
// process is fully reaped. ECHILD ("no child process", meaning it was
// already reaped elsewhere) is downgraded to a debug log; a non-zero exit
// is not logged; any other wait error is logged.
func (c *Child) KillAndReap() {
	if exited, _ := c.Exited(); !exited {
		if err := c.Cmd.Process.Kill(); err != nil {
			alog.Error("failed to kill %v: %v", c.Name, err)
		}
	}

	<-c.done

	c.mu.Lock()
	err := c.err
	c.mu.Unlock()

	if err == nil {
		return
	}

	if isECHILD(err) {
		alog.Debug("%v.wait(): %v", c.Name, err)
		return
	}

	if _, ok := err.(*exec.ExitError); ok {
		// non-zero exit is a normal outcome for a killed/failed child;
		// callers that care about exit status consult Exited directly.
		return
	}

	alog.Error("%v.wait(): %v", c.Name, err)
}

func isECHILD(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ECHILD
	}
	return false
}

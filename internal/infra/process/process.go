package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

type Cleanup func()

// Handle tracks a started command. Its exit is collected exactly once so
// several goroutines can wait on it.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Start starts cmd and begins collecting its exit status.
func Start(cmd *exec.Cmd) (*Handle, error) {
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	h := &Handle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.err = normalizeExitError(cmd.Wait())
		close(h.done)
	}()
	return h, nil
}

func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is the exit error; only meaningful after Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Exited reports whether the process has already exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	if ctx == nil {
		return h.Err()
	}
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func normalizeExitError(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
		return nil
	}
	return err
}

// Package capture redirects process output streams into pipes and relays
// the captured lines to a log sink.
package capture

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Capture redirects everything written to a file descriptor into a pipe.
// The original destination is restored by Restore or Close.
type Capture struct {
	target int
	saved  int
	write  int
	reader *os.File

	restoreOnce sync.Once
	restoreErr  error
	closeOnce   sync.Once
	closeErr    error
}

// New redirects target (e.g. unix.Stdout) into a fresh pipe. On failure no
// descriptor is left changed.
func New(target int) (*Capture, error) {
	saved, err := unix.FcntlInt(uintptr(target), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("save fd %d: %w", target, err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		_ = unix.Close(saved)
		return nil, fmt.Errorf("create capture pipe: %w", err)
	}
	// The read end is polled by the runtime so Close interrupts a pending
	// Read. Writers keep blocking semantics.
	if err := unix.SetNonblock(fds[0], true); err != nil {
		closeAll(saved, fds[0], fds[1])
		return nil, fmt.Errorf("set capture pipe nonblocking: %w", err)
	}
	if err := unix.Dup3(fds[1], target, 0); err != nil {
		closeAll(saved, fds[0], fds[1])
		return nil, fmt.Errorf("redirect fd %d: %w", target, err)
	}

	return &Capture{
		target: target,
		saved:  saved,
		write:  fds[1],
		reader: os.NewFile(uintptr(fds[0]), fmt.Sprintf("capture-%d", target)),
	}, nil
}

// Reader is the read end of the pipe.
func (c *Capture) Reader() *os.File {
	return c.reader
}

// Target is the captured file descriptor.
func (c *Capture) Target() int {
	return c.target
}

// Restore closes the pipe write end and puts the original destination back
// on the target descriptor. Once every other writer is gone the reader sees
// EOF.
func (c *Capture) Restore() error {
	c.restoreOnce.Do(func() {
		var errs []error
		if err := unix.Close(c.write); err != nil {
			errs = append(errs, fmt.Errorf("close capture pipe: %w", err))
		}
		if err := unix.Dup3(c.saved, c.target, 0); err != nil {
			errs = append(errs, fmt.Errorf("restore fd %d: %w", c.target, err))
		}
		if err := unix.Close(c.saved); err != nil {
			errs = append(errs, fmt.Errorf("close saved fd: %w", err))
		}
		c.restoreErr = errors.Join(errs...)
	})
	return c.restoreErr
}

// Close restores the original destination and closes the read end.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		restoreErr := c.Restore()
		c.closeErr = errors.Join(restoreErr, c.reader.Close())
	})
	return c.closeErr
}

func closeAll(fds ...int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// Package rtprio reads and changes the realtime scheduling of the calling
// thread. Callers that change it should be locked to their OS thread.
package rtprio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Current returns the SCHED_FIFO/SCHED_RR priority of the calling thread,
// or false if it is not running with realtime scheduling.
func Current() (int, bool) {
	attr, err := unix.SchedGetAttr(0, 0)
	if err != nil || attr.Priority == 0 {
		return 0, false
	}
	return int(attr.Priority), true
}

// Set switches the calling thread to SCHED_FIFO with priority when fifo is
// true, or back to normal scheduling otherwise.
func Set(fifo bool, priority int) error {
	attr := &unix.SchedAttr{
		Size:   unix.SizeofSchedAttr,
		Policy: unix.SCHED_NORMAL,
	}
	if fifo {
		attr.Policy = unix.SCHED_FIFO
		attr.Priority = uint32(priority)
	}
	if err := unix.SchedSetAttr(0, attr, 0); err != nil {
		return fmt.Errorf("set realtime priority %d: %w", priority, err)
	}
	return nil
}

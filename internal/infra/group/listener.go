// Package group implements the group socket: binding it, accepting load
// requests, and running one dispatch worker per hosted plugin.
package group

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
)

// BindFailure classifies why the group socket could not be bound.
type BindFailure int

const (
	// BindAddressInUse means another live group already listens on the
	// path. Launchers racing to create the same group end up here; it is
	// not a misconfiguration.
	BindAddressInUse BindFailure = iota + 1
	// BindOther covers every other OS error.
	BindOther
)

func (f BindFailure) String() string {
	switch f {
	case BindAddressInUse:
		return "address in use"
	case BindOther:
		return "bind failed"
	default:
		return "unknown"
	}
}

// BindError is returned by Listen.
type BindError struct {
	Kind BindFailure
	Path string
	Err  error
}

func (e *BindError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("group socket %s: %s", e.Path, e.Kind)
	}
	return fmt.Sprintf("group socket %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

func (e *BindError) Is(target error) bool {
	return target == domain.ErrAddressInUse && e.Kind == BindAddressInUse
}

const probeTimeout = time.Second

// Listen binds the group socket at path. A socket file left behind by a
// dead group is replaced; a live listener never is. Concurrent callers for
// the same path are serialized through a lock file next to it, so exactly
// one of them succeeds.
func Listen(path string) (*net.UnixListener, error) {
	unlock, err := lockPath(path + ".lock")
	if err != nil {
		return nil, &BindError{Kind: BindOther, Path: path, Err: err}
	}
	defer unlock()

	ln, err := listenUnix(path)
	if err == nil {
		return ln, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, &BindError{Kind: BindOther, Path: path, Err: err}
	}

	alive, probeErr := socketAlive(path)
	if probeErr != nil {
		return nil, &BindError{Kind: BindOther, Path: path, Err: probeErr}
	}
	if alive {
		return nil, &BindError{Kind: BindAddressInUse, Path: path}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, &BindError{Kind: BindOther, Path: path, Err: fmt.Errorf("remove stale socket: %w", err)}
	}
	ln, err = listenUnix(path)
	if err != nil {
		kind := BindOther
		if errors.Is(err, syscall.EADDRINUSE) {
			kind = BindAddressInUse
		}
		return nil, &BindError{Kind: kind, Path: path, Err: err}
	}
	return ln, nil
}

func listenUnix(path string) (*net.UnixListener, error) {
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	ln.SetUnlinkOnClose(true)
	return ln, nil
}

// socketAlive reports whether something accepts connections on path.
func socketAlive(path string) (bool, error) {
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err == nil {
		_ = conn.Close()
		return true, nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
		return false, nil
	}
	return false, fmt.Errorf("probe existing socket: %w", err)
}

// lockPath takes an exclusive flock on path. The file is left in place after
// unlock: unlinking it would let a starter that already opened the old inode
// and one that creates a new file both hold "the" lock at once. It is empty
// and one exists per group socket.
func lockPath(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open bind lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire bind lock: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

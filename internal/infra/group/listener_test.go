package group

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
)

// shortTempDir keeps unix socket paths under the ~108 byte limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "ygrp-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestListenConcurrentBindExactlyOneWins(t *testing.T) {
	path := filepath.Join(shortTempDir(t), "group.sock")

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		listeners []*net.UnixListener
		failures  []error
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ln, err := Listen(path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			listeners = append(listeners, ln)
		}()
	}
	wg.Wait()
	t.Cleanup(func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	})

	require.Len(t, listeners, 1)
	require.Len(t, failures, racers-1)
	for _, err := range failures {
		assert.ErrorIs(t, err, domain.ErrAddressInUse)
		var bindErr *BindError
		require.True(t, errors.As(err, &bindErr))
		assert.Equal(t, BindAddressInUse, bindErr.Kind)
	}

	// The winner is still reachable: losers did not unlink its socket.
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(shortTempDir(t), "group.sock")

	stale, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	stale.SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())
	_, err = os.Stat(path)
	require.NoError(t, err, "stale socket file should remain")

	ln, err := Listen(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
}

func TestListenOtherFailure(t *testing.T) {
	path := filepath.Join(shortTempDir(t), "missing", "group.sock")

	_, err := Listen(path)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAddressInUse)

	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, BindOther, bindErr.Kind)
}

func TestListenCloseUnlinksSocket(t *testing.T) {
	path := filepath.Join(shortTempDir(t), "group.sock")
	ln, err := Listen(path)
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestListenKeepsLockFileForNextStart(t *testing.T) {
	path := filepath.Join(shortTempDir(t), "group.sock")
	ln, err := Listen(path)
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	info, err := os.Stat(path + ".lock")
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	ln, err = Listen(path)
	require.NoError(t, err, "an existing lock file is reused")
	require.NoError(t, ln.Close())
}

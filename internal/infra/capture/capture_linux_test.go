package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func writeFD(t *testing.T, fd int, text string) {
	t.Helper()
	_, err := unix.Write(fd, []byte(text))
	require.NoError(t, err)
}

func TestCaptureRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	target := int(f.Fd())

	writeFD(t, target, "before\n")

	c, err := New(target)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	sink := &lineRecorder{}
	relay := &Relay{Prefix: "stdout", Source: c.Reader(), Sink: sink}
	done := make(chan error, 1)
	go func() { done <- relay.Run(context.Background()) }()

	writeFD(t, target, "during one\nduring two\n")
	require.NoError(t, c.Restore())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not observe EOF after restore")
	}

	writeFD(t, target, "after\n")
	require.NoError(t, c.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "before\nafter\n", string(content))
	assert.Equal(t, []string{"stdout: during one", "stdout: during two"}, sink.snapshot())
}

func TestCaptureCloseIsIdempotent(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "stream.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	c, err := New(int(f.Fd()))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.NoError(t, c.Restore())
}

func TestCaptureCloseInterruptsIdleRelay(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "stream.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	c, err := New(int(f.Fd()))
	require.NoError(t, err)

	// A second writer keeps the pipe open after Restore, as a child process
	// inheriting the descriptor would.
	extra, err := unix.Dup(c.write)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(extra) })

	relay := &Relay{Prefix: "stderr", Source: c.Reader(), Sink: &lineRecorder{}}
	done := make(chan error, 1)
	go func() { done <- relay.Run(context.Background()) }()

	require.NoError(t, c.Restore())
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay still blocked after close")
	}
}

func TestNewFailsForInvalidDescriptor(t *testing.T) {
	_, err := New(-1)
	require.Error(t, err)
}

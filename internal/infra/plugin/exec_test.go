package plugin

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
)

func TestNewExecLoaderRejectsEmptyCommand(t *testing.T) {
	_, err := NewExecLoader(ExecOptions{})
	require.Error(t, err)

	_, err = NewExecLoader(ExecOptions{HostCommand: []string{"  "}})
	require.Error(t, err)
}

func TestExecLoaderHostExitsBeforeReady(t *testing.T) {
	loader, err := NewExecLoader(ExecOptions{
		HostCommand:  []string{"/bin/sh", "-c", "exit 3"},
		ReadyTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	_, err = loader.Load(context.Background(), testRequest(t), domain.LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before ready")
}

func TestExecLoaderReadyTimeout(t *testing.T) {
	loader, err := NewExecLoader(ExecOptions{
		HostCommand:  []string{"/bin/sh", "-c", "sleep 30"},
		ReadyTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = loader.Load(context.Background(), testRequest(t), domain.LoadOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecLoaderHonoursCallerContext(t *testing.T) {
	loader, err := NewExecLoader(ExecOptions{
		HostCommand:  []string{"/bin/sh", "-c", "sleep 30"},
		ReadyTimeout: time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = loader.Load(ctx, testRequest(t), domain.LoadOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecLoaderRejectsInvalidRequest(t *testing.T) {
	loader, err := NewExecLoader(ExecOptions{HostCommand: []string{"/bin/true"}})
	require.NoError(t, err)

	_, err = loader.Load(context.Background(), domain.GroupRequest{}, domain.LoadOptions{})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestExecLoaderHostsFakeHost(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a helper binary")
	}
	bin := buildFakeHost(t)

	loader, err := NewExecLoader(ExecOptions{
		HostCommand:  []string{bin},
		ReadyTimeout: 10 * time.Second,
	})
	require.NoError(t, err)

	req := testRequest(t)
	inst, err := loader.Load(context.Background(), req, domain.LoadOptions{})
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- inst.Serve(context.Background()) }()

	// The host exits once its single connection hangs up.
	conn, err := net.Dial("unix", req.SocketPath)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("host did not exit")
	}
	require.NoError(t, inst.Close())
}

func TestExecInstanceCloseKillsHost(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a helper binary")
	}
	bin := buildFakeHost(t)

	loader, err := NewExecLoader(ExecOptions{HostCommand: []string{bin}, ReadyTimeout: 10 * time.Second})
	require.NoError(t, err)

	inst, err := loader.Load(context.Background(), testRequest(t), domain.LoadOptions{})
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- inst.Serve(context.Background()) }()

	require.NoError(t, inst.Close())
	select {
	case <-served:
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after close")
	}
}

func TestBuildEnvOverrides(t *testing.T) {
	t.Setenv("YABRIDGE_TEST_INHERITED", "yes")
	t.Setenv(domain.EnvPluginPath, "stale")

	env := buildEnv(map[string]string{"EXTRA": "1", " ": "ignored"}, map[string]string{
		domain.EnvPluginPath: "/plugins/A.dll",
	})

	assert.Contains(t, env, "YABRIDGE_TEST_INHERITED=yes")
	assert.Contains(t, env, "EXTRA=1")
	assert.Contains(t, env, domain.EnvPluginPath+"=/plugins/A.dll")
	assert.NotContains(t, env, domain.EnvPluginPath+"=stale")
	for _, entry := range env {
		assert.False(t, strings.HasPrefix(entry, " ="))
	}
}

func testRequest(t *testing.T) domain.GroupRequest {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "yplg-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return domain.GroupRequest{
		PluginPath: "/plugins/A.dll",
		SocketPath: filepath.Join(dir, "a.sock"),
	}
}

func buildFakeHost(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}
	bin := filepath.Join(t.TempDir(), "fakehost")
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/fakehost")
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return bin
}

package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/group"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/plugin/plugintest"
)

func testConfig(t *testing.T, idle time.Duration) Config {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "yapp-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return Config{
		GroupName:           "test",
		GroupSocket:         filepath.Join(dir, "group.sock"),
		IdleTimeout:         idle,
		MessageLoopInterval: time.Millisecond,
		ShutdownTimeout:     5 * time.Second,
		Plugin:              PluginConfig{Backend: domain.PluginBackendExec},
	}
}

type runningBridge struct {
	bridge *GroupBridge
	loader *plugintest.Loader
	cancel context.CancelFunc
	done   chan error
}

func startBridge(t *testing.T, cfg Config) *runningBridge {
	t.Helper()
	loader := plugintest.NewLoader()
	bridge, err := NewGroupBridge(context.Background(), Options{Config: cfg, Loader: loader})
	require.NoError(t, err)
	require.Equal(t, StateConstructing, bridge.State())

	ctx, cancel := context.WithCancel(context.Background())
	rb := &runningBridge{bridge: bridge, loader: loader, cancel: cancel, done: make(chan error, 1)}
	go func() { rb.done <- bridge.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-rb.done:
		case <-time.After(10 * time.Second):
			t.Error("bridge did not terminate")
		}
	})
	require.Eventually(t, func() bool { return bridge.State() >= StateListening }, 2*time.Second, 5*time.Millisecond)
	return rb
}

func (rb *runningBridge) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-rb.done:
		rb.done <- err
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("bridge did not terminate")
		return nil
	}
}

func (rb *runningBridge) request(t *testing.T, plugin string) (domain.GroupRequest, *plugintest.Instance) {
	t.Helper()
	req := domain.GroupRequest{
		PluginPath: plugin,
		SocketPath: filepath.Join(filepath.Dir(rb.bridge.Socket()), filepath.Base(plugin)+".sock"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := group.Request(ctx, rb.bridge.Socket(), req)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), resp.PID)

	var inst *plugintest.Instance
	require.Eventually(t, func() bool {
		if _, ok := rb.bridge.registry.Get(req); !ok {
			return false
		}
		inst, _ = rb.loader.Instance(req)
		return inst != nil
	}, 5*time.Second, 5*time.Millisecond)
	return req, inst
}

func TestGroupBridgeShutsDownWhenNothingConnects(t *testing.T) {
	rb := startBridge(t, testConfig(t, 50*time.Millisecond))

	require.NoError(t, rb.wait(t))
	assert.Equal(t, StateTerminated, rb.bridge.State())

	_, err := os.Stat(rb.bridge.Socket())
	assert.True(t, errors.Is(err, os.ErrNotExist), "socket should be removed, got %v", err)
}

func TestGroupBridgeTwoPluginsThenIdle(t *testing.T) {
	idle := 300 * time.Millisecond
	rb := startBridge(t, testConfig(t, idle))

	_, a := rb.request(t, "/plugins/A.dll")
	_, b := rb.request(t, "/plugins/B.dll")
	assert.Equal(t, 2, rb.bridge.Instances())

	a.Exit(nil)
	require.Eventually(t, func() bool { return rb.bridge.Instances() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, a.Closed())

	// One plugin left: the group must outlive the idle timeout.
	time.Sleep(2 * idle)
	assert.Equal(t, StateListening, rb.bridge.State())

	b.Exit(nil)
	require.NoError(t, rb.wait(t))
	assert.Equal(t, StateTerminated, rb.bridge.State())
	assert.True(t, b.Closed())
}

func TestGroupBridgeRequestCancelsIdleShutdown(t *testing.T) {
	idle := 300 * time.Millisecond
	rb := startBridge(t, testConfig(t, idle))

	_, a := rb.request(t, "/plugins/A.dll")
	a.Exit(nil)
	require.Eventually(t, func() bool { return rb.bridge.Instances() == 0 }, 2*time.Second, 5*time.Millisecond)

	// A new plugin arrives before the timer fires.
	_, b := rb.request(t, "/plugins/B.dll")
	time.Sleep(2 * idle)
	assert.Equal(t, StateListening, rb.bridge.State())
	assert.Equal(t, 1, rb.bridge.Instances())

	b.Exit(nil)
	require.NoError(t, rb.wait(t))
}

func (rb *runningBridge) requestSlow(t *testing.T, plugin string) (domain.GroupRequest, func()) {
	t.Helper()
	unblock := rb.loader.Block(plugin)
	t.Cleanup(unblock)
	req := domain.GroupRequest{
		PluginPath: plugin,
		SocketPath: filepath.Join(filepath.Dir(rb.bridge.Socket()), filepath.Base(plugin)+".sock"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := group.Request(ctx, rb.bridge.Socket(), req)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), resp.PID)
	return req, unblock
}

func TestGroupBridgeSlowLoadOutlivesIdleTimeout(t *testing.T) {
	idle := 300 * time.Millisecond
	rb := startBridge(t, testConfig(t, idle))

	req, unblock := rb.requestSlow(t, "/plugins/Slow.dll")
	time.Sleep(3 * idle)
	assert.Equal(t, StateListening, rb.bridge.State(), "the group must not drain while a plugin loads")
	unblock()

	require.Eventually(t, func() bool {
		_, ok := rb.bridge.registry.Get(req)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	inst, ok := rb.loader.Instance(req)
	require.True(t, ok)
	assert.False(t, inst.Closed())
	assert.Equal(t, StateListening, rb.bridge.State())

	inst.Exit(nil)
	require.NoError(t, rb.wait(t))
	assert.True(t, inst.Closed())
}

func TestGroupBridgeCancelDuringLoadClosesPlugin(t *testing.T) {
	rb := startBridge(t, testConfig(t, time.Hour))

	req, unblock := rb.requestSlow(t, "/plugins/Slow.dll")
	require.Eventually(t, func() bool { return len(rb.loader.LoadTIDs()) == 1 }, 2*time.Second, time.Millisecond)
	rb.cancel()
	require.Eventually(t, func() bool { return rb.bridge.State() >= StateDraining }, 2*time.Second, 5*time.Millisecond)

	// The executor can only stop once the stuck load returns.
	time.Sleep(50 * time.Millisecond)
	unblock()
	require.NoError(t, rb.wait(t))
	assert.Equal(t, StateTerminated, rb.bridge.State())

	inst, ok := rb.loader.Instance(req)
	require.True(t, ok)
	assert.True(t, inst.Closed(), "a plugin that finished loading during shutdown must be closed")
	assert.Zero(t, rb.bridge.Instances())
}

func TestGroupBridgeRefusesRequestsWhileDraining(t *testing.T) {
	rb := startBridge(t, testConfig(t, time.Hour))
	rb.bridge.registry.Seal()

	req := domain.GroupRequest{PluginPath: "/plugins/Late.dll", SocketPath: "/tmp/late.sock"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := group.Request(ctx, rb.bridge.Socket(), req)
	require.Error(t, err)

	_, loaded := rb.loader.Instance(req)
	assert.False(t, loaded)
}

func TestGroupBridgeCancelStopsPlugins(t *testing.T) {
	rb := startBridge(t, testConfig(t, time.Hour))

	_, a := rb.request(t, "/plugins/A.dll")
	_, b := rb.request(t, "/plugins/B.dll")

	rb.cancel()
	require.NoError(t, rb.wait(t))
	assert.Equal(t, StateTerminated, rb.bridge.State())
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
}

func TestGroupBridgeAddressInUse(t *testing.T) {
	cfg := testConfig(t, time.Hour)
	first := startBridge(t, cfg)

	_, err := NewGroupBridge(context.Background(), Options{Config: cfg, Loader: plugintest.NewLoader()})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAddressInUse)

	var bindErr *group.BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, group.BindAddressInUse, bindErr.Kind)

	// The running group keeps serving.
	first.request(t, "/plugins/A.dll")
	assert.Equal(t, StateListening, first.bridge.State())
}

func TestGroupBridgeCloseWithoutRun(t *testing.T) {
	cfg := testConfig(t, time.Hour)
	bridge, err := NewGroupBridge(context.Background(), Options{Config: cfg, Loader: plugintest.NewLoader()})
	require.NoError(t, err)

	require.NoError(t, bridge.Close())
	require.NoError(t, bridge.Close())
	assert.Equal(t, StateTerminated, bridge.State())

	err = bridge.Run(context.Background())
	assert.Equal(t, domain.CodeFailedPrecond, codeOf(t, err))
}

func TestNewGroupBridgeRequiresLoader(t *testing.T) {
	_, err := NewGroupBridge(context.Background(), Options{Config: testConfig(t, time.Hour)})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidArgument, codeOf(t, err))
}

func TestGroupBridgeInitFailureLeavesNoEntry(t *testing.T) {
	rb := startBridge(t, testConfig(t, time.Hour))
	rb.loader.Fail("/plugins/Broken.dll", errors.New("missing dependency"))

	req := domain.GroupRequest{PluginPath: "/plugins/Broken.dll", SocketPath: "/tmp/broken.sock"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := group.Request(ctx, rb.bridge.Socket(), req)
	require.NoError(t, err)

	rb.request(t, "/plugins/A.dll")
	_, ok := rb.bridge.registry.Get(req)
	assert.False(t, ok)
	assert.Equal(t, 1, rb.bridge.Instances())
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateConstructing: "constructing",
		StateListening:    "listening",
		StateDraining:     "draining",
		StateTerminated:   "terminated",
		State(42):         "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestStateHolderOnlyMovesForward(t *testing.T) {
	var h stateHolder
	_, ok := h.advance(StateDraining)
	require.True(t, ok)
	_, ok = h.advance(StateListening)
	assert.False(t, ok)
	assert.Equal(t, StateDraining, h.load())
}

func codeOf(t *testing.T, err error) domain.ErrorCode {
	t.Helper()
	code, ok := domain.CodeFrom(err)
	require.True(t, ok, "expected a domain error, got %v", err)
	return code
}

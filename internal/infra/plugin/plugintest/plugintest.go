// Package plugintest provides an in-memory plugin backend for tests.
package plugintest

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
)

// Instance is a plugin that runs until Exit is called.
type Instance struct {
	Request domain.GroupRequest
	Gate    domain.MessageLoopGate

	exit     chan struct{}
	exitOnce sync.Once
	serveErr error

	pumps     atomic.Int64
	closed    atomic.Bool
	pumpTID   atomic.Int64
	closeTID  atomic.Int64
	onPumpMu  sync.Mutex
	onPumpFns []func()
}

func newInstance(req domain.GroupRequest, gate domain.MessageLoopGate) *Instance {
	return &Instance{Request: req, Gate: gate, exit: make(chan struct{})}
}

func (i *Instance) Serve(ctx context.Context) error {
	select {
	case <-i.exit:
		return i.serveErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Instance) PumpEvents() {
	i.pumps.Add(1)
	i.pumpTID.Store(int64(syscall.Gettid()))
	i.onPumpMu.Lock()
	fns := append([]func(){}, i.onPumpFns...)
	i.onPumpMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (i *Instance) Close() error {
	i.closed.Store(true)
	i.closeTID.Store(int64(syscall.Gettid()))
	return nil
}

// Exit makes Serve return err, as if the host closed the plugin.
func (i *Instance) Exit(err error) {
	i.exitOnce.Do(func() {
		i.serveErr = err
		close(i.exit)
	})
}

// OnPump registers fn to run inside every event loop iteration.
func (i *Instance) OnPump(fn func()) {
	i.onPumpMu.Lock()
	defer i.onPumpMu.Unlock()
	i.onPumpFns = append(i.onPumpFns, fn)
}

func (i *Instance) Pumps() int64  { return i.pumps.Load() }
func (i *Instance) Closed() bool  { return i.closed.Load() }
func (i *Instance) PumpTID() int  { return int(i.pumpTID.Load()) }
func (i *Instance) CloseTID() int { return int(i.closeTID.Load()) }

// Loader creates Instances and records the thread each load ran on.
type Loader struct {
	mu        sync.Mutex
	instances map[domain.GroupRequest]*Instance
	failures  map[string]error
	blockers  map[string]chan struct{}
	loadTIDs  []int
}

func NewLoader() *Loader {
	return &Loader{
		instances: make(map[domain.GroupRequest]*Instance),
		failures:  make(map[string]error),
		blockers:  make(map[string]chan struct{}),
	}
}

// Fail makes loading pluginPath return err.
func (l *Loader) Fail(pluginPath string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[pluginPath] = err
}

// Block makes loading pluginPath hang until the returned function is
// called, ignoring the load context like a stuck plugin would.
func (l *Loader) Block(pluginPath string) func() {
	ch := make(chan struct{})
	l.mu.Lock()
	l.blockers[pluginPath] = ch
	l.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (l *Loader) Load(_ context.Context, req domain.GroupRequest, opts domain.LoadOptions) (domain.PluginInstance, error) {
	l.mu.Lock()
	l.loadTIDs = append(l.loadTIDs, syscall.Gettid())
	block := l.blockers[req.PluginPath]
	failure := l.failures[req.PluginPath]
	l.mu.Unlock()

	if block != nil {
		<-block
	}
	if failure != nil {
		return nil, failure
	}

	inst := newInstance(req, opts.Gate)
	l.mu.Lock()
	l.instances[req] = inst
	l.mu.Unlock()
	return inst, nil
}

// Instance returns the instance created for req, if any.
func (l *Loader) Instance(req domain.GroupRequest) (*Instance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[req]
	return inst, ok
}

// LoadTIDs returns the thread ids Load was called on, in call order.
func (l *Loader) LoadTIDs() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.loadTIDs...)
}

var _ domain.PluginLoader = (*Loader)(nil)
var _ domain.PluginInstance = (*Instance)(nil)

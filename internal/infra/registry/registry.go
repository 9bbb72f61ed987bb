// Package registry tracks the plugin instances hosted by a group process
// and decides when the group has been idle long enough to exit.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/telemetry"
)

// Entry is one hosted plugin: the worker that pumps it and the instance it
// owns.
type Entry struct {
	ID        string
	Request   domain.GroupRequest
	Instance  domain.PluginInstance
	Done      <-chan struct{}
	StartedAt time.Time
}

type Options struct {
	// IdleTimeout is the grace period between the registry becoming empty
	// and OnIdle firing.
	IdleTimeout time.Duration
	// OnIdle is called at most once, outside the registry lock, when the
	// grace period elapses with no instance registered.
	OnIdle  func()
	Logger  *zap.Logger
	Metrics domain.Metrics
}

// Registry is the single source of truth for the instances alive in this
// process. Every mutation and every idle timer decision happens under mu.
type Registry struct {
	logger  *zap.Logger
	metrics domain.Metrics
	onIdle  func()

	mu      sync.Mutex
	entries map[domain.GroupRequest]Entry
	pending int
	idle    idleTimer
	sealed  bool
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	delay := opts.IdleTimeout
	if delay <= 0 {
		delay = time.Duration(domain.DefaultIdleTimeoutSeconds) * time.Second
	}
	return &Registry{
		logger:  logger.Named("registry"),
		metrics: metrics,
		onIdle:  opts.OnIdle,
		entries: make(map[domain.GroupRequest]Entry),
		idle:    idleTimer{delay: delay},
	}
}

// Insert registers an entry and cancels a pending idle shutdown. It fails
// with ErrDraining once the group has started shutting down and with
// ErrDuplicateRequest if the request is already hosted.
func (r *Registry) Insert(entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return domain.ErrDraining
	}
	if _, ok := r.entries[entry.Request]; ok {
		return domain.ErrDuplicateRequest
	}
	r.entries[entry.Request] = entry
	if r.idle.cancel() {
		r.logger.Debug("idle shutdown cancelled", telemetry.EventField(telemetry.EventIdleCancelled))
	}
	r.metrics.SetActiveInstances(len(r.entries))
	return nil
}

// Remove drops the entry for req. If the registry becomes empty the idle
// timer is armed.
func (r *Registry) Remove(req domain.GroupRequest) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[req]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, req)
	r.metrics.SetActiveInstances(len(r.entries))
	if r.emptyLocked() {
		r.armLocked()
	}
	return entry, true
}

// Reserve holds the group open for a plugin that is still initializing. A
// pending idle shutdown is cancelled and stays disarmed until release is
// called. Callers insert the finished entry before releasing, so the timer
// is only re-armed when the load failed. Reserve fails with ErrDraining once
// the group has started shutting down.
func (r *Registry) Reserve() (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return nil, domain.ErrDraining
	}
	r.pending++
	if r.idle.cancel() {
		r.logger.Debug("idle shutdown cancelled", telemetry.EventField(telemetry.EventIdleCancelled))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.pending--
			if r.emptyLocked() {
				r.armLocked()
			}
		})
	}, nil
}

// ArmIfEmpty arms the idle timer when nothing is registered, e.g. right
// after the group starts listening.
func (r *Registry) ArmIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed || !r.emptyLocked() || r.idle.armed {
		return false
	}
	r.armLocked()
	return true
}

// Seal stops accepting registrations and disarms the idle timer. It returns
// the entries still registered.
func (r *Registry) Seal() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	r.idle.cancel()
	return r.snapshotLocked()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) Get(req domain.GroupRequest) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[req]
	return entry, ok
}

func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Sealed reports whether the registry refuses new entries.
func (r *Registry) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

func (r *Registry) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	return out
}

// emptyLocked reports whether nothing is hosted or being loaded.
func (r *Registry) emptyLocked() bool {
	return len(r.entries) == 0 && r.pending == 0
}

func (r *Registry) armLocked() {
	if r.sealed {
		return
	}
	r.idle.arm(r.fire)
	r.logger.Debug("idle shutdown armed",
		telemetry.EventField(telemetry.EventIdleArmed),
		zap.Duration("delay", r.idle.delay),
	)
}

func (r *Registry) fire(gen uint64) {
	r.mu.Lock()
	if !r.idle.current(gen) || !r.emptyLocked() || r.sealed {
		r.mu.Unlock()
		return
	}
	r.idle.armed = false
	r.idle.timer = nil
	r.sealed = true
	r.mu.Unlock()

	r.logger.Info("no plugins left, shutting down group", telemetry.EventField(telemetry.EventIdleShutdown))
	r.metrics.ObserveIdleShutdown()
	if r.onIdle != nil {
		r.onIdle()
	}
}

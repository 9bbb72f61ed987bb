package registry

import "time"

// idleTimer is the deferred shutdown action. All of its state is guarded by
// the owning registry's mutex, so "registry empty" and "timer armed" are
// always observed together.
type idleTimer struct {
	delay time.Duration
	timer *time.Timer
	gen   uint64
	armed bool
}

// arm schedules onFire with the current generation. A previously armed
// timer is replaced.
func (t *idleTimer) arm(onFire func(gen uint64)) {
	t.stop()
	t.gen++
	t.armed = true
	gen := t.gen
	t.timer = time.AfterFunc(t.delay, func() { onFire(gen) })
}

// cancel disarms the timer. A callback that already started will see a
// stale generation and do nothing.
func (t *idleTimer) cancel() bool {
	if !t.armed {
		return false
	}
	t.stop()
	t.gen++
	t.armed = false
	return true
}

func (t *idleTimer) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// current reports whether gen is the live armed generation.
func (t *idleTimer) current(gen uint64) bool {
	return t.armed && t.gen == gen
}

package group

import (
	"context"
	"errors"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/registry"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/rtprio"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/telemetry"
)

// worker owns one hosted plugin from the moment it is registered until it
// exits. It serves the plugin's bridged calls on its own OS thread and
// schedules the plugin's event loop iterations on the GUI executor.
type worker struct {
	acceptor *Acceptor
	entry    registry.Entry
	done     chan struct{}
	logger   *zap.Logger
}

func (w *worker) run(ctx context.Context) {
	runtime.LockOSThread()
	// Left locked: the thread ends with this goroutine together with any
	// scheduling changes made to it.
	defer close(w.done)

	if prio := w.acceptor.rtPriority; prio > 0 {
		if err := rtprio.Set(true, prio); err != nil {
			w.logger.Warn("could not enable realtime scheduling", zap.Error(err))
		}
	}

	inst := w.entry.Instance
	serveCtx, cancel := context.WithCancel(ctx)
	pumpDone := make(chan struct{})
	go w.pump(serveCtx, pumpDone)

	err := inst.Serve(serveCtx)
	cancel()
	<-pumpDone

	if closeErr := w.acceptor.executor.Do(context.Background(), inst.Close); closeErr != nil {
		w.logger.Warn("failed to close plugin", zap.Error(closeErr))
	}

	w.acceptor.registry.Remove(w.entry.Request)
	w.acceptor.metrics.ObserveInstanceExit(err)

	fields := []zap.Field{
		telemetry.EventField(telemetry.EventInstanceExit),
		telemetry.DurationField(time.Since(w.entry.StartedAt)),
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Warn("plugin exited with error", append(fields, zap.Error(err))...)
		return
	}
	w.logger.Info("plugin exited", fields...)
}

// pump runs one event loop iteration per tick until ctx is done. Ticks are
// skipped while another instance holds the message loop gate; the gate is
// checked again on the executor so an iteration never runs inside a window
// opened by an earlier executor task.
func (w *worker) pump(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.acceptor.loopInterval)
	defer ticker.Stop()

	gate := w.acceptor.gate
	postponed := func() bool { return gate != nil && gate.ShouldPostpone() }
	inst := w.entry.Instance

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if postponed() {
			continue
		}
		err := w.acceptor.executor.Do(ctx, func() error {
			if !postponed() {
				inst.PumpEvents()
			}
			return nil
		})
		if errors.Is(err, domain.ErrExecutorStopped) {
			return
		}
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("event loop iteration failed", zap.Error(err))
		}
	}
}

package group

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/affinity"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/group/wire"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/registry"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/telemetry"
)

const requestReadTimeout = 5 * time.Second

type AcceptorOptions struct {
	Listener net.Listener
	Loader   domain.PluginLoader
	// Executor is the designated GUI thread. Plugins are created, pumped
	// and closed on it.
	Executor *affinity.Executor
	Registry *registry.Registry
	Gate     domain.MessageLoopGate
	// PID is reported to launchers; defaults to os.Getpid().
	PID int
	// InitTimeout bounds a single plugin initialization. Zero means no
	// bound.
	InitTimeout time.Duration
	// MessageLoopInterval is the delay between event loop iterations of a
	// hosted plugin.
	MessageLoopInterval time.Duration
	// RealtimePriority is applied to worker threads when positive.
	RealtimePriority int
	Logger           *zap.Logger
	Metrics          domain.Metrics
}

// Acceptor accepts load requests on the group socket and hands every
// successfully initialized plugin to its own worker.
type Acceptor struct {
	listener     net.Listener
	loader       domain.PluginLoader
	executor     *affinity.Executor
	registry     *registry.Registry
	gate         domain.MessageLoopGate
	pid          int
	initTimeout  time.Duration
	loopInterval time.Duration
	rtPriority   int
	logger       *zap.Logger
	metrics      domain.Metrics

	workerCtx     context.Context
	cancelWorkers context.CancelFunc
	workers       sync.WaitGroup

	// closed ends Serve and abandons an initialization in progress.
	closed    context.Context
	markClose context.CancelFunc
	closeOnce sync.Once
}

func NewAcceptor(opts AcceptorOptions) (*Acceptor, error) {
	if opts.Listener == nil {
		return nil, errors.New("acceptor listener is required")
	}
	if opts.Loader == nil {
		return nil, errors.New("acceptor plugin loader is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("acceptor executor is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("acceptor registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	interval := opts.MessageLoopInterval
	if interval <= 0 {
		interval = time.Second / domain.DefaultMessageLoopHz
	}
	workerCtx, cancel := context.WithCancel(context.Background())
	closed, markClose := context.WithCancel(context.Background())

	return &Acceptor{
		listener:      opts.Listener,
		loader:        opts.Loader,
		executor:      opts.Executor,
		registry:      opts.Registry,
		gate:          opts.Gate,
		pid:           pid,
		initTimeout:   opts.InitTimeout,
		loopInterval:  interval,
		rtPriority:    opts.RealtimePriority,
		logger:        logger.Named("acceptor"),
		metrics:       metrics,
		workerCtx:     workerCtx,
		cancelWorkers: cancel,
		closed:        closed,
		markClose:     markClose,
	}, nil
}

// Serve accepts connections until the listener is closed or ctx is done.
// Each request is handled to completion before the next connection is
// accepted, so once Serve returns nothing more is posted to the executor
// on behalf of a request.
func (a *Acceptor) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unlink := context.AfterFunc(a.closed, cancel)
	defer unlink()
	stop := context.AfterFunc(ctx, func() { _ = a.Close() })
	defer stop()

	a.logger.Info("accepting plugin requests", zap.String("addr", a.listener.Addr().String()))
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept group connection: %w", err)
		}
		a.handle(ctx, conn)
	}
}

// Close stops accepting connections and gives up on an initialization in
// progress. Running workers are not affected.
func (a *Acceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.markClose()
		err = a.listener.Close()
	})
	return err
}

// StopWorkers cancels every running worker's plugin.
func (a *Acceptor) StopWorkers() {
	a.cancelWorkers()
}

// WaitWorkers blocks until every worker has exited or ctx is done.
func (a *Acceptor) WaitWorkers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Acceptor) handle(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
	req, err := wire.ReadRequest(conn)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		a.metrics.ObserveLoad(domain.LoadResultInvalid)
		a.logger.Debug("discarding group connection", zap.Error(err))
		return
	}

	logger := a.logger.With(telemetry.RequestFields(req)...)
	logger.Info("received plugin request", telemetry.EventField(telemetry.EventLoadRequest))

	// Without a pid the launcher knows to start a new group.
	release, err := a.registry.Reserve()
	if err != nil {
		a.metrics.ObserveLoad(domain.LoadResultRejected)
		logger.Warn("refusing plugin request", zap.Error(err))
		return
	}
	defer release()

	// The launcher watches this pid to notice a crash during initialization.
	if err := wire.WriteResponse(conn, wire.Response{PID: a.pid}); err != nil {
		a.metrics.ObserveLoad(domain.LoadResultInvalid)
		logger.Warn("failed to reply to launcher", zap.Error(err))
		return
	}

	start := time.Now()
	inst, err := a.initialize(ctx, req)
	if err != nil {
		a.metrics.ObserveLoad(domain.LoadResultInitFailed)
		logger.Error("plugin initialization failed",
			telemetry.EventField(telemetry.EventLoadFailure),
			telemetry.DurationField(time.Since(start)),
			zap.Error(err),
		)
		return
	}

	done := make(chan struct{})
	entry := registry.Entry{
		ID:        uuid.NewString(),
		Request:   req,
		Instance:  inst,
		Done:      done,
		StartedAt: time.Now(),
	}
	if err := a.registry.Insert(entry); err != nil {
		a.metrics.ObserveLoad(domain.LoadResultRejected)
		logger.Warn("refusing plugin", zap.Error(err))
		a.closeInstance(inst, logger)
		return
	}

	a.metrics.ObserveLoad(domain.LoadResultSuccess)
	logger.Info("plugin initialized",
		telemetry.EventField(telemetry.EventLoadSuccess),
		telemetry.InstanceIDField(entry.ID),
		telemetry.DurationField(time.Since(start)),
	)

	w := &worker{
		acceptor: a,
		entry:    entry,
		done:     done,
		logger:   logger.With(telemetry.InstanceIDField(entry.ID)),
	}
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		w.run(a.workerCtx)
	}()
}

const (
	initPending int32 = iota
	initDelivered
	initAbandoned
)

// initialize creates the plugin on the executor thread. If the caller stops
// waiting (timeout or shutdown) a plugin that still finishes loading is
// closed there instead of leaking.
func (a *Acceptor) initialize(ctx context.Context, req domain.GroupRequest) (domain.PluginInstance, error) {
	initCtx, cancel := context.WithCancel(ctx)
	if a.initTimeout > 0 {
		initCtx, cancel = context.WithTimeout(ctx, a.initTimeout)
	}
	defer cancel()

	type result struct {
		inst domain.PluginInstance
		err  error
	}
	var state atomic.Int32
	results := make(chan result, 1)
	err := a.executor.Post(func() {
		inst, err := a.loader.Load(initCtx, req, domain.LoadOptions{Gate: a.gate})
		if !state.CompareAndSwap(initPending, initDelivered) {
			if err == nil {
				_ = inst.Close()
			}
			return
		}
		results <- result{inst: inst, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-results:
		if res.err != nil {
			return nil, initFailure(res.err)
		}
		return res.inst, nil
	case <-initCtx.Done():
		if !state.CompareAndSwap(initPending, initAbandoned) {
			// The loader finished just as we gave up; keep its result.
			res := <-results
			if res.err != nil {
				return nil, initFailure(res.err)
			}
			return res.inst, nil
		}
		return nil, domain.E(domain.CodeDeadlineExceeded, "initialize plugin", "", errors.Join(domain.ErrPluginInit, initCtx.Err()))
	}
}

func initFailure(err error) error {
	return domain.E(domain.CodeFailedPrecond, "initialize plugin", err.Error(), errors.Join(domain.ErrPluginInit, err))
}

func (a *Acceptor) closeInstance(inst domain.PluginInstance, logger *zap.Logger) {
	err := a.executor.Do(context.Background(), inst.Close)
	if err != nil {
		logger.Warn("failed to close plugin", zap.Error(err))
	}
}

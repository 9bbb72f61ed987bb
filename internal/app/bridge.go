package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/affinity"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/capture"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/gate"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/group"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/registry"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/telemetry"
)

const (
	executorQueueSize  = 64
	relayDrainTimeout  = 2 * time.Second
	streamStdout       = "stdout"
	streamStderr       = "stderr"
	healthStatusOK     = "ok"
	defaultShutdownCap = time.Duration(domain.DefaultShutdownTimeoutSeconds) * time.Second
)

type Options struct {
	Config Config
	Loader domain.PluginLoader
	Logger *zap.Logger
	// Metrics defaults to Prometheus when an observability address is
	// configured and to a no-op otherwise.
	Metrics domain.Metrics
	// Sink receives captured output lines. Defaults to the logger.
	Sink domain.LogSink
}

// GroupBridge hosts every plugin of one group in this process. It owns the
// group socket, the GUI executor, the instance registry and the captured
// stdio streams.
type GroupBridge struct {
	cfg     Config
	logger  *zap.Logger
	metrics domain.Metrics

	promRegistry *prometheus.Registry
	health       *telemetry.HealthService

	captures []*capture.Capture
	relays   errgroup.Group

	listener *net.UnixListener
	executor *affinity.Executor
	gate     *gate.Gate
	registry *registry.Registry
	acceptor *group.Acceptor
	serving  sync.WaitGroup

	state     stateHolder
	drain     chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewGroupBridge captures stdio, binds the group socket and starts the GUI
// executor. A *group.BindError is returned unchanged when the socket cannot
// be bound; errors.Is(err, domain.ErrAddressInUse) identifies a group that
// is already running. Nothing is left behind on failure.
func NewGroupBridge(ctx context.Context, opts Options) (*GroupBridge, error) {
	if opts.Loader == nil {
		return nil, domain.E(domain.CodeInvalidArgument, "group bridge", "plugin loader is required", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &GroupBridge{
		cfg:    opts.Config,
		logger: logger.Named("bridge").With(zap.String(telemetry.FieldLogSource, telemetry.LogSourceCore)),
		drain:  make(chan struct{}),
	}
	b.setupMetrics(opts.Metrics)

	if b.cfg.CaptureStdio {
		if err := b.captureStdio(logger, opts.Sink); err != nil {
			b.releaseCaptures()
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		b.releaseCaptures()
		return nil, err
	}

	listener, err := group.Listen(b.cfg.GroupSocket)
	if err != nil {
		b.releaseCaptures()
		return nil, err
	}
	b.listener = listener

	b.executor = affinity.New(executorQueueSize)
	b.executor.Start()
	b.gate = gate.New()
	b.registry = registry.New(registry.Options{
		IdleTimeout: b.cfg.IdleTimeout,
		OnIdle:      b.beginDrain,
		Logger:      logger,
		Metrics:     b.metrics,
	})

	acceptor, err := group.NewAcceptor(group.AcceptorOptions{
		Listener:            listener,
		Loader:              opts.Loader,
		Executor:            b.executor,
		Registry:            b.registry,
		Gate:                b.gate,
		InitTimeout:         b.cfg.InitTimeout,
		MessageLoopInterval: b.cfg.MessageLoopInterval,
		RealtimePriority:    b.cfg.RealtimePriority,
		Logger:              logger,
		Metrics:             b.metrics,
	})
	if err != nil {
		b.executor.Stop()
		_ = listener.Close()
		b.releaseCaptures()
		return nil, err
	}
	b.acceptor = acceptor

	if b.cfg.HealthSocket != "" {
		b.health = telemetry.NewHealthService()
	}

	b.logger.Info("group bridge constructed",
		zap.String("group", b.cfg.GroupName),
		zap.String(telemetry.FieldSocket, b.cfg.GroupSocket),
		zap.Bool("captureStdio", b.cfg.CaptureStdio),
	)
	return b, nil
}

func (b *GroupBridge) setupMetrics(metrics domain.Metrics) {
	if metrics != nil {
		b.metrics = metrics
		return
	}
	if b.cfg.Observability.ListenAddress == "" {
		b.metrics = telemetry.NewNoopMetrics()
		return
	}
	b.promRegistry = prometheus.NewRegistry()
	b.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector("yabridge_group"),
	)
	b.metrics = telemetry.NewPrometheusMetrics(b.promRegistry)
}

func (b *GroupBridge) captureStdio(logger *zap.Logger, sink domain.LogSink) error {
	if sink == nil {
		sink = telemetry.NewZapSink(logger.Named("capture"))
	}
	streams := []struct {
		fd     int
		prefix string
	}{
		{unix.Stdout, streamStdout},
		{unix.Stderr, streamStderr},
	}
	for _, stream := range streams {
		c, err := capture.New(stream.fd)
		if err != nil {
			return domain.Wrap(domain.CodeInternal, "capture "+stream.prefix, err)
		}
		b.captures = append(b.captures, c)

		relay := &capture.Relay{
			Prefix:  stream.prefix,
			Source:  c.Reader(),
			Sink:    sink,
			Metrics: b.metrics,
		}
		b.relays.Go(func() error {
			err := relay.Run(context.Background())
			if err != nil {
				b.logger.Warn("output relay stopped",
					telemetry.EventField(telemetry.EventRelayStopped),
					zap.String(telemetry.FieldLogStream, relay.Prefix),
					zap.Error(err),
				)
			}
			return err
		})
	}
	return nil
}

// Run serves load requests until the group goes idle or ctx is cancelled,
// then drains and releases everything. It returns once the bridge has
// terminated.
func (b *GroupBridge) Run(ctx context.Context) error {
	if _, ok := b.state.advance(StateListening); !ok {
		return domain.E(domain.CodeFailedPrecond, "group bridge", "bridge already started", nil)
	}
	b.logStateChange(StateListening)
	b.health.SetServing(true)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	services := b.startServices(runCtx)

	acceptErr := make(chan error, 1)
	b.serving.Add(1)
	go func() {
		defer b.serving.Done()
		acceptErr <- b.acceptor.Serve(runCtx)
	}()

	// Arm after the acceptor runs so a group nobody connects to still exits.
	b.registry.ArmIfEmpty()

	var serveErr error
	select {
	case <-ctx.Done():
		b.logger.Info("shutdown requested")
	case <-b.drain:
	case serveErr = <-acceptErr:
		if serveErr != nil {
			b.logger.Error("group socket acceptor failed", zap.Error(serveErr))
		}
	}

	closeErr := b.Close()
	cancel()
	if err := services.Wait(); err != nil {
		b.logger.Warn("observability service stopped with error", zap.Error(err))
	}
	return errors.Join(serveErr, closeErr)
}

func (b *GroupBridge) startServices(ctx context.Context) *errgroup.Group {
	var services errgroup.Group
	if b.promRegistry != nil {
		services.Go(func() error {
			return telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
				Addr:          b.cfg.Observability.ListenAddress,
				EnableMetrics: true,
				EnableHealthz: true,
				Health:        b.healthReport,
				Registry:      b.promRegistry,
			}, b.logger)
		})
	}
	if b.health != nil {
		services.Go(func() error {
			return b.health.Serve(ctx, b.cfg.HealthSocket, b.logger)
		})
	}
	return &services
}

// Close drains the bridge: it stops accepting requests, stops every hosted
// plugin, stops the GUI executor and restores stdio. It is safe to call more
// than once and from any state.
func (b *GroupBridge) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.shutdown()
	})
	return b.closeErr
}

func (b *GroupBridge) shutdown() error {
	b.beginDrain()
	if _, ok := b.state.advance(StateDraining); ok {
		b.logStateChange(StateDraining)
	}
	b.health.SetServing(false)

	remaining := b.registry.Seal()
	_ = b.acceptor.Close()
	b.acceptor.StopWorkers()

	var errs []error
	timeout := b.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownCap
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), timeout)
	// A request still being handled may need the executor to close the
	// plugin it loaded.
	if err := waitGroup(waitCtx, &b.serving); err != nil {
		b.logger.Warn("group socket acceptor did not stop in time", telemetry.DurationField(timeout))
		errs = append(errs, fmt.Errorf("wait for acceptor: %w", err))
	}
	if err := b.acceptor.WaitWorkers(waitCtx); err != nil {
		b.logger.Warn("plugins did not stop in time",
			zap.Int("remaining", len(remaining)),
			telemetry.DurationField(timeout),
		)
		errs = append(errs, fmt.Errorf("wait for plugins: %w", err))
	}
	cancel()

	b.executor.Stop()
	b.releaseCaptures()

	if _, ok := b.state.advance(StateTerminated); ok {
		b.logStateChange(StateTerminated)
	}
	return errors.Join(errs...)
}

// releaseCaptures restores stdio, lets the relays flush what is left in the
// pipes and then closes them.
func (b *GroupBridge) releaseCaptures() {
	if len(b.captures) == 0 {
		return
	}
	for _, c := range b.captures {
		if err := c.Restore(); err != nil {
			b.logger.Warn("restore stdio failed", zap.Int("fd", c.Target()), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		_ = b.relays.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(relayDrainTimeout):
		// A child still holds a pipe write end; closing the reader ends the relay.
	}
	for _, c := range b.captures {
		_ = c.Close()
	}
	<-done
	b.captures = nil
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *GroupBridge) beginDrain() {
	b.drainOnce.Do(func() { close(b.drain) })
}

func (b *GroupBridge) logStateChange(state State) {
	b.logger.Info("group state changed",
		telemetry.EventField(telemetry.EventStateChange),
		telemetry.StateField(state.String()),
	)
}

func (b *GroupBridge) healthReport() telemetry.HealthReport {
	state := b.State()
	status := healthStatusOK
	if state != StateListening {
		status = state.String()
	}
	return telemetry.HealthReport{Status: status, State: state.String(), Instances: b.registry.Len()}
}

func (b *GroupBridge) State() State {
	return b.state.load()
}

// Socket is the group socket path.
func (b *GroupBridge) Socket() string {
	return b.cfg.GroupSocket
}

// Instances returns the number of hosted plugins.
func (b *GroupBridge) Instances() int {
	return b.registry.Len()
}

// Gate is the message-loop gate shared by every hosted plugin.
func (b *GroupBridge) Gate() *gate.Gate {
	return b.gate
}

// PID is the process id reported to launchers.
func (b *GroupBridge) PID() int {
	return os.Getpid()
}

// Package plugin provides the plugin backends a group can host.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/process"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/telemetry"
)

const (
	readyPollInterval = 50 * time.Millisecond
	closeTimeout      = 5 * time.Second
)

type ExecOptions struct {
	// HostCommand starts the per-plugin host. The plugin and socket paths
	// are passed through YABRIDGE_PLUGIN_PATH and YABRIDGE_PLUGIN_SOCKET.
	HostCommand []string
	// ReadyTimeout bounds how long the host may take to create the
	// per-instance socket.
	ReadyTimeout time.Duration
	Env          map[string]string
	Logger       *zap.Logger
}

// ExecLoader hosts each plugin in a helper process that serves the
// per-instance socket itself. The helper inherits this process's stdout and
// stderr, so its output goes through the group's capture.
type ExecLoader struct {
	command      []string
	readyTimeout time.Duration
	env          map[string]string
	logger       *zap.Logger
}

func NewExecLoader(opts ExecOptions) (*ExecLoader, error) {
	if len(opts.HostCommand) == 0 || strings.TrimSpace(opts.HostCommand[0]) == "" {
		return nil, errors.New("plugin host command is empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.ReadyTimeout
	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultPluginReadyTimeoutSeconds) * time.Second
	}
	return &ExecLoader{
		command:      append([]string(nil), opts.HostCommand...),
		readyTimeout: timeout,
		env:          opts.Env,
		logger:       logger.Named("exec_loader"),
	}, nil
}

// Load starts the host and waits until the per-instance socket exists. The
// process outlives ctx; ctx only bounds the wait.
func (l *ExecLoader) Load(ctx context.Context, req domain.GroupRequest, _ domain.LoadOptions) (domain.PluginInstance, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.Command(l.command[0], l.command[1:]...)
	cmd.Env = buildEnv(l.env, map[string]string{
		domain.EnvPluginPath:   req.PluginPath,
		domain.EnvPluginSocket: req.SocketPath,
	})
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cleanup := process.Setup(cmd)

	handle, err := process.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("plugin host start: %w", err)
	}
	inst := &execInstance{
		handle:  handle,
		cleanup: cleanup,
		logger:  l.logger.With(append(telemetry.RequestFields(req), zap.Int("pid", handle.Pid()))...),
	}

	if err := l.waitReady(ctx, req.SocketPath, handle); err != nil {
		_ = inst.Close()
		return nil, err
	}
	inst.logger.Debug("plugin host ready")
	return inst, nil
}

func (l *ExecLoader) waitReady(ctx context.Context, socketPath string, handle *process.Handle) error {
	readyCtx, cancel := context.WithTimeout(ctx, l.readyTimeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		if info, err := os.Stat(socketPath); err == nil && info.Mode()&os.ModeSocket != 0 {
			return nil
		}
		select {
		case <-handle.Done():
			if err := handle.Err(); err != nil {
				return fmt.Errorf("plugin host exited before ready: %w", err)
			}
			return errors.New("plugin host exited before ready")
		case <-readyCtx.Done():
			return fmt.Errorf("plugin host not ready: %w", readyCtx.Err())
		case <-ticker.C:
		}
	}
}

type execInstance struct {
	handle  *process.Handle
	cleanup process.Cleanup
	logger  *zap.Logger
}

// Serve waits for the host to exit. Cancelling ctx kills it.
func (i *execInstance) Serve(ctx context.Context) error {
	select {
	case <-i.handle.Done():
		err := i.handle.Err()
		i.logger.Info("plugin host exited", telemetry.EventField(telemetry.EventHostExited))
		return err
	case <-ctx.Done():
		i.cleanup()
		<-i.handle.Done()
		return ctx.Err()
	}
}

// PumpEvents is a no-op: the helper process runs its own event loop.
func (i *execInstance) PumpEvents() {}

func (i *execInstance) Close() error {
	if i.handle.Exited() {
		return nil
	}
	i.cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := i.handle.Wait(ctx); err != nil && ctx.Err() != nil {
		return fmt.Errorf("plugin host did not exit: %w", err)
	}
	return nil
}

func buildEnv(extra map[string]string, overrides map[string]string) []string {
	env := map[string]string{}
	for _, entry := range os.Environ() {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	for key, value := range extra {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		env[key] = value
	}
	for key, value := range overrides {
		env[key] = value
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, fmt.Sprintf("%s=%s", key, env[key]))
	}
	return out
}

var _ domain.PluginLoader = (*ExecLoader)(nil)

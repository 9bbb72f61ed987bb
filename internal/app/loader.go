package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/plugin"
)

// NewPluginLoader builds the loader for the configured backend.
func NewPluginLoader(cfg PluginConfig, logger *zap.Logger) (domain.PluginLoader, error) {
	switch cfg.Backend {
	case domain.PluginBackendExec, "":
		return plugin.NewExecLoader(plugin.ExecOptions{
			HostCommand:  cfg.HostCommand,
			ReadyTimeout: cfg.ReadyTimeout,
			Env:          cfg.Env,
			Logger:       logger,
		})
	default:
		return nil, domain.E(domain.CodeInvalidArgument, "plugin loader", fmt.Sprintf("unknown backend %q", cfg.Backend), nil)
	}
}

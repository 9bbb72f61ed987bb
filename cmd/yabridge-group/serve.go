package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhangkaiitugithub/yabridge/internal/app"
	"github.com/zhangkaiitugithub/yabridge/internal/domain"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/telemetry"
)

func newServeCmd(opts *cliOptions) *cobra.Command {
	var noCapture bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the group host until it has been idle for the idle timeout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if noCapture {
				cfg.CaptureStdio = false
			}
			if err := cfg.RequireHostCommand(); err != nil {
				return err
			}

			// The logger must exist before stdio is captured so that it keeps
			// writing to the original stderr.
			logging, err := telemetry.NewLogging(telemetry.LoggerOptions{
				Level:  cfg.LogLevel,
				File:   cfg.LogFile,
				Prefix: cfg.GroupName,
			})
			if err != nil {
				return err
			}
			defer logging.Close()
			logger := logging.Logger

			loader, err := app.NewPluginLoader(cfg.Plugin, logger)
			if err != nil {
				return err
			}
			bridge, err := app.NewGroupBridge(ctx, app.Options{
				Config: cfg,
				Loader: loader,
				Logger: logger,
			})
			if err != nil {
				return serveError(logger, cfg, err)
			}
			watchCtx, stopWatch := context.WithCancel(ctx)
			watched := make(chan struct{})
			go func() {
				defer close(watched)
				live := cfg
				src := configSource(cmd, opts)
				if err := app.WatchConfig(watchCtx, src, func(next app.Config) {
					live = applyReload(logging, live, next)
				}, logger); err != nil {
					logger.Warn("config watch unavailable", zap.Error(err))
				}
			}()

			runErr := bridge.Run(ctx)
			stopWatch()
			<-watched
			return runErr
		},
	}
	cmd.Flags().BoolVar(&noCapture, "no-capture", false, "do not redirect stdout and stderr into the log")
	return cmd
}

// serveError maps construction failures to exit codes. Another process
// already hosting the group is not a failure.
func serveError(logger *zap.Logger, cfg app.Config, err error) error {
	if errors.Is(err, domain.ErrAddressInUse) {
		logger.Info("group is already running",
			telemetry.EventField(telemetry.EventAddressInUse),
			zap.String(telemetry.FieldSocket, cfg.GroupSocket),
		)
		return exitSilent(0)
	}
	return err
}

// applyReload applies the settings that can change while serving. Only the
// log level is live; everything else takes effect on the next start.
func applyReload(logging *telemetry.Logging, current, next app.Config) app.Config {
	if next.LogLevel == current.LogLevel {
		return current
	}
	if err := logging.SetLevel(next.LogLevel); err != nil {
		logging.Logger.Warn("log level not changed", zap.Error(err))
		return current
	}
	logging.Logger.Info("log level changed", zap.String("level", next.LogLevel))
	current.LogLevel = next.LogLevel
	return current
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zhangkaiitugithub/yabridge/internal/app"
)

type cliOptions struct {
	configPath string
	jsonOutput bool
}

// flagKeys maps persistent flags to the config keys they override.
var flagKeys = map[string]string{
	"socket":       "groupSocket",
	"group":        "groupName",
	"prefix":       "prefix",
	"arch":         "architecture",
	"log-level":    "logLevel",
	"log-file":     "logFile",
	"idle-timeout": "idleTimeoutSeconds",
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Version:       version.Version,
		Use:           "yabridge-group",
		Short:         "Host several plugins in one shared process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to group config file (optional)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output JSON")
	flags.String("socket", "", "group socket path (derived from group, prefix and arch when empty)")
	flags.String("group", "", "group name")
	flags.String("prefix", "", "host environment prefix used to name the group socket")
	flags.String("arch", "", "plugin architecture used to name the group socket")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "write logs to this file instead of stderr")
	flags.Int("idle-timeout", 0, "seconds to keep running with no plugins")

	root.AddCommand(
		newServeCmd(opts),
		newRequestCmd(opts),
		newSocketPathCmd(opts),
		newValidateCmd(opts),
		newVersionCmd(),
	)
	return root
}

func loadConfig(cmd *cobra.Command, opts *cliOptions) (app.Config, error) {
	return app.LoadConfig(cmd.Context(), configSource(cmd, opts), nil)
}

func configSource(cmd *cobra.Command, opts *cliOptions) app.ConfigSource {
	return app.ConfigSource{
		Path:  opts.configPath,
		Flags: boundFlags(cmd.Flag),
	}
}

func boundFlags(lookup func(name string) *pflag.Flag) map[string]*pflag.Flag {
	bound := make(map[string]*pflag.Flag, len(flagKeys))
	for name, key := range flagKeys {
		if flag := lookup(name); flag != nil {
			bound[key] = flag
		}
	}
	return bound
}

func writeJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.Print("yabridge-group"))
		},
	}
}

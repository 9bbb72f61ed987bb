package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
	"github.com/zhangkaiitugithub/yabridge/internal/infra/group"
)

func newRequestCmd(opts *cliOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "request <plugin-path> <socket-path>",
		Short: "Ask a running group to host a plugin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			req := domain.GroupRequest{PluginPath: args[0], SocketPath: args[1]}
			resp, err := group.Request(ctx, cfg.GroupSocket, req)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(map[string]any{
					"groupSocket": cfg.GroupSocket,
					"pid":         resp.PID,
				})
			}
			fmt.Println(resp.PID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the group to answer")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSocketPathCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "socket-path",
		Short: "Print the group socket path for the current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(map[string]string{
					"group":       cfg.GroupName,
					"groupSocket": cfg.GroupSocket,
				})
			}
			fmt.Println(cfg.GroupSocket)
			return nil
		},
	}
}

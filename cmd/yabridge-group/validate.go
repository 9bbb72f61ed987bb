package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the group configuration without serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if err := cfg.RequireHostCommand(); err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(map[string]any{
					"valid":       true,
					"groupSocket": cfg.GroupSocket,
				})
			}
			fmt.Printf("configuration valid (socket %s)\n", cfg.GroupSocket)
			return nil
		},
	}
}

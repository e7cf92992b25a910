// Package cli wires the harbor commands.
package cli

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath string
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "harbor",
		Short: "Harbor sync relay",
		Long:  "Relay for end-to-end-encrypted multi-device sync: sessions, machines, change log, and cross-device RPC.",
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config file (optional)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newInitCommand(opts))

	return cmd
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/harbor/internal/auth"
)

func newInitCommand(root *rootOptions) *cobra.Command {
	var (
		keysPath string
		account  string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the keys file with a dev token",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := auth.BootstrapDevToken(keysPath, account)
			if err != nil {
				return err
			}
			if !res.Created {
				fmt.Fprintf(cmd.OutOrStdout(), "keys file already exists: %s\n", res.KeysFile)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\naccount: %s\ntoken: %s\n", res.KeysFile, res.Account, res.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&keysPath, "keys", "", "keys file path (default harbor.keys.yaml)")
	cmd.Flags().StringVar(&account, "account", "dev", "account id for the dev token")
	return cmd
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision an empty state directory with a default configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath()); err == nil {
			return fmt.Errorf("%s already exists", configPath())
		}
		for _, dir := range []string{"keys", "certs", "csr", "crl", "bundles"} {
			if err := os.MkdirAll(statePath(dir), 0700); err != nil {
				return fmt.Errorf("creating %s: %w", statePath(dir), err)
			}
		}
		if err := saveConfig(DefaultConfig()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", stateDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

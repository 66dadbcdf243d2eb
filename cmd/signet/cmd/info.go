package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoAuthority string

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show an authority's state, validity window and ledger counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, repo, err := resumeAuthority(infoAuthority, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		info, err := a.Info()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "authority:   %s (%s)\n", info.ID, info.State)
		fmt.Fprintf(out, "subject:     %s\n", info.Subject)
		fmt.Fprintf(out, "valid:       %s to %s\n", info.NotBefore.Format("2006-01-02"), info.NotAfter.Format("2006-01-02"))
		fmt.Fprintf(out, "path length: %d\n", info.PathLen)
		fmt.Fprintf(out, "next serial: %02X\n", info.NextSerial)
		fmt.Fprintf(out, "crl number:  %d\n", info.CRLNumber)
		fmt.Fprintf(out, "ledger:      %d valid, %d revoked\n", info.ValidCount, info.Revoked)
		return nil
	},
}

func init() {
	infoCmd.Flags().StringVar(&infoAuthority, "authority", subAuthorityID, "authority to inspect (root or sub)")
	rootCmd.AddCommand(infoCmd)
}

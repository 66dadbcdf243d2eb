package cmd

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"
)

var (
	revokeAuthority string
	revokeReason    int
)

var revokeCmd = &cobra.Command{
	Use:   "revoke <serial-hex>",
	Short: "Mark an issued certificate as revoked in the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serial, ok := new(big.Int).SetString(args[0], 16)
		if !ok {
			return fmt.Errorf("invalid serial %q: expected hex", args[0])
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, repo, err := resumeAuthority(revokeAuthority, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := a.Revoke(serial, revokeReason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "serial %02X revoked (reason %d); run gen-crl to publish\n", serial, revokeReason)
		return nil
	},
}

func init() {
	revokeCmd.Flags().StringVar(&revokeAuthority, "authority", subAuthorityID, "authority whose ledger holds the serial")
	revokeCmd.Flags().IntVar(&revokeReason, "reason", 0, "x509 CRL reason code (0 unspecified, 1 key compromise, 4 superseded)")
	rootCmd.AddCommand(revokeCmd)
}

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/signet/authority"
)

var crlAuthority string

var genCRLCmd = &cobra.Command{
	Use:   "gen-crl",
	Short: "Generate a certificate revocation list from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, repo, err := resumeAuthority(crlAuthority, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		now := time.Now().UTC()
		mgr := authority.NewRevocationManager()
		der, err := mgr.BuildCRL(a, now, now.AddDate(0, 0, cfg.CRL.Days))
		if err != nil {
			return err
		}

		path := statePath("crl", crlAuthority+".crl.pem")
		if err := writePEM(path, "X509 CRL", der, 0644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "CRL written to %s\n", path)
		return nil
	},
}

func init() {
	genCRLCmd.Flags().StringVar(&crlAuthority, "authority", subAuthorityID, "authority to build the CRL for (root or sub)")
	rootCmd.AddCommand(genCRLCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/signet/authority"
)

var checkOCSPCmd = &cobra.Command{
	Use:   "check-ocsp <cert.pem>",
	Short: "Check a certificate's revocation status against the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cert, err := readCertificate(args[0])
		if err != nil {
			return err
		}
		sub, repo, err := resumeAuthority(subAuthorityID, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		responder := authority.NewOCSPResponder()
		resp, err := responder.Respond(sub, cert.SerialNumber)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "serial:      %02X\n", cert.SerialNumber)
		fmt.Fprintf(out, "status:      %s\n", resp.Status)
		fmt.Fprintf(out, "this update: %s\n", resp.ThisUpdate.Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(out, "next update: %s\n", resp.NextUpdate.Format("2006-01-02 15:04:05 MST"))
		if resp.Status == authority.StatusRevoked {
			fmt.Fprintf(out, "revoked at:  %s (reason %d)\n", resp.RevokedAt.Format("2006-01-02 15:04:05 MST"), resp.Reason)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkOCSPCmd)
}

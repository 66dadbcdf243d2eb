package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var crossSignCmd = &cobra.Command{
	Use:   "cross-sign",
	Short: "Have the root cross-sign the subordinate's key under v3_cross",
	Long: `Issues a second CA certificate over the subordinate's public key, signed by
the root under the v3_cross profile. Cross-signed certificates embed an OCSP
access location, so run setup-ocsp first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		root, repo, err := resumeAuthority(rootAuthorityID, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		subCert, err := readCertificate(certPath(subAuthorityID))
		if err != nil {
			return err
		}

		cert, err := root.CrossSign(subCert.PublicKey, subCert.Subject, cfg.Sub.ValidityDays)
		if err != nil {
			return err
		}
		path := certPath(subAuthorityID + "-cross")
		if err := writePEM(path, "CERTIFICATE", cert.Raw, 0644); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "cross-signed certificate written to %s (serial %02X under root)\n",
			path, cert.SerialNumber)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(crossSignCmd)
}

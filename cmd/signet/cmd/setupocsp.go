package cmd

import (
	"crypto/x509/pkix"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/signet/authority"
	"github.com/jmcleod/signet/keyring"
	"github.com/jmcleod/signet/policy"
)

var setupOCSPCmd = &cobra.Command{
	Use:   "setup-ocsp",
	Short: "Issue the OCSP signing certificate and enable OCSP locators",
	Long: `Issues a delegated OCSP signing certificate under the subordinate and
flips ocsp.enabled in the configuration. Only certificates issued after this
point embed the OCSP access location and CRL distribution point; earlier
certificates are not reissued.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sub, repo, err := resumeAuthority(subAuthorityID, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		name := cfg.OCSP.CommonName
		kp, err := generateKey(cfg, cfg.Key.LeafBits, keyring.DefaultMinimums(), keyPath(name))
		if err != nil {
			return err
		}

		req := &authority.SigningRequest{
			Subject:   pkix.Name{CommonName: name},
			PublicKey: kp.Public(),
		}
		cert, err := sub.Issue(req, policy.ProfileOCSP, cfg.Leaf.ValidityDays)
		if err != nil {
			return err
		}
		if err := writePEM(certPath(name), "CERTIFICATE", cert.Raw, 0644); err != nil {
			return err
		}

		cfg.OCSP.Enabled = true
		if err := saveConfig(cfg); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "OCSP signing certificate issued for %s; locators enabled for future issuance\n", name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupOCSPCmd)
}

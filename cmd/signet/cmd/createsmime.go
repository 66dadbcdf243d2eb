package cmd

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/jmcleod/signet/authority"
	"github.com/jmcleod/signet/internal/util"
	"github.com/jmcleod/signet/keyring"
	"github.com/jmcleod/signet/policy"
)

var createSMIMECmd = &cobra.Command{
	Use:   "create-smime <email>",
	Short: "Issue an S/MIME certificate and bundle it as PKCS#12",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sub, repo, err := resumeAuthority(subAuthorityID, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		kp, err := generateKey(cfg, cfg.Key.LeafBits, keyring.DefaultMinimums(), keyPath(email))
		if err != nil {
			return err
		}

		req := &authority.SigningRequest{
			Subject:        pkix.Name{CommonName: email},
			PublicKey:      kp.Public(),
			EmailAddresses: []string{email},
		}
		cert, err := sub.Issue(req, policy.ProfileSMIME, cfg.Leaf.ValidityDays)
		if err != nil {
			return err
		}
		if err := writePEM(certPath(email), "CERTIFICATE", cert.Raw, 0644); err != nil {
			return err
		}

		rootCert, err := readCertificate(certPath(rootAuthorityID))
		if err != nil {
			return err
		}
		password, err := util.RandomChars(20)
		if err != nil {
			return err
		}
		pfx, err := pkcs12.Modern.Encode(kp.Signer(), cert, []*x509.Certificate{sub.Certificate(), rootCert}, password)
		if err != nil {
			return fmt.Errorf("encoding PKCS#12 bundle: %w", err)
		}
		bundlePath := statePath("bundles", email+".p12")
		if err := os.WriteFile(bundlePath, pfx, 0600); err != nil {
			return fmt.Errorf("writing %s: %w", bundlePath, err)
		}

		// The password is printed once and stored nowhere.
		fmt.Fprintf(cmd.OutOrStdout(), "S/MIME bundle written to %s\nimport password: %s\n", bundlePath, password)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createSMIMECmd)
}

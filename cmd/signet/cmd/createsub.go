package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/signet/authority"
	"github.com/jmcleod/signet/keyring"
	"github.com/jmcleod/signet/policy"
)

var createSubCmd = &cobra.Command{
	Use:   "create-sub",
	Short: "Create the subordinate authority and have the root sign its CSR",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		root, rootRepo, err := resumeAuthority(rootAuthorityID, cfg)
		if err != nil {
			return err
		}
		defer rootRepo.Close()

		subRepo, err := openRepo(subAuthorityID)
		if err != nil {
			return err
		}
		defer subRepo.Close()

		kp, err := generateKey(cfg, cfg.Key.CABits, keyring.CAMinimums(), keyPath(subAuthorityID))
		if err != nil {
			return err
		}

		sub := authority.New(subAuthorityID, subRepo, kp)
		csr, err := sub.CreateSigningRequest(cfg.Sub.Subject.ToName())
		if err != nil {
			return err
		}
		if err := writePEM(statePath("csr", "sub.csr.pem"), "CERTIFICATE REQUEST", csr.DER, 0644); err != nil {
			return err
		}

		// Round-trip through the wire form so the root checks the CSR
		// signature the same way it would for an external subordinate.
		req, err := authority.ParseSigningRequest(csr.DER)
		if err != nil {
			return err
		}
		cert, err := root.Issue(req, policy.ProfileIntermediate, cfg.Sub.ValidityDays)
		if err != nil {
			return err
		}
		if err := sub.AdoptCertificate(cert); err != nil {
			return err
		}
		if err := writePEM(certPath(subAuthorityID), "CERTIFICATE", cert.Raw, 0644); err != nil {
			return err
		}
		if err := writeChain(cert.Raw); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "subordinate authority created: %s (serial %X under root)\n",
			authority.SubjectString(cert.Subject), cert.SerialNumber)
		return nil
	},
}

// writeChain writes sub + root certificates as ca-chain.cert.pem.
func writeChain(subDER []byte) error {
	rootCert, err := readCertificate(certPath(rootAuthorityID))
	if err != nil {
		return err
	}
	chain := append(pemCertificate(subDER), pemCertificate(rootCert.Raw)...)
	return os.WriteFile(statePath("certs", "ca-chain.cert.pem"), chain, 0644)
}

func init() {
	rootCmd.AddCommand(createSubCmd)
}

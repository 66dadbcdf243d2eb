package cmd

import (
	"crypto/x509/pkix"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/signet/authority"
	"github.com/jmcleod/signet/keyring"
	"github.com/jmcleod/signet/policy"
)

var createFinalCmd = &cobra.Command{
	Use:   "create-final <name>",
	Short: "Issue an end-entity server certificate under the subordinate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sub, repo, err := resumeAuthority(subAuthorityID, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		kp, err := generateKey(cfg, cfg.Key.LeafBits, keyring.DefaultMinimums(), keyPath(name))
		if err != nil {
			return err
		}

		req := &authority.SigningRequest{
			Subject:   pkix.Name{CommonName: name},
			PublicKey: kp.Public(),
			DNSNames:  []string{name},
		}
		cert, err := sub.Issue(req, policy.ProfileUser, cfg.Leaf.ValidityDays)
		if err != nil {
			return err
		}
		if err := writePEM(certPath(name), "CERTIFICATE", cert.Raw, 0644); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "certificate issued: %s (serial %02X, expires %s)\n",
			name, cert.SerialNumber, cert.NotAfter.Format("2006-01-02"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createFinalCmd)
}

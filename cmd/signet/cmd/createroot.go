package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/signet/authority"
	"github.com/jmcleod/signet/keyring"
)

var createRootCmd = &cobra.Command{
	Use:   "create-root",
	Short: "Create the self-signed root authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := os.Stat(certPath(rootAuthorityID)); err == nil {
			return fmt.Errorf("root certificate already exists: %w", authority.ErrAlreadySigned)
		}

		repo, err := openRepo(rootAuthorityID)
		if err != nil {
			return err
		}
		defer repo.Close()

		kp, err := generateKey(cfg, cfg.Key.CABits, keyring.CAMinimums(), keyPath(rootAuthorityID))
		if err != nil {
			return err
		}

		root := authority.New(rootAuthorityID, repo, kp)
		cert, err := root.IssueSelfSigned(cfg.Root.Subject.ToName(), cfg.Root.ValidityDays, cfg.Root.PathLen)
		if err != nil {
			return err
		}
		if err := writePEM(certPath(rootAuthorityID), "CERTIFICATE", cert.Raw, 0644); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "root authority created: %s (path length %d, expires %s)\n",
			authority.SubjectString(cert.Subject), cfg.Root.PathLen, cert.NotAfter.Format("2006-01-02"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createRootCmd)
}

// Package cmd implements the signet command line front-end. It is a thin
// caller of the engine packages: each subcommand maps to one engine
// operation, and engine error kinds map to distinct process exit codes.
package cmd

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/signet/authority"
	"github.com/jmcleod/signet/keyring"
	"github.com/jmcleod/signet/ledger"
	"github.com/jmcleod/signet/policy"
	"github.com/jmcleod/signet/storage"
)

// Exit codes reported to the calling shell.
const (
	exitFailure  = 1 // unclassified engine or I/O failure
	exitRejected = 2 // policy violation, validity window, path length, weak key
	exitNotFound = 3 // unknown serial, missing authority state, no CRL yet
	exitConflict = 4 // already signed, already revoked, serial desync
)

var (
	stateDir string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "signet",
	Short: "Signet is a certificate authority issuance and revocation engine",
	Long: `Signet manages a two-tier certificate authority: a strict root, a loose
subordinate, and the end-entity, OCSP, S/MIME and cross-signed certificates
issued below them. All issuance state (serial counters, the ledger of every
certificate ever signed, revocations) lives in per-authority databases under
the state directory.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case policy.IsViolation(err),
		errors.Is(err, authority.ErrValidityWindow),
		errors.Is(err, authority.ErrPathLengthExceeded),
		errors.Is(err, authority.ErrLocatorRequired),
		errors.Is(err, keyring.ErrKeyGeneration):
		return exitRejected
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrAuthorityNotFound),
		errors.Is(err, authority.ErrNoCRL):
		return exitNotFound
	case errors.Is(err, authority.ErrAlreadySigned),
		errors.Is(err, ledger.ErrAlreadyRevoked),
		errors.Is(err, ledger.ErrDuplicateSerial),
		errors.Is(err, ledger.ErrAllocatorDesync),
		errors.Is(err, authority.ErrWedged):
		return exitConflict
	default:
		return exitFailure
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "./signet", "directory holding keys, certificates and authority databases")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

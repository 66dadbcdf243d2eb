package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/signet/authority"
	"github.com/jmcleod/signet/keyring"
	"github.com/jmcleod/signet/ledger"
	"github.com/jmcleod/signet/policy"
)

func TestConfigRoundTrip(t *testing.T) {
	orig := stateDir
	stateDir = t.TempDir()
	defer func() { stateDir = orig }()

	require.NoError(t, saveConfig(DefaultConfig()))

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "FR", cfg.Root.Subject.Country)
	assert.Equal(t, "AB_FM.sup-de-vinci.local", cfg.Root.Subject.CommonName)
	assert.Equal(t, 5475, cfg.Root.ValidityDays)
	assert.Equal(t, 2, cfg.Root.PathLen)
	assert.Equal(t, 3650, cfg.Sub.ValidityDays)
	assert.Equal(t, 365, cfg.Leaf.ValidityDays)
	assert.Equal(t, 4096, cfg.Key.CABits)
	assert.False(t, cfg.OCSP.Enabled)
}

func TestLoadConfigMissing(t *testing.T) {
	orig := stateDir
	stateDir = t.TempDir()
	defer func() { stateDir = orig }()

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signet init")
}

func TestSubjectConfigToName(t *testing.T) {
	s := SubjectConfig{
		Country:      "FR",
		State:        "Île-de-France",
		Locality:     "Paris",
		Organization: "td1-sup-de-vinci",
		CommonName:   "sub.sup-de-vinci.local",
	}
	name := s.ToName()
	assert.Equal(t, []string{"FR"}, name.Country)
	assert.Equal(t, []string{"Île-de-France"}, name.Province)
	assert.Equal(t, []string{"Paris"}, name.Locality)
	assert.Equal(t, []string{"td1-sup-de-vinci"}, name.Organization)
	assert.Equal(t, "sub.sup-de-vinci.local", name.CommonName)

	// Empty optional fields stay absent rather than becoming empty RDNs.
	minimal := SubjectConfig{CommonName: "www.example.local"}.ToName()
	assert.Nil(t, minimal.Country)
	assert.Nil(t, minimal.Province)
	assert.Nil(t, minimal.Organization)
}

func TestExitCodes(t *testing.T) {
	wrap := func(err error) error {
		return &authority.OpError{Op: "issue", Authority: "sub", Err: err}
	}

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"policy violation", wrap(&policy.Violation{Policy: "strict", Field: "country", Reason: "must match"}), exitRejected},
		{"validity window", wrap(authority.ErrValidityWindow), exitRejected},
		{"path length", wrap(authority.ErrPathLengthExceeded), exitRejected},
		{"weak key", fmt.Errorf("generate: %w", keyring.ErrKeyGeneration), exitRejected},
		{"missing ocsp locator", wrap(authority.ErrLocatorRequired), exitRejected},
		{"unknown serial", wrap(ledger.ErrNotFound), exitNotFound},
		{"no crl", wrap(authority.ErrNoCRL), exitNotFound},
		{"already signed", wrap(authority.ErrAlreadySigned), exitConflict},
		{"already revoked", wrap(ledger.ErrAlreadyRevoked), exitConflict},
		{"allocator desync", wrap(ledger.ErrAllocatorDesync), exitConflict},
		{"wedged", wrap(authority.ErrWedged), exitConflict},
		{"plain failure", errors.New("disk on fire"), exitFailure},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}

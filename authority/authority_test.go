package authority_test

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/signet/authority"
	"github.com/jmcleod/signet/keyring"
	"github.com/jmcleod/signet/ledger"
	"github.com/jmcleod/signet/policy"
	"github.com/jmcleod/signet/storage"
	"github.com/jmcleod/signet/storage/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newKey(t *testing.T) *keyring.KeyPair {
	t.Helper()
	kp, err := keyring.NewProvider().Generate(keyring.ECDSA, 256)
	require.NoError(t, err)
	return kp
}

func rootSubject() pkix.Name {
	return pkix.Name{
		Country:      []string{"FR"},
		Province:     []string{"Île-de-France"},
		Locality:     []string{"Paris"},
		Organization: []string{"td1-sup-de-vinci"},
		CommonName:   "AB_FM.sup-de-vinci.local",
	}
}

func subSubject() pkix.Name {
	n := rootSubject()
	n.CommonName = "sub.sup-de-vinci.local"
	return n
}

// newActiveRoot self-signs a root with a path length of 2.
func newActiveRoot(t *testing.T, repo storage.Repository, opts ...authority.Option) *authority.Authority {
	t.Helper()
	opts = append([]authority.Option{authority.WithLogger(quietLogger())}, opts...)
	root := authority.New("root", repo, newKey(t), opts...)
	_, err := root.IssueSelfSigned(rootSubject(), 5475, 2)
	require.NoError(t, err)
	return root
}

// newActiveChain builds root -> sub and returns both active authorities.
func newActiveChain(t *testing.T, repo storage.Repository, opts ...authority.Option) (*authority.Authority, *authority.Authority) {
	t.Helper()
	root := newActiveRoot(t, repo, opts...)

	subOpts := append([]authority.Option{authority.WithLogger(quietLogger())}, opts...)
	sub := authority.New("sub", repo, newKey(t), subOpts...)
	req, err := sub.CreateSigningRequest(subSubject())
	require.NoError(t, err)

	subCert, err := root.Issue(req, policy.ProfileIntermediate, 3650)
	require.NoError(t, err)
	require.NoError(t, sub.AdoptCertificate(subCert))
	return root, sub
}

func leafRequest(cn string, key *keyring.KeyPair) *authority.SigningRequest {
	return &authority.SigningRequest{
		Subject:   pkix.Name{CommonName: cn},
		PublicKey: key.Public(),
		DNSNames:  []string{cn},
	}
}

func TestIssueSelfSigned(t *testing.T) {
	repo := memory.NewRepository()
	root := authority.New("root", repo, newKey(t), authority.WithLogger(quietLogger()))
	require.Equal(t, authority.StateUninitialized, root.State())

	cert, err := root.IssueSelfSigned(rootSubject(), 5475, 2)
	require.NoError(t, err)
	require.Equal(t, authority.StateActive, root.State())

	assert.True(t, cert.IsCA)
	assert.Equal(t, 2, cert.MaxPathLen)
	assert.Zero(t, cert.SerialNumber.Cmp(big.NewInt(1)))
	assert.Equal(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign, cert.KeyUsage)
	require.NoError(t, cert.CheckSignatureFrom(cert))

	// The root's own certificate occupies serial 1 in its own ledger.
	entry, err := root.Ledger().Get(big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusValid, entry.Status)

	_, err = root.IssueSelfSigned(rootSubject(), 5475, 2)
	require.ErrorIs(t, err, authority.ErrAlreadySigned)
}

func TestSubordinateChain(t *testing.T) {
	repo := memory.NewRepository()
	root, sub := newActiveChain(t, repo)

	subCert := sub.Certificate()
	require.NotNil(t, subCert)
	assert.True(t, subCert.IsCA)
	assert.True(t, subCert.MaxPathLenZero)
	assert.Zero(t, subCert.SerialNumber.Cmp(big.NewInt(2)), "root serial 1 is its own certificate")
	require.NoError(t, subCert.CheckSignatureFrom(root.Certificate()))

	leafKey := newKey(t)
	leaf, err := sub.Issue(leafRequest("www.example.local", leafKey), policy.ProfileUser, 365)
	require.NoError(t, err)

	assert.False(t, leaf.IsCA)
	assert.Zero(t, leaf.SerialNumber.Cmp(big.NewInt(1)), "subordinate runs its own serial space")
	assert.Equal(t, []string{"www.example.local"}, leaf.DNSNames)
	assert.Contains(t, leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	require.NoError(t, leaf.CheckSignatureFrom(subCert))

	// Each ledger only knows its own issuance.
	entry, err := sub.Ledger().Get(big.NewInt(1))
	require.NoError(t, err)
	assert.Contains(t, entry.Subject, "www.example.local")

	rootEntry, err := root.Ledger().Get(big.NewInt(2))
	require.NoError(t, err)
	assert.Contains(t, rootEntry.Subject, "sub.sup-de-vinci.local")
}

func TestIssueBeforeActive(t *testing.T) {
	repo := memory.NewRepository()
	a := authority.New("sub", repo, newKey(t), authority.WithLogger(quietLogger()))

	_, err := a.Issue(leafRequest("www.example.local", newKey(t)), policy.ProfileUser, 30)
	require.ErrorIs(t, err, authority.ErrNotActive)

	var opErr *authority.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "issue", opErr.Op)
	assert.Equal(t, "sub", opErr.Authority)
}

func TestPolicyRejection(t *testing.T) {
	repo := memory.NewRepository()
	root := newActiveRoot(t, repo)

	// Subordinate CA issuance rides the strict policy: C/ST/O must match
	// the issuer exactly.
	subject := subSubject()
	subject.Country = []string{"DE"}

	req := &authority.SigningRequest{Subject: subject, PublicKey: newKey(t).Public()}
	_, err := root.Issue(req, policy.ProfileIntermediate, 3650)
	require.Error(t, err)
	require.True(t, policy.IsViolation(err), "expected a policy violation, got %v", err)

	// Nothing was recorded for the rejected request.
	info, err := root.Info()
	require.NoError(t, err)
	assert.Equal(t, 1, info.ValidCount, "only the root's own certificate")
}

func TestValidityWindowRejection(t *testing.T) {
	repo := memory.NewRepository()
	_, sub := newActiveChain(t, repo)

	// The subordinate expires in ~3650 days; a 20-year leaf cannot fit.
	_, err := sub.Issue(leafRequest("www.example.local", newKey(t)), policy.ProfileUser, 7300)
	require.ErrorIs(t, err, authority.ErrValidityWindow)

	var opErr *authority.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "validity-days", opErr.Field)

	// Rejection happens before serial allocation; nothing is burned.
	info, err := sub.Info()
	require.NoError(t, err)
	assert.Zero(t, info.NextSerial.Cmp(big.NewInt(1)))
}

func TestPathLengthExhausted(t *testing.T) {
	repo := memory.NewRepository()
	_, sub := newActiveChain(t, repo)

	// The subordinate sits at path length 0: it signs leaves, never CAs.
	subject := subSubject()
	subject.CommonName = "grandchild.sup-de-vinci.local"
	req := &authority.SigningRequest{Subject: subject, PublicKey: newKey(t).Public()}

	_, err := sub.Issue(req, policy.ProfileIntermediate, 365)
	require.ErrorIs(t, err, authority.ErrPathLengthExceeded)

	var opErr *authority.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "path-length", opErr.Field)
}

func TestPathLengthDecrement(t *testing.T) {
	repo := memory.NewRepository()
	root := newActiveRoot(t, repo) // path length 2

	subject := subSubject()
	req := &authority.SigningRequest{Subject: subject, PublicKey: newKey(t).Public()}
	cert, err := root.Issue(req, policy.ProfileIntermediate, 3650)
	require.NoError(t, err)

	// The profile asks for 0 and the issuer could grant up to 1; the
	// narrower value wins.
	assert.True(t, cert.MaxPathLenZero)
	assert.Equal(t, 0, cert.MaxPathLen)
}

func TestAdoptCertificateKeyMismatch(t *testing.T) {
	repo := memory.NewRepository()
	root := newActiveRoot(t, repo)

	sub := authority.New("sub", repo, newKey(t), authority.WithLogger(quietLogger()))
	_, err := sub.CreateSigningRequest(subSubject())
	require.NoError(t, err)

	// Sign for a different key pair entirely.
	foreign := &authority.SigningRequest{Subject: subSubject(), PublicKey: newKey(t).Public()}
	wrongCert, err := root.Issue(foreign, policy.ProfileIntermediate, 3650)
	require.NoError(t, err)

	err = sub.AdoptCertificate(wrongCert)
	require.ErrorIs(t, err, authority.ErrKeyMismatch)
	assert.Equal(t, authority.StateAwaitingParent, sub.State())
}

func TestCreateSigningRequestStateMachine(t *testing.T) {
	repo := memory.NewRepository()
	sub := authority.New("sub", repo, newKey(t), authority.WithLogger(quietLogger()))

	req, err := sub.CreateSigningRequest(subSubject())
	require.NoError(t, err)
	require.NotEmpty(t, req.DER)
	assert.Equal(t, authority.StateAwaitingParent, sub.State())

	// The PKCS#10 bytes round-trip through the parser.
	parsed, err := authority.ParseSigningRequest(req.DER)
	require.NoError(t, err)
	assert.Equal(t, "sub.sup-de-vinci.local", parsed.Subject.CommonName)

	_, err = sub.CreateSigningRequest(subSubject())
	require.ErrorIs(t, err, authority.ErrInvalidState)
}

func TestResume(t *testing.T) {
	repo := memory.NewRepository()
	key := newKey(t)

	a := authority.New("root", repo, key, authority.WithLogger(quietLogger()))
	_, err := a.IssueSelfSigned(rootSubject(), 5475, 2)
	require.NoError(t, err)
	_, err = a.Issue(&authority.SigningRequest{Subject: subSubject(), PublicKey: newKey(t).Public()}, policy.ProfileIntermediate, 3650)
	require.NoError(t, err)

	// A new instance over the same storage picks up the certificate and
	// the serial counter.
	resumed, err := authority.Resume("root", repo, key, authority.WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, authority.StateActive, resumed.State())

	info, err := resumed.Info()
	require.NoError(t, err)
	assert.Zero(t, info.NextSerial.Cmp(big.NewInt(3)))

	// Resuming with the wrong key must fail before any signing happens.
	_, err = authority.Resume("root", repo, newKey(t), authority.WithLogger(quietLogger()))
	require.ErrorIs(t, err, authority.ErrKeyMismatch)
}

func TestConcurrentIssuance(t *testing.T) {
	repo := memory.NewRepository()
	_, sub := newActiveChain(t, repo)

	const n = 16
	serials := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := keyring.NewProvider().Generate(keyring.ECDSA, 256)
			if err != nil {
				t.Error(err)
				return
			}
			cert, err := sub.Issue(leafRequest("www.example.local", key), policy.ProfileUser, 365)
			if err != nil {
				t.Errorf("issue %d: %v", i, err)
				return
			}
			serials <- cert.SerialNumber.Uint64()
		}(i)
	}
	wg.Wait()
	close(serials)

	seen := make(map[uint64]bool)
	for s := range serials {
		require.False(t, seen[s], "serial %d issued twice", s)
		seen[s] = true
	}
	require.Len(t, seen, n)

	valid, _, err := sub.Ledger().Counts()
	require.NoError(t, err)
	assert.Equal(t, n, valid)
}

func TestCrossSign(t *testing.T) {
	repo := memory.NewRepository()
	_, sub := newActiveChain(t, repo)

	// A second, unrelated root cross-signs the subordinate's key.
	otherRepo := memory.NewRepository()
	otherSubject := pkix.Name{
		Country:      []string{"FR"},
		Organization: []string{"partner-org"},
		CommonName:   "partner-root.example.local",
	}
	other := authority.New("partner", otherRepo, newKey(t),
		authority.WithLogger(quietLogger()),
		authority.WithLocators("http://ocsp.partner.example.local", ""))
	_, err := other.IssueSelfSigned(otherSubject, 5475, 2)
	require.NoError(t, err)

	crossed, err := other.CrossSign(sub.Certificate().PublicKey, sub.Certificate().Subject, 365)
	require.NoError(t, err)

	assert.True(t, crossed.IsCA)
	assert.True(t, crossed.MaxPathLenZero)
	assert.Equal(t, sub.Certificate().Subject.CommonName, crossed.Subject.CommonName)
	assert.Equal(t, []string{"http://ocsp.partner.example.local"}, crossed.OCSPServer)
	require.NoError(t, crossed.CheckSignatureFrom(other.Certificate()))

	// Same key, two issuers: the subordinate's own chain is untouched.
	require.NoError(t, crossed.CheckSignature(crossed.SignatureAlgorithm, crossed.RawTBSCertificate, crossed.Signature))
	entry, err := other.Ledger().Get(crossed.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusValid, entry.Status)
}

func TestLocatorEmbedding(t *testing.T) {
	repo := memory.NewRepository()
	_, sub := newActiveChain(t, repo,
		authority.WithLocators("http://ocsp.sup-de-vinci.local", "http://crl.sup-de-vinci.local/sub.crl"))

	leaf, err := sub.Issue(leafRequest("www.example.local", newKey(t)), policy.ProfileUser, 365)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://ocsp.sup-de-vinci.local"}, leaf.OCSPServer)
	assert.Equal(t, []string{"http://crl.sup-de-vinci.local/sub.crl"}, leaf.CRLDistributionPoints)
}

func TestLocatorsAbsentByDefault(t *testing.T) {
	repo := memory.NewRepository()
	_, sub := newActiveChain(t, repo)

	leaf, err := sub.Issue(leafRequest("www.example.local", newKey(t)), policy.ProfileUser, 365)
	require.NoError(t, err)
	assert.Empty(t, leaf.OCSPServer)
	assert.Empty(t, leaf.CRLDistributionPoints)
}

func TestRevoke(t *testing.T) {
	repo := memory.NewRepository()
	_, sub := newActiveChain(t, repo)

	cert, err := sub.Issue(leafRequest("www.example.local", newKey(t)), policy.ProfileUser, 365)
	require.NoError(t, err)

	require.NoError(t, sub.Revoke(cert.SerialNumber, 1))

	entry, err := sub.Ledger().Get(cert.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRevoked, entry.Status)
	require.NotNil(t, entry.RevokedAt)
	firstAt := *entry.RevokedAt

	// Revoking twice surfaces the conflict and keeps the first timestamp.
	err = sub.Revoke(cert.SerialNumber, 4)
	require.ErrorIs(t, err, ledger.ErrAlreadyRevoked)

	entry, err = sub.Ledger().Get(cert.SerialNumber)
	require.NoError(t, err)
	assert.True(t, entry.RevokedAt.Equal(firstAt))
	assert.Equal(t, 1, entry.Reason)

	// Revoking a serial that was never issued is an error, not a no-op.
	err = sub.Revoke(big.NewInt(999), 0)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

// faultRepo wraps the in-memory repository with switchable storage faults:
// failBatch makes every batch write fail, stompSerialCAS makes a second
// writer bump the serial counter's version between the allocator's read and
// its commit.
type faultRepo struct {
	*memory.Repository
	failBatch      bool
	stompSerialCAS bool
}

func (r *faultRepo) Batch(authorityID string, fn func(tx storage.BatchTx) error) error {
	if r.failBatch {
		return errors.New("write stalled")
	}
	return r.Repository.Batch(authorityID, fn)
}

func (r *faultRepo) PutCAS(authorityID, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	if r.stompSerialCAS && recordType == "serial" {
		stomp := &storage.Record{Data: rec.Data, Version: expectedVersion + 1}
		if err := r.Repository.Put(authorityID, recordType, recordID, stomp); err != nil {
			return err
		}
	}
	return r.Repository.PutCAS(authorityID, recordType, recordID, expectedVersion, rec)
}

func TestBurnedSerialNotReissued(t *testing.T) {
	repo := &faultRepo{Repository: memory.NewRepository()}
	_, sub := newActiveChain(t, repo)

	// The counter commits before the ledger write, so a failure recording
	// the entry burns the allocated serial.
	repo.failBatch = true
	_, err := sub.Issue(leafRequest("www.example.local", newKey(t)), policy.ProfileUser, 365)
	require.Error(t, err)
	assert.NotErrorIs(t, err, authority.ErrWedged, "a burn is survivable, not fatal")

	var opErr *authority.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "01", opErr.Serial)

	// The next issuance skips past the burned value; serial 1 is never
	// handed out again and never appears in the ledger.
	repo.failBatch = false
	cert, err := sub.Issue(leafRequest("www.example.local", newKey(t)), policy.ProfileUser, 365)
	require.NoError(t, err)
	assert.Zero(t, cert.SerialNumber.Cmp(big.NewInt(2)))

	_, err = sub.Ledger().Get(big.NewInt(1))
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestWedgeOnAllocatorDesync(t *testing.T) {
	repo := &faultRepo{Repository: memory.NewRepository()}
	_, sub := newActiveChain(t, repo)

	repo.stompSerialCAS = true
	_, err := sub.Issue(leafRequest("www.example.local", newKey(t)), policy.ProfileUser, 365)
	require.ErrorIs(t, err, ledger.ErrAllocatorDesync)

	// The wedge outlives the storage fault: operator intervention, not a
	// retry, is the only way forward.
	repo.stompSerialCAS = false
	_, err = sub.Issue(leafRequest("www.example.local", newKey(t)), policy.ProfileUser, 365)
	require.ErrorIs(t, err, authority.ErrWedged)
}

func TestWedgeOnDuplicateSerial(t *testing.T) {
	repo := memory.NewRepository()
	_, sub := newActiveChain(t, repo)

	// A foreign writer occupies the serial the allocator will hand out
	// next. Recording the issued certificate then collides.
	occupied := fmt.Sprintf("%016X", big.NewInt(1))
	require.NoError(t, repo.Put("sub", "entry", occupied, &storage.Record{Data: []byte(`{}`), Version: 1}))

	_, err := sub.Issue(leafRequest("www.example.local", newKey(t)), policy.ProfileUser, 365)
	require.ErrorIs(t, err, ledger.ErrDuplicateSerial)

	// Clearing the collision does not unwedge the authority.
	require.NoError(t, repo.Delete("sub", "entry", occupied))
	_, err = sub.Issue(leafRequest("www.example.local", newKey(t)), policy.ProfileUser, 365)
	require.ErrorIs(t, err, authority.ErrWedged)
}

func TestCrossSignRequiresLocator(t *testing.T) {
	repo := memory.NewRepository()
	root := newActiveRoot(t, repo)

	// v3_cross embeds an OCSP access location; without a configured URL
	// the request is rejected before any serial is allocated.
	_, err := root.CrossSign(newKey(t).Public(), subSubject(), 365)
	require.ErrorIs(t, err, authority.ErrLocatorRequired)

	var opErr *authority.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "ocsp-url", opErr.Field)

	info, err := root.Info()
	require.NoError(t, err)
	assert.Zero(t, info.NextSerial.Cmp(big.NewInt(2)), "rejection must not burn a serial")
}

func TestSubjectString(t *testing.T) {
	got := authority.SubjectString(rootSubject())
	assert.Equal(t, "CN=AB_FM.sup-de-vinci.local, O=td1-sup-de-vinci, L=Paris, ST=Île-de-France, C=FR", got)
}

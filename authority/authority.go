// Package authority implements the certificate authority engine: root and
// subordinate instances that issue, cross-sign and revoke certificates
// against a durable issuance ledger, plus the revocation artifacts (CRL,
// OCSP) derived from that ledger.
//
// Every issuance runs under a per-authority lock: the serial allocation and
// the ledger record form one logically atomic unit. A serial that was
// durably committed but never reached the ledger is burned, logged and
// surfaced as an error; it is never retried.
package authority

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/signet/keyring"
	"github.com/jmcleod/signet/ledger"
	"github.com/jmcleod/signet/policy"
	"github.com/jmcleod/signet/storage"
)

// Storage record coordinates for authority metadata.
const (
	recordTypeMeta = "meta"
	certRecordID   = "certificate"
	crlNumRecordID = "crl_number"
	crlRecordID    = "crl"
)

// Authority is a certificate authority instance, root or subordinate. It
// owns a key pair, a serial allocator, an issuance ledger and a policy
// engine. Construct with New (fresh) or Resume (from persisted state).
type Authority struct {
	id       string
	repo     storage.Repository
	keys     *keyring.KeyPair
	policies *policy.Engine
	logger   *slog.Logger
	ocspURL  string
	crlURL   string

	mu     sync.Mutex
	state  State
	cert   *x509.Certificate
	alloc  *ledger.Allocator
	ldg    *ledger.Ledger
	wedged error
}

// Option configures an Authority.
type Option func(*Authority)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authority) {
		a.logger = logger
	}
}

// WithPolicyEngine replaces the default policy engine.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(a *Authority) {
		a.policies = e
	}
}

// WithLocators sets the OCSP access location and CRL distribution point
// embedded in issued certificates. Leaf certificates carry them only when
// set; cross-sign certificates require the OCSP URL by profile.
func WithLocators(ocspURL, crlURL string) Option {
	return func(a *Authority) {
		a.ocspURL = ocspURL
		a.crlURL = crlURL
	}
}

// New creates an authority in the uninitialized state. The key pair must
// already exist; persistence of its private half is the caller's concern.
func New(id string, repo storage.Repository, keys *keyring.KeyPair, opts ...Option) *Authority {
	a := &Authority{
		id:       id,
		repo:     repo,
		keys:     keys,
		policies: policy.NewEngine(),
		logger:   slog.Default(),
		state:    StateUninitialized,
		alloc:    ledger.NewAllocator(id, repo),
		ldg:      ledger.New(id, repo),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Resume reconstructs an active authority from its persisted certificate.
// It fails with ErrKeyMismatch when the stored certificate does not carry
// the given key pair's public key.
func Resume(id string, repo storage.Repository, keys *keyring.KeyPair, opts ...Option) (*Authority, error) {
	a := New(id, repo, keys, opts...)

	rec, err := repo.Get(id, recordTypeMeta, certRecordID)
	if err != nil {
		return nil, fmt.Errorf("loading certificate for authority %s: %w", id, err)
	}
	block, _ := pem.Decode(rec.Data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("authority %s: stored certificate is not PEM", id)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate for authority %s: %w", id, err)
	}
	if err := a.checkKeyMatch(cert); err != nil {
		return nil, &OpError{Op: "resume", Authority: id, Err: err}
	}

	a.cert = cert
	a.state = StateActive
	return a, nil
}

// ID returns the authority identifier.
func (a *Authority) ID() string {
	return a.id
}

// State returns the current lifecycle state.
func (a *Authority) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Certificate returns the authority's own certificate, or nil before it is
// signed.
func (a *Authority) Certificate() *x509.Certificate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cert
}

// Ledger returns the authority's issuance ledger.
func (a *Authority) Ledger() *ledger.Ledger {
	return a.ldg
}

// SigningRequest is a subject and public key bundle submitted for signing.
// Produced by CreateSigningRequest (or built directly for end entities) and
// consumed exactly once by an authority.
type SigningRequest struct {
	Subject        pkix.Name
	PublicKey      crypto.PublicKey
	DNSNames       []string
	EmailAddresses []string

	// DER holds the PKCS#10 encoding when the request came from
	// CreateSigningRequest or ParseSigningRequest.
	DER []byte
}

// IssueSelfSigned produces the authority's own self-signed certificate and
// transitions it to active. Only valid in the uninitialized state; calling
// it twice fails with ErrAlreadySigned. pathLen is the configured ceiling
// for the trust chain below this root.
func (a *Authority) IssueSelfSigned(subject pkix.Name, validityDays int, pathLen int) (*x509.Certificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateUninitialized {
		return nil, &OpError{Op: "issue-self-signed", Authority: a.id, Err: ErrAlreadySigned}
	}

	serial, err := a.alloc.Next()
	if err != nil {
		return nil, &OpError{Op: "issue-self-signed", Authority: a.id, Err: err}
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            pathLen,
		MaxPathLenZero:        pathLen == 0,
	}

	der, err := a.signTemplate(template, template, a.keys.Public())
	if err != nil {
		a.logBurned("issue-self-signed", serial, err)
		return nil, &OpError{Op: "issue-self-signed", Authority: a.id, Serial: serialText(serial), Err: err}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &OpError{Op: "issue-self-signed", Authority: a.id, Err: err}
	}

	if err := a.recordIssued(cert); err != nil {
		return nil, &OpError{Op: "issue-self-signed", Authority: a.id, Serial: serialText(serial), Err: err}
	}
	if err := a.saveCertificate(cert); err != nil {
		return nil, &OpError{Op: "issue-self-signed", Authority: a.id, Err: err}
	}

	a.cert = cert
	a.state = StateActive
	a.logger.Info("authority self-signed",
		"authority", a.id, "subject", SubjectString(subject), "serial", serialText(serial))
	return cert, nil
}

// CreateSigningRequest produces a PKCS#10 signing request for submission to
// a parent authority and transitions the subordinate to
// awaiting-parent-signature. Only valid in the uninitialized state.
func (a *Authority) CreateSigningRequest(subject pkix.Name) (*SigningRequest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateUninitialized {
		return nil, &OpError{Op: "create-signing-request", Authority: a.id, Err: ErrInvalidState}
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: subject}, a.keys.Signer())
	if err != nil {
		return nil, &OpError{Op: "create-signing-request", Authority: a.id, Err: fmt.Errorf("%w: %v", ErrSigning, err)}
	}

	a.state = StateAwaitingParent
	return &SigningRequest{
		Subject:   subject,
		PublicKey: a.keys.Public(),
		DER:       der,
	}, nil
}

// ParseSigningRequest decodes and signature-checks a PKCS#10 request
// produced by another authority or end entity.
func ParseSigningRequest(der []byte) (*SigningRequest, error) {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("parsing signing request: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("signing request signature invalid: %w", err)
	}
	return &SigningRequest{
		Subject:        csr.Subject,
		PublicKey:      csr.PublicKey,
		DNSNames:       csr.DNSNames,
		EmailAddresses: csr.EmailAddresses,
		DER:            der,
	}, nil
}

// AdoptCertificate installs the parent-signed certificate on a subordinate
// and transitions it to active. The certificate must carry this authority's
// public key.
func (a *Authority) AdoptCertificate(cert *x509.Certificate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateAwaitingParent {
		return &OpError{Op: "adopt-certificate", Authority: a.id, Err: ErrInvalidState}
	}
	if err := a.checkKeyMatch(cert); err != nil {
		return &OpError{Op: "adopt-certificate", Authority: a.id, Err: err}
	}
	if err := a.saveCertificate(cert); err != nil {
		return &OpError{Op: "adopt-certificate", Authority: a.id, Err: err}
	}

	a.cert = cert
	a.state = StateActive
	a.logger.Info("authority activated", "authority", a.id, "subject", SubjectString(cert.Subject))
	return nil
}

// Issue signs a certificate for the request under the given profile. The
// governing policy follows from the profile (strict for subordinate CA
// issuance, loose otherwise). Validity is bounded by the authority's own
// certificate; CA profiles obey the decrementing path-length constraint.
func (a *Authority) Issue(req *SigningRequest, profileName string, validityDays int) (*x509.Certificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.issueLocked("issue", req, profileName, validityDays)
}

// CrossSign issues a CA certificate for an authority this one did not
// originally parent, binding the foreign public key under the v3_cross
// profile. Path-length decrement rules still apply.
func (a *Authority) CrossSign(pub crypto.PublicKey, subject pkix.Name, validityDays int) (*x509.Certificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	req := &SigningRequest{Subject: subject, PublicKey: pub}
	return a.issueLocked("cross-sign", req, policy.ProfileCross, validityDays)
}

func (a *Authority) issueLocked(op string, req *SigningRequest, profileName string, validityDays int) (*x509.Certificate, error) {
	if a.wedged != nil {
		return nil, &OpError{Op: op, Authority: a.id, Err: fmt.Errorf("%w: %v", ErrWedged, a.wedged)}
	}
	if a.state != StateActive {
		return nil, &OpError{Op: op, Authority: a.id, Err: fmt.Errorf("%w (state %s)", ErrNotActive, a.state)}
	}

	approved, err := a.policies.Validate(policy.PolicyFor(profileName), policy.Request{
		Subject: req.Subject,
		Profile: profileName,
	}, a.cert.Subject)
	if err != nil {
		return nil, &OpError{Op: op, Authority: a.id, Err: err}
	}
	if approved.OCSPLocator && a.ocspURL == "" {
		return nil, &OpError{Op: op, Authority: a.id, Field: "ocsp-url", Err: ErrLocatorRequired}
	}

	now := time.Now().UTC()
	notAfter := now.AddDate(0, 0, validityDays)
	if notAfter.After(a.cert.NotAfter) {
		return nil, &OpError{
			Op: op, Authority: a.id, Field: "validity-days",
			Err: fmt.Errorf("%w: requested %s, issuer expires %s",
				ErrValidityWindow, notAfter.Format(time.RFC3339), a.cert.NotAfter.Format(time.RFC3339)),
		}
	}

	grantedPathLen := 0
	if approved.CA {
		remaining := a.pathLen()
		if remaining == 0 {
			return nil, &OpError{
				Op: op, Authority: a.id, Field: "path-length",
				Err: fmt.Errorf("%w: issuer path length is 0", ErrPathLengthExceeded),
			}
		}
		grantedPathLen = approved.PathLen
		if remaining > 0 && grantedPathLen > remaining-1 {
			grantedPathLen = remaining - 1
		}
	}

	// Past this point the serial is committed: any failure burns it.
	serial, err := a.alloc.Next()
	if err != nil {
		if errors.Is(err, ledger.ErrAllocatorDesync) {
			a.wedge(err)
		}
		return nil, &OpError{Op: op, Authority: a.id, Err: err}
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               req.Subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              approved.KeyUsage,
		ExtKeyUsage:           approved.ExtKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  approved.CA,
		DNSNames:              req.DNSNames,
		EmailAddresses:        req.EmailAddresses,
	}
	if approved.CA {
		template.MaxPathLen = grantedPathLen
		template.MaxPathLenZero = grantedPathLen == 0
	}
	if a.ocspURL != "" && (approved.OCSPLocator || !approved.CA) {
		template.OCSPServer = []string{a.ocspURL}
	}
	if a.crlURL != "" && !approved.CA {
		template.CRLDistributionPoints = []string{a.crlURL}
	}

	der, err := a.signTemplate(template, a.cert, req.PublicKey)
	if err != nil {
		a.logBurned(op, serial, err)
		return nil, &OpError{Op: op, Authority: a.id, Serial: serialText(serial), Err: err}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		a.logBurned(op, serial, err)
		return nil, &OpError{Op: op, Authority: a.id, Serial: serialText(serial), Err: err}
	}

	if err := a.recordIssued(cert); err != nil {
		a.logBurned(op, serial, err)
		if errors.Is(err, ledger.ErrDuplicateSerial) {
			a.wedge(err)
		}
		return nil, &OpError{Op: op, Authority: a.id, Serial: serialText(serial), Err: err}
	}

	a.logger.Info("certificate issued",
		"authority", a.id, "profile", approved.Profile,
		"subject", SubjectString(cert.Subject), "serial", serialText(serial))
	return cert, nil
}

// Revoke marks the serial as revoked in the ledger. No signature operation
// occurs; revocation is a ledger fact, not a re-signed artifact.
func (a *Authority) Revoke(serial *big.Int, reason int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateActive {
		return &OpError{Op: "revoke", Authority: a.id, Err: ErrNotActive}
	}
	if err := a.ldg.MarkRevoked(serial, reason, time.Now().UTC()); err != nil {
		return &OpError{Op: "revoke", Authority: a.id, Serial: serialText(serial), Err: err}
	}
	a.logger.Info("certificate revoked", "authority", a.id, "serial", serialText(serial), "reason", reason)
	return nil
}

// Info is public metadata about an authority, for inspection commands.
type Info struct {
	ID         string
	State      string
	Subject    string
	NotBefore  time.Time
	NotAfter   time.Time
	PathLen    int
	NextSerial *big.Int
	CRLNumber  int64
	ValidCount int
	Revoked    int
}

// Info returns metadata about the authority and its ledger.
func (a *Authority) Info() (*Info, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	info := &Info{ID: a.id, State: a.state.String()}
	if a.cert != nil {
		info.Subject = SubjectString(a.cert.Subject)
		info.NotBefore = a.cert.NotBefore
		info.NotAfter = a.cert.NotAfter
		info.PathLen = a.pathLen()
	}

	next, err := a.alloc.NextSerial()
	if err != nil {
		return nil, &OpError{Op: "info", Authority: a.id, Err: err}
	}
	info.NextSerial = next

	valid, revoked, err := a.ldg.Counts()
	if err != nil {
		return nil, &OpError{Op: "info", Authority: a.id, Err: err}
	}
	info.ValidCount = valid
	info.Revoked = revoked

	if n, err := a.loadCRLNumber(); err == nil {
		info.CRLNumber = n
	}
	return info, nil
}

// pathLen returns the remaining path length from the authority's own
// basicConstraints: 0 forbids signing further CA certificates, -1 means
// unconstrained. Callers hold a.mu.
func (a *Authority) pathLen() int {
	switch {
	case a.cert == nil || !a.cert.IsCA:
		return 0
	case a.cert.MaxPathLen > 0:
		return a.cert.MaxPathLen
	case a.cert.MaxPathLenZero:
		return 0
	default:
		return -1
	}
}

// signTemplate signs the template, retrying once on a transient fault
// before surfacing ErrSigning.
func (a *Authority) signTemplate(template, parent *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, a.keys.Signer())
	if err == nil {
		return der, nil
	}
	a.logger.Warn("signing failed, retrying once", "authority", a.id, "error", err)
	der, retryErr := x509.CreateCertificate(rand.Reader, template, parent, pub, a.keys.Signer())
	if retryErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, retryErr)
	}
	return der, nil
}

func (a *Authority) recordIssued(cert *x509.Certificate) error {
	return a.ldg.Record(ledger.Entry{
		Serial:    cert.SerialNumber,
		Subject:   SubjectString(cert.Subject),
		Status:    ledger.StatusValid,
		IssuedAt:  cert.NotBefore,
		ExpiresAt: cert.NotAfter,
	})
}

func (a *Authority) saveCertificate(cert *x509.Certificate) error {
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	rec := &storage.Record{Data: pemBytes, Version: 1}
	if err := a.repo.Put(a.id, recordTypeMeta, certRecordID, rec); err != nil {
		return fmt.Errorf("storing authority certificate: %w", err)
	}
	return nil
}

func (a *Authority) checkKeyMatch(cert *x509.Certificate) error {
	certPub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return fmt.Errorf("encoding certificate public key: %w", err)
	}
	ownPub, err := x509.MarshalPKIXPublicKey(a.keys.Public())
	if err != nil {
		return fmt.Errorf("encoding authority public key: %w", err)
	}
	if !bytes.Equal(certPub, ownPub) {
		return ErrKeyMismatch
	}
	return nil
}

// wedge marks the authority as requiring operator intervention. Callers
// hold a.mu.
func (a *Authority) wedge(err error) {
	a.wedged = err
	a.logger.Error("authority wedged, operator intervention required", "authority", a.id, "error", err)
}

func (a *Authority) logBurned(op string, serial *big.Int, err error) {
	a.logger.Error("serial burned: allocated but not recorded",
		"authority", a.id, "op", op, "serial", serialText(serial), "error", err)
}

func (a *Authority) loadCRLNumber() (int64, error) {
	rec, err := a.repo.Get(a.id, recordTypeMeta, crlNumRecordID)
	if err != nil {
		return 0, err
	}
	var st crlNumberState
	if err := json.Unmarshal(rec.Data, &st); err != nil {
		return 0, err
	}
	return st.Number, nil
}

func serialText(serial *big.Int) string {
	return fmt.Sprintf("%02X", serial)
}

// SubjectString formats a pkix.Name as a readable DN string.
func SubjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

package authority

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/jmcleod/signet/ledger"
)

// CertStatus is the OCSP status of a single certificate.
type CertStatus int

const (
	StatusGood CertStatus = iota
	StatusRevoked
	StatusUnknown
)

// String returns the RFC 6960 status name.
func (s CertStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusRevoked:
		return "revoked"
	case StatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// OCSPResponse is a signed single-certificate status assertion.
type OCSPResponse struct {
	Status     CertStatus
	ProducedAt time.Time
	ThisUpdate time.Time
	NextUpdate time.Time
	RevokedAt  time.Time
	Reason     int

	// Raw is the signed DER-encoded response.
	Raw []byte
}

// OCSPResponder signs status assertions by consulting an authority's
// issuance ledger. It never mutates the ledger. A serial with no ledger
// entry reports unknown, never good: a never-issued serial must not look
// valid.
type OCSPResponder struct {
	window time.Duration
	logger *slog.Logger
}

// OCSPOption configures an OCSPResponder.
type OCSPOption func(*OCSPResponder)

// WithOCSPWindow sets the thisUpdate..nextUpdate validity window of signed
// responses. Defaults to 24 hours.
func WithOCSPWindow(d time.Duration) OCSPOption {
	return func(r *OCSPResponder) {
		r.window = d
	}
}

// WithOCSPLogger sets the structured logger.
func WithOCSPLogger(logger *slog.Logger) OCSPOption {
	return func(r *OCSPResponder) {
		r.logger = logger
	}
}

// NewOCSPResponder returns a ready OCSPResponder.
func NewOCSPResponder(opts ...OCSPOption) *OCSPResponder {
	r := &OCSPResponder{
		window: 24 * time.Hour,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Respond signs a status assertion for the serial under the given
// authority. The response is signed with the authority's own key; the
// authority certificate acts as the responder certificate.
func (r *OCSPResponder) Respond(a *Authority, serial *big.Int) (*OCSPResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateActive {
		return nil, &OpError{Op: "ocsp-respond", Authority: a.id, Err: ErrNotActive}
	}

	now := time.Now().UTC()
	template := ocsp.Response{
		SerialNumber: serial,
		ThisUpdate:   now,
		NextUpdate:   now.Add(r.window),
	}
	resp := &OCSPResponse{
		ProducedAt: now,
		ThisUpdate: now,
		NextUpdate: now.Add(r.window),
	}

	entry, err := a.ldg.Get(serial)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		template.Status = ocsp.Unknown
		resp.Status = StatusUnknown
	case err != nil:
		return nil, &OpError{Op: "ocsp-respond", Authority: a.id, Serial: serialText(serial), Err: err}
	case entry.Status == ledger.StatusRevoked:
		template.Status = ocsp.Revoked
		template.RevocationReason = entry.Reason
		if entry.RevokedAt != nil {
			template.RevokedAt = *entry.RevokedAt
			resp.RevokedAt = *entry.RevokedAt
		}
		resp.Status = StatusRevoked
		resp.Reason = entry.Reason
	default:
		template.Status = ocsp.Good
		resp.Status = StatusGood
	}

	der, err := ocsp.CreateResponse(a.cert, a.cert, template, a.keys.Signer())
	if err != nil {
		return nil, &OpError{Op: "ocsp-respond", Authority: a.id, Serial: serialText(serial), Err: fmt.Errorf("%w: %v", ErrSigning, err)}
	}
	resp.Raw = der

	r.logger.Debug("ocsp response signed",
		"authority", a.id, "serial", serialText(serial), "status", resp.Status.String())
	return resp, nil
}

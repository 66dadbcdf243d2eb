package authority

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for authority operations. Policy, validity and path-length
// failures are request-scoped: the caller corrects and resubmits. A wedged
// allocator/ledger pair (duplicate serial) is fatal to the instance.
var (
	// ErrAlreadySigned is returned when IssueSelfSigned is called on an
	// authority that already produced its own certificate.
	ErrAlreadySigned = errors.New("authority is already signed")

	// ErrInvalidState is returned when a lifecycle operation is attempted in
	// the wrong state (e.g. creating a CSR twice).
	ErrInvalidState = errors.New("operation not valid in current state")

	// ErrNotActive is returned when issue/revoke/crl/ocsp operations are
	// attempted before the authority holds its own certificate.
	ErrNotActive = errors.New("authority is not active")

	// ErrValidityWindow is returned when the requested notAfter would exceed
	// the issuing authority's own notAfter.
	ErrValidityWindow = errors.New("requested validity exceeds issuer validity")

	// ErrPathLengthExceeded is returned when a CA issuance would violate the
	// decrementing path-length constraint.
	ErrPathLengthExceeded = errors.New("path length exceeded")

	// ErrSigning is returned when the underlying cryptographic signing
	// operation fails after one retry.
	ErrSigning = errors.New("signing failed")

	// ErrKeyMismatch is returned when an adopted certificate does not carry
	// this authority's public key.
	ErrKeyMismatch = errors.New("certificate public key does not match authority key")

	// ErrWedged is returned for any operation on an authority that hit a
	// duplicate-serial condition. Operator intervention is required; there
	// is no automatic repair.
	ErrWedged = errors.New("authority is wedged after serial desynchronization")

	// ErrNoCRL is returned when no cached CRL has been generated yet.
	ErrNoCRL = errors.New("no CRL has been generated")

	// ErrLocatorRequired is returned when a profile that embeds an OCSP
	// access location is requested while the authority has no OCSP URL
	// configured.
	ErrLocatorRequired = errors.New("profile requires an OCSP locator URL")
)

// OpError decorates an engine failure with the operation, the authority
// identifier and the offending field or serial.
type OpError struct {
	Op        string
	Authority string
	Serial    string
	Field     string
	Err       error
}

func (e *OpError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Authority != "" {
		fmt.Fprintf(&sb, ": authority %s", e.Authority)
	}
	if e.Serial != "" {
		fmt.Fprintf(&sb, ": serial %s", e.Serial)
	}
	if e.Field != "" {
		fmt.Fprintf(&sb, ": %s", e.Field)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

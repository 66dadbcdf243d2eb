// Package policy validates signing requests against named issuance policies
// and resolves certificate profiles. Policies and profiles are data, not
// code branches: new tiers are added by registering entries, without
// touching the signing path.
package policy

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"slices"
)

// Built-in policy names.
const (
	Strict = "strict"
	Loose  = "loose"
)

// Built-in profile names.
const (
	ProfileIntermediate = "v3_intermediate"
	ProfileUser         = "usr_cert"
	ProfileOCSP         = "ocsp_ext"
	ProfileSMIME        = "smime_ext"
	ProfileCross        = "v3_cross"
)

// ErrUnknownPolicy is returned when the named policy is not registered.
var ErrUnknownPolicy = errors.New("unknown policy")

// ErrUnknownProfile is returned when the requested profile is not registered.
var ErrUnknownProfile = errors.New("unknown profile")

// Violation reports a request that fails a named policy. It is returned by
// Validate and is request-scoped: the caller corrects and resubmits.
type Violation struct {
	Policy string
	Field  string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy %s: %s: %s", v.Policy, v.Field, v.Reason)
}

// IsViolation reports whether err is (or wraps) a policy Violation.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// Profile describes the extension set a certificate class is granted.
// Key usages always come from the profile table, never from the request,
// so the effective set can narrow but not widen what was asked for.
type Profile struct {
	Name        string
	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
	CA          bool
	// PathLen is the basicConstraints path length requested for CA
	// profiles. The issuing authority still caps it at its own remaining
	// path length minus one.
	PathLen int
	// OCSPLocator marks profiles whose certificates embed an OCSP
	// access-location reference (authority information access).
	OCSPLocator bool
}

// Policy names a set of subject rules and the profiles it may grant.
type Policy struct {
	Name string
	// MatchCountry/MatchProvince/MatchOrganization require the request's
	// C/ST/O to equal the issuing authority's own subject exactly.
	MatchCountry      bool
	MatchProvince     bool
	MatchOrganization bool
	// RequireCommonName rejects requests without a CN.
	RequireCommonName bool
	// Profiles whitelists the profile names this policy may grant.
	Profiles []string
}

// Request is the policy-relevant view of a signing request.
type Request struct {
	Subject pkix.Name
	Profile string
}

// Approved is the effective extension set to sign, resolved from the
// profile table after the policy accepted the request.
type Approved struct {
	Profile     string
	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
	CA          bool
	PathLen     int
	OCSPLocator bool
}

// Engine holds the registered policies and profiles.
type Engine struct {
	policies map[string]Policy
	profiles map[string]Profile
}

// NewEngine returns an Engine loaded with the two built-in policies and the
// five built-in profiles.
func NewEngine() *Engine {
	e := &Engine{
		policies: make(map[string]Policy),
		profiles: make(map[string]Profile),
	}

	e.RegisterProfile(Profile{
		Name:     ProfileIntermediate,
		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		CA:       true,
		PathLen:  0,
	})
	e.RegisterProfile(Profile{
		Name:        ProfileUser,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	})
	e.RegisterProfile(Profile{
		Name:        ProfileOCSP,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
	})
	e.RegisterProfile(Profile{
		Name:        ProfileSMIME,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
	})
	e.RegisterProfile(Profile{
		Name:        ProfileCross,
		KeyUsage:    x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		CA:          true,
		PathLen:     0,
		OCSPLocator: true,
	})

	e.RegisterPolicy(Policy{
		Name:              Strict,
		MatchCountry:      true,
		MatchProvince:     true,
		MatchOrganization: true,
		RequireCommonName: true,
		Profiles:          []string{ProfileIntermediate},
	})
	e.RegisterPolicy(Policy{
		Name:              Loose,
		RequireCommonName: true,
		Profiles:          []string{ProfileUser, ProfileOCSP, ProfileSMIME, ProfileCross},
	})

	return e
}

// RegisterPolicy adds or replaces a named policy.
func (e *Engine) RegisterPolicy(p Policy) {
	e.policies[p.Name] = p
}

// RegisterProfile adds or replaces a named profile.
func (e *Engine) RegisterProfile(p Profile) {
	e.profiles[p.Name] = p
}

// PolicyFor returns the policy name governing the given profile: strict for
// subordinate CA issuance, loose for everything else.
func PolicyFor(profile string) string {
	if profile == ProfileIntermediate {
		return Strict
	}
	return Loose
}

// Validate checks req against the named policy, using issuer as the issuing
// authority's own subject for exact-match rules. It never mutates req; on
// success it returns the effective extension set resolved from the profile
// table, on failure a *Violation (or ErrUnknownPolicy/ErrUnknownProfile).
func (e *Engine) Validate(policyName string, req Request, issuer pkix.Name) (Approved, error) {
	pol, ok := e.policies[policyName]
	if !ok {
		return Approved{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policyName)
	}
	prof, ok := e.profiles[req.Profile]
	if !ok {
		return Approved{}, fmt.Errorf("%w: %q", ErrUnknownProfile, req.Profile)
	}

	if !slices.Contains(pol.Profiles, prof.Name) {
		reason := "profile not granted by this policy"
		if prof.CA {
			reason = "CA profile not granted by this policy"
		}
		return Approved{}, &Violation{Policy: pol.Name, Field: "profile", Reason: fmt.Sprintf("%s: %s", reason, prof.Name)}
	}

	if pol.RequireCommonName && req.Subject.CommonName == "" {
		return Approved{}, &Violation{Policy: pol.Name, Field: "common-name", Reason: "must be supplied"}
	}
	if pol.MatchCountry && !slices.Equal(req.Subject.Country, issuer.Country) {
		return Approved{}, &Violation{Policy: pol.Name, Field: "country", Reason: "must match the issuing authority"}
	}
	if pol.MatchProvince && !slices.Equal(req.Subject.Province, issuer.Province) {
		return Approved{}, &Violation{Policy: pol.Name, Field: "state", Reason: "must match the issuing authority"}
	}
	if pol.MatchOrganization && !slices.Equal(req.Subject.Organization, issuer.Organization) {
		return Approved{}, &Violation{Policy: pol.Name, Field: "organization", Reason: "must match the issuing authority"}
	}

	return Approved{
		Profile:     prof.Name,
		KeyUsage:    prof.KeyUsage,
		ExtKeyUsage: slices.Clone(prof.ExtKeyUsage),
		CA:          prof.CA,
		PathLen:     prof.PathLen,
		OCSPLocator: prof.OCSPLocator,
	}, nil
}

// Package keyring generates and holds asymmetric key material for
// authorities and end entities. Private keys are exported once into a
// memguard Enclave (encrypted at rest in memory); callers reach the
// plaintext PEM only through a scoped accessor that wipes the open buffer
// on every exit path.
package keyring

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

var (
	// ErrKeyGeneration is returned when key material cannot be produced,
	// including when the requested size is below the configured minimum.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrUnsupportedAlgorithm is returned for algorithms the provider does
	// not implement or ECDSA sizes with no matching curve.
	ErrUnsupportedAlgorithm = errors.New("unsupported key algorithm")

	// ErrInvalidKeyPEM is returned when PEM key data cannot be decoded or parsed.
	ErrInvalidKeyPEM = errors.New("invalid private key PEM")
)

// Algorithm identifies a key pair algorithm.
type Algorithm string

const (
	RSA   Algorithm = "rsa"
	ECDSA Algorithm = "ecdsa"
)

// Minimums holds the smallest acceptable key sizes per algorithm.
// For ECDSA the value is the curve size in bits.
type Minimums struct {
	RSABits   int
	ECDSABits int
}

// DefaultMinimums returns the end-entity floor: RSA 2048, ECDSA P-256.
func DefaultMinimums() Minimums {
	return Minimums{RSABits: 2048, ECDSABits: 256}
}

// CAMinimums returns the floor for CA tiers: RSA 4096, ECDSA P-384.
func CAMinimums() Minimums {
	return Minimums{RSABits: 4096, ECDSABits: 384}
}

// Provider generates key pairs subject to a minimum-size policy.
type Provider struct {
	minimums Minimums
	rand     io.Reader
}

// Option configures a Provider.
type Option func(*Provider)

// WithMinimums sets the minimum acceptable key sizes.
func WithMinimums(m Minimums) Option {
	return func(p *Provider) {
		p.minimums = m
	}
}

// WithRand sets the entropy source. Used by tests; defaults to crypto/rand.
func WithRand(r io.Reader) Option {
	return func(p *Provider) {
		p.rand = r
	}
}

// NewProvider returns a Provider with DefaultMinimums unless overridden.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		minimums: DefaultMinimums(),
		rand:     rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Generate creates a new key pair of the given algorithm and size.
// It fails with ErrKeyGeneration when bits is below the configured minimum
// and ErrUnsupportedAlgorithm for unknown algorithms or curves.
func (p *Provider) Generate(algo Algorithm, bits int) (*KeyPair, error) {
	var signer crypto.Signer

	switch algo {
	case RSA:
		if bits < p.minimums.RSABits {
			return nil, fmt.Errorf("%w: RSA %d bits below minimum %d", ErrKeyGeneration, bits, p.minimums.RSABits)
		}
		key, err := rsa.GenerateKey(p.rand, bits)
		if err != nil {
			return nil, fmt.Errorf("%w: RSA: %v", ErrKeyGeneration, err)
		}
		signer = key

	case ECDSA:
		if bits < p.minimums.ECDSABits {
			return nil, fmt.Errorf("%w: ECDSA %d bits below minimum %d", ErrKeyGeneration, bits, p.minimums.ECDSABits)
		}
		curve, err := curveForBits(bits)
		if err != nil {
			return nil, err
		}
		key, err := ecdsa.GenerateKey(curve, p.rand)
		if err != nil {
			return nil, fmt.Errorf("%w: ECDSA: %v", ErrKeyGeneration, err)
		}
		signer = key

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algo)
	}

	return newKeyPair(signer, algo, bits)
}

func curveForBits(bits int) (elliptic.Curve, error) {
	switch bits {
	case 256:
		return elliptic.P256(), nil
	case 384:
		return elliptic.P384(), nil
	case 521:
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("%w: no ECDSA curve with %d bits", ErrUnsupportedAlgorithm, bits)
	}
}

// KeyPair holds one generated key pair. The signer stays usable for
// certificate and CRL signing; the exportable private PEM lives in a sealed
// Enclave and is only reachable through WithPrivatePEM.
type KeyPair struct {
	ID        string
	Algorithm Algorithm
	Bits      int

	signer crypto.Signer
	sealed *memguard.Enclave
}

func newKeyPair(signer crypto.Signer, algo Algorithm, bits int) (*KeyPair, error) {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding private key: %v", ErrKeyGeneration, err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	// NewEnclave wipes pemBytes after sealing.
	return &KeyPair{
		ID:        uuid.New().String(),
		Algorithm: algo,
		Bits:      bits,
		signer:    signer,
		sealed:    memguard.NewEnclave(pemBytes),
	}, nil
}

// Signer returns the crypto.Signer for this key pair.
func (kp *KeyPair) Signer() crypto.Signer {
	return kp.signer
}

// Public returns the public half of the key pair.
func (kp *KeyPair) Public() crypto.PublicKey {
	return kp.signer.Public()
}

// PublicPEM returns the PKIX-encoded public key.
func (kp *KeyPair) PublicPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.signer.Public())
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// WithPrivatePEM opens the sealed private key and hands the plaintext
// PKCS#8 PEM to fn. The open buffer is destroyed when fn returns,
// whether or not it fails; fn must not retain the slice.
func (kp *KeyPair) WithPrivatePEM(fn func(pemData []byte) error) error {
	buf, err := kp.sealed.Open()
	if err != nil {
		return fmt.Errorf("opening sealed key: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Load reconstructs a KeyPair from PEM-encoded private key data
// (PKCS#8, SEC1 "EC PRIVATE KEY" or PKCS#1 "RSA PRIVATE KEY").
func Load(pemData []byte) (*KeyPair, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKeyPEM)
	}

	var (
		signer crypto.Signer
		err    error
	)
	switch block.Type {
	case "PRIVATE KEY":
		var key any
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			signer, ok = key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("%w: key type %T cannot sign", ErrInvalidKeyPEM, key)
			}
		}
	case "EC PRIVATE KEY":
		signer, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		signer, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: unexpected block type %q", ErrInvalidKeyPEM, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPEM, err)
	}

	algo, bits := describe(signer)
	return newKeyPair(signer, algo, bits)
}

func describe(signer crypto.Signer) (Algorithm, int) {
	switch key := signer.(type) {
	case *rsa.PrivateKey:
		return RSA, key.N.BitLen()
	case *ecdsa.PrivateKey:
		return ECDSA, key.Curve.Params().BitSize
	default:
		return "", 0
	}
}

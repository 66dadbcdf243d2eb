package authority

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/jmcleod/signet/storage"
)

type crlNumberState struct {
	Number int64 `json:"number"`
}

// RevocationManager derives CRL snapshots from an authority's issuance
// ledger. It only reads the ledger; it never mutates entries. Regeneration
// is idempotent over the revoked-entry set (the signature differs per call
// due to signing randomness).
type RevocationManager struct {
	logger *slog.Logger
}

// RevocationOption configures a RevocationManager.
type RevocationOption func(*RevocationManager)

// WithRevocationLogger sets the structured logger.
func WithRevocationLogger(logger *slog.Logger) RevocationOption {
	return func(m *RevocationManager) {
		m.logger = logger
	}
}

// NewRevocationManager returns a ready RevocationManager.
func NewRevocationManager(opts ...RevocationOption) *RevocationManager {
	m := &RevocationManager{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BuildCRL signs a CRL over all currently revoked entries in the
// authority's ledger, with a monotonically increasing CRL number. A stale
// nextUpdate in the past is the caller's concern. The DER-encoded CRL is
// cached in storage for LoadCRL and returned.
func (m *RevocationManager) BuildCRL(a *Authority, thisUpdate, nextUpdate time.Time) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateActive {
		return nil, &OpError{Op: "build-crl", Authority: a.id, Err: ErrNotActive}
	}

	var revoked []x509.RevocationListEntry
	for e := range a.ldg.AllRevoked() {
		entry := x509.RevocationListEntry{
			SerialNumber: e.Serial,
			ReasonCode:   e.Reason,
		}
		if e.RevokedAt != nil {
			entry.RevocationTime = *e.RevokedAt
		} else {
			entry.RevocationTime = thisUpdate
		}
		revoked = append(revoked, entry)
	}

	number, version, err := m.nextCRLNumber(a)
	if err != nil {
		return nil, &OpError{Op: "build-crl", Authority: a.id, Err: err}
	}

	template := &x509.RevocationList{
		Number:                    number,
		ThisUpdate:                thisUpdate,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: revoked,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, a.cert, a.keys.Signer())
	if err != nil {
		return nil, &OpError{Op: "build-crl", Authority: a.id, Err: fmt.Errorf("%w: %v", ErrSigning, err)}
	}

	if err := m.persist(a, number, version, der); err != nil {
		return nil, &OpError{Op: "build-crl", Authority: a.id, Err: err}
	}

	m.logger.Info("CRL generated",
		"authority", a.id, "crl_number", number, "revoked", len(revoked),
		"this_update", thisUpdate, "next_update", nextUpdate)
	return der, nil
}

// LoadCRL returns the most recently generated (cached) CRL in DER form
// without regenerating. It fails with ErrNoCRL when none has been built.
func (m *RevocationManager) LoadCRL(a *Authority) ([]byte, error) {
	rec, err := a.repo.Get(a.id, recordTypeMeta, crlRecordID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrAuthorityNotFound) {
			return nil, &OpError{Op: "load-crl", Authority: a.id, Err: ErrNoCRL}
		}
		return nil, &OpError{Op: "load-crl", Authority: a.id, Err: err}
	}
	return rec.Data, nil
}

// nextCRLNumber returns the incremented CRL number together with the stored
// record version the commit must CAS against. Callers hold a.mu.
func (m *RevocationManager) nextCRLNumber(a *Authority) (*big.Int, uint64, error) {
	rec, err := a.repo.Get(a.id, recordTypeMeta, crlNumRecordID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrAuthorityNotFound) {
			return big.NewInt(1), 0, nil
		}
		return nil, 0, fmt.Errorf("loading CRL number: %w", err)
	}
	var st crlNumberState
	if err := json.Unmarshal(rec.Data, &st); err != nil {
		return nil, 0, fmt.Errorf("decoding CRL number: %w", err)
	}
	return big.NewInt(st.Number + 1), rec.Version, nil
}

func (m *RevocationManager) persist(a *Authority, number *big.Int, version uint64, der []byte) error {
	data, err := json.Marshal(crlNumberState{Number: number.Int64()})
	if err != nil {
		return fmt.Errorf("encoding CRL number: %w", err)
	}
	return a.repo.Batch(a.id, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(recordTypeMeta, crlNumRecordID, version, &storage.Record{Data: data, Version: version + 1}); err != nil {
			return fmt.Errorf("committing CRL number: %w", err)
		}
		return tx.Put(recordTypeMeta, crlRecordID, &storage.Record{Data: der, Version: 1})
	})
}

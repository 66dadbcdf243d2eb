// Package ledger owns the two pieces of durable per-authority issuance
// state: the monotonic serial allocator and the append/update log of every
// certificate the authority has ever signed. The ledger is the single
// source of truth for revocation status; certificate bytes carry no
// revocation bit.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/signet/storage"
)

var (
	// ErrDuplicateSerial is returned when recording an entry whose serial
	// already exists. This indicates allocator/ledger desynchronization and
	// is fatal to the owning authority instance.
	ErrDuplicateSerial = errors.New("duplicate serial")

	// ErrNotFound is returned when no entry exists for the serial.
	ErrNotFound = errors.New("ledger entry not found")

	// ErrAlreadyRevoked is returned when revoking an entry that is already
	// revoked. The original revocation timestamp is left untouched.
	ErrAlreadyRevoked = errors.New("entry already revoked")
)

// Status is the lifecycle status of a ledger entry.
type Status string

const (
	StatusValid   Status = "valid"
	StatusRevoked Status = "revoked"
)

const recordTypeEntry = "entry"

// Entry records one issued certificate. Created at issuance, mutated only
// by revocation (valid to revoked, one-way), never deleted.
type Entry struct {
	Serial    *big.Int
	Subject   string
	Status    Status
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	Reason    int
}

type storedEntry struct {
	Serial    string     `json:"serial"`
	Subject   string     `json:"subject"`
	Status    Status     `json:"status"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	Reason    int        `json:"reason,omitempty"`
}

// serialKey encodes a serial as fixed-width uppercase hex so that
// lexicographic record order equals numeric serial order.
func serialKey(serial *big.Int) string {
	return fmt.Sprintf("%016X", serial)
}

func toStored(e Entry) storedEntry {
	return storedEntry{
		Serial:    serialKey(e.Serial),
		Subject:   e.Subject,
		Status:    e.Status,
		IssuedAt:  e.IssuedAt,
		ExpiresAt: e.ExpiresAt,
		RevokedAt: e.RevokedAt,
		Reason:    e.Reason,
	}
}

func fromStored(s storedEntry) (Entry, error) {
	serial, ok := new(big.Int).SetString(s.Serial, 16)
	if !ok {
		return Entry{}, fmt.Errorf("decoding serial %q", s.Serial)
	}
	return Entry{
		Serial:    serial,
		Subject:   s.Subject,
		Status:    s.Status,
		IssuedAt:  s.IssuedAt,
		ExpiresAt: s.ExpiresAt,
		RevokedAt: s.RevokedAt,
		Reason:    s.Reason,
	}, nil
}

// Ledger is the per-authority issuance log.
type Ledger struct {
	authorityID string
	repo        storage.Repository

	mu sync.RWMutex
}

// New returns a Ledger for the given authority scope.
func New(authorityID string, repo storage.Repository) *Ledger {
	return &Ledger{authorityID: authorityID, repo: repo}
}

// Record inserts a new entry. It fails with ErrDuplicateSerial if an entry
// for the serial already exists.
func (l *Ledger) Record(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(toStored(e))
	if err != nil {
		return fmt.Errorf("encoding ledger entry: %w", err)
	}

	err = l.repo.Batch(l.authorityID, func(tx storage.BatchTx) error {
		rec := &storage.Record{Data: data, Version: 1}
		return tx.PutCAS(recordTypeEntry, serialKey(e.Serial), 0, rec)
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("serial %s: %w", serialKey(e.Serial), ErrDuplicateSerial)
		}
		return fmt.Errorf("recording ledger entry: %w", err)
	}
	return nil
}

// Get returns the entry for the given serial, or ErrNotFound.
func (l *Ledger) Get(serial *big.Int) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.get(serial)
}

func (l *Ledger) get(serial *big.Int) (Entry, error) {
	rec, err := l.repo.Get(l.authorityID, recordTypeEntry, serialKey(serial))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrAuthorityNotFound) {
			return Entry{}, fmt.Errorf("serial %s: %w", serialKey(serial), ErrNotFound)
		}
		return Entry{}, fmt.Errorf("loading ledger entry: %w", err)
	}
	var stored storedEntry
	if err := json.Unmarshal(rec.Data, &stored); err != nil {
		return Entry{}, fmt.Errorf("decoding ledger entry: %w", err)
	}
	return fromStored(stored)
}

// MarkRevoked transitions the entry from valid to revoked. It fails with
// ErrNotFound when the serial was never recorded and ErrAlreadyRevoked when
// the entry is already revoked; in the latter case the stored revocation
// timestamp and reason are not altered.
func (l *Ledger) MarkRevoked(serial *big.Int, reason int, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := serialKey(serial)
	rec, err := l.repo.Get(l.authorityID, recordTypeEntry, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrAuthorityNotFound) {
			return fmt.Errorf("serial %s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("loading ledger entry: %w", err)
	}

	var stored storedEntry
	if err := json.Unmarshal(rec.Data, &stored); err != nil {
		return fmt.Errorf("decoding ledger entry: %w", err)
	}
	if stored.Status == StatusRevoked {
		return fmt.Errorf("serial %s: %w", key, ErrAlreadyRevoked)
	}

	revokedAt := at.UTC()
	stored.Status = StatusRevoked
	stored.RevokedAt = &revokedAt
	stored.Reason = reason

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding ledger entry: %w", err)
	}
	updated := &storage.Record{Data: data, Version: rec.Version + 1}
	if err := l.repo.PutCAS(l.authorityID, recordTypeEntry, key, rec.Version, updated); err != nil {
		return fmt.Errorf("revoking serial %s: %w", key, err)
	}
	return nil
}

// AllValid returns a lazy sequence of the entries that are unrevoked and
// unexpired as of the given time, in ascending serial order. The ID set is
// snapshotted up front; each entry is decoded as the sequence is consumed.
func (l *Ledger) AllValid(asOf time.Time) iter.Seq[Entry] {
	ids := l.snapshotIDs()
	return func(yield func(Entry) bool) {
		for _, id := range ids {
			e, ok := l.decode(id)
			if !ok || e.Status != StatusValid {
				continue
			}
			if !e.ExpiresAt.After(asOf) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// AllRevoked returns a lazy sequence of all revoked entries in ascending
// serial order.
func (l *Ledger) AllRevoked() iter.Seq[Entry] {
	ids := l.snapshotIDs()
	return func(yield func(Entry) bool) {
		for _, id := range ids {
			e, ok := l.decode(id)
			if !ok || e.Status != StatusRevoked {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Counts returns the number of valid and revoked entries.
func (l *Ledger) Counts() (valid, revoked int, err error) {
	l.mu.RLock()
	ids, lerr := l.repo.List(l.authorityID, recordTypeEntry)
	l.mu.RUnlock()
	if lerr != nil {
		return 0, 0, fmt.Errorf("listing ledger entries: %w", lerr)
	}
	for _, id := range ids {
		if e, ok := l.decode(id); ok {
			switch e.Status {
			case StatusRevoked:
				revoked++
			case StatusValid:
				valid++
			}
		}
	}
	return valid, revoked, nil
}

func (l *Ledger) snapshotIDs() []string {
	l.mu.RLock()
	ids, err := l.repo.List(l.authorityID, recordTypeEntry)
	l.mu.RUnlock()
	if err != nil {
		return nil
	}
	sort.Strings(ids) // fixed-width hex keys sort numerically
	return ids
}

func (l *Ledger) decode(id string) (Entry, bool) {
	l.mu.RLock()
	rec, err := l.repo.Get(l.authorityID, recordTypeEntry, id)
	l.mu.RUnlock()
	if err != nil {
		return Entry{}, false
	}
	var stored storedEntry
	if err := json.Unmarshal(rec.Data, &stored); err != nil {
		return Entry{}, false
	}
	e, err := fromStored(stored)
	if err != nil {
		return Entry{}, false
	}
	return e, true
}

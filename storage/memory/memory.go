// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sync"

	"github.com/jmcleod/signet/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and ephemeral authorities.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func cloneRecord(rec *storage.Record) *storage.Record {
	if rec == nil {
		return nil
	}
	return &storage.Record{
		Data:    append([]byte(nil), rec.Data...),
		Version: rec.Version,
	}
}

func (r *Repository) Put(authorityID, recordType, recordID string, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(authorityID, recordType, recordID, rec)
}

func (r *Repository) putLocked(authorityID, recordType, recordID string, rec *storage.Record) error {
	if _, ok := r.data[authorityID]; !ok {
		r.data[authorityID] = make(map[string]*storage.Record)
	}
	r.data[authorityID][makeKey(recordType, recordID)] = cloneRecord(rec)
	return nil
}

func (r *Repository) Get(authorityID, recordType, recordID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(authorityID, recordType, recordID)
}

func (r *Repository) getLocked(authorityID, recordType, recordID string) (*storage.Record, error) {
	k := makeKey(recordType, recordID)
	records, ok := r.data[authorityID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec, ok := records[k]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (r *Repository) List(authorityID, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[authorityID] {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			ids = append(ids, k[len(prefix):])
		}
	}
	return ids, nil
}

func (r *Repository) Delete(authorityID, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(authorityID, recordType, recordID)
}

func (r *Repository) deleteLocked(authorityID, recordType, recordID string) error {
	k := makeKey(recordType, recordID)
	records, ok := r.data[authorityID]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := records[k]; !ok {
		return storage.ErrNotFound
	}
	delete(records, k)
	return nil
}

func (r *Repository) PutCAS(authorityID, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(authorityID, recordType, recordID, expectedVersion, rec)
}

func (r *Repository) putCASLocked(authorityID, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existing, err := r.getLocked(authorityID, recordType, recordID)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(authorityID, recordType, recordID, rec)
	}
	if existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(authorityID, recordType, recordID, rec)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(authorityID string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotAuthority(authorityID)

	tx := &memoryBatchTx{repo: r, authorityID: authorityID}
	if err := fn(tx); err != nil {
		r.restoreAuthority(authorityID, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshotAuthority(authorityID string) map[string]*storage.Record {
	original, ok := r.data[authorityID]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Record, len(original))
	for k, v := range original {
		cp[k] = cloneRecord(v)
	}
	return cp
}

func (r *Repository) restoreAuthority(authorityID string, snapshot map[string]*storage.Record) {
	if snapshot == nil {
		delete(r.data, authorityID)
	} else {
		r.data[authorityID] = snapshot
	}
}

type memoryBatchTx struct {
	repo        *Repository
	authorityID string
}

func (tx *memoryBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	return tx.repo.putLocked(tx.authorityID, recordType, recordID, rec)
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return tx.repo.putCASLocked(tx.authorityID, recordType, recordID, expectedVersion, rec)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(tx.authorityID, recordType, recordID)
}

// Package storage provides the storage abstraction layer for per-authority
// engine records: ledger entries, the serial counter, authority metadata and
// the cached CRL.
package storage

import "errors"

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAuthorityNotFound is returned when the authority scope has no records at all.
var ErrAuthorityNotFound = errors.New("authority not found")

// ErrCASFailed is returned when a compare-and-swap version check fails.
var ErrCASFailed = errors.New("CAS version mismatch")

// Record is a versioned storage record. Data holds a JSON-encoded payload
// owned by the writing package; Version supports optimistic concurrency via
// PutCAS and starts at 1 on first write.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// BatchTx provides Put, PutCAS and Delete within an atomic transaction.
// The authorityID is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(recordType string, recordID string, rec *Record) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, rec *Record) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for per-authority record storage.
//
// Records are scoped by authority ID, then by record type and record ID.
// A PutCAS with expectedVersion 0 requires that the record does not exist
// yet; any other expectedVersion must match the stored record's Version.
type Repository interface {
	Put(authorityID string, recordType string, recordID string, rec *Record) error
	Get(authorityID string, recordType string, recordID string) (*Record, error)
	List(authorityID string, recordType string) ([]string, error)
	Delete(authorityID string, recordType string, recordID string) error
	PutCAS(authorityID string, recordType string, recordID string, expectedVersion uint64, rec *Record) error
	Batch(authorityID string, fn func(tx BatchTx) error) error
}

package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/jmcleod/signet/storage"
)

const (
	recordTypeSerial = "serial"
	counterRecordID  = "counter"
)

// ErrAllocatorDesync is returned when the persisted serial counter no longer
// matches what the allocator last observed. This means a second writer
// touched the counter; the owning authority must be taken out of service.
var ErrAllocatorDesync = errors.New("serial counter desync")

type counterState struct {
	Next uint64 `json:"next"`
}

// Allocator is a per-authority monotonic serial-number source. The counter
// increment is committed to storage before the allocated serial is handed to
// the caller, so a crash between allocation and certificate persistence
// burns the serial instead of risking a duplicate.
type Allocator struct {
	authorityID string
	repo        storage.Repository

	mu sync.Mutex
}

// NewAllocator returns an Allocator for the given authority scope.
func NewAllocator(authorityID string, repo storage.Repository) *Allocator {
	return &Allocator{authorityID: authorityID, repo: repo}
}

// Next durably advances the counter and returns the allocated serial.
// Serials start at 1 and strictly increase; no value is ever returned twice,
// even across process restarts.
func (a *Allocator) Next() (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, version, err := a.load()
	if err != nil {
		return nil, err
	}

	allocated := state.Next
	state.Next++

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encoding serial counter: %w", err)
	}
	rec := &storage.Record{Data: data, Version: version + 1}
	if err := a.repo.PutCAS(a.authorityID, recordTypeSerial, counterRecordID, version, rec); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return nil, fmt.Errorf("%s: %w", a.authorityID, ErrAllocatorDesync)
		}
		return nil, fmt.Errorf("committing serial counter: %w", err)
	}

	return new(big.Int).SetUint64(allocated), nil
}

// NextSerial returns the serial the next allocation would produce, without
// advancing the counter.
func (a *Allocator) NextSerial() (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, _, err := a.load()
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(state.Next), nil
}

func (a *Allocator) load() (counterState, uint64, error) {
	rec, err := a.repo.Get(a.authorityID, recordTypeSerial, counterRecordID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrAuthorityNotFound) {
			return counterState{Next: 1}, 0, nil
		}
		return counterState{}, 0, fmt.Errorf("loading serial counter: %w", err)
	}
	var state counterState
	if err := json.Unmarshal(rec.Data, &state); err != nil {
		return counterState{}, 0, fmt.Errorf("decoding serial counter: %w", err)
	}
	return state, rec.Version, nil
}

package memory

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/jmcleod/signet/storage"
)

func TestMemoryRepository(t *testing.T) {
	repo := NewRepository()
	authorityID := "root"
	recordType := "entry"
	recordID := "0000000000000001"
	rec := &storage.Record{Data: []byte(`{"serial":"01"}`), Version: 1}

	t.Run("PutAndGet", func(t *testing.T) {
		err := repo.Put(authorityID, recordType, recordID, rec)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := repo.Get(authorityID, recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got.Data, rec.Data) || got.Version != rec.Version {
			t.Errorf("Get returned wrong record: %+v", got)
		}

		// Test isolation (cloning)
		got.Data[0] = 'X'
		got2, _ := repo.Get(authorityID, recordType, recordID)
		if got2.Data[0] == 'X' {
			t.Error("Memory repository should return clones of records")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get("nonexistent", recordType, recordID)
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		_, err = repo.Get(authorityID, recordType, "nonexistent")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		repo.Put(authorityID, "entry", "0000000000000002", rec)
		repo.Put(authorityID, "meta", "certificate", rec)

		ids, err := repo.List(authorityID, "entry")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("Expected 2 IDs, got %d: %v", len(ids), ids)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Put(authorityID, "meta", "doomed", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := repo.Delete(authorityID, "meta", "doomed"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := repo.Delete(authorityID, "meta", "doomed"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound on double delete, got %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		id := "counter"
		first := &storage.Record{Data: []byte(`{"next":2}`), Version: 1}
		if err := repo.PutCAS(authorityID, "serial", id, 0, first); err != nil {
			t.Fatalf("initial PutCAS failed: %v", err)
		}
		// expectedVersion 0 means "must not exist".
		if err := repo.PutCAS(authorityID, "serial", id, 0, first); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed, got %v", err)
		}
		second := &storage.Record{Data: []byte(`{"next":3}`), Version: 2}
		if err := repo.PutCAS(authorityID, "serial", id, 1, second); err != nil {
			t.Fatalf("versioned PutCAS failed: %v", err)
		}
		if err := repo.PutCAS(authorityID, "serial", id, 1, second); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on stale version, got %v", err)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		fresh := NewRepository()
		err := fresh.Batch("a1", func(tx storage.BatchTx) error {
			if err := tx.Put("entry", "01", rec); err != nil {
				return err
			}
			return fmt.Errorf("boom")
		})
		if err == nil {
			t.Fatal("expected batch error")
		}
		if _, err := fresh.Get("a1", "entry", "01"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("rolled-back write should not be visible, got %v", err)
		}
	})
}

package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"caskdb/pkg/config"
	"caskdb/pkg/data"
	"caskdb/pkg/dberrors"
)

func TestWriteBatch_Commit(t *testing.T) {
	for _, typ := range indexTypes {
		t.Run(string(typ), func(t *testing.T) {
			opts := newTestOptions(t, typ)

			s, err := Open(opts)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if err := s.Put([]byte("gone"), []byte("v")); err != nil {
				t.Fatal(err)
			}

			wb, err := s.NewWriteBatch(config.DefaultWriteBatchOptions())
			if err != nil {
				t.Fatalf("NewWriteBatch failed: %v", err)
			}
			for i := 0; i < 10; i++ {
				if err := wb.Put(testKey(i), testValue(i)); err != nil {
					t.Fatalf("batch Put failed: %v", err)
				}
			}
			if err := wb.Delete([]byte("gone")); err != nil {
				t.Fatalf("batch Delete failed: %v", err)
			}
			if wb.Count() != 11 {
				t.Fatalf("expected 11 pending writes, got %d", wb.Count())
			}

			// Nothing is visible before commit
			mustNotFound(t, s, testKey(0))
			mustGet(t, s, []byte("gone"), []byte("v"))

			if err := wb.Commit(); err != nil {
				t.Fatalf("Commit failed: %v", err)
			}
			for i := 0; i < 10; i++ {
				mustGet(t, s, testKey(i), testValue(i))
			}
			mustNotFound(t, s, []byte("gone"))

			if err := wb.Commit(); !errors.Is(err, dberrors.ErrBatchCommitted) {
				t.Fatalf("second Commit: expected ErrBatchCommitted, got %v", err)
			}
			if err := wb.Put([]byte("late"), []byte("v")); !errors.Is(err, dberrors.ErrBatchCommitted) {
				t.Fatalf("Put after Commit: expected ErrBatchCommitted, got %v", err)
			}

			if err := s.Close(); err != nil {
				t.Fatal(err)
			}

			s = openTestStore(t, opts)
			for i := 0; i < 10; i++ {
				mustGet(t, s, testKey(i), testValue(i))
			}
			mustNotFound(t, s, []byte("gone"))
		})
	}
}

func TestWriteBatch_MaxBatchNum(t *testing.T) {
	s := openTestStore(t, newTestOptions(t, config.BTree))

	wb, err := s.NewWriteBatch(config.WriteBatchOptions{MaxBatchNum: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := wb.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := wb.Put([]byte("b"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	// Overwriting a pending key does not grow the batch
	if err := wb.Put([]byte("a"), []byte("2")); err != nil {
		t.Fatalf("overwrite in full batch failed: %v", err)
	}
	if err := wb.Put([]byte("c"), []byte("1")); !errors.Is(err, dberrors.ErrExceedMaxBatchNum) {
		t.Fatalf("expected ErrExceedMaxBatchNum, got %v", err)
	}

	if err := wb.Commit(); err != nil {
		t.Fatal(err)
	}
	mustGet(t, s, []byte("a"), []byte("2"))
}

func TestWriteBatch_DeleteOfMissingKey(t *testing.T) {
	s := openTestStore(t, newTestOptions(t, config.BTree))

	wb, err := s.NewWriteBatch(config.DefaultWriteBatchOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := wb.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	// k is not in the store yet: deleting only drops the pending put
	if err := wb.Delete([]byte("k")); err != nil {
		t.Fatal(err)
	}
	if wb.Count() != 0 {
		t.Fatalf("expected no pending writes, got %d", wb.Count())
	}
	if err := wb.Commit(); err != nil {
		t.Fatal(err)
	}
	mustNotFound(t, s, []byte("k"))
}

// Readers never see a batch half applied.
func TestWriteBatch_AtomicVisibility(t *testing.T) {
	for _, typ := range []config.IndexType{config.BTree, config.SkipList} {
		t.Run(string(typ), func(t *testing.T) {
			s := openTestStore(t, newTestOptions(t, typ))

			const rounds = 50
			keys := [][]byte{[]byte("x"), []byte("y"), []byte("z")}

			var wg sync.WaitGroup
			done := make(chan struct{})
			errCh := make(chan error, 1)

			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-done:
						return
					default:
					}
					it := s.index.Iterator(config.DefaultIteratorOptions())
					n := 0
					for it.Rewind(); it.Valid(); it.Next() {
						n++
					}
					it.Close()
					if n != 0 && n != len(keys) {
						select {
						case errCh <- errors.New("observed a partially applied batch"):
						default:
						}
						return
					}
				}
			}()

			for r := 0; r < rounds; r++ {
				wb, err := s.NewWriteBatch(config.DefaultWriteBatchOptions())
				if err != nil {
					t.Fatal(err)
				}
				for _, k := range keys {
					if r%2 == 0 {
						err = wb.Put(k, []byte("v"))
					} else {
						err = wb.Delete(k)
					}
					if err != nil {
						t.Fatal(err)
					}
				}
				if err := wb.Commit(); err != nil {
					t.Fatal(err)
				}
			}
			close(done)
			wg.Wait()

			select {
			case err := <-errCh:
				t.Fatal(err)
			default:
			}
		})
	}
}

func TestWriteBatch_SQLiteNeedsSeqNoFile(t *testing.T) {
	opts := newTestOptions(t, config.SQLite)

	// A fresh directory takes batches
	s, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewWriteBatch(config.DefaultWriteBatchOptions()); err != nil {
		t.Fatalf("NewWriteBatch on fresh dir failed: %v", err)
	}
	if err := s.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// After a clean close the sequence file is there
	s, err = Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewWriteBatch(config.DefaultWriteBatchOptions()); err != nil {
		t.Fatalf("NewWriteBatch after clean close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate an unclean shutdown
	if err := os.Remove(filepath.Join(opts.DirPath, data.SeqNoFileName)); err != nil {
		t.Fatal(err)
	}
	s = openTestStore(t, opts)
	if _, err := s.NewWriteBatch(config.DefaultWriteBatchOptions()); !errors.Is(err, dberrors.ErrSeqFileMissing) {
		t.Fatalf("expected ErrSeqFileMissing, got %v", err)
	}
}

func TestWriteBatch_SQLiteRebuiltIndexTakesBatches(t *testing.T) {
	opts := newTestOptions(t, config.SQLite)
	s := openTestStore(t, opts)
	if err := s.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	// a backup carries neither the index nor the sequence file
	backupOpts := opts
	backupOpts.DirPath = filepath.Join(t.TempDir(), "backup")
	if err := s.Backup(backupOpts.DirPath); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	b := openTestStore(t, backupOpts)
	mustGet(t, b, []byte("k"), []byte("v"))
	wb, err := b.NewWriteBatch(config.DefaultWriteBatchOptions())
	if err != nil {
		t.Fatalf("NewWriteBatch on rebuilt index failed: %v", err)
	}
	if err := wb.Put([]byte("k2"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if err := wb.Commit(); err != nil {
		t.Fatal(err)
	}
	mustGet(t, b, []byte("k2"), []byte("v2"))
}

func TestWriteBatch_StaysInOneFile(t *testing.T) {
	opts := newTestOptions(t, config.BTree)
	opts.DataFileSize = 80
	s := openTestStore(t, opts)

	if err := s.Put([]byte("plain"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	wb, err := s.NewWriteBatch(config.DefaultWriteBatchOptions())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := wb.Put(testKey(i), testValue(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := wb.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	fid := s.index.Get(testKey(0)).Fid
	if fid == s.index.Get([]byte("plain")).Fid {
		t.Fatalf("batch should have started a new file, got fid %d", fid)
	}
	for i := 1; i < 4; i++ {
		if got := s.index.Get(testKey(i)).Fid; got != fid {
			t.Fatalf("batch spans files %d and %d", fid, got)
		}
	}
	for i := 0; i < 4; i++ {
		mustGet(t, s, testKey(i), testValue(i))
	}
}

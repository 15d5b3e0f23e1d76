package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"caskdb/pkg/dberrors"
	"caskdb/pkg/index"
)

const fileLockName = "flock"

var errWouldBlock = errors.New("would block")

// lockDir takes an exclusive lock on the directory's lock file so that a
// second store cannot open the same directory.
func lockDir(dirPath string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dirPath, fileLockName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := tryLockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, dberrors.ErrDatabaseIsUsing
		}
		return nil, fmt.Errorf("failed to lock %s: %w", dirPath, err)
	}
	return f, nil
}

func unlockDir(f *os.File) error {
	if err := unlockFile(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func sqliteIndexExists(dirPath string) bool {
	_, err := os.Stat(filepath.Join(dirPath, index.SQLiteFileName))
	return err == nil
}

// removeSQLiteIndex drops the sqlite index together with its journal files.
func removeSQLiteIndex(dirPath string) error {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		path := filepath.Join(dirPath, index.SQLiteFileName+suffix)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove sqlite index: %w", err)
		}
	}
	return nil
}

package index

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"caskdb/pkg/config"
	"caskdb/pkg/data"

	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// SQLiteFileName is the index database inside the data directory.
const SQLiteFileName = "index.db"

// SQLite keeps the index in a sqlite table next to the data files, so it
// survives restarts without a log replay.
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens or creates <dirPath>/index.db. With sync set every commit
// is fully synced; otherwise the WAL is synced at checkpoints only.
func NewSQLite(dirPath string, sync bool) (*SQLite, error) {
	path := filepath.Join(dirPath, SQLiteFileName)
	synchronous := "NORMAL"
	if sync {
		synchronous = "FULL"
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(%s)",
		path, synchronous)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite index %s: %w", path, err)
	}
	// sqlite has a single writer; one connection keeps transactions serial.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS idx (
		key BLOB PRIMARY KEY,
		fid INTEGER NOT NULL,
		off INTEGER NOT NULL,
		size INTEGER NOT NULL
	) WITHOUT ROWID;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create sqlite index schema: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getPos(q queryRower, key []byte) (*data.LogRecordPos, error) {
	var pos data.LogRecordPos
	err := q.QueryRow(`SELECT fid, off, size FROM idx WHERE key = ?`, key).
		Scan(&pos.Fid, &pos.Offset, &pos.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (s *SQLite) Put(key []byte, pos *data.LogRecordPos) (*data.LogRecordPos, bool) {
	olds, ok := s.Apply([]Mutation{{Key: key, Pos: pos}})
	if !ok {
		return nil, false
	}
	return olds[0], true
}

func (s *SQLite) Get(key []byte) *data.LogRecordPos {
	pos, err := getPos(s.db, key)
	if err != nil {
		slog.Error("sqlite index lookup failed", "error", err)
		return nil
	}
	return pos
}

func (s *SQLite) Delete(key []byte) (*data.LogRecordPos, bool) {
	olds, ok := s.Apply([]Mutation{{Key: key}})
	if !ok || olds[0] == nil {
		return nil, false
	}
	return olds[0], true
}

// Apply runs every mutation in one transaction.
func (s *SQLite) Apply(mutations []Mutation) ([]*data.LogRecordPos, bool) {
	olds, err := s.apply(mutations)
	if err != nil {
		slog.Error("sqlite index update failed", "mutations", len(mutations), "error", err)
		return nil, false
	}
	return olds, true
}

func (s *SQLite) apply(mutations []Mutation) ([]*data.LogRecordPos, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	olds := make([]*data.LogRecordPos, len(mutations))
	for i, m := range mutations {
		if olds[i], err = getPos(tx, m.Key); err != nil {
			return nil, err
		}
		if m.Pos == nil {
			_, err = tx.Exec(`DELETE FROM idx WHERE key = ?`, m.Key)
		} else {
			_, err = tx.Exec(`INSERT INTO idx(key, fid, off, size) VALUES(?, ?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET fid = excluded.fid, off = excluded.off, size = excluded.size`,
				m.Key, m.Pos.Fid, m.Pos.Offset, m.Pos.Size)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return olds, nil
}

func (s *SQLite) Size() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM idx`).Scan(&n); err != nil {
		slog.Error("sqlite index count failed", "error", err)
		return 0
	}
	return n
}

func (s *SQLite) ListKeys() [][]byte {
	items, err := s.scan(nil)
	if err != nil {
		slog.Error("sqlite index scan failed", "error", err)
		return nil
	}
	keys := make([][]byte, len(items))
	for i, it := range items {
		keys[i] = it.key
	}
	return keys
}

func (s *SQLite) Iterator(opts config.IteratorOptions) Iterator {
	items, err := s.scan(opts.Prefix)
	if err != nil {
		slog.Error("sqlite index scan failed", "error", err)
	}
	return newSnapshotIterator(items, opts)
}

// scan returns entries in ascending key order, starting at prefix and
// stopping at the first key that does not carry it. BLOB comparison in
// sqlite is memcmp, the same order as bytes.Compare.
func (s *SQLite) scan(prefix []byte) ([]*item, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if len(prefix) > 0 {
		rows, err = s.db.Query(`SELECT key, fid, off, size FROM idx WHERE key >= ? ORDER BY key ASC`, prefix)
	} else {
		rows, err = s.db.Query(`SELECT key, fid, off, size FROM idx ORDER BY key ASC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*item
	for rows.Next() {
		var (
			key []byte
			pos data.LogRecordPos
		)
		if err := rows.Scan(&key, &pos.Fid, &pos.Offset, &pos.Size); err != nil {
			return nil, err
		}
		if len(prefix) > 0 && !bytes.HasPrefix(key, prefix) {
			break
		}
		items = append(items, &item{key: key, pos: &pos})
	}
	return items, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

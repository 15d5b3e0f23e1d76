package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"caskdb/pkg/clock"
	"caskdb/pkg/config"
	"caskdb/pkg/data"
	"caskdb/pkg/dberrors"
	"caskdb/pkg/fio"
	"caskdb/pkg/index"
	"caskdb/pkg/listener"
	"caskdb/pkg/types"
)

type iSequence interface {
	Val() types.SequenceNumber
	Next() types.SequenceNumber
	Observe(n types.SequenceNumber)
}

// Store is a log-structured key/value store: every write is appended to the
// active data file and an in-memory (or sqlite) index maps each key to the
// position of its latest record.
//
// Lock order is swapMu, then activeMu, then olderMu.
type Store struct {
	opts  config.Options
	index index.Indexer
	seqN  iSequence

	// swapMu is held shared by readers for a position lookup plus the read,
	// and exclusively by the merge swap that replaces older files.
	swapMu sync.RWMutex

	// activeMu guards the active file, bytesWrite and the index update that
	// follows every append.
	activeMu   sync.RWMutex
	activeFile *data.DataFile
	bytesWrite uint

	olderMu    sync.RWMutex
	olderFiles map[uint32]*data.DataFile

	// mergeMu is held for the whole merge; TryLock rejects a second one.
	mergeMu sync.Mutex
	mergeCh chan struct{}
	merger  *listener.Listener[struct{}]

	reclaimSize atomic.Int64

	fileLock      *os.File
	isInitial     bool
	seqFileExists bool
	closed        atomic.Bool

	// fullReplay is set when the index was rebuilt from every data file.
	fullReplay bool
}

// Open opens (or creates) the store in opts.DirPath and rebuilds its index.
func Open(opts config.Options) (*Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var isInitial bool
	entries, err := os.ReadDir(opts.DirPath)
	switch {
	case os.IsNotExist(err):
		isInitial = true
		if err := os.MkdirAll(opts.DirPath, os.ModePerm); err != nil {
			return nil, fmt.Errorf("%w %s: %w", dberrors.ErrCreateDir, opts.DirPath, err)
		}
	case err != nil:
		return nil, fmt.Errorf("%w %s: %w", dberrors.ErrReadDir, opts.DirPath, err)
	case len(entries) == 0:
		isInitial = true
	}

	fileLock, err := lockDir(opts.DirPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		opts:       opts,
		seqN:       clock.NewSequence(data.NonTransactionSeqNo),
		olderFiles: make(map[uint32]*data.DataFile),
		fileLock:   fileLock,
		isInitial:  isInitial,
	}

	if err := s.load(); err != nil {
		s.releaseOnFailedOpen()
		return nil, err
	}

	if opts.AutoMerge {
		s.mergeCh = make(chan struct{}, 1)
		s.merger = listener.New("auto-merge", s.mergeCh, s.autoMerge)
		s.merger.Start(context.Background())
	}

	return s, nil
}

func (s *Store) load() error {
	start := time.Now()

	mergeSwapped, err := s.loadMergeFiles()
	if err != nil {
		return err
	}

	freshIndex := true
	if s.opts.IndexType == config.SQLite {
		if mergeSwapped {
			// positions in the sqlite index may predate the swap
			if err := removeSQLiteIndex(s.opts.DirPath); err != nil {
				return err
			}
		}
		freshIndex = !sqliteIndexExists(s.opts.DirPath)
	}

	s.index, err = index.NewIndexer(s.opts.IndexType, s.opts.DirPath, s.opts.SyncWrites)
	if err != nil {
		return err
	}

	fileIDs, err := s.loadDataFiles()
	if err != nil {
		return err
	}

	if freshIndex {
		if err := s.loadFullIndex(fileIDs); err != nil {
			return err
		}
	} else {
		// the persistent index is current up to the last applied write;
		// the active file is replayed to heal its tail and catch up.
		if err := s.loadIndexFromDataFiles(fileIDs[len(fileIDs)-1:], 0); err != nil {
			return err
		}
		if s.hasPositionsPastEnd() {
			slog.Warn("index points past the end of the data files, rebuilding it",
				"dir", s.opts.DirPath)
			if err := s.rebuildIndex(fileIDs); err != nil {
				return err
			}
		}
	}

	if err := s.loadSeqNo(); err != nil {
		return err
	}

	if s.opts.MMapAtStartup {
		if err := s.resetIoType(); err != nil {
			return err
		}
	}

	slog.Info("store opened",
		"dir", s.opts.DirPath,
		"index", s.opts.IndexType,
		"data_files", len(fileIDs),
		"keys", s.index.Size(),
		"duration", time.Since(start),
	)
	return nil
}

// loadFullIndex fills an empty index from the hint file and every data file
// the last merge did not cover.
func (s *Store) loadFullIndex(fileIDs []uint32) error {
	nonMergeFileID, err := s.loadIndexFromHintFile()
	if err != nil {
		return err
	}
	if err := s.loadIndexFromDataFiles(fileIDs, nonMergeFileID); err != nil {
		return err
	}
	s.fullReplay = true
	return nil
}

// rebuildIndex drops the persistent index and loads a new one from the files.
func (s *Store) rebuildIndex(fileIDs []uint32) error {
	if err := s.index.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}
	s.index = nil
	if err := removeSQLiteIndex(s.opts.DirPath); err != nil {
		return err
	}

	idx, err := index.NewIndexer(s.opts.IndexType, s.opts.DirPath, s.opts.SyncWrites)
	if err != nil {
		return err
	}
	s.index = idx
	s.reclaimSize.Store(0)
	return s.loadFullIndex(fileIDs)
}

func (s *Store) releaseOnFailedOpen() {
	if s.index != nil {
		_ = s.index.Close()
	}
	if s.activeFile != nil {
		_ = s.activeFile.Close()
	}
	for _, df := range s.olderFiles {
		_ = df.Close()
	}
	if err := unlockDir(s.fileLock); err != nil {
		slog.Warn("failed to release directory lock", "error", err)
	}
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(key []byte, value []byte) error {
	if len(key) == 0 {
		return dberrors.ErrKeyIsEmpty
	}

	record := &data.LogRecord{
		Key:   data.LogRecordKeyWithSeq(key, data.NonTransactionSeqNo),
		Value: value,
		Type:  data.LogRecordNormal,
	}

	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	pos, err := s.appendLogRecord(record)
	if err != nil {
		return err
	}

	old, ok := s.index.Put(key, pos)
	if !ok {
		return dberrors.ErrIndexUpdateFailed
	}
	if old != nil {
		s.reclaimSize.Add(int64(old.Size))
	}
	return nil
}

// Get returns the value stored under key or dberrors.ErrKeyNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, dberrors.ErrKeyIsEmpty
	}
	s.swapMu.RLock()
	defer s.swapMu.RUnlock()

	// Close only releases files and the index while holding swapMu exclusively
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}

	pos := s.index.Get(key)
	if pos == nil {
		return nil, dberrors.ErrKeyNotFound
	}
	return s.getValueByPosition(pos)
}

// getValueByPosition reads the value at pos. Callers hold swapMu shared.
func (s *Store) getValueByPosition(pos *data.LogRecordPos) ([]byte, error) {
	s.activeMu.RLock()
	if s.activeFile != nil && s.activeFile.FileID == pos.Fid {
		defer s.activeMu.RUnlock()
		return readValue(s.activeFile, pos)
	}
	s.activeMu.RUnlock()

	s.olderMu.RLock()
	df, ok := s.olderFiles[pos.Fid]
	s.olderMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", dberrors.ErrDataFileNotFound, pos.Fid)
	}
	return readValue(df, pos)
}

func readValue(df *data.DataFile, pos *data.LogRecordPos) ([]byte, error) {
	record, _, err := df.ReadLogRecord(pos.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to read record at %d:%d: %w", pos.Fid, pos.Offset, err)
	}
	if record.Type == data.LogRecordDeleted {
		return nil, dberrors.ErrKeyNotFound
	}
	return record.Value, nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(key []byte) error {
	if len(key) == 0 {
		return dberrors.ErrKeyIsEmpty
	}

	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if s.index.Get(key) == nil {
		return nil
	}

	record := &data.LogRecord{
		Key:  data.LogRecordKeyWithSeq(key, data.NonTransactionSeqNo),
		Type: data.LogRecordDeleted,
	}
	pos, err := s.appendLogRecord(record)
	if err != nil {
		return err
	}
	s.reclaimSize.Add(int64(pos.Size))

	old, ok := s.index.Delete(key)
	if !ok {
		return dberrors.ErrIndexUpdateFailed
	}
	if old != nil {
		s.reclaimSize.Add(int64(old.Size))
	}
	return nil
}

// appendLogRecord writes record to the active file, rotating it first when
// the record would not fit. Callers hold activeMu.
func (s *Store) appendLogRecord(record *data.LogRecord) (*data.LogRecordPos, error) {
	encRecord, size := data.EncodeLogRecord(record)
	if err := s.rotateIfFull(size); err != nil {
		return nil, err
	}
	return s.writeEncoded(encRecord, size)
}

// rotateIfFull rotates the active file when size more bytes would overflow it.
// Anything larger than a whole file still goes into its own file.
// Callers hold activeMu.
func (s *Store) rotateIfFull(size int64) error {
	if s.activeFile.WriteOff > 0 && s.activeFile.WriteOff+size > s.opts.DataFileSize {
		return s.rotateActiveFile()
	}
	return nil
}

// writeEncoded appends an encoded record to the active file without
// rotating it. Callers hold activeMu.
func (s *Store) writeEncoded(encRecord []byte, size int64) (*data.LogRecordPos, error) {
	writeOff := s.activeFile.WriteOff
	if err := s.activeFile.Write(encRecord); err != nil {
		return nil, err
	}

	s.bytesWrite += uint(size)
	needSync := s.opts.SyncWrites
	if !needSync && s.opts.BytesPerSync > 0 && s.bytesWrite >= s.opts.BytesPerSync {
		needSync = true
	}
	if needSync {
		if err := s.activeFile.Sync(); err != nil {
			return nil, err
		}
		s.bytesWrite = 0
	}

	return &data.LogRecordPos{
		Fid:    s.activeFile.FileID,
		Offset: writeOff,
		Size:   uint32(size),
	}, nil
}

// rotateActiveFile syncs the active file, hands it to the older files and
// opens the next one. Callers hold activeMu.
func (s *Store) rotateActiveFile() error {
	if err := s.activeFile.Sync(); err != nil {
		return err
	}

	next, err := data.OpenDataFile(s.opts.DirPath, s.activeFile.FileID+1, fio.StandardFIO)
	if err != nil {
		return err
	}

	s.olderMu.Lock()
	s.olderFiles[s.activeFile.FileID] = s.activeFile
	s.olderMu.Unlock()

	s.activeFile = next
	s.bytesWrite = 0

	s.triggerAutoMerge()
	return nil
}

// Sync flushes the active file to disk.
func (s *Store) Sync() error {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	return s.activeFile.Sync()
}

// Close syncs and releases every file, persists the batch sequence number
// and unlocks the directory. Closing twice is a no-op.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.merger != nil {
		s.merger.Stop()
	}

	// waits for a running merge
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.olderMu.Lock()
	defer s.olderMu.Unlock()

	var errs []error

	if err := s.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close index: %w", err))
	}
	if err := s.saveSeqNo(); err != nil {
		errs = append(errs, err)
	}

	if err := s.activeFile.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := s.activeFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close active file: %w", err))
	}
	for fid, df := range s.olderFiles {
		if err := df.Close(); err != nil {
			slog.Warn("failed to close data file", "fid", fid, "error", err)
		}
	}

	if err := unlockDir(s.fileLock); err != nil {
		errs = append(errs, fmt.Errorf("failed to release directory lock: %w", err))
	}

	return errors.Join(errs...)
}

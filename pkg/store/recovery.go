package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"caskdb/pkg/config"
	"caskdb/pkg/data"
	"caskdb/pkg/dberrors"
	"caskdb/pkg/fio"
	"caskdb/pkg/index"
	"caskdb/pkg/types"
)

const (
	seqNoKey = "seq.no"

	// replayChunk bounds how many index mutations are applied at once
	// during replay.
	replayChunk = 1024
)

// loadDataFiles opens every data file in ascending id order. The highest id
// becomes the active file; an empty directory gets a fresh file 0.
// It returns the ids of all data files.
func (s *Store) loadDataFiles() ([]uint32, error) {
	entries, err := os.ReadDir(s.opts.DirPath)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", dberrors.ErrReadDir, s.opts.DirPath, err)
	}

	var fileIDs []uint32
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, data.DataFileNameSuffix) {
			continue
		}
		fid, err := strconv.ParseUint(strings.TrimSuffix(name, data.DataFileNameSuffix), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: unexpected data file %s", dberrors.ErrDataDirectoryCorrupted, name)
		}
		fileIDs = append(fileIDs, uint32(fid))
	}
	sort.Slice(fileIDs, func(i, j int) bool { return fileIDs[i] < fileIDs[j] })

	ioType := fio.StandardFIO
	if s.opts.MMapAtStartup {
		ioType = fio.MemoryMap
	}

	for i, fid := range fileIDs {
		df, err := data.OpenDataFile(s.opts.DirPath, fid, ioType)
		if err != nil {
			return nil, err
		}
		if i == len(fileIDs)-1 {
			s.activeFile = df
		} else {
			s.olderFiles[fid] = df
		}
	}

	if s.activeFile == nil {
		df, err := data.OpenDataFile(s.opts.DirPath, 0, fio.StandardFIO)
		if err != nil {
			return nil, err
		}
		s.activeFile = df
		fileIDs = append(fileIDs, 0)
	}

	return fileIDs, nil
}

// loadIndexFromHintFile loads the positions written by the last merge and
// returns the first file id the merge did not cover.
func (s *Store) loadIndexFromHintFile() (uint32, error) {
	nonMergeFileID, _, err := readMergeFinished(s.opts.DirPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	hintPath := filepath.Join(s.opts.DirPath, data.HintFileName)
	if _, err := os.Stat(hintPath); os.IsNotExist(err) {
		return nonMergeFileID, nil
	}

	hintFile, err := data.OpenHintFile(s.opts.DirPath)
	if err != nil {
		return 0, err
	}
	defer hintFile.Close()

	replay := newReplayBuffer(s.index)
	var offset int64
	for {
		record, size, err := hintFile.ReadLogRecord(offset)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, fmt.Errorf("%w: hint file at %d: %w", dberrors.ErrDataDirectoryCorrupted, offset, err)
		}
		pos, err := data.DecodeLogRecordPos(record.Value)
		if err != nil {
			return 0, fmt.Errorf("%w: hint position at %d: %w", dberrors.ErrDataDirectoryCorrupted, offset, err)
		}
		if err := replay.add(index.Mutation{Key: record.Key, Pos: pos}); err != nil {
			return 0, err
		}
		offset += size
	}
	if err := replay.flush(); err != nil {
		return 0, err
	}

	return nonMergeFileID, nil
}

// loadIndexFromDataFiles replays every record of the given files whose id is
// at least nonMergeFileID. Batch records are held back until their finish
// marker is read; batches without one are dropped.
func (s *Store) loadIndexFromDataFiles(fileIDs []uint32, nonMergeFileID uint32) error {
	replay := newReplayBuffer(s.index)
	txnRecords := make(map[types.SequenceNumber][]*data.TransactionRecord)
	currentSeqNo := data.NonTransactionSeqNo

	for _, fid := range fileIDs {
		if fid < nonMergeFileID {
			continue
		}

		df := s.activeFile
		isActive := fid == s.activeFile.FileID
		if !isActive {
			df = s.olderFiles[fid]
		}

		var offset int64
		for {
			record, size, err := df.ReadLogRecord(offset)
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if isActive && s.isTornTail(df, offset, size, err) {
					slog.Warn("truncating incomplete record at the end of the active file",
						"fid", fid, "offset", offset, "error", err)
					if err := df.Truncate(offset); err != nil {
						return err
					}
					break
				}
				return fmt.Errorf("%w: file %d at %d: %w", dberrors.ErrDataDirectoryCorrupted, fid, offset, err)
			}

			pos := &data.LogRecordPos{Fid: fid, Offset: offset, Size: uint32(size)}
			realKey, seqNo := data.ParseLogRecordKey(record.Key)

			switch {
			case seqNo == data.NonTransactionSeqNo:
				if err := replay.addRecord(realKey, record.Type, pos); err != nil {
					return err
				}
			case record.Type == data.LogRecordTxnFinished:
				for _, txnRecord := range txnRecords[seqNo] {
					if err := replay.addRecord(txnRecord.Record.Key, txnRecord.Record.Type, txnRecord.Pos); err != nil {
						return err
					}
				}
				delete(txnRecords, seqNo)
				replay.reclaim += int64(size)
			default:
				record.Key = realKey
				txnRecords[seqNo] = append(txnRecords[seqNo], &data.TransactionRecord{
					Record: record,
					Pos:    pos,
				})
			}

			if seqNo > currentSeqNo {
				currentSeqNo = seqNo
			}
			offset += size
		}

		if isActive {
			s.activeFile.WriteOff = offset
		}
	}

	if err := replay.flush(); err != nil {
		return err
	}
	s.reclaimSize.Add(replay.reclaim)
	s.seqN.Observe(currentSeqNo)

	if len(txnRecords) > 0 {
		slog.Warn("dropped uncommitted write batches", "batches", len(txnRecords))
	}
	return nil
}

// isTornTail reports whether a read failure at offset is an incomplete last
// record: the record either runs past the end of the file or fails its
// checksum while ending exactly at the end of the file, and no intact record
// starts after offset. A damaged length field in an earlier record looks the
// same, except that intact records follow it.
func (s *Store) isTornTail(df *data.DataFile, offset, size int64, err error) bool {
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
	case errors.Is(err, dberrors.ErrInvalidCRC) && size > 0:
		fileSize, sizeErr := df.IoManager.Size()
		if sizeErr != nil || offset+size != fileSize {
			return false
		}
	default:
		return false
	}
	found, scanErr := df.HasRecordAfter(offset)
	return scanErr == nil && !found
}

// hasPositionsPastEnd reports whether the index points at data the files do
// not hold: past the end of the active file or into a file above it. Only a
// persistent index can, after a crash lost writes it had already recorded.
func (s *Store) hasPositionsPastEnd() bool {
	it := s.index.Iterator(config.DefaultIteratorOptions())
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		pos := it.Value()
		if pos.Fid > s.activeFile.FileID ||
			(pos.Fid == s.activeFile.FileID && pos.Offset >= s.activeFile.WriteOff) {
			return true
		}
	}
	return false
}

// resetIoType switches files opened with mmap for replay back to standard IO.
func (s *Store) resetIoType() error {
	if err := s.activeFile.SetIOManager(fio.StandardFIO); err != nil {
		return err
	}
	for _, df := range s.olderFiles {
		if err := df.SetIOManager(fio.StandardFIO); err != nil {
			return err
		}
	}
	return nil
}

// loadSeqNo raises the batch sequence to the value saved at the last clean
// close and removes the file, so a crash cannot leave a stale one behind.
func (s *Store) loadSeqNo() error {
	path := filepath.Join(s.opts.DirPath, data.SeqNoFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	seqNoFile, err := data.OpenSeqNoFile(s.opts.DirPath)
	if err != nil {
		return err
	}
	record, _, err := seqNoFile.ReadLogRecord(0)
	_ = seqNoFile.Close()
	if err != nil {
		return fmt.Errorf("failed to read seq no file: %w", err)
	}

	seqNo, err := strconv.ParseUint(string(record.Value), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid seq no %q", dberrors.ErrDataDirectoryCorrupted, record.Value)
	}
	s.seqN.Observe(seqNo)
	s.seqFileExists = true

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove seq no file: %w", err)
	}
	return nil
}

// saveSeqNo persists the batch sequence. Callers hold activeMu.
func (s *Store) saveSeqNo() error {
	path := filepath.Join(s.opts.DirPath, data.SeqNoFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale seq no file: %w", err)
	}

	seqNoFile, err := data.OpenSeqNoFile(s.opts.DirPath)
	if err != nil {
		return err
	}
	defer seqNoFile.Close()

	record := &data.LogRecord{
		Key:   []byte(seqNoKey),
		Value: []byte(strconv.FormatUint(s.seqN.Val(), 10)),
		Type:  data.LogRecordNormal,
	}
	encRecord, _ := data.EncodeLogRecord(record)
	if err := seqNoFile.Write(encRecord); err != nil {
		return err
	}
	return seqNoFile.Sync()
}

// replayBuffer batches index mutations during replay and keeps track of the
// space made reclaimable by the records it supersedes.
type replayBuffer struct {
	index     index.Indexer
	mutations []index.Mutation
	reclaim   int64
}

func newReplayBuffer(idx index.Indexer) *replayBuffer {
	return &replayBuffer{
		index:     idx,
		mutations: make([]index.Mutation, 0, replayChunk),
	}
}

func (r *replayBuffer) addRecord(key []byte, typ data.LogRecordType, pos *data.LogRecordPos) error {
	if typ == data.LogRecordDeleted {
		r.reclaim += int64(pos.Size)
		return r.add(index.Mutation{Key: key})
	}
	return r.add(index.Mutation{Key: key, Pos: pos})
}

func (r *replayBuffer) add(m index.Mutation) error {
	r.mutations = append(r.mutations, m)
	if len(r.mutations) >= replayChunk {
		return r.flush()
	}
	return nil
}

func (r *replayBuffer) flush() error {
	if len(r.mutations) == 0 {
		return nil
	}
	olds, ok := r.index.Apply(r.mutations)
	if !ok {
		return dberrors.ErrIndexUpdateFailed
	}
	for i, old := range olds {
		// a persistent index may already hold the replayed position
		if old != nil && (r.mutations[i].Pos == nil || *old != *r.mutations[i].Pos) {
			r.reclaim += int64(old.Size)
		}
	}
	r.mutations = r.mutations[:0]
	return nil
}

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
	"time"

	"caskdb/pkg/data"
	"caskdb/pkg/dberrors"
	"caskdb/pkg/fio"
	"caskdb/pkg/fsutil"
	"caskdb/pkg/index"
)

const (
	mergeDirSuffix   = "-merge"
	mergeFinishedKey = "merge.finished"
	mergeFilesKey    = "merge.files"
)

var errMergeOverflow = errors.New("merge output reached the first non-merged file id")

// mergeMove records that the live record of key was rewritten from old to new.
type mergeMove struct {
	key []byte
	old data.LogRecordPos
	new *data.LogRecordPos
}

// mergePath is the sibling directory a merge writes into.
func mergePath(dirPath string) string {
	dir := filepath.Clean(dirPath)
	return filepath.Join(filepath.Dir(dir), filepath.Base(dir)+mergeDirSuffix)
}

// Merge rewrites the live records of every older data file into fresh files
// and drops everything else. Writes keep going to the active file while the
// merge runs; readers only block for the final swap.
func (s *Store) Merge() error {
	if !s.mergeMu.TryLock() {
		return dberrors.ErrMergeInProgress
	}
	defer s.mergeMu.Unlock()

	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	start := time.Now()
	if err := s.checkMergeSpace(); err != nil {
		return err
	}

	nonMergeFileID, mergeFiles, err := s.prepareMerge()
	if err != nil {
		return err
	}
	if len(mergeFiles) == 0 {
		return nil
	}

	slog.Info("merge started", "files", len(mergeFiles), "non_merge_fid", nonMergeFileID)

	path := mergePath(s.opts.DirPath)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to clean merge dir: %w", err)
	}
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("%w %s: %w", dberrors.ErrCreateDir, path, err)
	}

	moves, w, err := s.rewriteLiveRecords(path, mergeFiles, nonMergeFileID)
	if err != nil {
		w.close()
		_ = os.RemoveAll(path)
		return err
	}
	if err := w.finish(); err != nil {
		_ = os.RemoveAll(path)
		return err
	}
	if err := writeMergeFinished(path, nonMergeFileID, uint32(len(w.files))); err != nil {
		_ = os.RemoveAll(path)
		return err
	}

	var before int64
	for _, df := range mergeFiles {
		if size, err := df.IoManager.Size(); err == nil {
			before += size
		}
	}

	if err := s.swapMergeFiles(path, nonMergeFileID, moves); err != nil {
		return err
	}

	slog.Info("merge finished",
		"live_records", len(moves),
		"merged_files", len(w.files),
		"reclaimed_bytes", before-w.written,
		"duration", time.Since(start),
	)
	return nil
}

// MergeIfNeeded merges only when the reclaimable share of the directory has
// reached DataFileMergeRatio.
func (s *Store) MergeIfNeeded() error {
	size, err := fsutil.DirSize(s.opts.DirPath)
	if err != nil {
		return fmt.Errorf("failed to get dir size: %w", err)
	}
	if size == 0 || float32(s.reclaimSize.Load())/float32(size) < s.opts.DataFileMergeRatio {
		return dberrors.ErrMergeRatioUnreached
	}
	return s.Merge()
}

// autoMerge handles triggers sent on rotation.
func (s *Store) autoMerge(struct{}) error {
	err := s.MergeIfNeeded()
	switch {
	case errors.Is(err, dberrors.ErrMergeRatioUnreached),
		errors.Is(err, dberrors.ErrMergeInProgress),
		errors.Is(err, dberrors.ErrClosed):
		return nil
	case err != nil:
		return fmt.Errorf("auto merge: %w", err)
	}
	return nil
}

// triggerAutoMerge asks the background merger to check the merge ratio.
// It never blocks; a pending trigger is enough.
func (s *Store) triggerAutoMerge() {
	if s.mergeCh == nil {
		return
	}
	select {
	case s.mergeCh <- struct{}{}:
	default:
	}
}

func (s *Store) checkMergeSpace() error {
	size, err := fsutil.DirSize(s.opts.DirPath)
	if err != nil {
		return fmt.Errorf("failed to get dir size: %w", err)
	}
	available, err := fsutil.AvailableDiskSize(s.opts.DirPath)
	if err != nil {
		return err
	}
	need := max(size-s.reclaimSize.Load(), 0)
	if uint64(need) >= available {
		return fmt.Errorf("%w: need %d, available %d", dberrors.ErrNoEnoughSpaceForMerge, need, available)
	}
	return nil
}

// prepareMerge rotates a non-empty active file so that everything written so
// far is in older files, and returns the files to merge in id order.
func (s *Store) prepareMerge() (uint32, []*data.DataFile, error) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	if s.closed.Load() {
		return 0, nil, dberrors.ErrClosed
	}
	if s.activeFile.WriteOff > 0 {
		if err := s.rotateActiveFile(); err != nil {
			return 0, nil, err
		}
	}
	nonMergeFileID := s.activeFile.FileID

	s.olderMu.RLock()
	defer s.olderMu.RUnlock()

	mergeFiles := make([]*data.DataFile, 0, len(s.olderFiles))
	for fid, df := range s.olderFiles {
		if fid < nonMergeFileID {
			mergeFiles = append(mergeFiles, df)
		}
	}
	sort.Slice(mergeFiles, func(i, j int) bool {
		return mergeFiles[i].FileID < mergeFiles[j].FileID
	})
	return nonMergeFileID, mergeFiles, nil
}

// rewriteLiveRecords copies every record the index still points at into
// the merge directory, together with a hint entry for it.
func (s *Store) rewriteLiveRecords(path string, mergeFiles []*data.DataFile, nonMergeFileID uint32) ([]mergeMove, *mergeWriter, error) {
	w, err := newMergeWriter(path, s.opts.DataFileSize, nonMergeFileID)
	if err != nil {
		return nil, nil, err
	}

	var moves []mergeMove
	for _, df := range mergeFiles {
		var offset int64
		for {
			record, size, err := df.ReadLogRecord(offset)
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, w, fmt.Errorf("failed to read file %d at %d: %w", df.FileID, offset, err)
			}

			realKey, _ := data.ParseLogRecordKey(record.Key)
			if record.Type == data.LogRecordNormal {
				pos := s.index.Get(realKey)
				if pos != nil && pos.Fid == df.FileID && pos.Offset == offset {
					record.Key = data.LogRecordKeyWithSeq(realKey, data.NonTransactionSeqNo)
					newPos, err := w.append(record)
					if err != nil {
						return nil, w, err
					}
					if err := w.hint.WriteHintRecord(realKey, newPos); err != nil {
						return nil, w, err
					}
					moves = append(moves, mergeMove{key: realKey, old: *pos, new: newPos})
				}
			}
			offset += size
		}
	}
	return moves, w, nil
}

// swapMergeFiles replaces the merged older files with the merge output and
// points the index at it. Keys written since the merge started keep their
// newer position.
func (s *Store) swapMergeFiles(path string, nonMergeFileID uint32, moves []mergeMove) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.olderMu.Lock()
	defer s.olderMu.Unlock()

	mutations := make([]index.Mutation, 0, len(moves))
	for _, mv := range moves {
		cur := s.index.Get(mv.key)
		if cur != nil && cur.Fid == mv.old.Fid && cur.Offset == mv.old.Offset {
			mutations = append(mutations, index.Mutation{Key: mv.key, Pos: mv.new})
		}
	}
	// on failure the finished merge dir stays and the next open completes it
	if _, ok := s.index.Apply(mutations); !ok {
		return dberrors.ErrIndexUpdateFailed
	}

	for fid, df := range s.olderFiles {
		if fid >= nonMergeFileID {
			continue
		}
		if err := df.Close(); err != nil {
			slog.Warn("failed to close merged data file", "fid", fid, "error", err)
		}
		delete(s.olderFiles, fid)
	}

	mergedFiles, err := completeMergeSwap(s.opts.DirPath, path)
	if err != nil {
		return err
	}

	for fid := uint32(0); fid < mergedFiles; fid++ {
		df, err := data.OpenDataFile(s.opts.DirPath, fid, fio.StandardFIO)
		if err != nil {
			return err
		}
		s.olderFiles[fid] = df
	}

	s.reclaimSize.Store(0)
	return nil
}

// loadMergeFiles finishes a merge interrupted after its output was complete
// and discards one interrupted before. It reports whether files were swapped.
func (s *Store) loadMergeFiles() (bool, error) {
	path := mergePath(s.opts.DirPath)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	if _, err := os.Stat(filepath.Join(path, data.MergeFinishedFileName)); os.IsNotExist(err) {
		slog.Warn("discarding unfinished merge", "dir", path)
		if err := os.RemoveAll(path); err != nil {
			return false, fmt.Errorf("failed to remove merge dir: %w", err)
		}
		return false, nil
	}

	mergedFiles, err := completeMergeSwap(s.opts.DirPath, path)
	if err != nil {
		return false, err
	}
	slog.Info("completed interrupted merge", "dir", path, "merged_files", mergedFiles)
	return true, nil
}

// completeMergeSwap moves a finished merge into dirPath. Every step can be
// repeated, and the finished marker moves last, so a crash at any point is
// finished by the next call.
func completeMergeSwap(dirPath, path string) (uint32, error) {
	nonMergeFileID, mergedFiles, err := readMergeFinished(path)
	if err != nil {
		return 0, err
	}

	// files below mergedFiles are replaced by rename
	for fid := mergedFiles; fid < nonMergeFileID; fid++ {
		if err := os.Remove(data.GetDataFileName(dirPath, fid)); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("failed to remove merged data file %d: %w", fid, err)
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, fmt.Errorf("%w %s: %w", dberrors.ErrReadDir, path, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == data.MergeFinishedFileName {
			continue
		}
		if err := os.Rename(filepath.Join(path, name), filepath.Join(dirPath, name)); err != nil {
			return 0, fmt.Errorf("failed to move merged file %s: %w", name, err)
		}
	}
	if err := os.Rename(filepath.Join(path, data.MergeFinishedFileName),
		filepath.Join(dirPath, data.MergeFinishedFileName)); err != nil {
		return 0, fmt.Errorf("failed to move merge finished file: %w", err)
	}

	if err := os.RemoveAll(path); err != nil {
		return 0, fmt.Errorf("failed to remove merge dir: %w", err)
	}
	return mergedFiles, nil
}

// writeMergeFinished marks the merge output in path as complete.
func writeMergeFinished(path string, nonMergeFileID, mergedFiles uint32) error {
	df, err := data.OpenMergeFinishedFile(path)
	if err != nil {
		return err
	}
	defer df.Close()

	for _, record := range []*data.LogRecord{
		{Key: []byte(mergeFinishedKey), Value: []byte(strconv.FormatUint(uint64(nonMergeFileID), 10))},
		{Key: []byte(mergeFilesKey), Value: []byte(strconv.FormatUint(uint64(mergedFiles), 10))},
	} {
		record.Type = data.LogRecordNormal
		encRecord, _ := data.EncodeLogRecord(record)
		if err := df.Write(encRecord); err != nil {
			return err
		}
	}
	return df.Sync()
}

// readMergeFinished returns the first non-merged file id and the number of
// merged files recorded in dirPath. A missing marker yields os.ErrNotExist.
func readMergeFinished(dirPath string) (uint32, uint32, error) {
	if _, err := os.Stat(filepath.Join(dirPath, data.MergeFinishedFileName)); err != nil {
		return 0, 0, err
	}

	df, err := data.OpenMergeFinishedFile(dirPath)
	if err != nil {
		return 0, 0, err
	}
	defer df.Close()

	var (
		values [2]uint32
		offset int64
	)
	for i := range values {
		record, size, err := df.ReadLogRecord(offset)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: merge finished file: %w", dberrors.ErrDataDirectoryCorrupted, err)
		}
		v, err := strconv.ParseUint(string(record.Value), 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: merge finished value %q", dberrors.ErrDataDirectoryCorrupted, record.Value)
		}
		values[i] = uint32(v)
		offset += size
	}
	return values[0], values[1], nil
}

// mergeWriter appends rewritten records to data files numbered from 0,
// rotating at the configured file size.
type mergeWriter struct {
	dir      string
	fileSize int64
	limit    uint32

	current *data.DataFile
	files   []*data.DataFile
	hint    *data.DataFile
	written int64
}

func newMergeWriter(dir string, fileSize int64, limit uint32) (*mergeWriter, error) {
	hint, err := data.OpenHintFile(dir)
	if err != nil {
		return nil, err
	}
	return &mergeWriter{
		dir:      dir,
		fileSize: fileSize,
		limit:    limit,
		hint:     hint,
	}, nil
}

func (w *mergeWriter) append(record *data.LogRecord) (*data.LogRecordPos, error) {
	encRecord, size := data.EncodeLogRecord(record)

	if w.current == nil || (w.current.WriteOff > 0 && w.current.WriteOff+size > w.fileSize) {
		var next uint32
		if w.current != nil {
			next = w.current.FileID + 1
		}
		if next >= w.limit {
			return nil, errMergeOverflow
		}
		df, err := data.OpenDataFile(w.dir, next, fio.StandardFIO)
		if err != nil {
			return nil, err
		}
		w.files = append(w.files, df)
		w.current = df
	}

	writeOff := w.current.WriteOff
	if err := w.current.Write(encRecord); err != nil {
		return nil, err
	}
	w.written += size

	return &data.LogRecordPos{
		Fid:    w.current.FileID,
		Offset: writeOff,
		Size:   uint32(size),
	}, nil
}

// finish syncs and closes everything the merge wrote.
func (w *mergeWriter) finish() error {
	for _, df := range append(w.files, w.hint) {
		if err := df.Sync(); err != nil {
			w.close()
			return err
		}
	}
	w.close()
	return nil
}

func (w *mergeWriter) close() {
	if w == nil {
		return
	}
	for _, df := range append(w.files, w.hint) {
		if err := df.Close(); err != nil {
			slog.Warn("failed to close merge file", "path", df.Path(), "error", err)
		}
	}
}

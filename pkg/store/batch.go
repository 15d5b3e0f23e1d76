package store

import (
	"bytes"
	"sync"

	"caskdb/pkg/batch"
	"caskdb/pkg/config"
	"caskdb/pkg/data"
	"caskdb/pkg/dberrors"
	"caskdb/pkg/index"
	"caskdb/pkg/types"
)

var txnFinKey = []byte("txn-fin")

var _ batch.WriteBatch = (*WriteBatch)(nil)

// WriteBatch buffers writes and commits them atomically: after a crash
// either all of them are replayed or none, and readers never observe a
// partially applied batch.
type WriteBatch struct {
	opts  config.WriteBatchOptions
	store *Store

	mu        sync.Mutex
	pending   map[string]*data.LogRecord
	committed bool
}

// NewWriteBatch starts a batch. A reopened sqlite index skips replay, so it
// relies on the sequence number saved at close; a directory that was not
// closed cleanly cannot take batches until a clean close.
func (s *Store) NewWriteBatch(opts config.WriteBatchOptions) (*WriteBatch, error) {
	if s.opts.IndexType == config.SQLite && !s.seqFileExists && !s.isInitial && !s.fullReplay {
		return nil, dberrors.ErrSeqFileMissing
	}
	return &WriteBatch{
		opts:    opts,
		store:   s,
		pending: make(map[string]*data.LogRecord),
	}, nil
}

func (wb *WriteBatch) Put(key []byte, value []byte) error {
	if len(key) == 0 {
		return dberrors.ErrKeyIsEmpty
	}

	wb.mu.Lock()
	defer wb.mu.Unlock()

	if err := wb.checkPending(key); err != nil {
		return err
	}
	wb.pending[string(key)] = &data.LogRecord{
		Key:   bytes.Clone(key),
		Value: bytes.Clone(value),
		Type:  data.LogRecordNormal,
	}
	return nil
}

// Delete records a deletion. A key absent from the store only loses its
// pending write.
func (wb *WriteBatch) Delete(key []byte) error {
	if len(key) == 0 {
		return dberrors.ErrKeyIsEmpty
	}

	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.committed {
		return dberrors.ErrBatchCommitted
	}
	if wb.store.index.Get(key) == nil {
		delete(wb.pending, string(key))
		return nil
	}
	if err := wb.checkPending(key); err != nil {
		return err
	}
	wb.pending[string(key)] = &data.LogRecord{
		Key:  bytes.Clone(key),
		Type: data.LogRecordDeleted,
	}
	return nil
}

func (wb *WriteBatch) checkPending(key []byte) error {
	if wb.committed {
		return dberrors.ErrBatchCommitted
	}
	if _, ok := wb.pending[string(key)]; !ok && uint(len(wb.pending)) >= wb.opts.MaxBatchNum {
		return dberrors.ErrExceedMaxBatchNum
	}
	return nil
}

// Count returns the number of pending writes.
func (wb *WriteBatch) Count() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	return len(wb.pending)
}

// Commit appends every pending record tagged with a fresh sequence number,
// then a finish marker, and applies the batch to the index in one step.
// A batch commits once.
func (wb *WriteBatch) Commit() error {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.committed {
		return dberrors.ErrBatchCommitted
	}
	if len(wb.pending) == 0 {
		wb.committed = true
		return nil
	}

	s := wb.store
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	records := make([]*data.LogRecord, 0, len(wb.pending))
	for _, record := range wb.pending {
		records = append(records, record)
	}

	positions, err := s.appendBatch(records, s.seqN.Next())
	if err != nil {
		return err
	}

	if wb.opts.SyncWrites && s.activeFile.WriteOff > 0 {
		if err := s.activeFile.Sync(); err != nil {
			return err
		}
	}

	var reclaim int64
	mutations := make([]index.Mutation, 0, len(records))
	for i, record := range records {
		if record.Type == data.LogRecordDeleted {
			reclaim += int64(positions[i].Size)
			mutations = append(mutations, index.Mutation{Key: record.Key})
			continue
		}
		mutations = append(mutations, index.Mutation{Key: record.Key, Pos: positions[i]})
	}
	// the finish marker is dead as soon as it is written
	reclaim += int64(positions[len(records)].Size)

	olds, ok := s.index.Apply(mutations)
	if !ok {
		return dberrors.ErrIndexUpdateFailed
	}
	for _, old := range olds {
		if old != nil {
			reclaim += int64(old.Size)
		}
	}
	s.reclaimSize.Add(reclaim)

	wb.pending = make(map[string]*data.LogRecord)
	wb.committed = true
	return nil
}

// appendBatch writes records tagged with seqNo followed by the finish marker,
// all into one data file, and returns their positions with the marker last.
// A reopened persistent index only replays the active file, so a batch must
// never span a rotation. Callers hold activeMu.
func (s *Store) appendBatch(records []*data.LogRecord, seqNo types.SequenceNumber) ([]*data.LogRecordPos, error) {
	encoded := make([][]byte, 0, len(records)+1)
	var total int64
	for _, record := range records {
		encRecord, size := data.EncodeLogRecord(&data.LogRecord{
			Key:   data.LogRecordKeyWithSeq(record.Key, seqNo),
			Value: record.Value,
			Type:  record.Type,
		})
		encoded = append(encoded, encRecord)
		total += size
	}
	finRecord, finSize := data.EncodeLogRecord(&data.LogRecord{
		Key:  data.LogRecordKeyWithSeq(txnFinKey, seqNo),
		Type: data.LogRecordTxnFinished,
	})
	encoded = append(encoded, finRecord)
	total += finSize

	if err := s.rotateIfFull(total); err != nil {
		return nil, err
	}

	positions := make([]*data.LogRecordPos, 0, len(encoded))
	for _, encRecord := range encoded {
		pos, err := s.writeEncoded(encRecord, int64(len(encRecord)))
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

package data

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"caskdb/pkg/dberrors"
	"caskdb/pkg/fio"
	"caskdb/pkg/types"
)

const (
	DataFileNameSuffix    = ".data"
	HintFileName          = "hint-index"
	MergeFinishedFileName = "merge-finished"
	SeqNoFileName         = "seq-no"
)

// DataFile is one append-only segment.
type DataFile struct {
	FileID    types.FileID
	WriteOff  int64
	IoManager fio.IOManager

	path string
}

// OpenDataFile opens the segment with the given id, creating it when absent.
func OpenDataFile(dirPath string, fileID uint32, ioType fio.IOType) (*DataFile, error) {
	return newDataFile(GetDataFileName(dirPath, fileID), fileID, ioType)
}

// OpenHintFile opens the hint file written by merge.
func OpenHintFile(dirPath string) (*DataFile, error) {
	return newDataFile(filepath.Join(dirPath, HintFileName), 0, fio.StandardFIO)
}

// OpenMergeFinishedFile opens the marker written when a merge completes.
func OpenMergeFinishedFile(dirPath string) (*DataFile, error) {
	return newDataFile(filepath.Join(dirPath, MergeFinishedFileName), 0, fio.StandardFIO)
}

// OpenSeqNoFile opens the file persisting the write batch sequence.
func OpenSeqNoFile(dirPath string) (*DataFile, error) {
	return newDataFile(filepath.Join(dirPath, SeqNoFileName), 0, fio.StandardFIO)
}

func GetDataFileName(dirPath string, fileID uint32) string {
	return filepath.Join(dirPath, fmt.Sprintf("%09d", fileID)+DataFileNameSuffix)
}

func newDataFile(path string, fileID uint32, ioType fio.IOType) (*DataFile, error) {
	ioManager, err := fio.NewIOManager(path, ioType)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", dberrors.ErrOpenDataFile, path, err)
	}
	return &DataFile{
		FileID:    fileID,
		IoManager: ioManager,
		path:      path,
	}, nil
}

// ReadLogRecord reads the record stored at offset and returns it together
// with its encoded size.
//
// io.EOF means offset is at or past the end of the data. io.ErrUnexpectedEOF
// means a record starts at offset but runs past the end of the file, which is
// what an interrupted append leaves behind. dberrors.ErrInvalidCRC means the
// bytes are all there but do not match their checksum; the returned size then
// still spans the damaged record when its header could be decoded.
func (df *DataFile) ReadLogRecord(offset int64) (*LogRecord, int64, error) {
	fileSize, err := df.IoManager.Size()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", dberrors.ErrReadDataFile, err)
	}
	if offset >= fileSize {
		return nil, 0, io.EOF
	}

	headerBytes := int64(maxLogRecordHeaderSize)
	if offset+headerBytes > fileSize {
		headerBytes = fileSize - offset
	}

	headerBuf, err := df.readNBytes(headerBytes, offset)
	if err != nil {
		return nil, 0, err
	}

	header, headerSize := decodeLogRecordHeader(headerBuf)
	if header == nil {
		if headerBytes < maxLogRecordHeaderSize {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, dberrors.ErrInvalidCRC
	}

	keySize, valueSize := int64(header.keySize), int64(header.valueSize)
	recordSize := headerSize + keySize + valueSize
	if offset+recordSize > fileSize {
		return nil, 0, io.ErrUnexpectedEOF
	}

	record := &LogRecord{Type: header.recordType}
	if keySize > 0 || valueSize > 0 {
		kvBuf, err := df.readNBytes(keySize+valueSize, offset+headerSize)
		if err != nil {
			return nil, 0, err
		}
		record.Key = kvBuf[:keySize]
		record.Value = kvBuf[keySize:]
	}

	if crc := getLogRecordCRC(record, headerBuf[crcSize:headerSize]); crc != header.crc {
		return nil, recordSize, dberrors.ErrInvalidCRC
	}
	return record, recordSize, nil
}

// HasRecordAfter reports whether a complete record with a valid checksum
// starts anywhere after offset.
func (df *DataFile) HasRecordAfter(offset int64) (bool, error) {
	fileSize, err := df.IoManager.Size()
	if err != nil {
		return false, fmt.Errorf("%w: %w", dberrors.ErrReadDataFile, err)
	}
	if offset+1 >= fileSize {
		return false, nil
	}

	buf, err := df.readNBytes(fileSize-offset-1, offset+1)
	if err != nil {
		return false, err
	}
	for i := range buf {
		if isRecordAt(buf[i:]) {
			return true, nil
		}
	}
	return false, nil
}

// Write appends buf and advances the write offset.
func (df *DataFile) Write(buf []byte) error {
	n, err := df.IoManager.Write(buf)
	df.WriteOff += int64(n)
	if err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrWriteDataFile, err)
	}
	return nil
}

// WriteHintRecord appends a key -> position entry.
func (df *DataFile) WriteHintRecord(key []byte, pos *LogRecordPos) error {
	value, err := EncodeLogRecordPos(pos)
	if err != nil {
		return fmt.Errorf("failed to encode hint position: %w", err)
	}
	record := &LogRecord{
		Key:   key,
		Value: value,
		Type:  LogRecordNormal,
	}
	encRecord, _ := EncodeLogRecord(record)
	return df.Write(encRecord)
}

func (df *DataFile) Sync() error {
	if err := df.IoManager.Sync(); err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrSyncDataFile, err)
	}
	return nil
}

func (df *DataFile) Close() error {
	return df.IoManager.Close()
}

// Path returns the file location on disk.
func (df *DataFile) Path() string {
	return df.path
}

// SetIOManager reopens the file with a different access type.
func (df *DataFile) SetIOManager(ioType fio.IOType) error {
	if err := df.IoManager.Close(); err != nil {
		return err
	}
	ioManager, err := fio.NewIOManager(df.path, ioType)
	if err != nil {
		return fmt.Errorf("%w %s: %w", dberrors.ErrOpenDataFile, df.path, err)
	}
	df.IoManager = ioManager
	return nil
}

// Truncate cuts the file to size and reopens it for appending.
// Only used to drop a torn tail at startup.
func (df *DataFile) Truncate(size int64) error {
	if err := df.IoManager.Close(); err != nil {
		return err
	}
	if err := os.Truncate(df.path, size); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", df.path, err)
	}
	ioManager, err := fio.NewIOManager(df.path, fio.StandardFIO)
	if err != nil {
		return fmt.Errorf("%w %s: %w", dberrors.ErrOpenDataFile, df.path, err)
	}
	df.IoManager = ioManager
	df.WriteOff = size
	return nil
}

func (df *DataFile) readNBytes(n int64, offset int64) ([]byte, error) {
	b := make([]byte, n)
	if _, err := df.IoManager.Read(b, offset); err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrReadDataFile, err)
	}
	return b, nil
}

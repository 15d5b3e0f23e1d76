package data

import (
	"encoding/binary"
	"hash/crc32"
	"math"

	"caskdb/pkg/types"

	"github.com/viant/bintly"
)

// LogRecordType marks what a record means during replay.
type LogRecordType = byte

const (
	LogRecordNormal LogRecordType = iota + 1
	LogRecordDeleted
	// LogRecordTxnFinished closes the records of one write batch.
	LogRecordTxnFinished
)

const crcSize = 4

// crc | type | keySize | valueSize
// 4   | 1    | max 5   | max 5
const maxLogRecordHeaderSize = crcSize + 1 + binary.MaxVarintLen32*2

// NonTransactionSeqNo tags records written outside of a write batch.
const NonTransactionSeqNo types.SequenceNumber = 0

// LogRecord is one entry appended to a data file. Deleted records are
// tombstones: they carry the key and an empty value.
type LogRecord struct {
	Key   []byte
	Value []byte
	Type  LogRecordType
}

// LogRecordPos is where a record lives on disk. It is the only thing the
// index stores per key.
type LogRecordPos struct {
	Fid    types.FileID
	Offset int64
	// Size is the encoded length of the record.
	Size uint32
}

// TransactionRecord is a batch record buffered during replay until its
// finish marker shows up.
type TransactionRecord struct {
	Record *LogRecord
	Pos    *LogRecordPos
}

type logRecordHeader struct {
	crc        uint32
	recordType LogRecordType
	keySize    uint32
	valueSize  uint32
}

// EncodeLogRecord encodes a record and returns the bytes and their length.
//
//	+----------+------+-------------+---------------+-----+-------+
//	| crc (LE) | type | key size    | value size    | key | value |
//	| 4 bytes  | 1    | uvarint(<5) | uvarint(<5)   |     |       |
//	+----------+------+-------------+---------------+-----+-------+
//
// The checksum covers every byte after the crc field.
func EncodeLogRecord(record *LogRecord) ([]byte, int64) {
	header := make([]byte, maxLogRecordHeaderSize)
	header[crcSize] = record.Type

	index := crcSize + 1
	index += binary.PutUvarint(header[index:], uint64(len(record.Key)))
	index += binary.PutUvarint(header[index:], uint64(len(record.Value)))

	size := index + len(record.Key) + len(record.Value)
	buf := make([]byte, size)
	copy(buf[:index], header[:index])
	copy(buf[index:], record.Key)
	copy(buf[index+len(record.Key):], record.Value)

	crc := crc32.ChecksumIEEE(buf[crcSize:])
	binary.LittleEndian.PutUint32(buf[:crcSize], crc)

	return buf, int64(size)
}

// decodeLogRecordHeader returns nil when buf does not hold a complete header.
func decodeLogRecordHeader(buf []byte) (*logRecordHeader, int64) {
	if len(buf) <= crcSize {
		return nil, 0
	}

	header := &logRecordHeader{
		crc:        binary.LittleEndian.Uint32(buf[:crcSize]),
		recordType: buf[crcSize],
	}

	index := crcSize + 1
	keySize, n := binary.Uvarint(buf[index:])
	if n <= 0 || keySize > math.MaxUint32 {
		return nil, 0
	}
	index += n

	valueSize, n := binary.Uvarint(buf[index:])
	if n <= 0 || valueSize > math.MaxUint32 {
		return nil, 0
	}
	index += n

	header.keySize = uint32(keySize)
	header.valueSize = uint32(valueSize)
	return header, int64(index)
}

// isRecordAt reports whether buf starts with a complete, intact record.
func isRecordAt(buf []byte) bool {
	header, headerSize := decodeLogRecordHeader(buf[:min(len(buf), maxLogRecordHeaderSize)])
	if header == nil || header.recordType < LogRecordNormal || header.recordType > LogRecordTxnFinished {
		return false
	}
	keyEnd := headerSize + int64(header.keySize)
	recordEnd := keyEnd + int64(header.valueSize)
	if recordEnd > int64(len(buf)) {
		return false
	}
	record := &LogRecord{Key: buf[headerSize:keyEnd], Value: buf[keyEnd:recordEnd]}
	return getLogRecordCRC(record, buf[crcSize:headerSize]) == header.crc
}

func getLogRecordCRC(record *LogRecord, header []byte) uint32 {
	if record == nil {
		return 0
	}
	crc := crc32.ChecksumIEEE(header)
	crc = crc32.Update(crc, crc32.IEEETable, record.Key)
	crc = crc32.Update(crc, crc32.IEEETable, record.Value)
	return crc
}

// LogRecordKeyWithSeq prefixes key with a write batch sequence number.
func LogRecordKeyWithSeq(key []byte, seqNo types.SequenceNumber) []byte {
	seq := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(seq, seqNo)

	encKey := make([]byte, n+len(key))
	copy(encKey[:n], seq[:n])
	copy(encKey[n:], key)
	return encKey
}

// ParseLogRecordKey splits a stored key into the user key and its sequence number.
func ParseLogRecordKey(key []byte) ([]byte, types.SequenceNumber) {
	seqNo, n := binary.Uvarint(key)
	if n <= 0 {
		return key, NonTransactionSeqNo
	}
	return key[n:], seqNo
}

func (p *LogRecordPos) EncodeBinary(stream *bintly.Writer) error {
	stream.Uint32(p.Fid)
	stream.Int64(p.Offset)
	stream.Uint32(p.Size)
	return nil
}

func (p *LogRecordPos) DecodeBinary(stream *bintly.Reader) error {
	stream.Uint32(&p.Fid)
	stream.Int64(&p.Offset)
	stream.Uint32(&p.Size)
	return nil
}

// EncodeLogRecordPos encodes a position for the hint file.
func EncodeLogRecordPos(pos *LogRecordPos) ([]byte, error) {
	return bintly.Encode(pos)
}

// DecodeLogRecordPos decodes a position written by EncodeLogRecordPos.
func DecodeLogRecordPos(buf []byte) (*LogRecordPos, error) {
	pos := &LogRecordPos{}
	if err := bintly.Decode(buf, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

package data

import (
	"errors"
	"io"
	"os"
	"testing"

	"caskdb/pkg/dberrors"
	"caskdb/pkg/fio"
)

func writeRecords(t *testing.T, df *DataFile, records []*LogRecord) []int64 {
	t.Helper()
	offsets := make([]int64, 0, len(records))
	for _, r := range records {
		offsets = append(offsets, df.WriteOff)
		enc, _ := EncodeLogRecord(r)
		if err := df.Write(enc); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	return offsets
}

func TestOpenDataFile(t *testing.T) {
	dir := t.TempDir()

	df, err := OpenDataFile(dir, 3, fio.StandardFIO)
	if err != nil {
		t.Fatalf("OpenDataFile failed: %v", err)
	}
	defer df.Close()

	if df.FileID != 3 || df.WriteOff != 0 {
		t.Fatalf("unexpected data file state: id=%d off=%d", df.FileID, df.WriteOff)
	}
	if _, err := os.Stat(GetDataFileName(dir, 3)); err != nil {
		t.Fatalf("data file should exist: %v", err)
	}
}

func TestDataFileReadLogRecord(t *testing.T) {
	dir := t.TempDir()
	df, err := OpenDataFile(dir, 0, fio.StandardFIO)
	if err != nil {
		t.Fatalf("OpenDataFile failed: %v", err)
	}
	defer df.Close()

	records := []*LogRecord{
		{Key: []byte("key1"), Value: []byte("value1"), Type: LogRecordNormal},
		{Key: []byte("key2"), Value: nil, Type: LogRecordNormal},
		{Key: []byte("key1"), Type: LogRecordDeleted},
	}
	offsets := writeRecords(t, df, records)
	if err := df.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	t.Run("Sequential", func(t *testing.T) {
		var offset int64
		for i, want := range records {
			if offset != offsets[i] {
				t.Fatalf("record %d: expected offset %d, got %d", i, offsets[i], offset)
			}
			got, size, err := df.ReadLogRecord(offset)
			if err != nil {
				t.Fatalf("ReadLogRecord failed: %v", err)
			}
			if string(got.Key) != string(want.Key) || string(got.Value) != string(want.Value) || got.Type != want.Type {
				t.Fatalf("record %d mismatch: %+v", i, got)
			}
			offset += size
		}

		if _, _, err := df.ReadLogRecord(offset); !errors.Is(err, io.EOF) {
			t.Fatalf("Expected EOF after the last record, got %v", err)
		}
	})

	t.Run("MemoryMapped", func(t *testing.T) {
		mm, err := OpenDataFile(dir, 0, fio.MemoryMap)
		if err != nil {
			t.Fatalf("OpenDataFile failed: %v", err)
		}
		defer mm.Close()

		got, _, err := mm.ReadLogRecord(offsets[2])
		if err != nil {
			t.Fatalf("ReadLogRecord failed: %v", err)
		}
		if got.Type != LogRecordDeleted {
			t.Fatalf("Expected tombstone, got type %d", got.Type)
		}
	})
}

func TestDataFileTornTail(t *testing.T) {
	dir := t.TempDir()
	df, err := OpenDataFile(dir, 0, fio.StandardFIO)
	if err != nil {
		t.Fatalf("OpenDataFile failed: %v", err)
	}
	defer df.Close()

	offsets := writeRecords(t, df, []*LogRecord{
		{Key: []byte("a"), Value: []byte("first"), Type: LogRecordNormal},
		{Key: []byte("b"), Value: []byte("second"), Type: LogRecordNormal},
	})
	full := df.WriteOff

	// drop the last three bytes of the second record
	if err := df.Truncate(full - 3); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	if _, _, err := df.ReadLogRecord(offsets[0]); err != nil {
		t.Fatalf("first record should survive: %v", err)
	}
	if _, _, err := df.ReadLogRecord(offsets[1]); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Expected ErrUnexpectedEOF, got %v", err)
	}

	// a header cut in half is torn as well
	if err := df.Truncate(offsets[1] + 2); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if _, _, err := df.ReadLogRecord(offsets[1]); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestDataFileInvalidCRC(t *testing.T) {
	dir := t.TempDir()
	df, err := OpenDataFile(dir, 0, fio.StandardFIO)
	if err != nil {
		t.Fatalf("OpenDataFile failed: %v", err)
	}

	writeRecords(t, df, []*LogRecord{{Key: []byte("key"), Value: []byte("value"), Type: LogRecordNormal}})
	if err := df.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// flip a byte of the value
	path := GetDataFileName(dir, 0)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	df, err = OpenDataFile(dir, 0, fio.StandardFIO)
	if err != nil {
		t.Fatalf("OpenDataFile failed: %v", err)
	}
	defer df.Close()

	if _, _, err := df.ReadLogRecord(0); !errors.Is(err, dberrors.ErrInvalidCRC) {
		t.Fatalf("Expected ErrInvalidCRC, got %v", err)
	}
}

func TestDataFileHintRecord(t *testing.T) {
	hint, err := OpenHintFile(t.TempDir())
	if err != nil {
		t.Fatalf("OpenHintFile failed: %v", err)
	}
	defer hint.Close()

	want := &LogRecordPos{Fid: 2, Offset: 512, Size: 30}
	if err := hint.WriteHintRecord([]byte("key"), want); err != nil {
		t.Fatalf("WriteHintRecord failed: %v", err)
	}

	record, _, err := hint.ReadLogRecord(0)
	if err != nil {
		t.Fatalf("ReadLogRecord failed: %v", err)
	}
	got, err := DecodeLogRecordPos(record.Value)
	if err != nil {
		t.Fatalf("DecodeLogRecordPos failed: %v", err)
	}
	if string(record.Key) != "key" || *got != *want {
		t.Fatalf("unexpected hint entry: %s -> %+v", record.Key, *got)
	}
}

func TestDataFileHasRecordAfter(t *testing.T) {
	dir := t.TempDir()
	df, err := OpenDataFile(dir, 0, fio.StandardFIO)
	if err != nil {
		t.Fatalf("OpenDataFile failed: %v", err)
	}
	defer df.Close()

	records := []*LogRecord{
		{Key: []byte("key1"), Value: []byte("value1"), Type: LogRecordNormal},
		{Key: []byte("key2"), Value: []byte("value2"), Type: LogRecordNormal},
	}
	offsets := writeRecords(t, df, records)

	// a partial third record
	enc, _ := EncodeLogRecord(&LogRecord{Key: []byte("key3"), Value: []byte("value3"), Type: LogRecordNormal})
	tornOffset := df.WriteOff
	if err := df.Write(enc[:len(enc)-2]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	tests := []struct {
		name   string
		offset int64
		want   bool
	}{
		{name: "before an intact record", offset: offsets[0], want: true},
		{name: "inside the first record", offset: offsets[0] + 3, want: true},
		{name: "last intact record", offset: offsets[1], want: false},
		{name: "torn record", offset: tornOffset, want: false},
		{name: "end of file", offset: df.WriteOff, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := df.HasRecordAfter(tt.offset)
			if err != nil {
				t.Fatalf("HasRecordAfter failed: %v", err)
			}
			if got != tt.want {
				t.Fatalf("HasRecordAfter(%d) = %v, want %v", tt.offset, got, tt.want)
			}
		})
	}
}

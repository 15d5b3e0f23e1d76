package fio

import "errors"

const DataFilePerm = 0644

// IOType selects how a data file is accessed.
type IOType = byte

const (
	// StandardFIO is buffered file IO, the only type that supports writes.
	StandardFIO IOType = iota
	// MemoryMap maps the file read-only; used to speed up startup replay.
	MemoryMap
)

var ErrReadOnly = errors.New("fio: memory mapped file is read only")

// IOManager is the byte-level capability a data file is built on.
type IOManager interface {
	// Read reads len(b) bytes starting at offset.
	Read(b []byte, offset int64) (int, error)
	// Write appends b to the end of the file.
	Write(b []byte) (int, error)
	// Sync flushes written data to durable storage.
	Sync() error
	// Close releases the file.
	Close() error
	// Size returns the current file size.
	Size() (int64, error)
}

// NewIOManager opens path with the requested access type.
func NewIOManager(path string, ioType IOType) (IOManager, error) {
	switch ioType {
	case StandardFIO:
		return NewFileIO(path)
	case MemoryMap:
		return NewMMapIO(path)
	default:
		return nil, errors.New("fio: unsupported io type")
	}
}

//go:build windows

package fio

import (
	"io"
	"os"
)

// MMap falls back to positional reads on windows; the contract
// (read-only, fixed size snapshot) is the same.
type MMap struct {
	fd   *os.File
	size int64
}

func NewMMapIO(path string) (*MMap, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, DataFilePerm)
	if err != nil {
		return nil, err
	}
	info, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, err
	}
	return &MMap{fd: fd, size: info.Size()}, nil
}

func (m *MMap) Read(b []byte, offset int64) (int, error) {
	if offset >= m.size {
		return 0, io.EOF
	}
	if offset+int64(len(b)) > m.size {
		n, err := m.fd.ReadAt(b[:m.size-offset], offset)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return m.fd.ReadAt(b, offset)
}

func (m *MMap) Write([]byte) (int, error) {
	return 0, ErrReadOnly
}

func (m *MMap) Sync() error {
	return ErrReadOnly
}

func (m *MMap) Close() error {
	return m.fd.Close()
}

func (m *MMap) Size() (int64, error) {
	return m.size, nil
}

//go:build !windows

package fio

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// MMap is a read-only memory mapping of a whole file.
// The mapping is a snapshot of the size at open time.
type MMap struct {
	fd   *os.File
	data []byte
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

	m := &MMap{fd: fd}
	if info.Size() == 0 {
		// zero-length mappings are rejected by the kernel
		return m, nil
	}

	data, err := unix.Mmap(int(fd.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("failed to mmap %s: %w", path, err)
	}
	m.data = data
	return m, nil
}

func (m *MMap) Read(b []byte, offset int64) (int, error) {
	if offset >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(b, m.data[offset:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MMap) Write([]byte) (int, error) {
	return 0, ErrReadOnly
}

func (m *MMap) Sync() error {
	return ErrReadOnly
}

func (m *MMap) Close() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return err
		}
		m.data = nil
	}
	return m.fd.Close()
}

func (m *MMap) Size() (int64, error) {
	return int64(len(m.data)), nil
}

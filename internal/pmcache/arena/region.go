// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package arena

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is a byte-addressable piece of storage. It is either plain memory,
// which is useful for testing, or a file or DAX device mapped into the
// address space, in which case every store lands directly in the backing
// media.
//
// Region does not synchronize accesses. Callers own disjoint byte ranges
// (blocks handed out by the allocator) or hold the appropriate lock.
type Region struct {
	data []byte

	sync  func() error
	close func() error
}

// NewMemory returns volatile region of size bytes.
func NewMemory(size uint64) *Region {
	return &Region{
		data:  make([]byte, size),
		sync:  func() error { return nil },
		close: func() error { return nil },
	}
}

// OpenMapped maps file on path into memory. Regular files are extended to
// size if they are smaller. For character devices (/dev/dax*) size has to be
// provided by the caller since stat does not report it.
func OpenMapped(path string, size uint64) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open arena %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to stat arena %s: %w", path, err)
	}

	if st.Mode&unix.S_IFMT == unix.S_IFREG && uint64(st.Size) < size {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to extend arena %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to mmap arena %s: %w", path, err)
	}

	r := &Region{
		data: data,
		sync: func() error {
			return unix.Msync(data, unix.MS_SYNC)
		},
		close: func() error {
			if err := unix.Munmap(data); err != nil {
				unix.Close(fd)
				return err
			}
			return unix.Close(fd)
		},
	}

	return r, nil
}

// Len returns size of the region in bytes.
func (r *Region) Len() uint64 {
	return uint64(len(r.data))
}

// Bytes returns slice aliasing n bytes of the region starting at off.
func (r *Region) Bytes(off, n uint64) []byte {
	return r.data[off : off+n : off+n]
}

func (r *Region) Uint64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(r.data[off:])
}

func (r *Region) PutUint64(off, v uint64) {
	binary.LittleEndian.PutUint64(r.data[off:], v)
}

// Zero clears n bytes starting at off.
func (r *Region) Zero(off, n uint64) {
	b := r.data[off : off+n]
	for i := range b {
		b[i] = 0
	}
}

// Sync makes all stores durable. It is a no-op for memory regions.
func (r *Region) Sync() error {
	return r.sync()
}

func (r *Region) Close() error {
	return r.close()
}

// Exists reports whether path names an existing arena file or device.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

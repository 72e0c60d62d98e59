// Package shm provides helpers for memory shared with the kernel.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Create returns an anonymous memory-backed file of the given size.
func Create(name string, size int) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create memfd: %w", err)
	}

	file := os.NewFile(uintptr(fd), name)
	err = file.Truncate(int64(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("truncate memfd: %w", err)
	}
	return file, nil
}

type Mmap []byte

// Map maps size bytes of fd, starting at offset, for reading and
// writing.
func Map(fd int, offset int64, size int) (Mmap, error) {
	m, err := unix.Mmap(fd, offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	return Mmap(m), err
}

func MapFile(file *os.File, size int) (mmap Mmap, err error) {
	sc, err := file.SyscallConn()
	if err != nil {
		return nil, err
	}

	cerr := sc.Control(func(fd uintptr) {
		mmap, err = Map(int(fd), 0, size)
	})
	if cerr != nil {
		return nil, cerr
	}
	return mmap, err
}

func (mmap Mmap) Unmap() error {
	if mmap == nil {
		return nil
	}
	return unix.Munmap(mmap)
}

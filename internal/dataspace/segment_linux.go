//go:build linux && (amd64 || arm64)

package dataspace

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Grounded on the teacher's shm_segment.go/shm_mmap_unix.go: a named
// /dev/shm file, ftruncate'd to size and mmap'd MAP_SHARED. The teacher
// called syscall.Mmap/syscall.Munmap directly; this repo uses
// golang.org/x/sys/unix's wrapper instead (DOMAIN STACK), same
// syscalls.

type segment struct {
	name  string
	size  uint64
	mem   []byte
	fd    int
	owner bool
}

func shmPath(name string) string {
	return "/dev/shm/nre-" + name
}

func createSegment(name string, size uint64) (*segment, error) {
	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("dataspace: create segment %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, fmt.Errorf("dataspace: ftruncate segment %s: %w", name, err)
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, fmt.Errorf("dataspace: mmap segment %s: %w", name, err)
	}
	return &segment{name: name, size: size, mem: mem, fd: fd, owner: true}, nil
}

func openSegment(name string, size uint64) (*segment, error) {
	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("dataspace: open segment %s: %w", name, err)
	}
	if size == 0 {
		st, err := os.Stat(path)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("dataspace: stat segment %s: %w", name, err)
		}
		size = uint64(st.Size())
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dataspace: mmap segment %s: %w", name, err)
	}
	return &segment{name: name, size: size, mem: mem, fd: fd, owner: false}, nil
}

func (s *segment) close(unlink bool) error {
	if err := unix.Munmap(s.mem); err != nil {
		return fmt.Errorf("dataspace: munmap segment %s: %w", s.name, err)
	}
	unix.Close(s.fd)
	if unlink {
		unix.Unlink(shmPath(s.name))
	}
	return nil
}

// lock pins the segment's pages in RAM, the userspace-reachable half
// of a LOCKED dataspace's "phys is pinned" invariant: the pages this
// process touches for it are never swapped out from under a caller
// that cached their address.
func (s *segment) lock() error {
	if err := unix.Mlock(s.mem); err != nil {
		return fmt.Errorf("dataspace: mlock segment %s: %w", s.name, err)
	}
	return nil
}

func (s *segment) unlock() error {
	if err := unix.Munlock(s.mem); err != nil {
		return fmt.Errorf("dataspace: munlock segment %s: %w", s.name, err)
	}
	return nil
}

package queue

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// arena is one anonymous mapping split into page-aligned per-tag buffers.
// A tag's buffer is lent to the kernel with each fetch and returned with
// the completion; in between it belongs to the target.
type arena struct {
	mem     []byte
	bufSize int
	depth   int
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}

func newArena(depth int, maxIO uint32) (*arena, error) {
	bufSize := roundUp(int(maxIO), os.Getpagesize())
	mem, err := unix.Mmap(-1, 0, depth*bufSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d buffers of %d bytes: %w", depth, bufSize, err)
	}
	return &arena{mem: mem, bufSize: bufSize, depth: depth}, nil
}

// buf returns tag's buffer with its capacity capped to the buffer size.
func (a *arena) buf(tag uint16) []byte {
	off := int(tag) * a.bufSize
	return a.mem[off : off+a.bufSize : off+a.bufSize]
}

func (a *arena) addr(tag uint16) uint64 {
	return uint64(uintptr(unsafe.Pointer(&a.mem[int(tag)*a.bufSize])))
}

// release drops the backing pages. Contents read as zero afterwards and
// pages fault back in on next use.
func (a *arena) release() error {
	return unix.Madvise(a.mem, unix.MADV_DONTNEED)
}

func (a *arena) free() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

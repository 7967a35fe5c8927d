// Package uring provides the io_uring operations needed by ublk
package uring

import (
	"errors"
	"time"
)

var (
	// ErrRingFull is returned when no submission entry is available.
	ErrRingFull = errors.New("uring: submission queue full")
	// ErrTimeout is returned by SubmitAndWait when the wait expired with
	// nothing to reap.
	ErrTimeout = errors.New("uring: wait timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("uring: ring closed")
)

// Ring is an io_uring owned by a single goroutine. Entries are queued with
// the Prep methods and handed to the kernel by SubmitAndWait.
type Ring interface {
	// Close releases the ring.
	Close() error

	// RegisterFiles installs the fixed-file table used by entries prepared
	// with fixed file indexes.
	RegisterFiles(fds []int) error

	// UnregisterFiles removes the fixed-file table.
	UnregisterFiles() error

	// PrepUringCmd queues an IORING_OP_URING_CMD. cmd is copied into the
	// 80-byte command area of the 128-byte entry. When fixed is set, fd is
	// an index into the fixed-file table.
	PrepUringCmd(fd int, fixed bool, cmdOp uint32, cmd []byte, userData uint64) error

	// PrepRead queues a read into buf from fixed file fileIndex.
	PrepRead(fileIndex int, buf []byte, offset uint64, userData uint64) error

	// PrepWrite queues a write of buf to fixed file fileIndex.
	PrepWrite(fileIndex int, buf []byte, offset uint64, userData uint64) error

	// PrepFsync queues an fsync of fixed file fileIndex.
	PrepFsync(fileIndex int, datasync bool, userData uint64) error

	// Pending returns the number of prepared entries not yet submitted.
	Pending() uint32

	// SubmitAndWait submits prepared entries and waits for at least one
	// completion. A timeout <= 0 waits without bound. It returns the
	// number of entries submitted; ErrTimeout reports an expired wait.
	SubmitAndWait(timeout time.Duration) (int, error)

	// Reap hands every available completion to fn and returns how many
	// were consumed.
	Reap(fn func(Result)) int
}

// Result is one completion.
type Result struct {
	UserData uint64
	Value    int32
}

// Setup flags
const (
	SetupCoopTaskrun uint32 = 1 << 8
	SetupSQE128      uint32 = 1 << 10
)

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32 // submission queue entries
	Flags   uint32 // setup flags; SQE128 is always added

	// RegisterRingFd registers the ring fd with itself so io_uring_enter
	// can skip the fd lookup. Failure is not fatal.
	RegisterRingFd bool
}

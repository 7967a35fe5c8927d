package uring

import (
	"errors"
	"fmt"
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

// io_uring opcodes and SQE layout used by ublk.
const (
	opFsync    = 3
	opRead     = 22
	opWrite    = 23
	opUringCmd = 46

	sqeFixedFile  = 1 << 0
	fsyncDatasync = 1 << 0

	sqe128Size   = 128
	sqeCmdOffset = 48 // offsetof(struct io_uring_sqe, addr3)
	sqeCmdLen    = sqe128Size - sqeCmdOffset
)

type giouRing struct {
	ring    *giouring.Ring
	cqes    []*giouring.CompletionQueueEvent
	results []Result
	closed  bool
}

// NewRing creates an SQE128 ring backed by giouring.
func NewRing(config Config) (Ring, error) {
	ring := giouring.NewRing()
	if err := ring.QueueInit(config.Entries, config.Flags|SetupSQE128); err != nil {
		return nil, fmt.Errorf("io_uring setup (%d entries): %w", config.Entries, err)
	}

	if config.RegisterRingFd {
		_, _ = ring.RegisterRingFd()
	}

	return &giouRing{
		ring:    ring,
		cqes:    make([]*giouring.CompletionQueueEvent, 2*config.Entries),
		results: make([]Result, 0, 2*config.Entries),
	}, nil
}

func (r *giouRing) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.ring.QueueExit()
	return nil
}

func (r *giouRing) RegisterFiles(fds []int) error {
	if _, err := r.ring.RegisterFiles(fds); err != nil {
		return fmt.Errorf("register %d files: %w", len(fds), err)
	}
	return nil
}

func (r *giouRing) UnregisterFiles() error {
	if _, err := r.ring.UnregisterFiles(); err != nil {
		return fmt.Errorf("unregister files: %w", err)
	}
	return nil
}

// entry returns a zeroed 128-byte submission entry.
func (r *giouRing) entry() (*giouring.SubmissionQueueEntry, []byte, error) {
	if r.closed {
		return nil, nil, ErrClosed
	}
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return nil, nil, ErrRingFull
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(sqe)), sqe128Size)
	clear(raw)
	return sqe, raw, nil
}

func (r *giouRing) PrepUringCmd(fd int, fixed bool, cmdOp uint32, cmd []byte, userData uint64) error {
	if len(cmd) > sqeCmdLen {
		return fmt.Errorf("uring cmd payload %d exceeds %d bytes", len(cmd), sqeCmdLen)
	}
	sqe, raw, err := r.entry()
	if err != nil {
		return err
	}
	sqe.OpCode = opUringCmd
	sqe.Fd = int32(fd)
	if fixed {
		sqe.Flags = sqeFixedFile
	}
	// cmd_op shares its slot with the low 32 bits of off
	sqe.Off = uint64(cmdOp)
	sqe.UserData = userData
	copy(raw[sqeCmdOffset:], cmd)
	return nil
}

func (r *giouRing) prepRW(op uint8, fileIndex int, buf []byte, offset uint64, userData uint64) error {
	sqe, _, err := r.entry()
	if err != nil {
		return err
	}
	sqe.OpCode = op
	sqe.Flags = sqeFixedFile
	sqe.Fd = int32(fileIndex)
	sqe.Off = offset
	if len(buf) > 0 {
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		sqe.Len = uint32(len(buf))
	}
	sqe.UserData = userData
	return nil
}

func (r *giouRing) PrepRead(fileIndex int, buf []byte, offset uint64, userData uint64) error {
	return r.prepRW(opRead, fileIndex, buf, offset, userData)
}

func (r *giouRing) PrepWrite(fileIndex int, buf []byte, offset uint64, userData uint64) error {
	return r.prepRW(opWrite, fileIndex, buf, offset, userData)
}

func (r *giouRing) PrepFsync(fileIndex int, datasync bool, userData uint64) error {
	sqe, _, err := r.entry()
	if err != nil {
		return err
	}
	sqe.OpCode = opFsync
	sqe.Flags = sqeFixedFile
	sqe.Fd = int32(fileIndex)
	if datasync {
		sqe.OpcodeFlags = fsyncDatasync
	}
	sqe.UserData = userData
	return nil
}

func (r *giouRing) Pending() uint32 {
	return r.ring.SQReady()
}

func (r *giouRing) SubmitAndWait(timeout time.Duration) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	pending := int(r.ring.SQReady())

	var err error
	if timeout > 0 {
		ts := syscall.NsecToTimespec(timeout.Nanoseconds())
		_, err = r.ring.SubmitAndWaitTimeout(1, &ts, nil)
	} else {
		_, err = r.ring.SubmitAndWait(1)
	}

	switch {
	case err == nil:
		return pending, nil
	case errors.Is(err, syscall.ETIME):
		return pending, ErrTimeout
	case errors.Is(err, syscall.EINTR):
		return pending, nil
	default:
		return 0, err
	}
}

func (r *giouRing) Reap(fn func(Result)) int {
	n := r.ring.PeekBatchCQE(r.cqes)
	if n == 0 {
		return 0
	}
	r.results = r.results[:0]
	for i := uint32(0); i < n; i++ {
		r.results = append(r.results, Result{UserData: r.cqes[i].UserData, Value: r.cqes[i].Res})
	}
	r.ring.CQAdvance(n)

	// completions are released before the callbacks queue new entries
	for _, res := range r.results {
		fn(res)
	}
	return int(n)
}

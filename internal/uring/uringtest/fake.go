// Package uringtest provides an in-memory uring.Ring that plays the kernel
// side of the ublk protocol for tests.
package uringtest

import (
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/miniublk/internal/uapi"
	"github.com/ehrlich-b/miniublk/internal/uring"
)

// Kind identifies the operation of a submission.
type Kind int

const (
	KindUringCmd Kind = iota
	KindRead
	KindWrite
	KindFsync
)

// Submission is a prepared entry as seen by the fake kernel.
type Submission struct {
	Kind     Kind
	Fd       int
	Fixed    bool
	CmdOp    uint32
	Cmd      []byte
	Buf      []byte
	Offset   uint64
	Datasync bool
	UserData uint64
}

// Commit records one COMMIT_AND_FETCH_REQ received for a tag. Data holds
// the first Result bytes of the tag's buffer at commit time, which is what
// the kernel would copy out for a read.
type Commit struct {
	Tag    uint16
	Result int32
	Data   []byte
}

// CmdHandler answers a URING_CMD synchronously. Returning complete=false
// leaves the command parked.
type CmdHandler func(s Submission) (res int32, complete bool)

// FakeRing implements uring.Ring. With no CmdHandler it behaves like a
// ublk character device: fetches park until Deliver, commits are recorded,
// and Abort fails every parked command with UBLK_IO_RES_ABORT. Reads,
// writes and fsyncs run synchronously against the registered files.
type FakeRing struct {
	CmdHandler CmdHandler

	// Region is the descriptor region Deliver writes into.
	Region []byte

	mu          sync.Mutex
	prepared    []Submission
	completions []uring.Result
	parked      map[uint16]uint64 // tag -> user_data of the parked fetch
	bufAddr     map[uint16]uint64
	commits     []Commit
	files       []int
	submissions []Submission
	closed      bool
	aborted     bool
	notify      chan struct{}

	// Capacity bounds prepared entries; zero means unbounded.
	Capacity int
}

var _ uring.Ring = (*FakeRing)(nil)

// NewFakeRing returns a ring with no parked commands.
func NewFakeRing() *FakeRing {
	return &FakeRing{
		parked:  make(map[uint16]uint64),
		bufAddr: make(map[uint16]uint64),
		notify:  make(chan struct{}, 1),
	}
}

func (f *FakeRing) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *FakeRing) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wake()
	return nil
}

// Closed reports whether Close was called.
func (f *FakeRing) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeRing) RegisterFiles(fds []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append([]int(nil), fds...)
	return nil
}

func (f *FakeRing) UnregisterFiles() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = nil
	return nil
}

// Files returns the registered fixed-file table.
func (f *FakeRing) Files() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.files...)
}

func (f *FakeRing) prep(s Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return uring.ErrClosed
	}
	if f.Capacity > 0 && len(f.prepared) >= f.Capacity {
		return uring.ErrRingFull
	}
	f.prepared = append(f.prepared, s)
	return nil
}

func (f *FakeRing) PrepUringCmd(fd int, fixed bool, cmdOp uint32, cmd []byte, userData uint64) error {
	return f.prep(Submission{
		Kind: KindUringCmd, Fd: fd, Fixed: fixed, CmdOp: cmdOp,
		Cmd: append([]byte(nil), cmd...), UserData: userData,
	})
}

func (f *FakeRing) PrepRead(fileIndex int, buf []byte, offset uint64, userData uint64) error {
	return f.prep(Submission{Kind: KindRead, Fd: fileIndex, Fixed: true, Buf: buf, Offset: offset, UserData: userData})
}

func (f *FakeRing) PrepWrite(fileIndex int, buf []byte, offset uint64, userData uint64) error {
	return f.prep(Submission{Kind: KindWrite, Fd: fileIndex, Fixed: true, Buf: buf, Offset: offset, UserData: userData})
}

func (f *FakeRing) PrepFsync(fileIndex int, datasync bool, userData uint64) error {
	return f.prep(Submission{Kind: KindFsync, Fd: fileIndex, Fixed: true, Datasync: datasync, UserData: userData})
}

func (f *FakeRing) Pending() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint32(len(f.prepared))
}

func (f *FakeRing) SubmitAndWait(timeout time.Duration) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, uring.ErrClosed
	}
	batch := f.prepared
	f.prepared = nil
	f.mu.Unlock()

	for _, s := range batch {
		f.execute(s)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		f.mu.Lock()
		ready := len(f.completions) > 0
		closed := f.closed
		f.mu.Unlock()
		if ready || closed {
			return len(batch), nil
		}
		select {
		case <-f.notify:
		case <-timer:
			return len(batch), uring.ErrTimeout
		}
	}
}

func (f *FakeRing) Reap(fn func(uring.Result)) int {
	f.mu.Lock()
	done := f.completions
	f.completions = nil
	f.mu.Unlock()

	for _, r := range done {
		fn(r)
	}
	return len(done)
}

func (f *FakeRing) complete(userData uint64, res int32) {
	f.completions = append(f.completions, uring.Result{UserData: userData, Value: res})
}

func (f *FakeRing) execute(s Submission) {
	f.mu.Lock()
	f.submissions = append(f.submissions, s)
	f.mu.Unlock()

	switch s.Kind {
	case KindUringCmd:
		if f.CmdHandler != nil {
			res, ok := f.CmdHandler(s)
			if ok {
				f.mu.Lock()
				f.complete(s.UserData, res)
				f.mu.Unlock()
				f.wake()
			}
			return
		}
		f.ioCmd(s)
	case KindRead, KindWrite, KindFsync:
		res := f.fileOp(s)
		f.mu.Lock()
		f.complete(s.UserData, res)
		f.mu.Unlock()
		f.wake()
	}
}

func (f *FakeRing) ioCmd(s Submission) {
	var cmd uapi.UblksrvIOCmd
	if err := uapi.UnmarshalIOCmd(s.Cmd, &cmd); err != nil {
		f.mu.Lock()
		f.complete(s.UserData, -int32(syscall.EINVAL))
		f.mu.Unlock()
		f.wake()
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.wake()

	switch uapi.CmdNr(s.CmdOp) {
	case uapi.UBLK_IO_COMMIT_AND_FETCH_REQ:
		c := Commit{Tag: cmd.Tag, Result: cmd.Result}
		if addr := f.bufAddr[cmd.Tag]; addr != 0 && cmd.Result > 0 {
			c.Data = append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), cmd.Result)...)
		}
		f.commits = append(f.commits, c)
		fallthrough
	case uapi.UBLK_IO_FETCH_REQ:
		if _, busy := f.parked[cmd.Tag]; busy {
			// the driver rejects a second command for a tag it already holds
			f.complete(s.UserData, -int32(syscall.EBUSY))
			return
		}
		if f.aborted {
			f.complete(s.UserData, uapi.UBLK_IO_RES_ABORT)
			return
		}
		f.bufAddr[cmd.Tag] = cmd.Addr
		f.parked[cmd.Tag] = s.UserData
	default:
		f.complete(s.UserData, -int32(syscall.EINVAL))
	}
}

func (f *FakeRing) fileOp(s Submission) int32 {
	f.mu.Lock()
	files := f.files
	f.mu.Unlock()
	if s.Fd < 0 || s.Fd >= len(files) {
		return -int32(syscall.EBADF)
	}
	fd := files[s.Fd]

	var (
		n   int
		err error
	)
	switch s.Kind {
	case KindRead:
		n, err = unix.Pread(fd, s.Buf, int64(s.Offset))
	case KindWrite:
		n, err = unix.Pwrite(fd, s.Buf, int64(s.Offset))
	case KindFsync:
		if s.Datasync {
			err = unix.Fdatasync(fd)
		} else {
			err = unix.Fsync(fd)
		}
	}
	if err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return -int32(errno)
		}
		return -int32(syscall.EIO)
	}
	return int32(n)
}

// Parked reports whether a fetch is parked for tag.
func (f *FakeRing) Parked(tag uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.parked[tag]
	return ok
}

// ParkedCount returns the number of parked fetches.
func (f *FakeRing) ParkedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.parked)
}

// Deliver writes desc into Region for tag, copies payload into the tag's
// buffer (as the kernel does for writes) and completes the parked fetch.
func (f *FakeRing) Deliver(tag uint16, desc uapi.UblksrvIODesc, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ud, ok := f.parked[tag]
	if !ok {
		return fmt.Errorf("no fetch parked for tag %d", tag)
	}
	if len(f.Region) < (int(tag)+1)*uapi.IODescSize {
		return fmt.Errorf("descriptor region too small for tag %d", tag)
	}
	desc.Addr = f.bufAddr[tag]
	uapi.PutIODesc(f.Region[int(tag)*uapi.IODescSize:], &desc)
	if len(payload) > 0 {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(desc.Addr))), len(payload))
		copy(dst, payload)
	}

	delete(f.parked, tag)
	f.complete(ud, uapi.UBLK_IO_RES_OK)
	f.wake()
	return nil
}

// Abort fails every parked command and every later fetch with
// UBLK_IO_RES_ABORT, as STOP_DEV does.
func (f *FakeRing) Abort() {
	f.mu.Lock()
	f.aborted = true
	for tag, ud := range f.parked {
		f.complete(ud, uapi.UBLK_IO_RES_ABORT)
		delete(f.parked, tag)
	}
	f.mu.Unlock()
	f.wake()
}

// Commits returns every commit received so far.
func (f *FakeRing) Commits() []Commit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Commit(nil), f.commits...)
}

// Submissions returns every executed submission in order.
func (f *FakeRing) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

package ublk

import (
	"sync"
	"syscall"

	"github.com/ehrlich-b/miniublk/internal/interfaces"
	"github.com/ehrlich-b/miniublk/internal/uapi"
)

// Target is the backend contract a device serves requests with. The
// built-in targets live in package target; Options.Target accepts any
// other implementation.
type Target = interfaces.Target

// MockTarget is an in-memory Target that completes every request inline.
// It records what it was asked to do, which makes it useful for testing
// code built on this package.
type MockTarget struct {
	mu     sync.Mutex
	data   []byte
	calls  map[uint8]int
	fail   map[uint8]syscall.Errno
	inits  int
	deinit int
}

// NewMockTarget returns a zero-filled target of size bytes.
func NewMockTarget(size int64) *MockTarget {
	return &MockTarget{
		data:  make([]byte, size),
		calls: make(map[uint8]int),
		fail:  make(map[uint8]syscall.Errno),
	}
}

func (m *MockTarget) Name() string { return "mock" }

func (m *MockTarget) Init(dev *interfaces.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inits++
	dev.Geometry = interfaces.Geometry{
		DevSize:         uint64(len(m.data)),
		LogicalBSShift:  9,
		PhysicalBSShift: 12,
		IOOptShift:      12,
		IOMinShift:      9,
		MaxSectors:      dev.MaxIOBytes >> 9,
	}
	return nil
}

func (m *MockTarget) Deinit(*interfaces.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deinit++
	return nil
}

func (m *MockTarget) QueueIO(q interfaces.Queue, tag uint16) (int, error) {
	desc := q.Desc(tag)
	op := desc.GetOp()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if errno, ok := m.fail[op]; ok {
		return 0, errno
	}

	off, n := desc.Offset(), uint64(desc.Length())
	if op != uapi.UBLK_IO_OP_FLUSH && off+n > uint64(len(m.data)) {
		return 0, syscall.EINVAL
	}
	switch op {
	case uapi.UBLK_IO_OP_READ:
		copy(q.Buffer(tag)[:n], m.data[off:off+n])
	case uapi.UBLK_IO_OP_WRITE:
		copy(m.data[off:off+n], q.Buffer(tag)[:n])
	case uapi.UBLK_IO_OP_DISCARD, uapi.UBLK_IO_OP_WRITE_ZEROES:
		clear(m.data[off : off+n])
	case uapi.UBLK_IO_OP_FLUSH:
		n = 0
	default:
		return 0, syscall.EINVAL
	}
	q.CompleteIO(tag, int32(n))
	return 0, nil
}

func (m *MockTarget) IODone(_ interfaces.Queue, _ uint16, res int32) int32 {
	return res
}

// FailOp makes every later request with op fail with errno.
func (m *MockTarget) FailOp(op uint8, errno syscall.Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = errno
}

// Calls returns how many requests with op were queued.
func (m *MockTarget) Calls(op uint8) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Lifecycle returns how many times Init and Deinit ran.
func (m *MockTarget) Lifecycle() (inits, deinits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inits, m.deinit
}

// ReadAt copies stored bytes at off into p.
func (m *MockTarget) ReadAt(p []byte, off int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0
	}
	return copy(p, m.data[off:])
}

var _ Target = (*MockTarget)(nil)

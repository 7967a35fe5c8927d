// Package queue runs the per-queue fetch/commit loop against the ublk
// character device.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/miniublk/internal/constants"
	"github.com/ehrlich-b/miniublk/internal/interfaces"
	"github.com/ehrlich-b/miniublk/internal/logging"
	"github.com/ehrlich-b/miniublk/internal/uapi"
	"github.com/ehrlich-b/miniublk/internal/uring"
)

// Queue-fatal failures. Run wraps the underlying error with one of these.
var (
	ErrRingSetup = errors.New("queue ring setup failed")
	ErrMmap      = errors.New("descriptor region mmap failed")
	ErrArena     = errors.New("buffer arena allocation failed")
	ErrRing      = errors.New("queue ring failed")
)

// charFileIndex is the fixed-file slot of the character device.
const charFileIndex = 0

// MapFunc maps the descriptor region of queue qid. The returned function
// unmaps it.
type MapFunc func(charFd int, qid uint16, depth int) ([]byte, func() error, error)

// Config describes one queue.
type Config struct {
	DevID      uint32
	QueueID    uint16
	Depth      int
	MaxIOBytes uint32

	// Files becomes the ring's fixed-file table; Files[0] is the
	// character device.
	Files []int

	Target   interfaces.Target
	Logger   *logging.Logger
	Observer interfaces.Observer

	// IdleTimeout defaults to constants.IdleTimeout.
	IdleTimeout time.Duration

	// NewRing and MapDescriptors default to the kernel implementations.
	NewRing        func(uring.Config) (uring.Ring, error)
	MapDescriptors MapFunc
}

type slot struct {
	result  int32
	pending int
	op      uint8
	bytes   uint32
	started time.Time
}

// Runner services one hardware queue. Everything except the accessors is
// confined to the goroutine executing Run.
type Runner struct {
	cfg    Config
	logger *logging.Logger
	target interfaces.Target

	ring  uring.Ring
	desc  []byte
	unmap func() error
	arena *arena

	slots  []slot
	states []atomic.Int32

	cmdInflight atomic.Int32
	ioInflight  atomic.Int32
	busy        int
	stopping    atomic.Bool
	idle        atomic.Bool

	tid       atomic.Int32
	started   chan struct{}
	startOnce sync.Once
}

// NewRunner validates cfg. Resources are acquired by Run, on the thread
// that will own them.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Depth <= 0 || cfg.Depth > uapi.UBLK_MAX_QUEUE_DEPTH {
		return nil, fmt.Errorf("queue %d: bad depth %d", cfg.QueueID, cfg.Depth)
	}
	if len(cfg.Files) == 0 {
		return nil, fmt.Errorf("queue %d: no character device fd", cfg.QueueID)
	}
	if cfg.Target == nil {
		return nil, fmt.Errorf("queue %d: no target", cfg.QueueID)
	}
	if cfg.MaxIOBytes == 0 {
		cfg.MaxIOBytes = constants.IOMaxBytes
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = constants.IdleTimeout
	}
	if cfg.NewRing == nil {
		cfg.NewRing = uring.NewRing
	}
	if cfg.MapDescriptors == nil {
		cfg.MapDescriptors = mapDescriptors
	}

	return &Runner{
		cfg:     cfg,
		logger:  cfg.Logger.WithQueue(int(cfg.QueueID)),
		target:  cfg.Target,
		slots:   make([]slot, cfg.Depth),
		states:  make([]atomic.Int32, cfg.Depth),
		started: make(chan struct{}),
	}, nil
}

func mapDescriptors(charFd int, qid uint16, depth int) ([]byte, func() error, error) {
	size := uapi.DescRegionSize(depth, os.Getpagesize())
	mem, err := unix.Mmap(charFd, uapi.DescOffset(qid), size,
		unix.PROT_READ, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, nil, err
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}

// Started is closed once every tag has a fetch queued.
func (r *Runner) Started() <-chan struct{} {
	return r.started
}

// Tid is the OS thread serving the queue, or 0 before Run.
func (r *Runner) Tid() int {
	return int(r.tid.Load())
}

// State reports the queue flags.
func (r *Runner) State() (stopping, idle bool) {
	return r.stopping.Load(), r.idle.Load()
}

// Inflight reports fetch/commit commands owned by the kernel and target
// operations owned by the ring.
func (r *Runner) Inflight() (cmd, io int) {
	return int(r.cmdInflight.Load()), int(r.ioInflight.Load())
}

// TagState reports the state of tag.
func (r *Runner) TagState(tag uint16) TagState {
	return TagState(r.states[tag].Load())
}

func (r *Runner) state(tag uint16) TagState {
	return TagState(r.states[tag].Load())
}

func (r *Runner) setState(tag uint16, s TagState) {
	r.states[tag].Store(int32(s))
}

// ID, Desc, Buffer, Ring, CompleteIO and Logger make the runner the
// interfaces.Queue its target works against.

func (r *Runner) ID() uint16 { return r.cfg.QueueID }

func (r *Runner) Desc(tag uint16) uapi.UblksrvIODesc {
	return uapi.IODescAt(r.desc, tag)
}

func (r *Runner) Buffer(tag uint16) []byte { return r.arena.buf(tag) }

func (r *Runner) Ring() uring.Ring { return r.ring }

func (r *Runner) Logger() *logging.Logger { return r.logger }

// CompleteIO records the result of a request the target finished inline.
func (r *Runner) CompleteIO(tag uint16, res int32) {
	if r.state(tag) != TagStateOwned || r.slots[tag].pending != 0 {
		r.logger.Warn("completion for tag not owned by target",
			"tag", tag, "state", r.state(tag).String())
		return
	}
	r.finish(tag, res)
}

var _ interfaces.Queue = (*Runner)(nil)

// Run services the queue until it is stopped by the kernel (fetches
// aborted) or ctx is cancelled, and every issued target operation has
// completed. Cancellation is noticed on the next completion or idle
// timeout; an idle queue only wakes when STOP_DEV aborts its fetches.
func (r *Runner) Run(ctx context.Context) error {
	// ublk_drv binds a queue to the task that issued its first fetch
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	r.tid.Store(int32(unix.Gettid()))

	if err := r.setup(); err != nil {
		return err
	}
	defer r.teardown()

	r.logger.Dbg(logging.DbgQueue, "queue started",
		"tid", r.Tid(), "depth", r.cfg.Depth, "files", len(r.cfg.Files))

	for tag := range r.states {
		r.setState(uint16(tag), TagStateNeedFetch)
	}
	if err := r.issue(); err != nil {
		return err
	}
	r.startOnce.Do(func() { close(r.started) })

	for {
		if ctx.Err() != nil && !r.stopping.Load() {
			r.logger.Dbg(logging.DbgQueue, "queue cancelled")
			r.stopping.Store(true)
		}
		if err := r.issue(); err != nil {
			return err
		}
		if r.done() {
			break
		}

		timeout := r.cfg.IdleTimeout
		if r.idle.Load() {
			timeout = 0
		}
		_, err := r.ring.SubmitAndWait(timeout)
		timedOut := errors.Is(err, uring.ErrTimeout)
		if err != nil && !timedOut {
			return fmt.Errorf("%w: queue %d: %w", ErrRing, r.cfg.QueueID, err)
		}

		reaped := r.ring.Reap(r.handle)
		if reaped > 0 && r.cfg.Observer != nil {
			r.cfg.Observer.ObserveQueueDepth(uint32(r.busy))
		}

		if reaped > 0 && r.idle.Load() {
			r.idle.Store(false)
			r.logger.Dbg(logging.DbgQueue, "queue busy")
		}
		if !r.stopping.Load() && timedOut && reaped == 0 && r.quiet() {
			r.enterIdle()
		}
	}

	r.logger.Dbg(logging.DbgQueue, "queue done")
	return nil
}

func (r *Runner) setup() error {
	ring, err := r.cfg.NewRing(uring.Config{
		Entries:        uint32(r.cfg.Depth),
		Flags:          uring.SetupCoopTaskrun | uring.SetupSQE128,
		RegisterRingFd: true,
	})
	if err != nil {
		return fmt.Errorf("%w: queue %d: %w", ErrRingSetup, r.cfg.QueueID, err)
	}
	if err := ring.RegisterFiles(r.cfg.Files); err != nil {
		ring.Close()
		return fmt.Errorf("%w: queue %d: register files: %w", ErrRingSetup, r.cfg.QueueID, err)
	}

	desc, unmap, err := r.cfg.MapDescriptors(r.cfg.Files[charFileIndex], r.cfg.QueueID, r.cfg.Depth)
	if err != nil {
		ring.UnregisterFiles()
		ring.Close()
		return fmt.Errorf("%w: queue %d: %w", ErrMmap, r.cfg.QueueID, err)
	}
	if len(desc) < r.cfg.Depth*uapi.IODescSize {
		if unmap != nil {
			unmap()
		}
		ring.UnregisterFiles()
		ring.Close()
		return fmt.Errorf("%w: queue %d: region of %d bytes", ErrMmap, r.cfg.QueueID, len(desc))
	}

	a, err := newArena(r.cfg.Depth, r.cfg.MaxIOBytes)
	if err != nil {
		if unmap != nil {
			unmap()
		}
		ring.UnregisterFiles()
		ring.Close()
		return fmt.Errorf("%w: queue %d: %w", ErrArena, r.cfg.QueueID, err)
	}

	r.ring, r.desc, r.unmap, r.arena = ring, desc, unmap, a
	return nil
}

func (r *Runner) teardown() {
	if r.unmap != nil {
		if err := r.unmap(); err != nil {
			r.logger.Warn("unmap descriptors", "error", err)
		}
	}
	if err := r.ring.UnregisterFiles(); err != nil {
		r.logger.Dbg(logging.DbgQueue, "unregister files", "error", err)
	}
	r.ring.Close()
	if err := r.arena.free(); err != nil {
		r.logger.Warn("free buffers", "error", err)
	}
}

func (r *Runner) done() bool {
	return r.stopping.Load() && r.ring.Pending() == 0 && r.ioInflight.Load() == 0
}

func (r *Runner) quiet() bool {
	return r.ring.Pending() == 0 && r.ioInflight.Load() == 0
}

func (r *Runner) enterIdle() {
	if r.idle.Load() {
		return
	}
	if err := r.arena.release(); err != nil {
		r.logger.Warn("release idle buffers", "error", err)
	}
	r.idle.Store(true)
	r.logger.Dbg(logging.DbgQueue, "queue idle")
}

// issue queues a command for every tag that owes one.
func (r *Runner) issue() error {
	for tag := range r.states {
		t := uint16(tag)
		st := r.state(t)
		if st == TagStateNeedFetch && r.stopping.Load() {
			r.setState(t, TagStateDone)
			continue
		}
		if !st.owesCommand() {
			continue
		}
		err := r.queueCmd(t, st)
		if errors.Is(err, uring.ErrRingFull) {
			// the rest goes out after the next submit
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: queue %d: %w", ErrRing, r.cfg.QueueID, err)
		}
	}
	return nil
}

func (r *Runner) queueCmd(tag uint16, st TagState) error {
	cmd := uapi.UblksrvIOCmd{
		QID:  r.cfg.QueueID,
		Tag:  tag,
		Addr: r.arena.addr(tag),
	}
	nr := uint32(uapi.UBLK_IO_FETCH_REQ)
	next := TagStateInFlightFetch
	if st == TagStateNeedCommit {
		nr = uapi.UBLK_IO_COMMIT_AND_FETCH_REQ
		next = TagStateInFlightCommit
		cmd.Result = r.slots[tag].result
	}

	var buf [uapi.IOCmdSize]byte
	uapi.PutIOCmd(buf[:], &cmd)
	ud := uapi.BuildUserData(tag, uint8(nr), 0, false)
	if err := r.ring.PrepUringCmd(charFileIndex, true, uapi.UblkIOCmd(nr), buf[:], ud); err != nil {
		return err
	}

	r.setState(tag, next)
	r.cmdInflight.Add(1)
	r.logger.Dbg(logging.DbgIOCmd, "queue io cmd",
		"tag", tag, "cmd_op", nr, "result", cmd.Result)
	return nil
}

// handle routes one completion by the target bit of its user data.
func (r *Runner) handle(c uring.Result) {
	tag := uapi.UserDataTag(c.UserData)
	if int(tag) >= r.cfg.Depth {
		r.logger.Warn("completion for bad tag", "tag", tag, "user_data", c.UserData)
		return
	}
	if uapi.IsTargetIO(c.UserData) {
		r.ioDone(tag, c)
		return
	}

	r.cmdInflight.Add(-1)
	r.logger.Dbg(logging.DbgIOCmd, "io cmd done",
		"tag", tag, "cmd_op", uapi.UserDataOp(c.UserData), "result", c.Value,
		"stopping", r.stopping.Load())

	if c.Value == uapi.UBLK_IO_RES_ABORT || r.stopping.Load() {
		r.stopping.Store(true)
	}
	if c.Value != uapi.UBLK_IO_RES_OK {
		if c.Value != uapi.UBLK_IO_RES_ABORT {
			r.logger.Warn("io command failed", "tag", tag, "result", c.Value)
		}
		r.setState(tag, TagStateDone)
		return
	}
	r.startIO(tag)
}

func (r *Runner) startIO(tag uint16) {
	desc := r.Desc(tag)
	s := &r.slots[tag]
	*s = slot{op: desc.GetOp(), bytes: desc.Length(), started: time.Now()}
	r.setState(tag, TagStateOwned)
	r.busy++

	r.logger.Dbg(logging.DbgIO, "io",
		"tag", tag, "op", desc.GetOp(), "flags", desc.GetFlags(),
		"start_sector", desc.StartSector, "nr_sectors", desc.NrSectors)

	if desc.Length() > r.cfg.MaxIOBytes {
		r.finish(tag, -int32(syscall.EINVAL))
		return
	}

	n, err := r.target.QueueIO(r, tag)
	switch {
	case err != nil:
		r.logger.Dbg(logging.DbgIO, "io failed", "tag", tag, "error", err)
		if r.state(tag) == TagStateOwned {
			r.finish(tag, errnoResult(err))
		}
	case n > 0:
		s.pending = n
		r.ioInflight.Add(int32(n))
	case r.state(tag) == TagStateOwned:
		r.logger.Error("target neither issued nor completed request", "tag", tag)
		r.finish(tag, -int32(syscall.EIO))
	}
}

// ioDone folds one target completion into the request result: the first
// error wins, otherwise byte counts add up.
func (r *Runner) ioDone(tag uint16, c uring.Result) {
	s := &r.slots[tag]
	if r.state(tag) != TagStateOwned || s.pending == 0 {
		r.logger.Warn("unexpected target completion", "tag", tag, "state", r.state(tag).String())
		return
	}
	s.pending--
	r.ioInflight.Add(-1)

	v := r.target.IODone(r, tag, c.Value)
	if s.result >= 0 {
		if v < 0 {
			s.result = v
		} else {
			s.result += v
		}
	}
	if s.pending == 0 {
		r.finish(tag, s.result)
	}
}

func (r *Runner) finish(tag uint16, res int32) {
	s := &r.slots[tag]
	s.result = res
	r.setState(tag, TagStateNeedCommit)
	r.busy--
	r.observe(s)
}

func (r *Runner) observe(s *slot) {
	o := r.cfg.Observer
	if o == nil {
		return
	}
	lat := uint64(time.Since(s.started))
	ok := s.result >= 0
	switch s.op {
	case uapi.UBLK_IO_OP_READ:
		o.ObserveRead(uint64(s.bytes), lat, ok)
	case uapi.UBLK_IO_OP_WRITE:
		o.ObserveWrite(uint64(s.bytes), lat, ok)
	case uapi.UBLK_IO_OP_FLUSH:
		o.ObserveFlush(lat, ok)
	case uapi.UBLK_IO_OP_DISCARD, uapi.UBLK_IO_OP_WRITE_ZEROES:
		o.ObserveDiscard(uint64(s.bytes), lat, ok)
	}
}

func errnoResult(err error) int32 {
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return -int32(errno)
	}
	return -int32(syscall.EIO)
}

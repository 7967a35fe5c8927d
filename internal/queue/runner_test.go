package queue

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/miniublk/internal/interfaces"
	"github.com/ehrlich-b/miniublk/internal/logging"
	"github.com/ehrlich-b/miniublk/internal/uapi"
	"github.com/ehrlich-b/miniublk/internal/uring"
	"github.com/ehrlich-b/miniublk/internal/uring/uringtest"
	"github.com/ehrlich-b/miniublk/target"
)

const waitLimit = 5 * time.Second

type harness struct {
	t      *testing.T
	ring   *uringtest.FakeRing
	runner *Runner
	cancel context.CancelFunc
	errc   chan error
}

type harnessOpts struct {
	depth    int
	files    []int
	idle     time.Duration
	observer interfaces.Observer
}

func charFd(t *testing.T) int {
	t.Helper()
	f, err := os.Open(os.DevNull)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return int(f.Fd())
}

func startRunner(t *testing.T, tgt interfaces.Target, o harnessOpts) *harness {
	t.Helper()
	if o.depth == 0 {
		o.depth = 4
	}
	if o.files == nil {
		o.files = []int{charFd(t)}
	}
	if o.idle == 0 {
		o.idle = time.Hour
	}

	ring := uringtest.NewFakeRing()
	region := make([]byte, uapi.DescRegionSize(o.depth, os.Getpagesize()))
	ring.Region = region

	r, err := NewRunner(Config{
		DevID:       1,
		QueueID:     0,
		Depth:       o.depth,
		Files:       o.files,
		Target:      tgt,
		Logger:      logging.Nop(),
		Observer:    o.observer,
		IdleTimeout: o.idle,
		NewRing:     func(uring.Config) (uring.Ring, error) { return ring, nil },
		MapDescriptors: func(int, uint16, int) ([]byte, func() error, error) {
			return region, nil, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, ring: ring, runner: r, cancel: cancel, errc: make(chan error, 1)}
	go func() { h.errc <- r.Run(ctx) }()

	select {
	case <-r.Started():
	case err := <-h.errc:
		t.Fatalf("runner exited early: %v", err)
	case <-time.After(waitLimit):
		t.Fatal("runner did not start")
	}
	require.True(t, uringtest.WaitFor(waitLimit, func() bool { return ring.ParkedCount() == o.depth }))

	t.Cleanup(func() {
		cancel()
		ring.Abort()
		select {
		case <-h.errc:
		case <-time.After(waitLimit):
			t.Error("runner did not exit")
		}
	})
	return h
}

// request delivers one descriptor and waits for the matching commit.
func (h *harness) request(t *testing.T, tag uint16, op uint8, sector uint64, length int, payload []byte) uringtest.Commit {
	t.Helper()
	before := len(h.ring.Commits())
	desc := uapi.UblksrvIODesc{
		OpFlags:     uint32(op),
		NrSectors:   uint32(length >> 9),
		StartSector: sector,
	}
	require.NoError(t, h.ring.Deliver(tag, desc, payload))
	require.True(t, uringtest.WaitFor(waitLimit, func() bool { return len(h.ring.Commits()) > before }),
		"no commit for tag %d", tag)
	c := h.ring.Commits()[before]
	require.Equal(t, tag, c.Tag)
	return c
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.errc:
		h.errc <- err
		return err
	case <-time.After(waitLimit):
		h.t.Fatal("runner did not exit")
		return nil
	}
}

func TestPrimeIssuesFixedFileFetches(t *testing.T) {
	h := startRunner(t, target.NewNull(), harnessOpts{depth: 8})

	subs := h.ring.Submissions()
	require.Len(t, subs, 8)
	for i, s := range subs {
		assert.Equal(t, uringtest.KindUringCmd, s.Kind)
		assert.True(t, s.Fixed)
		assert.Equal(t, 0, s.Fd)
		assert.Equal(t, uapi.UblkIOCmd(uapi.UBLK_IO_FETCH_REQ), s.CmdOp)
		assert.False(t, uapi.IsTargetIO(s.UserData))
		assert.Equal(t, uint16(i), uapi.UserDataTag(s.UserData))

		var cmd uapi.UblksrvIOCmd
		require.NoError(t, uapi.UnmarshalIOCmd(s.Cmd, &cmd))
		assert.Equal(t, uint16(i), cmd.Tag)
		assert.NotZero(t, cmd.Addr)
	}

	for tag := uint16(0); tag < 8; tag++ {
		assert.Equal(t, TagStateInFlightFetch, h.runner.TagState(tag))
	}
	cmd, io := h.runner.Inflight()
	assert.Equal(t, 8, cmd)
	assert.Equal(t, 0, io)
	assert.NotZero(t, h.runner.Tid())
}

func TestNullTargetCompletesFullLength(t *testing.T) {
	h := startRunner(t, target.NewNull(), harnessOpts{})

	tests := []struct {
		name   string
		op     uint8
		length int
	}{
		{"read 4k", uapi.UBLK_IO_OP_READ, 4096},
		{"read 512", uapi.UBLK_IO_OP_READ, 512},
		{"write 64k", uapi.UBLK_IO_OP_WRITE, 65536},
		{"flush", uapi.UBLK_IO_OP_FLUSH, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := h.request(t, 1, tt.op, 0, tt.length, nil)
			assert.Equal(t, int32(tt.length), c.Result)
			assert.True(t, h.ring.Parked(1))
		})
	}
}

func TestOversizedRequestFails(t *testing.T) {
	h := startRunner(t, target.NewNull(), harnessOpts{})
	c := h.request(t, 0, uapi.UBLK_IO_OP_READ, 0, 128*1024, nil)
	assert.Equal(t, -int32(syscall.EINVAL), c.Result)
}

func newLoop(t *testing.T, size int64) (*target.Loop, *interfaces.Device, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backing.img")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	require.NoError(t, os.Truncate(path, size))

	dev := &interfaces.Device{
		ID:          1,
		NrQueues:    1,
		Depth:       4,
		MaxIOBytes:  65536,
		BackingFile: path,
		Files:       []int{charFd(t)},
		Logger:      logging.Nop(),
	}
	loop := target.NewLoop()
	require.NoError(t, loop.Init(dev))
	t.Cleanup(func() { loop.Deinit(dev) })
	return loop, dev, path
}

func TestLoopRoundTrip(t *testing.T) {
	loop, dev, path := newLoop(t, 512000)
	h := startRunner(t, loop, harnessOpts{files: dev.Files})
	assert.Equal(t, dev.Files, h.ring.Files())

	zeros := make([]byte, 4096)
	c := h.request(t, 0, uapi.UBLK_IO_OP_WRITE, 0, 4096, zeros)
	require.Equal(t, int32(4096), c.Result)
	c = h.request(t, 0, uapi.UBLK_IO_OP_READ, 0, 4096, nil)
	require.Equal(t, int32(4096), c.Result)
	assert.Equal(t, zeros, c.Data)

	pattern := bytes.Repeat([]byte("miniublk"), 1024) // 8 KiB
	c = h.request(t, 2, uapi.UBLK_IO_OP_WRITE, 16, len(pattern), pattern)
	require.Equal(t, int32(len(pattern)), c.Result)
	c = h.request(t, 3, uapi.UBLK_IO_OP_READ, 16, len(pattern), nil)
	require.Equal(t, int32(len(pattern)), c.Result)
	assert.Equal(t, pattern, c.Data)

	c = h.request(t, 1, uapi.UBLK_IO_OP_FLUSH, 0, 0, nil)
	assert.Equal(t, int32(0), c.Result)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pattern, onDisk[16*512:16*512+len(pattern)])

	// target operations go to the backing file's fixed slot
	var sawTargetIO bool
	for _, s := range h.ring.Submissions() {
		if uapi.IsTargetIO(s.UserData) {
			sawTargetIO = true
			assert.Equal(t, 1, s.Fd)
		}
	}
	assert.True(t, sawTargetIO)
}

func TestLoopUnsupportedOps(t *testing.T) {
	loop, dev, _ := newLoop(t, 1<<20)
	h := startRunner(t, loop, harnessOpts{files: dev.Files})

	c := h.request(t, 0, uapi.UBLK_IO_OP_DISCARD, 0, 4096, nil)
	assert.Equal(t, -int32(syscall.ENOTSUP), c.Result)
	c = h.request(t, 0, uapi.UBLK_IO_OP_WRITE_ZEROES, 0, 4096, nil)
	assert.Equal(t, -int32(syscall.ENOTSUP), c.Result)

	// the queue keeps serving after a failed request
	c = h.request(t, 0, uapi.UBLK_IO_OP_READ, 0, 4096, nil)
	assert.Equal(t, int32(4096), c.Result)
}

func TestIdleReleasesBuffersAndResumes(t *testing.T) {
	loop, dev, _ := newLoop(t, 1<<20)
	h := startRunner(t, loop, harnessOpts{files: dev.Files, idle: 30 * time.Millisecond})

	payload := bytes.Repeat([]byte{0x5a}, 4096)
	require.Equal(t, int32(4096), h.request(t, 0, uapi.UBLK_IO_OP_WRITE, 8, 4096, payload).Result)

	require.True(t, uringtest.WaitFor(waitLimit, func() bool {
		_, idle := h.runner.State()
		return idle
	}))
	assert.Equal(t, 4, h.ring.ParkedCount())

	c := h.request(t, 0, uapi.UBLK_IO_OP_READ, 8, 4096, nil)
	require.Equal(t, int32(4096), c.Result)
	assert.Equal(t, payload, c.Data)

	stopping, _ := h.runner.State()
	assert.False(t, stopping)
}

func TestAbortDrainsAndExits(t *testing.T) {
	h := startRunner(t, target.NewNull(), harnessOpts{depth: 4})
	h.request(t, 2, uapi.UBLK_IO_OP_READ, 0, 4096, nil)

	h.ring.Abort()
	require.NoError(t, h.wait())

	stopping, _ := h.runner.State()
	assert.True(t, stopping)
	for tag := uint16(0); tag < 4; tag++ {
		assert.Equal(t, TagStateDone, h.runner.TagState(tag))
		assert.True(t, h.runner.TagState(tag).Free())
	}
	assert.True(t, h.ring.Closed())
	assert.Empty(t, h.ring.Files())
}

func TestCancelStopsQueue(t *testing.T) {
	h := startRunner(t, target.NewNull(), harnessOpts{depth: 2, idle: 500 * time.Millisecond})
	h.cancel()
	require.NoError(t, h.wait())

	stopping, _ := h.runner.State()
	assert.True(t, stopping)
	// nothing was fetched after cancellation
	assert.Len(t, h.ring.Submissions(), 2)
	assert.True(t, h.ring.Closed())
}

// scriptedTarget issues n fsyncs per request and maps their completions
// to the results in script.
type scriptedTarget struct {
	n      int
	err    error
	mu     sync.Mutex
	script []int32
}

func (*scriptedTarget) Name() string                    { return "scripted" }
func (*scriptedTarget) Init(*interfaces.Device) error   { return nil }
func (*scriptedTarget) Deinit(*interfaces.Device) error { return nil }

func (s *scriptedTarget) QueueIO(q interfaces.Queue, tag uint16) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	for i := 0; i < s.n; i++ {
		if err := q.Ring().PrepFsync(0, true, uapi.BuildUserData(tag, 0, uint8(i), true)); err != nil {
			return 0, err
		}
	}
	return s.n, nil
}

func (s *scriptedTarget) IODone(_ interfaces.Queue, _ uint16, _ int32) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.script[0]
	s.script = s.script[1:]
	return v
}

func TestSplitRequestResults(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "sync"))
	require.NoError(t, err)
	defer f.Close()

	tests := []struct {
		name   string
		script []int32
		want   int32
	}{
		{"sum", []int32{1024, 3072}, 4096},
		{"first error wins", []int32{-5, 4096, -28}, -5},
		{"error after data", []int32{512, -28}, -28},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tgt := &scriptedTarget{n: len(tt.script), script: append([]int32(nil), tt.script...)}
			h := startRunner(t, tgt, harnessOpts{files: []int{int(f.Fd())}})
			c := h.request(t, 0, uapi.UBLK_IO_OP_READ, 0, 4096, nil)
			assert.Equal(t, tt.want, c.Result)
			_, io := h.runner.Inflight()
			assert.Equal(t, 0, io)
		})
	}
}

func TestTargetErrorBecomesErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int32
	}{
		{"errno", syscall.ENOSPC, -int32(syscall.ENOSPC)},
		{"wrapped errno", errors.Join(errors.New("backing"), syscall.EROFS), -int32(syscall.EROFS)},
		{"plain error", errors.New("boom"), -int32(syscall.EIO)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startRunner(t, &scriptedTarget{err: tt.err}, harnessOpts{})
			c := h.request(t, 3, uapi.UBLK_IO_OP_WRITE, 0, 512, make([]byte, 512))
			assert.Equal(t, tt.want, c.Result)
		})
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	reads  []uint64
	writes []uint64
	flush  int
	depths []uint32
}

func (o *recordingObserver) ObserveRead(b, _ uint64, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.reads = append(o.reads, b)
	}
}

func (o *recordingObserver) ObserveWrite(b, _ uint64, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.writes = append(o.writes, b)
	}
}

func (o *recordingObserver) ObserveDiscard(uint64, uint64, bool) {}

func (o *recordingObserver) ObserveFlush(uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flush++
}

func (o *recordingObserver) ObserveQueueDepth(d uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.depths = append(o.depths, d)
}

func TestObserverSeesRequests(t *testing.T) {
	obs := &recordingObserver{}
	h := startRunner(t, target.NewNull(), harnessOpts{observer: obs})

	h.request(t, 0, uapi.UBLK_IO_OP_READ, 0, 4096, nil)
	h.request(t, 1, uapi.UBLK_IO_OP_WRITE, 0, 8192, nil)
	h.request(t, 2, uapi.UBLK_IO_OP_FLUSH, 0, 0, nil)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []uint64{4096}, obs.reads)
	assert.Equal(t, []uint64{8192}, obs.writes)
	assert.Equal(t, 1, obs.flush)
	assert.NotEmpty(t, obs.depths)
}

func TestTagStatesAreExclusive(t *testing.T) {
	h := startRunner(t, target.NewNull(), harnessOpts{depth: 2})

	h.request(t, 0, uapi.UBLK_IO_OP_READ, 0, 512, nil)
	assert.Equal(t, TagStateInFlightCommit, h.runner.TagState(0))
	assert.Equal(t, TagStateInFlightFetch, h.runner.TagState(1))
	assert.False(t, h.runner.TagState(0).Free())

	// a tag the kernel holds is never submitted twice
	perTag := map[uint16]int{}
	for _, c := range h.ring.Commits() {
		perTag[c.Tag]++
	}
	assert.Equal(t, map[uint16]int{0: 1}, perTag)
	cmd, _ := h.runner.Inflight()
	assert.Equal(t, 2, cmd)
}

func TestNewRunnerValidates(t *testing.T) {
	_, err := NewRunner(Config{Depth: 0, Files: []int{0}, Target: target.NewNull()})
	assert.Error(t, err)
	_, err = NewRunner(Config{Depth: 4, Target: target.NewNull()})
	assert.Error(t, err)
	_, err = NewRunner(Config{Depth: 4, Files: []int{0}})
	assert.Error(t, err)
}

func TestSetupFailures(t *testing.T) {
	t.Run("ring", func(t *testing.T) {
		r, err := NewRunner(Config{
			Depth: 2, Files: []int{0}, Target: target.NewNull(),
			NewRing: func(uring.Config) (uring.Ring, error) { return nil, syscall.ENOMEM },
		})
		require.NoError(t, err)
		err = r.Run(context.Background())
		assert.ErrorIs(t, err, ErrRingSetup)
		assert.ErrorIs(t, err, syscall.ENOMEM)
	})

	t.Run("mmap", func(t *testing.T) {
		ring := uringtest.NewFakeRing()
		var gotCfg uring.Config
		r, err := NewRunner(Config{
			Depth: 2, Files: []int{0}, Target: target.NewNull(),
			NewRing: func(c uring.Config) (uring.Ring, error) { gotCfg = c; return ring, nil },
			MapDescriptors: func(int, uint16, int) ([]byte, func() error, error) {
				return nil, nil, syscall.EINVAL
			},
		})
		require.NoError(t, err)
		err = r.Run(context.Background())
		assert.ErrorIs(t, err, ErrMmap)
		assert.True(t, ring.Closed())

		assert.Equal(t, uint32(2), gotCfg.Entries)
		assert.Equal(t, uring.SetupCoopTaskrun|uring.SetupSQE128, gotCfg.Flags)
		assert.True(t, gotCfg.RegisterRingFd)
	})
}

package ublk

import (
	"context"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/miniublk/internal/ctrl"
	"github.com/ehrlich-b/miniublk/internal/uapi"
	"github.com/ehrlich-b/miniublk/internal/uring/uringtest"
)

// putDevice registers id directly; with params it also pushes a basic
// parameter block for a 1 GiB disk.
func putDevice(t *testing.T, k *kernel, id uint32, state uint16, pid int32, params bool) {
	t.Helper()
	k.ctl.Put(uapi.UblksrvCtrlDevInfo{
		DevID:         id,
		NrHwQueues:    2,
		QueueDepth:    64,
		MaxIOBufBytes: IOMaxBytes,
		State:         uapi.UBLK_S_DEV_DEAD,
		UblksrvPID:    -1,
		Flags:         uapi.UBLK_F_CMD_IOCTL_ENCODE,
	})
	c := ctrl.NewWithRing(uringtest.NewControlRing(k.ctl), 3, nil)
	defer c.Close()
	if params {
		p := &uapi.UblkParams{}
		p.SetBasic()
		p.Basic.LogicalBSShift = 12
		p.Basic.DevSectors = 1 << 21
		require.NoError(t, c.SetParams(id, p))
	}
	if state == uapi.UBLK_S_DEV_LIVE {
		require.NoError(t, c.StartDevice(id, int(pid)))
	}
}

func TestDeleteMissingDevice(t *testing.T) {
	k := newKernel(t)
	err := Delete(context.Background(), 9, k.opts)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.ErrorIs(t, err, syscall.ENODEV)
	assert.Equal(t, []uint32{uapi.UBLK_CMD_GET_DEV_INFO}, k.ctl.Log())
}

func TestDeleteNeverStartedDevice(t *testing.T) {
	k := newKernel(t)
	putDevice(t, k, 3, uapi.UBLK_S_DEV_DEAD, -1, false)
	require.NoError(t, Delete(context.Background(), 3, k.opts))
	assert.Zero(t, k.ctl.Count())

	// a second delete fails without touching anything else
	putDevice(t, k, 4, uapi.UBLK_S_DEV_DEAD, -1, false)
	assert.ErrorIs(t, Delete(context.Background(), 3, k.opts), syscall.ENODEV)
	_, ok := k.ctl.Device(4)
	assert.True(t, ok)
}

func TestDeleteWaitsForDaemon(t *testing.T) {
	k := newKernel(t)
	k.opts.Settings.Delete.Retries = 50
	putDevice(t, k, 1, uapi.UBLK_S_DEV_LIVE, 777, true)

	checks := 0
	k.opts.hooks.processAlive = func(pid int) bool {
		assert.Equal(t, 777, pid)
		checks++
		return checks < 3
	}
	require.NoError(t, Delete(context.Background(), 1, k.opts))
	assert.Equal(t, 3, checks)
	assert.Zero(t, k.ctl.Count())
}

func TestDeleteDaemonStillAlive(t *testing.T) {
	k := newKernel(t)
	k.alive.Store(true)
	putDevice(t, k, 2, uapi.UBLK_S_DEV_LIVE, 777, true)

	err := Delete(context.Background(), 2, k.opts)
	assert.True(t, IsCode(err, ErrCodeDaemonAlive), "got %v", err)
	assert.ErrorIs(t, err, ErrDaemonAlive)

	dev, ok := k.ctl.Device(2)
	require.True(t, ok, "device must survive a live daemon")
	assert.Equal(t, uint16(uapi.UBLK_S_DEV_DEAD), dev.State)
	assert.NotContains(t, k.ctl.Log(), uint32(uapi.UBLK_CMD_DEL_DEV))
}

func TestDeleteStopFailure(t *testing.T) {
	k := newKernel(t)
	putDevice(t, k, 2, uapi.UBLK_S_DEV_DEAD, -1, false)

	k.ctl.Fail = map[uint32]int32{uapi.UBLK_CMD_STOP_DEV: -int32(syscall.EALREADY)}
	require.NoError(t, Delete(context.Background(), 2, k.opts))

	putDevice(t, k, 2, uapi.UBLK_S_DEV_DEAD, -1, false)
	k.ctl.Fail = map[uint32]int32{uapi.UBLK_CMD_STOP_DEV: -int32(syscall.EPERM)}
	err := Delete(context.Background(), 2, k.opts)
	assert.True(t, IsCode(err, ErrCodePermissionDenied))
	assert.Equal(t, 1, k.ctl.Count())
}

func TestDeleteAllSweeps(t *testing.T) {
	k := newKernel(t)
	k.alive.Store(true)
	for _, id := range []uint32{0, 5, 200, 254} {
		putDevice(t, k, id, uapi.UBLK_S_DEV_DEAD, -1, false)
	}
	putDevice(t, k, 9, uapi.UBLK_S_DEV_LIVE, 777, true)
	putDevice(t, k, 255, uapi.UBLK_S_DEV_DEAD, -1, false)

	errs := DeleteAll(context.Background(), k.opts)
	require.Len(t, errs, 1)
	assert.True(t, IsCode(errs[0], ErrCodeDaemonAlive))

	// 9 keeps its live daemon, 255 is outside the sweep
	assert.Equal(t, 2, k.ctl.Count())
	_, ok := k.ctl.Device(255)
	assert.True(t, ok)
}

func TestList(t *testing.T) {
	k := newKernel(t)
	putDevice(t, k, 2, uapi.UBLK_S_DEV_LIVE, 1234, true)

	info, err := List(context.Background(), 2, k.opts)
	require.NoError(t, err)
	assert.Equal(t, &DeviceInfo{
		ID:         2,
		NrQueues:   2,
		QueueDepth: 64,
		BlockSize:  4096,
		Sectors:    1 << 21,
		MaxIOBytes: IOMaxBytes,
		DaemonPID:  1234,
		Flags:      uapi.UBLK_F_CMD_IOCTL_ENCODE,
		State:      "LIVE",
	}, info)

	_, err = List(context.Background(), 3, k.opts)
	assert.ErrorIs(t, err, syscall.ENODEV)
}

func TestListAll(t *testing.T) {
	k := newKernel(t)
	putDevice(t, k, 1, uapi.UBLK_S_DEV_DEAD, -1, true)
	putDevice(t, k, 7, uapi.UBLK_S_DEV_LIVE, 99, true)
	putDevice(t, k, 8, uapi.UBLK_S_DEV_DEAD, -1, false)

	infos, errs := ListAll(context.Background(), k.opts)
	require.Len(t, infos, 2)
	assert.Equal(t, uint32(1), infos[0].ID)
	assert.Equal(t, "DEAD", infos[0].State)
	assert.Equal(t, uint32(7), infos[1].ID)

	// 8 has no parameters yet
	require.Len(t, errs, 1)
	var ue *Error
	require.ErrorAs(t, errs[0], &ue)
	assert.Equal(t, "GET_PARAMS", ue.Op)
	assert.Equal(t, int64(8), ue.DevID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	infos, errs = ListAll(ctx, k.opts)
	assert.Empty(t, infos)
	assert.ErrorIs(t, errs[len(errs)-1], context.Canceled)
}

func TestDump(t *testing.T) {
	info := &DeviceInfo{
		ID:         0,
		NrQueues:   2,
		QueueDepth: 128,
		BlockSize:  512,
		Sectors:    524288000,
		MaxIOBytes: 65536,
		DaemonPID:  321,
		Flags:      0x40,
		State:      "LIVE",
	}
	var b strings.Builder
	require.NoError(t, info.Dump(&b))
	assert.Equal(t,
		"dev id 0: nr_hw_queues 2 queue_depth 128 block size 512 dev_capacity 524288000\n"+
			"\tmax rq size 65536 daemon pid 321 flags 0x40 state LIVE\n",
		b.String())

	info.QueueTids = []int{11, 12}
	b.Reset()
	require.NoError(t, info.Dump(&b))
	assert.True(t, strings.HasSuffix(b.String(), "\tqueue 0 tid: 11\n\tqueue 1 tid: 12\n"))
}
